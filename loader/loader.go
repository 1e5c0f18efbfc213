package loader

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rapee/flowmap.blue/flow"
)

// Default sheet names looked up in a workbook when a source names none.
const (
	LocationsSheet = "locations"
	FlowsSheet     = "flows"
)

// Options configures a Loader.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	// RequestsPerSecond caps outgoing HTTP requests across all sources.
	RequestsPerSecond float64
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
}

// Loader fetches and parses sources.
type Loader struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
}

// New creates a Loader, filling in defaults for zero options.
func New(opts Options) *Loader {
	if opts.UserAgent == "" {
		opts.UserAgent = "flowmap/1.0"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	return &Loader{
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(math.Max(1, opts.RequestsPerSecond))),
	}
}

// Dataset is one pair of location and flow tables.
type Dataset struct {
	Locations []flow.Location
	Flows     []flow.Flow
}

// LoadLocations reads a location table with id, name, lat and lon columns.
// Coordinates that are not numbers become NaN.
func (l *Loader) LoadLocations(ctx context.Context, src Source) ([]flow.Location, error) {
	rows, err := l.rows(ctx, src, LocationsSheet)
	if err != nil {
		return nil, err
	}
	records, err := decodeRows[locationRecord](rows, "id", "lat", "lon")
	if err != nil {
		return nil, eris.Wrapf(err, "loader: locations from %s", src)
	}
	return toLocations(records), nil
}

// LoadFlows reads a flow table with origin, dest and count columns and an
// optional time column. Counts that are not numbers become 0.
func (l *Loader) LoadFlows(ctx context.Context, src Source) ([]flow.Flow, error) {
	rows, err := l.rows(ctx, src, FlowsSheet)
	if err != nil {
		return nil, err
	}
	records, err := decodeRows[flowRecord](rows, "origin", "dest", "count")
	if err != nil {
		return nil, eris.Wrapf(err, "loader: flows from %s", src)
	}
	return toFlows(records), nil
}

// LoadDataset fetches both tables concurrently.
func (l *Loader) LoadDataset(ctx context.Context, locations, flows Source) (*Dataset, error) {
	start := time.Now()
	var ds Dataset

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ds.Locations, err = l.LoadLocations(gctx, locations)
		return err
	})
	g.Go(func() error {
		var err error
		ds.Flows, err = l.LoadFlows(gctx, flows)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	zap.L().Info("loader: dataset loaded",
		zap.String("locations", locations.String()),
		zap.String("flows", flows.String()),
		zap.Int("location_count", len(ds.Locations)),
		zap.Int("flow_count", len(ds.Flows)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &ds, nil
}

// rows opens src and returns its rows, header first.
func (l *Loader) rows(ctx context.Context, src Source, defaultSheet string) (rowReader, error) {
	var data []byte
	if src.IsRemote() {
		body, err := l.download(ctx, src.Location)
		if err != nil {
			return nil, err
		}
		data = body
	} else {
		if src.Format() == FormatXLSX {
			f, err := xlsx.OpenFile(src.Location)
			if err != nil {
				return nil, eris.Wrapf(err, "loader: open workbook %s", src.Location)
			}
			return sheetRows(f, src.Sheet, defaultSheet)
		}
		b, err := os.ReadFile(src.Location)
		if err != nil {
			return nil, eris.Wrapf(err, "loader: read %s", src.Location)
		}
		data = b
	}

	if src.Format() == FormatXLSX {
		f, err := xlsx.OpenBinary(data)
		if err != nil {
			return nil, eris.Wrapf(err, "loader: open workbook %s", src.Location)
		}
		return sheetRows(f, src.Sheet, defaultSheet)
	}
	return newCSVReader(bytes.NewReader(data)), nil
}

// sheetRows picks the named sheet, else the default sheet if the workbook has
// one, else the first sheet.
func sheetRows(f *xlsx.File, name, defaultSheet string) (rowReader, error) {
	var sheet *xlsx.Sheet
	switch {
	case name != "":
		s, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("loader: sheet %q not found", name)
		}
		sheet = s
	case f.Sheet[defaultSheet] != nil:
		sheet = f.Sheet[defaultSheet]
	case len(f.Sheets) > 0:
		sheet = f.Sheets[0]
	default:
		return nil, eris.New("loader: workbook has no sheets")
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return &sliceReader{rows: rows}, nil
}

// download fetches rawURL, retrying transport errors and 5xx/429 answers
// with exponential backoff.
func (l *Loader) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "loader: create request")
	}
	req.Header.Set("User-Agent", l.opts.UserAgent)

	var lastErr error
	for attempt := range l.opts.MaxRetries {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "loader: rate limiter wait")
		}

		resp, err := l.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = err
			zap.L().Warn("loader: request failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			l.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("loader: http %d from %s", resp.StatusCode, rawURL)
			zap.L().Warn("loader: server error, retrying",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			l.backoff(ctx, attempt)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, eris.Wrapf(err, "loader: read body of %s", rawURL)
		}
		if resp.StatusCode >= 400 {
			return nil, eris.Errorf("loader: http %d from %s", resp.StatusCode, rawURL)
		}
		return body, nil
	}

	return nil, eris.Wrap(lastErr, "loader: all retries exhausted")
}

func (l *Loader) backoff(ctx context.Context, attempt int) {
	d := time.Duration(float64(l.opts.RetryBase) * math.Pow(2, float64(attempt)))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package loader

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/rapee/flowmap.blue/flow"
)

type locationRecord struct {
	ID   string `csv:"id"`
	Name string `csv:"name"`
	Lat  string `csv:"lat"`
	Lon  string `csv:"lon"`
}

type flowRecord struct {
	Origin string `csv:"origin"`
	Dest   string `csv:"dest"`
	Count  string `csv:"count"`
	Time   string `csv:"time"`
}

// headerAliases maps common column spellings to the record tags.
var headerAliases = map[string]string{
	"latitude":    "lat",
	"longitude":   "lon",
	"lng":         "lon",
	"dst":         "dest",
	"destination": "dest",
	"src":         "origin",
	"source":      "origin",
	"magnitude":   "count",
	"value":       "count",
}

// rowReader is the row source csvutil decodes from.
type rowReader interface {
	Read() ([]string, error)
}

// sliceReader serves rows that were already read, such as XLSX rows.
type sliceReader struct {
	rows [][]string
	next int
}

func (r *sliceReader) Read() ([]string, error) {
	if r.next >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.next]
	r.next++
	return row, nil
}

// fixedWidthReader pads or cuts rows to the header width. Spreadsheets drop
// trailing empty cells.
type fixedWidthReader struct {
	r     rowReader
	width int
}

func (f *fixedWidthReader) Read() ([]string, error) {
	row, err := f.r.Read()
	if err != nil {
		return nil, err
	}
	if len(row) > f.width {
		return row[:f.width], nil
	}
	for len(row) < f.width {
		row = append(row, "")
	}
	return row, nil
}

func newCSVReader(r io.Reader) rowReader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr
}

// normalizeHeader lower-cases, trims and resolves aliases. Blank and
// repeated names get positional placeholders.
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if alias, ok := headerAliases[h]; ok {
			h = alias
		}
		if h == "" || contains(out[:i], h) {
			h = "_" + strconv.Itoa(i)
		}
		out[i] = h
	}
	return out
}

// decodeRows reads the header row of r and decodes every following row
// into a T.
func decodeRows[T any](r rowReader, required ...string) ([]T, error) {
	header, err := r.Read()
	if err == io.EOF {
		return nil, eris.New("loader: table is empty")
	}
	if err != nil {
		return nil, eris.Wrap(err, "loader: read header")
	}
	header = normalizeHeader(header)
	for _, col := range required {
		if !contains(header, col) {
			return nil, eris.Errorf("loader: missing column %q", col)
		}
	}

	dec, err := csvutil.NewDecoder(&fixedWidthReader{r: r, width: len(header)}, header...)
	if err != nil {
		return nil, eris.Wrap(err, "loader: create decoder")
	}

	var out []T
	for {
		var rec T
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, eris.Wrapf(err, "loader: decode row %d", len(out)+2)
		}
		out = append(out, rec)
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toLocations(records []locationRecord) []flow.Location {
	locations := make([]flow.Location, 0, len(records))
	for _, r := range records {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			continue
		}
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = id
		}
		locations = append(locations, flow.Location{
			ID:   id,
			Name: name,
			Lon:  flow.ParseCoord(r.Lon),
			Lat:  flow.ParseCoord(r.Lat),
		})
	}
	return locations
}

func toFlows(records []flowRecord) []flow.Flow {
	flows := make([]flow.Flow, 0, len(records))
	for _, r := range records {
		flows = append(flows, flow.Flow{
			Origin: strings.TrimSpace(r.Origin),
			Dest:   strings.TrimSpace(r.Dest),
			Count:  flow.ParseCount(r.Count),
			Time:   flow.ParseTime(r.Time),
		})
	}
	return flows
}

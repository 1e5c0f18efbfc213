package runner

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rapee/flowmap.blue/highlight"
	"github.com/rapee/flowmap.blue/loader"
	"github.com/rapee/flowmap.blue/memo"
	"github.com/rapee/flowmap.blue/pipeline"
)

// Dataset is one loaded location and flow set with its view state.
type Dataset struct {
	ID        string
	Locations loader.Source
	Flows     loader.Source
	Created   time.Time

	ignoreErrors bool

	mu        sync.Mutex
	pipeline  *pipeline.Pipeline
	highlight *highlight.Debouncer
}

// With runs fn with exclusive access to the dataset's pipeline.
func (d *Dataset) With(fn func(p *pipeline.Pipeline)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.pipeline)
}

// Highlight returns the dataset's hover debouncer.
func (d *Dataset) Highlight() *highlight.Debouncer {
	return d.highlight
}

// Status describes the current view of a dataset. The advisory id lists are
// empty when the runner ignores data errors.
type Status struct {
	ID                 string                `json:"id"`
	Locations          int                   `json:"locations"`
	Flows              int                   `json:"flows"`
	KnownFlows         int                   `json:"knownFlows"`
	ZoomRange          *pipeline.ZoomRange   `json:"zoomRange,omitempty"`
	Zoom               float64               `json:"zoom"`
	ClusteredZoom      *int                  `json:"clusteredZoom,omitempty"`
	Clustering         bool                  `json:"clustering"`
	Animation          bool                  `json:"animation"`
	DiffMode           bool                  `json:"diffMode"`
	InvalidLocationIDs []string              `json:"invalidLocationIds,omitempty"`
	UnknownLocationIDs []string              `json:"unknownLocationIds,omitempty"`
	Cache              map[string]memo.Stats `json:"cache,omitempty"`
	CacheTotal         memo.Stats            `json:"cacheTotal"`
}

// ViewUpdate changes the view; nil fields are left alone.
type ViewUpdate struct {
	Zoom       *float64 `json:"zoom"`
	Clustering *bool    `json:"clustering"`
	Animation  *bool    `json:"animation"`
}

// Status reports the dataset's current view.
func (d *Dataset) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

// UpdateView applies v and reports the resulting view.
func (d *Dataset) UpdateView(v ViewUpdate) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v.Zoom != nil {
		d.pipeline.SetZoom(*v.Zoom)
	}
	if v.Clustering != nil {
		d.pipeline.SetClustering(*v.Clustering)
	}
	if v.Animation != nil {
		d.pipeline.SetAnimation(*v.Animation)
	}
	return d.statusLocked()
}

func (d *Dataset) statusLocked() Status {
	p := d.pipeline
	s := Status{
		ID:         d.ID,
		Locations:  len(p.RawLocations()),
		Flows:      len(p.RawFlows()),
		KnownFlows: len(p.KnownFlows()),
		Zoom:       p.Zoom(),
		Clustering: p.Clustering(),
		Animation:  p.Animation(),
		DiffMode:   p.IsDiffMode(),
		Cache:      p.Stats(),
		CacheTotal: p.CacheTotal(),
	}
	if r, ok := p.ZoomRange(); ok {
		s.ZoomRange = &r
	}
	if z, ok := p.ClusteredZoom(); ok {
		s.ClusteredZoom = &z
	}
	if !d.ignoreErrors {
		s.InvalidLocationIDs = p.InvalidLocationIDs()
		s.UnknownLocationIDs = p.UnknownLocationIDs()
	}
	return s
}

func (d *Dataset) recordHighlight(h *highlight.Highlight) {
	if h == nil {
		zap.L().Debug("runner: highlight cleared", zap.String("dataset", d.ID))
		return
	}
	zap.L().Debug("runner: highlight",
		zap.String("dataset", d.ID),
		zap.String("type", string(h.Kind)),
		zap.String("location", h.LocationID),
		zap.String("origin", h.Origin),
		zap.String("dest", h.Dest),
	)
}

// Info summarizes the dataset.
func (d *Dataset) Info() DatasetInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DatasetInfo{
		ID:        d.ID,
		Locations: d.Locations.String(),
		Flows:     d.Flows.String(),
		Created:   d.Created,
		NumPoints: len(d.pipeline.RawLocations()),
		NumFlows:  len(d.pipeline.RawFlows()),
	}
}

func (d *Dataset) close() {
	d.highlight.Stop()
	d.mu.Lock()
	d.pipeline.Close()
	d.mu.Unlock()
}

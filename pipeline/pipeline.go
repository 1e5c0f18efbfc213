// Package pipeline derives the per-zoom visible entities and aggregated
// flows of a flow map from raw locations, flows and the camera zoom.
//
// Every derivation is a memo cell. Setting new locations or flows replaces
// the corresponding snapshot, which invalidates exactly the derivations that
// depend on it. Results handed out are shared and must not be modified.
// A Pipeline is not safe for concurrent use.
package pipeline

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/flow"
	"github.com/rapee/flowmap.blue/memo"
)

// locationSet and flowSet are immutable snapshots. Their pointer identity is
// what the memo cells compare.
type locationSet struct {
	items []flow.Location
}

func (s *locationSet) list() []flow.Location {
	if s == nil {
		return nil
	}
	return s.items
}

type flowSet struct {
	items []flow.Flow
}

func (s *flowSet) list() []flow.Flow {
	if s == nil {
		return nil
	}
	return s.items
}

type Option func(*Pipeline)

// WithIndexOptions sets the options the cluster index is built with.
func WithIndexOptions(options cluster.SuperclusterOptions) Option {
	return func(p *Pipeline) {
		p.indexOptions = options
	}
}

func WithClustering(enabled bool) Option {
	return func(p *Pipeline) {
		p.clustering = enabled
	}
}

func WithAnimation(enabled bool) Option {
	return func(p *Pipeline) {
		p.animation = enabled
	}
}

type Pipeline struct {
	indexOptions cluster.SuperclusterOptions

	locations  *locationSet
	flows      *flowSet
	zoom       float64
	clustering bool
	animation  bool

	graph              *memo.Graph
	knownIDs           *memo.Cell1[*locationSet, flow.IDSet]
	diffMode           *memo.Cell1[*flowSet, bool]
	knownFlows         *memo.Cell2[*flowSet, *locationSet, *flowSet]
	locationsWithFlows *memo.Cell2[*locationSet, *flowSet, *locationSet]
	invalidIDs         *memo.Cell1[*locationSet, []string]
	unknownIDs         *memo.Cell2[*locationSet, *flowSet, []string]
	rawEntities        *memo.Cell1[*locationSet, []flow.Entity]
	index              *memo.Cell1[*locationSet, *Index]
	zoomRange          *memo.Cell1[*Index, *ZoomRange]
	layers             *memo.Cell2[*Index, *ZoomRange, *Layers]
	resolvers          *memo.Cell2[*Index, *Layers, *Resolvers]
	flowLayers         *memo.Cell3[*Resolvers, *flowSet, *ZoomRange, *FlowLayers]
	clusteredZoom      *memo.Cell2[float64, *ZoomRange, int]
	totals             *memo.Cell1[*FlowLayers, *TotalsLayers]
	rawTotals          *memo.Cell1[*flowSet, map[string]flow.Totals]
}

// New returns an empty pipeline with clustering enabled.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{clustering: true}
	for _, opt := range opts {
		opt(p)
	}
	p.declare()
	return p
}

func (p *Pipeline) declare() {
	g := memo.NewGraph()
	p.graph = g

	p.knownIDs = memo.Register(g, "known_ids", memo.NewCell1(func(locs *locationSet) flow.IDSet {
		if locs == nil {
			return nil
		}
		return flow.KnownIDs(locs.items)
	}))

	p.diffMode = memo.Register(g, "diff_mode", memo.NewCell1(func(flows *flowSet) bool {
		return flow.HasNegative(flows.list())
	}))

	p.knownFlows = memo.Register(g, "known_flows", memo.NewCell2(func(flows *flowSet, locs *locationSet) *flowSet {
		if flows == nil || locs == nil {
			return nil
		}
		return &flowSet{items: flow.WithKnownEndpoints(flows.items, p.knownIDs.Get(locs))}
	}))

	p.locationsWithFlows = memo.Register(g, "locations_with_flows", memo.NewCell2(func(locs *locationSet, known *flowSet) *locationSet {
		if locs == nil || known == nil {
			return locs
		}
		return &locationSet{items: flow.LocationsWithFlows(locs.items, known.items)}
	}))

	p.invalidIDs = memo.Register(g, "invalid_ids", memo.NewCell1(func(locs *locationSet) []string {
		return flow.InvalidLocationIDs(locs.list())
	}))

	p.unknownIDs = memo.Register(g, "unknown_ids", memo.NewCell2(func(locs *locationSet, flows *flowSet) []string {
		if locs == nil || flows == nil {
			return nil
		}
		missing := flow.UnknownLocationIDs(flows.items, p.knownIDs.Get(locs))
		if len(missing) == 0 {
			return nil
		}
		return missing.Sorted()
	}))

	p.rawEntities = memo.Register(g, "raw_entities", memo.NewCell1(func(locs *locationSet) []flow.Entity {
		entities := make([]flow.Entity, len(locs.list()))
		for i, l := range locs.list() {
			entities[i] = flow.LocationEntity(l)
		}
		return entities
	}))

	p.index = memo.Register(g, "index", memo.NewCell1(func(locs *locationSet) *Index {
		index, err := BuildIndex(locs.list(), p.indexOptions)
		if err != nil {
			if !errors.Is(err, cluster.ErrEmptyIndex) {
				zap.L().Warn("pipeline: index build failed", zap.Error(err))
			}
			return nil
		}
		return index
	}))

	p.zoomRange = memo.Register(g, "zoom_range", memo.NewCell1(func(index *Index) *ZoomRange {
		r, ok := ResolveZoomRange(index)
		if !ok {
			return nil
		}
		return &r
	}))

	p.layers = memo.Register(g, "layers", memo.NewCell2(func(index *Index, r *ZoomRange) *Layers {
		if index == nil || r == nil {
			return nil
		}
		return Materialize(index, *r)
	}))

	p.resolvers = memo.Register(g, "resolvers", memo.NewCell2(BuildResolvers))

	p.flowLayers = memo.Register(g, "flow_layers", memo.NewCell3(func(res *Resolvers, known *flowSet, r *ZoomRange) *FlowLayers {
		if res == nil || r == nil {
			return nil
		}
		return AggregateFlows(res, known.list(), *r)
	}))

	p.clusteredZoom = memo.Register(g, "clustered_zoom", memo.NewCell2(func(live float64, r *ZoomRange) int {
		if r == nil {
			return 0
		}
		return ClampZoom(live, *r)
	}))

	p.totals = memo.Register(g, "totals", memo.NewCell1(computeTotals))

	p.rawTotals = memo.Register(g, "raw_totals", memo.NewCell1(func(known *flowSet) map[string]flow.Totals {
		return EntityTotals(known.list())
	}))
}

// SetLocations replaces the location set. The slice must not be modified
// afterwards.
func (p *Pipeline) SetLocations(locations []flow.Location) {
	p.locations = &locationSet{items: locations}
}

// SetFlows replaces the flow set. The slice must not be modified afterwards.
func (p *Pipeline) SetFlows(flows []flow.Flow) {
	p.flows = &flowSet{items: flows}
}

// SetZoom records the live camera zoom.
func (p *Pipeline) SetZoom(zoom float64) {
	p.zoom = zoom
}

func (p *Pipeline) SetClustering(enabled bool) {
	p.clustering = enabled
}

func (p *Pipeline) SetAnimation(enabled bool) {
	p.animation = enabled
}

// RawLocations returns the location set as given.
func (p *Pipeline) RawLocations() []flow.Location { return p.locations.list() }

// RawFlows returns the flow set as given.
func (p *Pipeline) RawFlows() []flow.Flow { return p.flows.list() }

func (p *Pipeline) Zoom() float64    { return p.zoom }
func (p *Pipeline) Clustering() bool { return p.clustering }
func (p *Pipeline) Animation() bool  { return p.animation }

// IsDiffMode reports whether any flow has a negative count.
func (p *Pipeline) IsDiffMode() bool {
	return p.diffMode.Get(p.flows)
}

// InvalidLocationIDs lists locations with out-of-range coordinates, or nil.
func (p *Pipeline) InvalidLocationIDs() []string {
	return p.invalidIDs.Get(p.locations)
}

// UnknownLocationIDs lists, sorted, the flow endpoints missing from the
// location set, or nil.
func (p *Pipeline) UnknownLocationIDs() []string {
	return p.unknownIDs.Get(p.locations, p.flows)
}

// KnownFlows returns the flows whose both ends are known locations.
func (p *Pipeline) KnownFlows() []flow.Flow {
	return p.currentKnownFlows().list()
}

func (p *Pipeline) currentKnownFlows() *flowSet {
	return p.knownFlows.Get(p.flows, p.locations)
}

// Index returns the cluster index over the locations that have flows, or nil.
func (p *Pipeline) Index() *Index {
	known := p.currentKnownFlows()
	return p.index.Get(p.locationsWithFlows.Get(p.locations, known))
}

// ZoomRange returns the clustering zoom range. It reports false when there
// is nothing to cluster.
func (p *Pipeline) ZoomRange() (ZoomRange, bool) {
	r := p.currentZoomRange()
	if r == nil {
		return ZoomRange{}, false
	}
	return *r, true
}

func (p *Pipeline) currentZoomRange() *ZoomRange {
	return p.zoomRange.Get(p.Index())
}

func (p *Pipeline) currentLayers() *Layers {
	return p.layers.Get(p.Index(), p.currentZoomRange())
}

func (p *Pipeline) currentResolvers() *Resolvers {
	return p.resolvers.Get(p.Index(), p.currentLayers())
}

func (p *Pipeline) currentFlowLayers() *FlowLayers {
	return p.flowLayers.Get(p.currentResolvers(), p.currentKnownFlows(), p.currentZoomRange())
}

// clustered reports whether clustered layers are served.
func (p *Pipeline) clustered() bool {
	return p.clustering && p.currentZoomRange() != nil
}

// EntitiesAt returns the entities visible at zoom, clamped to the zoom
// range. Without clustering, or with nothing to cluster, it returns the raw
// locations.
func (p *Pipeline) EntitiesAt(zoom int) []flow.Entity {
	if !p.clustered() {
		return p.rawEntities.Get(p.locations)
	}
	return p.currentLayers().At(zoom)
}

// FlowsAt returns the aggregated flows at zoom, clamped to the zoom range.
// Without clustering it returns the flows between known locations.
func (p *Pipeline) FlowsAt(zoom int) []flow.Flow {
	if !p.clustered() {
		return p.KnownFlows()
	}
	return p.currentFlowLayers().At(zoom)
}

// TotalsAt returns the incoming, outgoing and within totals of every entity
// visible at zoom.
func (p *Pipeline) TotalsAt(zoom int) map[string]flow.Totals {
	if !p.clustered() {
		return p.rawTotals.Get(p.currentKnownFlows())
	}
	return p.totals.Get(p.currentFlowLayers()).At(zoom)
}

// Resolve returns the id of the entity that shows location id at zoom.
func (p *Pipeline) Resolve(zoom int, id string) string {
	if !p.clustered() {
		return id
	}
	return p.currentResolvers().Resolve(zoom, id)
}

// ClusteredZoom returns the layer zoom for the live camera zoom. It reports
// false when there is no zoom range.
func (p *Pipeline) ClusteredZoom() (int, bool) {
	r := p.currentZoomRange()
	if r == nil {
		return 0, false
	}
	live := p.zoom
	if math.IsNaN(live) {
		// NaN never equals itself and would miss the cell on every call.
		live = math.Inf(-1)
	}
	return p.clusteredZoom.Get(live, r), true
}

// CurrentEntities returns the entities for the live camera zoom.
func (p *Pipeline) CurrentEntities() []flow.Entity {
	z, _ := p.ClusteredZoom()
	return p.EntitiesAt(z)
}

// CurrentFlows returns the flows for the live camera zoom.
func (p *Pipeline) CurrentFlows() []flow.Flow {
	z, _ := p.ClusteredZoom()
	return p.FlowsAt(z)
}

// Stats returns the hit and recompute counters of every derivation.
func (p *Pipeline) Stats() map[string]memo.Stats {
	return p.graph.Stats()
}

// CacheTotal sums the counters of every derivation.
func (p *Pipeline) CacheTotal() memo.Stats {
	return p.graph.Total()
}

// Close releases the cluster index and drops the location and flow sets.
// Afterwards the pipeline behaves as if it had no data.
func (p *Pipeline) Close() {
	if index, ok := p.index.Peek(); ok && index != nil {
		index.CleanupCluster()
	}
	p.locations = nil
	p.flows = nil
}

package pipeline

import "github.com/rapee/flowmap.blue/flow"

type odKey struct {
	origin, dest string
}

// odAccumulator sums counts per origin-destination pair and remembers the
// order in which pairs were first seen.
type odAccumulator struct {
	index map[odKey]int
	flows []flow.Flow
}

func newODAccumulator(capacity int) *odAccumulator {
	return &odAccumulator{index: make(map[odKey]int, capacity)}
}

func (a *odAccumulator) add(origin, dest string, count float64) {
	k := odKey{origin, dest}
	i, ok := a.index[k]
	if !ok {
		i = len(a.flows)
		a.index[k] = i
		a.flows = append(a.flows, flow.Flow{Origin: origin, Dest: dest})
	}
	a.flows[i].Count += count
}

// FlowLayers holds the aggregated flows of every zoom in Range.
type FlowLayers struct {
	Range  ZoomRange
	byZoom [][]flow.Flow
}

// At returns the flows of zoom, clamped to the range.
func (l *FlowLayers) At(zoom int) []flow.Flow {
	if l == nil || len(l.byZoom) == 0 {
		return nil
	}
	return l.byZoom[clampInt(zoom, l.Range)-l.Range.Min]
}

// AggregateFlows rewrites both ends of every flow through the resolvers of
// each zoom in r and sums flows that land on the same pair. Pairs keep
// first-seen order, and flows whose ends resolve to the same entity stay as
// self-loops.
func AggregateFlows(resolvers *Resolvers, flows []flow.Flow, r ZoomRange) *FlowLayers {
	if resolvers == nil {
		return nil
	}
	layers := &FlowLayers{Range: r, byZoom: make([][]flow.Flow, r.Len())}
	for z := r.Min; z <= r.Max; z++ {
		acc := newODAccumulator(len(flows))
		for _, f := range flows {
			acc.add(resolvers.Resolve(z, f.Origin), resolvers.Resolve(z, f.Dest), f.Count)
		}
		if acc.flows == nil {
			acc.flows = []flow.Flow{}
		}
		layers.byZoom[z-r.Min] = acc.flows
	}
	return layers
}

// EntityTotals sums incoming, outgoing and within counts per entity id.
func EntityTotals(flows []flow.Flow) map[string]flow.Totals {
	totals := make(map[string]flow.Totals)
	for _, f := range flows {
		if f.Origin == f.Dest {
			t := totals[f.Origin]
			t.Within += f.Count
			totals[f.Origin] = t
			continue
		}
		o := totals[f.Origin]
		o.Outgoing += f.Count
		totals[f.Origin] = o

		d := totals[f.Dest]
		d.Incoming += f.Count
		totals[f.Dest] = d
	}
	return totals
}

// TotalsLayers holds the per-entity totals of every zoom of a FlowLayers.
type TotalsLayers struct {
	Range  ZoomRange
	byZoom []map[string]flow.Totals
}

func (l *TotalsLayers) At(zoom int) map[string]flow.Totals {
	if l == nil || len(l.byZoom) == 0 {
		return nil
	}
	return l.byZoom[clampInt(zoom, l.Range)-l.Range.Min]
}

func computeTotals(flowLayers *FlowLayers) *TotalsLayers {
	if flowLayers == nil {
		return nil
	}
	t := &TotalsLayers{Range: flowLayers.Range, byZoom: make([]map[string]flow.Totals, len(flowLayers.byZoom))}
	for i, flows := range flowLayers.byZoom {
		t.byZoom[i] = EntityTotals(flows)
	}
	return t
}

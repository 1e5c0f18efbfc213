package pipeline

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/flow"
)

var countPrinter = message.NewPrinter(language.English)

// ClusterName is the display label of a cluster of n locations.
func ClusterName(n int) string {
	return countPrinter.Sprintf("Group of %d locations", n)
}

// Layers holds the visible entities of every zoom in Range, in ascending
// zoom order.
type Layers struct {
	Range  ZoomRange
	byZoom [][]flow.Entity
}

// At returns the entities of zoom, clamped to the range.
func (l *Layers) At(zoom int) []flow.Entity {
	if l == nil || len(l.byZoom) == 0 {
		return nil
	}
	return l.byZoom[clampInt(zoom, l.Range)-l.Range.Min]
}

// Materialize queries index over the whole world for every zoom in r.
func Materialize(index *Index, r ZoomRange) *Layers {
	if index == nil {
		return nil
	}
	start := time.Now()
	layers := &Layers{Range: r, byZoom: make([][]flow.Entity, r.Len())}

	for z := r.Min; z <= r.Max; z++ {
		nodes := index.GetClusters(cluster.WorldBounds, z)
		entities := make([]flow.Entity, 0, len(nodes))
		for _, n := range nodes {
			if n.IsCluster {
				entities = append(entities, flow.ClusterEntity(n.ID, ClusterName(int(n.Count)), n.X, n.Y, int(n.Count)))
				continue
			}
			entities = append(entities, flow.LocationEntity(index.Locations[n.ID]))
		}
		layers.byZoom[z-r.Min] = entities
	}

	if index.Options.Log {
		zap.L().Debug("pipeline: layers materialized",
			zap.Int("min_zoom", r.Min),
			zap.Int("max_zoom", r.Max),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return layers
}

// Resolvers map every indexed location id to the entity that shows it, per
// zoom.
type Resolvers struct {
	Range  ZoomRange
	byZoom []map[string]string
}

// Resolve returns the id of the entity showing id at zoom, clamped to the
// range like Layers.At. An id the resolvers do not know resolves to itself.
func (r *Resolvers) Resolve(zoom int, id string) string {
	if r == nil || len(r.byZoom) == 0 {
		return id
	}
	if to, ok := r.byZoom[clampInt(zoom, r.Range)-r.Range.Min][id]; ok {
		return to
	}
	return id
}

// BuildResolvers expands every cluster of layers into its leaves.
func BuildResolvers(index *Index, layers *Layers) *Resolvers {
	if index == nil || layers == nil {
		return nil
	}
	r := &Resolvers{Range: layers.Range, byZoom: make([]map[string]string, len(layers.byZoom))}
	for i, entities := range layers.byZoom {
		table := make(map[string]string, len(index.Locations))
		for _, e := range entities {
			if !e.IsCluster() {
				table[e.ID] = e.ID
				continue
			}
			for _, leaf := range index.GetLeaves(e.ClusterID) {
				table[leaf] = e.ID
			}
		}
		r.byZoom[i] = table
	}
	return r
}

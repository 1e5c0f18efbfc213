package main

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/rapee/flowmap.blue/flow"
)

// entitiesToGeoJSON encodes entities as point features. Entities without
// finite coordinates keep their properties but get no geometry.
func entitiesToGeoJSON(entities []flow.Entity, totals map[string]flow.Totals) *geojson.FeatureCollection {
	features := make([]*geojson.Feature, len(entities))
	for i, e := range entities {
		properties := map[string]interface{}{
			"kind":         e.Kind.String(),
			"name":         e.Name,
			"member_count": e.MemberCount,
		}
		if e.IsCluster() {
			properties["cluster_id"] = e.ClusterID
		}
		if t, ok := totals[e.ID]; ok {
			properties["incoming"] = t.Incoming
			properties["outgoing"] = t.Outgoing
			properties["within"] = t.Within
		}

		f := &geojson.Feature{
			ID:         e.ID,
			Properties: properties,
		}
		if finite(e.Lon) && finite(e.Lat) {
			f.Geometry = geom.NewPointFlat(geom.XY, []float64{e.Lon, e.Lat})
		}
		features[i] = f
	}
	return &geojson.FeatureCollection{Features: features}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

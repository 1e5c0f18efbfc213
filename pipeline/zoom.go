package pipeline

import (
	"math"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/flow"
)

// Index pairs a built cluster index with the locations it was built from.
// Point i of the index is Locations[i].
type Index struct {
	*cluster.Supercluster
	Locations []flow.Location
}

// BuildIndex indexes locations. It returns cluster.ErrEmptyIndex when there
// is nothing to index.
func BuildIndex(locations []flow.Location, options cluster.SuperclusterOptions) (*Index, error) {
	points := make([]cluster.Point, len(locations))
	for i, l := range locations {
		points[i] = cluster.Point{LocationID: l.ID, X: l.Lon, Y: l.Lat}
	}
	sc := cluster.NewSupercluster(options)
	if err := sc.Load(points); err != nil {
		return nil, err
	}
	return &Index{Supercluster: sc, Locations: locations}, nil
}

// ZoomRange is the inclusive zoom interval over which clustering gives a
// partially merged result.
type ZoomRange struct {
	Min int `json:"minZoom"`
	Max int `json:"maxZoom"`
}

// Contains reports whether zoom lies in the range.
func (r ZoomRange) Contains(zoom int) bool {
	return r.Min <= zoom && zoom <= r.Max
}

// Len is the number of zooms in the range.
func (r ZoomRange) Len() int {
	return r.Max - r.Min + 1
}

// ResolveZoomRange picks the zoom range from the per-level node counts of
// index. Max is the first zoom where every location stands alone. Min is the
// last zoom at or below Max where everything is one cluster, or the index's
// lowest zoom when the data never fully merges. It reports false when there
// is no index.
func ResolveZoomRange(index *Index) (ZoomRange, bool) {
	if index == nil || index.Supercluster == nil || len(index.Points) == 0 {
		return ZoomRange{}, false
	}
	counts := index.ClusterCounts()
	n := len(index.Points)

	maxZoom := -1
	for z, c := range counts {
		if c == n {
			maxZoom = z
			break
		}
	}
	if maxZoom < 0 {
		return ZoomRange{}, false
	}

	minZoom := index.Options.MinZoom
	for z := maxZoom; z >= index.Options.MinZoom; z-- {
		if counts[z] == 1 {
			minZoom = z
			break
		}
	}
	return ZoomRange{Min: minZoom, Max: maxZoom}, true
}

// ClampZoom picks the materialized zoom for a live, possibly fractional,
// camera zoom: floor(live) clamped to r.
func ClampZoom(live float64, r ZoomRange) int {
	if math.IsNaN(live) {
		return r.Min
	}
	z := math.Floor(live)
	if z < float64(r.Min) {
		return r.Min
	}
	if z > float64(r.Max) {
		return r.Max
	}
	return int(z)
}

func clampInt(zoom int, r ZoomRange) int {
	return max(r.Min, min(zoom, r.Max))
}

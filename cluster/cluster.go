package cluster

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
)

// ErrEmptyIndex is returned by Load when there are no points to index.
var ErrEmptyIndex = eris.New("cluster: no points to index")

// WorldBounds covers every longitude and latitude.
var WorldBounds = KDBounds{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

// Point is an input location. X is longitude, Y is latitude.
type Point struct {
	LocationID string
	X, Y       float64
}

// ClusterNode is one visible item of a zoom level: either a cluster of
// several points or a single point.
type ClusterNode struct {
	ID         uint32 // cluster id, or the point's index in Supercluster.Points
	IsCluster  bool
	X, Y       float64
	Count      uint32
	LocationID string // set for single points only
}

// levelNode is the per-zoom record. Zoom and ParentID are written while the
// next coarser level is built.
type levelNode struct {
	X, Y      float64 // web mercator unit space
	Zoom      int32
	ID        uint32
	ParentID  int64
	NumPoints uint32
	IsCluster bool
}

type level struct {
	Nodes []levelNode
	Tree  *KDTree
}

// Supercluster is a hierarchical point index: one level per zoom, each level
// built by merging the level below it.
type Supercluster struct {
	Levels  []*level // indexed by zoom, nil below MinZoom
	Points  []Point
	Options SuperclusterOptions
}

type SuperclusterOptions struct {
	MinZoom   int
	MaxZoom   int
	MinPoints int
	Radius    float64
	NodeSize  int
	Extent    int
	Log       bool
}

const (
	maxSupportedZoom = 16
	unvisited        = math.MaxInt32
)

// NewSupercluster creates a new clustering instance with the specified options.
// It validates and sets default values for the options if not provided.
func NewSupercluster(options SuperclusterOptions) *Supercluster {
	if options.MinZoom < 0 {
		options.MinZoom = 0
	}
	if options.MaxZoom <= 0 {
		options.MaxZoom = maxSupportedZoom
	}
	if options.NodeSize <= 0 {
		options.NodeSize = 64
	}
	if options.Extent <= 0 {
		options.Extent = 512
	}
	if options.Radius <= 0 {
		options.Radius = 40
	}
	if options.MinPoints <= 0 {
		options.MinPoints = 2
	}

	if options.MaxZoom > maxSupportedZoom {
		options.MaxZoom = maxSupportedZoom
	}
	if options.MinZoom > options.MaxZoom {
		options.MinZoom = options.MaxZoom
	}

	return &Supercluster{Options: options}
}

// Load builds every zoom level from points. Points are processed in slice
// order, so the same input always produces the same cluster ids.
func (sc *Supercluster) Load(points []Point) error {
	if len(points) == 0 {
		return ErrEmptyIndex
	}
	start := time.Now()

	nodes := make([]levelNode, len(points))
	for i, p := range points {
		nodes[i] = levelNode{
			X:         lngX(p.X),
			Y:         latY(p.Y),
			Zoom:      unvisited,
			ID:        uint32(i),
			ParentID:  -1,
			NumPoints: 1,
		}
	}

	sc.Points = points
	sc.Levels = make([]*level, sc.Options.MaxZoom+2)
	sc.Levels[sc.Options.MaxZoom+1] = newLevel(nodes, sc.Options.NodeSize)

	for z := sc.Options.MaxZoom; z >= sc.Options.MinZoom; z-- {
		sc.Levels[z] = newLevel(sc.clusterLevel(sc.Levels[z+1], z), sc.Options.NodeSize)
	}

	if sc.Options.Log {
		zap.L().Debug("cluster: index built",
			zap.Int("points", len(points)),
			zap.Int("min_zoom", sc.Options.MinZoom),
			zap.Int("max_zoom", sc.Options.MaxZoom),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return nil
}

func newLevel(nodes []levelNode, nodeSize int) *level {
	kdPoints := make([]KDPoint, len(nodes))
	for i, n := range nodes {
		kdPoints[i] = KDPoint{X: n.X, Y: n.Y, Idx: int32(i)}
	}
	return &level{Nodes: nodes, Tree: NewKDTree(kdPoints, nodeSize)}
}

// radiusAt is the merge radius in unit space at zoom.
func (sc *Supercluster) radiusAt(zoom int) float64 {
	return sc.Options.Radius / (float64(sc.Options.Extent) * math.Pow(2, float64(zoom)))
}

// clusterLevel greedily merges the nodes of a finer level into the nodes of
// zoom. A node claims every unclaimed neighbour within the radius, so a
// neighbour equidistant from two nodes joins the one visited first.
func (sc *Supercluster) clusterLevel(finer *level, zoom int) []levelNode {
	r := sc.radiusAt(zoom)
	z := int32(zoom)
	data := finer.Nodes
	next := make([]levelNode, 0, len(data))

	for i := range data {
		p := &data[i]
		if p.Zoom <= z {
			continue
		}
		p.Zoom = z

		neighbors := finer.Tree.Within(p.X, p.Y, r)

		numOrigin := p.NumPoints
		numPoints := numOrigin
		for _, k := range neighbors {
			if data[k].Zoom > z {
				numPoints += data[k].NumPoints
			}
		}

		if numPoints > numOrigin && int(numPoints) >= sc.Options.MinPoints {
			wx := p.X * float64(numOrigin)
			wy := p.Y * float64(numOrigin)
			id := sc.encodeClusterID(i, zoom)

			for _, k := range neighbors {
				b := &data[k]
				if b.Zoom <= z {
					continue
				}
				b.Zoom = z
				wx += b.X * float64(b.NumPoints)
				wy += b.Y * float64(b.NumPoints)
				b.ParentID = int64(id)
			}
			p.ParentID = int64(id)

			next = append(next, levelNode{
				X:         wx / float64(numPoints),
				Y:         wy / float64(numPoints),
				Zoom:      unvisited,
				ID:        id,
				ParentID:  -1,
				NumPoints: numPoints,
				IsCluster: true,
			})
			continue
		}

		next = append(next, carry(*p))
		if numPoints > 1 {
			// Too few to form a cluster: keep the neighbours as they are.
			for _, k := range neighbors {
				b := &data[k]
				if b.Zoom <= z {
					continue
				}
				b.Zoom = z
				next = append(next, carry(*b))
			}
		}
	}
	return next
}

func carry(n levelNode) levelNode {
	n.Zoom = unvisited
	n.ParentID = -1
	return n
}

// encodeClusterID packs the origin node index and the zoom of the finer
// level into an id that never collides with a point index.
func (sc *Supercluster) encodeClusterID(originIdx, zoom int) uint32 {
	return uint32(originIdx<<5) + uint32(zoom+1) + uint32(len(sc.Points))
}

func (sc *Supercluster) decodeClusterID(id uint32) (originIdx int, originZoom int, ok bool) {
	n := uint32(len(sc.Points))
	if id < n {
		return 0, 0, false
	}
	v := id - n
	return int(v >> 5), int(v % 32), true
}

// limitZoom clamps zoom to the levels that were built.
func (sc *Supercluster) limitZoom(zoom int) int {
	return max(sc.Options.MinZoom, min(zoom, sc.Options.MaxZoom+1))
}

// GetClusters returns the clusters and points of zoom inside bounds, where
// bounds are lng/lat degrees.
func (sc *Supercluster) GetClusters(bounds KDBounds, zoom int) []ClusterNode {
	if sc == nil || len(sc.Levels) == 0 {
		return nil
	}
	lvl := sc.Levels[sc.limitZoom(zoom)]
	if lvl == nil {
		return nil
	}

	minLng := math.Mod(math.Mod(bounds.MinX+180, 360)+360, 360) - 180
	maxLng := 180.0
	if bounds.MaxX != 180 {
		maxLng = math.Mod(math.Mod(bounds.MaxX+180, 360)+360, 360) - 180
	}
	minLat := math.Max(-90, math.Min(90, bounds.MinY))
	maxLat := math.Max(-90, math.Min(90, bounds.MaxY))

	if bounds.MaxX-bounds.MinX >= 360 {
		minLng, maxLng = -180, 180
	} else if minLng > maxLng {
		east := sc.GetClusters(KDBounds{MinX: minLng, MinY: minLat, MaxX: 180, MaxY: maxLat}, zoom)
		west := sc.GetClusters(KDBounds{MinX: -180, MinY: minLat, MaxX: maxLng, MaxY: maxLat}, zoom)
		return append(east, west...)
	}

	ids := lvl.Tree.Range(KDBounds{
		MinX: lngX(minLng),
		MinY: latY(maxLat),
		MaxX: lngX(maxLng),
		MaxY: latY(minLat),
	})

	clusters := make([]ClusterNode, 0, len(ids))
	for _, idx := range ids {
		clusters = append(clusters, sc.toClusterNode(lvl.Nodes[idx]))
	}
	return clusters
}

func (sc *Supercluster) toClusterNode(n levelNode) ClusterNode {
	if n.IsCluster {
		return ClusterNode{
			ID:        n.ID,
			IsCluster: true,
			X:         xLng(n.X),
			Y:         yLat(n.Y),
			Count:     n.NumPoints,
		}
	}
	p := sc.Points[n.ID]
	return ClusterNode{
		ID:         n.ID,
		X:          p.X,
		Y:          p.Y,
		Count:      1,
		LocationID: p.LocationID,
	}
}

// GetChildren returns the nodes merged into clusterID one zoom level finer.
// An unknown id yields nil.
func (sc *Supercluster) GetChildren(clusterID uint32) []ClusterNode {
	originIdx, originZoom, ok := sc.decodeClusterID(clusterID)
	if !ok || originZoom < 1 || originZoom >= len(sc.Levels) {
		return nil
	}
	lvl := sc.Levels[originZoom]
	if lvl == nil || originIdx >= len(lvl.Nodes) {
		return nil
	}

	origin := lvl.Nodes[originIdx]
	r := sc.radiusAt(originZoom - 1)
	var children []ClusterNode
	for _, idx := range lvl.Tree.Within(origin.X, origin.Y, r) {
		n := lvl.Nodes[idx]
		if n.ParentID == int64(clusterID) {
			children = append(children, sc.toClusterNode(n))
		}
	}
	return children
}

// GetLeaves returns the location ids of every point under clusterID.
// An unknown id yields an empty slice.
func (sc *Supercluster) GetLeaves(clusterID uint32) []string {
	leaves := []string{}
	sc.appendLeaves(&leaves, clusterID)
	return leaves
}

func (sc *Supercluster) appendLeaves(leaves *[]string, clusterID uint32) {
	for _, child := range sc.GetChildren(clusterID) {
		if child.IsCluster {
			sc.appendLeaves(leaves, child.ID)
			continue
		}
		*leaves = append(*leaves, child.LocationID)
	}
}

// ZoomBounds returns the lowest and highest zoom that hold a level. The
// highest level always holds every point unmerged.
func (sc *Supercluster) ZoomBounds() (int, int) {
	return sc.Options.MinZoom, sc.Options.MaxZoom + 1
}

// LevelSize returns the number of nodes at zoom, or -1 for a zoom with no level.
func (sc *Supercluster) LevelSize(zoom int) int {
	if zoom < 0 || zoom >= len(sc.Levels) || sc.Levels[zoom] == nil {
		return -1
	}
	return len(sc.Levels[zoom].Nodes)
}

// ClusterCounts returns the node count of every level, indexed by zoom.
// Zooms below MinZoom hold -1.
func (sc *Supercluster) ClusterCounts() []int {
	counts := make([]int, len(sc.Levels))
	for z := range sc.Levels {
		counts[z] = sc.LevelSize(z)
	}
	return counts
}

// ToGeoJSON converts the clusters of a view to a GeoJSON feature collection.
func (sc *Supercluster) ToGeoJSON(bounds KDBounds, zoom int) *geojson.FeatureCollection {
	clusters := sc.GetClusters(bounds, zoom)

	features := make([]*geojson.Feature, len(clusters))
	for i, c := range clusters {
		properties := map[string]interface{}{
			"cluster":     c.IsCluster,
			"point_count": c.Count,
		}
		if c.IsCluster {
			properties["cluster_id"] = c.ID
		} else {
			properties["location_id"] = c.LocationID
		}
		features[i] = &geojson.Feature{Properties: properties}
		// Points with unparsable coordinates carry no geometry.
		if !math.IsNaN(c.X) && !math.IsNaN(c.Y) {
			features[i].Geometry = geom.NewPointFlat(geom.XY, []float64{c.X, c.Y})
		}
	}
	return &geojson.FeatureCollection{Features: features}
}

// CleanupCluster releases the levels and points held by the index.
func (sc *Supercluster) CleanupCluster() {
	if sc == nil {
		return
	}
	sc.Levels = nil
	sc.Points = nil
}

// lngX projects a longitude to web mercator unit space, clamped to [0, 1] so
// out-of-range input stays inside the world. Non-finite input maps to the
// origin so that it cannot poison the tree ordering.
func lngX(lng float64) float64 {
	if math.IsNaN(lng) || math.IsInf(lng, 0) {
		return 0
	}
	return math.Max(0, math.Min(1, lng/360+0.5))
}

func latY(lat float64) float64 {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return 0
	}
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi
	if y < 0 || math.IsNaN(y) {
		return 0
	}
	if y > 1 {
		return 1
	}
	return y
}

func xLng(x float64) float64 {
	return (x - 0.5) * 360
}

func yLat(y float64) float64 {
	y2 := (180 - y*360) * math.Pi / 180
	return 360*math.Atan(math.Exp(y2))/math.Pi - 90
}

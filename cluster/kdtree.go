package cluster

import (
	"math"
	"sort"
)

// KDNode is a node of the arena tree. Children are addressed by index into
// KDTree.Nodes, -1 meaning no child.
type KDNode struct {
	Start int32 // first index into Points covered by this node
	End   int32 // last index into Points covered by this node (inclusive)
	Left  int32
	Right int32
	Axis  uint8
	Split float64 // coordinate of the median along Axis
}

// KDPoint is a projected point stored in the tree. Idx refers back to the
// owning level's node slice.
type KDPoint struct {
	X, Y float64
	Idx  int32
}

// KDTree is a static 2D tree stored as a flat node arena.
type KDTree struct {
	Nodes    []KDNode
	Points   []KDPoint
	NodeSize int
	Bounds   KDBounds

	byIdx []int32 // Idx -> position in Points
}

type KDBounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Extend expands bounds to include another point
func (b *KDBounds) Extend(x, y float64) {
	b.MinX = math.Min(b.MinX, x)
	b.MinY = math.Min(b.MinY, y)
	b.MaxX = math.Max(b.MaxX, x)
	b.MaxY = math.Max(b.MaxY, y)
}

// Contains reports whether (x, y) lies inside the bounds, edges included.
func (b KDBounds) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

func emptyBounds() KDBounds {
	return KDBounds{
		MinX: math.Inf(1),
		MinY: math.Inf(1),
		MaxX: math.Inf(-1),
		MaxY: math.Inf(-1),
	}
}

// NewKDTree builds a tree over a copy of points.
func NewKDTree(points []KDPoint, nodeSize int) *KDTree {
	if nodeSize <= 0 {
		nodeSize = 64
	}
	tree := &KDTree{
		Nodes:    make([]KDNode, 0, 2*len(points)/nodeSize+1),
		Points:   make([]KDPoint, len(points)),
		NodeSize: nodeSize,
		Bounds:   emptyBounds(),
	}
	copy(tree.Points, points)

	for _, p := range points {
		tree.Bounds.Extend(p.X, p.Y)
	}

	if len(points) > 0 {
		tree.buildNodes(0, len(points)-1, 0)
	}

	tree.byIdx = make([]int32, len(tree.Points))
	for i, p := range tree.Points {
		tree.byIdx[p.Idx] = int32(i)
	}
	return tree
}

func (t *KDTree) buildNodes(start, end, depth int) int32 {
	if start > end {
		return -1
	}

	nodeIdx := int32(len(t.Nodes))
	t.Nodes = append(t.Nodes, KDNode{
		Start: int32(start),
		End:   int32(end),
		Left:  -1,
		Right: -1,
		Axis:  uint8(depth % 2),
	})

	if end-start < t.NodeSize {
		return nodeIdx
	}

	axis := depth % 2
	sortPointsRange(t.Points[start:end+1], axis)
	median := (start + end) / 2
	if axis == 0 {
		t.Nodes[nodeIdx].Split = t.Points[median].X
	} else {
		t.Nodes[nodeIdx].Split = t.Points[median].Y
	}

	// The median point stays in this node's range; children cover both sides.
	left := t.buildNodes(start, median, depth+1)
	right := t.buildNodes(median+1, end, depth+1)
	t.Nodes[nodeIdx].Left = left
	t.Nodes[nodeIdx].Right = right
	return nodeIdx
}

// sortPointsRange orders points along axis, breaking ties by Idx so that
// identical input always yields the identical tree.
func sortPointsRange(points []KDPoint, axis int) {
	if axis == 0 {
		sort.Slice(points, func(i, j int) bool {
			if points[i].X != points[j].X {
				return points[i].X < points[j].X
			}
			return points[i].Idx < points[j].Idx
		})
	} else {
		sort.Slice(points, func(i, j int) bool {
			if points[i].Y != points[j].Y {
				return points[i].Y < points[j].Y
			}
			return points[i].Idx < points[j].Idx
		})
	}
}

// Range returns the Idx of every point inside bounds, in ascending order.
func (t *KDTree) Range(bounds KDBounds) []int32 {
	if len(t.Nodes) == 0 {
		return nil
	}
	var result []int32
	stack := []int32{0}
	for len(stack) > 0 {
		nodeIdx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := t.Nodes[nodeIdx]

		if node.Left == -1 && node.Right == -1 {
			for _, p := range t.Points[node.Start : node.End+1] {
				if bounds.Contains(p.X, p.Y) {
					result = append(result, p.Idx)
				}
			}
			continue
		}

		// Children were re-sorted on the other axis after the split was
		// taken, so the median must come from the node, not from Points.
		split := node.Split
		lo, hi := bounds.MinX, bounds.MaxX
		if node.Axis == 1 {
			lo, hi = bounds.MinY, bounds.MaxY
		}
		if node.Left != -1 && lo <= split {
			stack = append(stack, node.Left)
		}
		if node.Right != -1 && hi >= split {
			stack = append(stack, node.Right)
		}
	}
	sortIdx(result)
	return result
}

// Within returns the Idx of every point at distance <= r from (x, y), in
// ascending order.
func (t *KDTree) Within(x, y, r float64) []int32 {
	candidates := t.Range(KDBounds{MinX: x - r, MinY: y - r, MaxX: x + r, MaxY: y + r})
	if len(candidates) == 0 {
		return nil
	}
	r2 := r * r
	result := candidates[:0]
	for _, idx := range candidates {
		p := t.Points[t.byIdx[idx]]
		dx, dy := p.X-x, p.Y-y
		if dx*dx+dy*dy <= r2 {
			result = append(result, idx)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func sortIdx(ids []int32) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

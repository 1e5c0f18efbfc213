// Package memo holds single-entry memo cells for derived state.
//
// A cell remembers the inputs it last computed from and the output it
// produced. Calling Get with the same inputs returns the stored output
// without running the derivation again. Inputs compare with ==, so pointer
// inputs compare by identity and scalars by value. Each cell keeps one
// entry; a new input replaces it.
package memo

// Stats counts how a cell was served.
type Stats struct {
	Hits       uint64 `json:"hits"`
	Recomputes uint64 `json:"recomputes"`
}

// Add returns the sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{Hits: s.Hits + o.Hits, Recomputes: s.Recomputes + o.Recomputes}
}

// Statser is implemented by every cell.
type Statser interface {
	Stats() Stats
}

type entry[R any] struct {
	out   R
	valid bool
	stats Stats
}

func (e *entry[R]) hit() R {
	e.stats.Hits++
	return e.out
}

func (e *entry[R]) store(out R) R {
	e.out = out
	e.valid = true
	e.stats.Recomputes++
	return out
}

func (e *entry[R]) Stats() Stats { return e.stats }

// Peek returns the stored output without counting a hit. It reports false
// before the first Get.
func (e *entry[R]) Peek() (R, bool) { return e.out, e.valid }

// Cell1 memoizes a derivation of one input.
type Cell1[A comparable, R any] struct {
	entry[R]
	fn func(A) R
	a  A
}

func NewCell1[A comparable, R any](fn func(A) R) *Cell1[A, R] {
	return &Cell1[A, R]{fn: fn}
}

func (c *Cell1[A, R]) Get(a A) R {
	if c.valid && c.a == a {
		return c.hit()
	}
	c.a = a
	return c.store(c.fn(a))
}

// Cell2 memoizes a derivation of two inputs.
type Cell2[A, B comparable, R any] struct {
	entry[R]
	fn func(A, B) R
	a  A
	b  B
}

func NewCell2[A, B comparable, R any](fn func(A, B) R) *Cell2[A, B, R] {
	return &Cell2[A, B, R]{fn: fn}
}

func (c *Cell2[A, B, R]) Get(a A, b B) R {
	if c.valid && c.a == a && c.b == b {
		return c.hit()
	}
	c.a, c.b = a, b
	return c.store(c.fn(a, b))
}

// Cell3 memoizes a derivation of three inputs.
type Cell3[A, B, C comparable, R any] struct {
	entry[R]
	fn func(A, B, C) R
	a  A
	b  B
	c  C
}

func NewCell3[A, B, C comparable, R any](fn func(A, B, C) R) *Cell3[A, B, C, R] {
	return &Cell3[A, B, C, R]{fn: fn}
}

func (c *Cell3[A, B, C, R]) Get(a A, b B, cc C) R {
	if c.valid && c.a == a && c.b == b && c.c == cc {
		return c.hit()
	}
	c.a, c.b, c.c = a, b, cc
	return c.store(c.fn(a, b, cc))
}

// Graph names the cells of one pipeline so their counters can be read
// together.
type Graph struct {
	cells map[string]Statser
}

func NewGraph() *Graph {
	return &Graph{cells: make(map[string]Statser)}
}

// Register adds cell under name and returns it, so declarations can be
// written inline.
func Register[S Statser](g *Graph, name string, cell S) S {
	g.cells[name] = cell
	return cell
}

// Stats returns the counters of every registered cell.
func (g *Graph) Stats() map[string]Stats {
	out := make(map[string]Stats, len(g.cells))
	for name, c := range g.cells {
		out[name] = c.Stats()
	}
	return out
}

// Total sums the counters of every registered cell.
func (g *Graph) Total() Stats {
	var total Stats
	for _, c := range g.cells {
		total = total.Add(c.Stats())
	}
	return total
}

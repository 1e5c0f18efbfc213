package memo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct{ values []int }

func TestCell1ReusesOutputForSamePointer(t *testing.T) {
	calls := 0
	cell := NewCell1(func(s *snapshot) *[]int {
		calls++
		doubled := make([]int, len(s.values))
		for i, v := range s.values {
			doubled[i] = 2 * v
		}
		return &doubled
	})

	in := &snapshot{values: []int{1, 2}}
	first := cell.Get(in)
	second := cell.Get(in)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Stats{Hits: 1, Recomputes: 1}, cell.Stats())

	// Equal contents in a new snapshot still count as a change.
	third := cell.Get(&snapshot{values: []int{1, 2}})
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, calls)
}

func TestCell2ComparesScalarsByValue(t *testing.T) {
	calls := 0
	cell := NewCell2(func(a float64, b int) int {
		calls++
		return int(a) + b
	})

	assert.Equal(t, 3, cell.Get(1.5, 2))
	assert.Equal(t, 3, cell.Get(1.5, 2))
	assert.Equal(t, 1, calls)

	assert.Equal(t, 4, cell.Get(1.5, 3))
	assert.Equal(t, 2, calls)

	// Only the latest entry is kept.
	assert.Equal(t, 3, cell.Get(1.5, 2))
	assert.Equal(t, 3, calls)
}

func TestCell3RecomputesWhenAnyInputChanges(t *testing.T) {
	calls := 0
	cell := NewCell3(func(a, b, c string) string {
		calls++
		return a + b + c
	})

	cell.Get("x", "y", "z")
	cell.Get("x", "y", "z")
	cell.Get("x", "y", "w")
	cell.Get("q", "y", "w")
	assert.Equal(t, 3, calls)
	assert.Equal(t, Stats{Hits: 1, Recomputes: 3}, cell.Stats())
}

func TestCellZeroValueInputIsComputed(t *testing.T) {
	calls := 0
	cell := NewCell1(func(s *snapshot) bool {
		calls++
		return s == nil
	})

	assert.True(t, cell.Get(nil))
	assert.True(t, cell.Get(nil))
	assert.Equal(t, 1, calls)
}

func TestGraphStats(t *testing.T) {
	g := NewGraph()
	double := Register(g, "double", NewCell1(func(v int) int { return 2 * v }))
	sum := Register(g, "sum", NewCell2(func(a, b int) int { return a + b }))

	double.Get(1)
	double.Get(1)
	sum.Get(1, 2)

	stats := g.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, Stats{Hits: 1, Recomputes: 1}, stats["double"])
	assert.Equal(t, Stats{Recomputes: 1}, stats["sum"])
	assert.Equal(t, Stats{Hits: 1, Recomputes: 2}, g.Total())
}

func TestPeek(t *testing.T) {
	c := NewCell1(func(v int) int { return v + 1 })
	_, ok := c.Peek()
	assert.False(t, ok)

	c.Get(4)
	out, ok := c.Peek()
	require.True(t, ok)
	assert.Equal(t, 5, out)
	assert.Equal(t, Stats{Recomputes: 1}, c.Stats())
}

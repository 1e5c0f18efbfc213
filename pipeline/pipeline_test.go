package pipeline

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/flow"
)

func abcLocations() []flow.Location {
	return []flow.Location{
		{ID: "A", Name: "Alpha", Lon: 0, Lat: 0},
		{ID: "B", Name: "Bravo", Lon: 0.0001, Lat: 0.0001},
		{ID: "C", Name: "Charlie", Lon: 50, Lat: 50},
	}
}

func abcFlows() []flow.Flow {
	return []flow.Flow{
		{Origin: "A", Dest: "C", Count: 10},
		{Origin: "B", Dest: "C", Count: 5},
	}
}

func newABC(t *testing.T) *Pipeline {
	t.Helper()
	p := New()
	p.SetLocations(abcLocations())
	p.SetFlows(abcFlows())
	return p
}

// randomDataset builds n locations and m flows between them, with some flows
// pointing at unknown ids and some negative counts.
func randomDataset(n, m int, seed int64) ([]flow.Location, []flow.Flow) {
	points := cluster.GenerateTestPoints(n, cluster.KDBounds{MinX: -40, MinY: -30, MaxX: 40, MaxY: 30}, seed)
	locations := make([]flow.Location, len(points))
	for i, pt := range points {
		locations[i] = flow.Location{ID: pt.LocationID, Name: pt.LocationID, Lon: pt.X, Lat: pt.Y}
	}

	r := rand.New(rand.NewSource(seed))
	flows := make([]flow.Flow, m)
	for i := range flows {
		origin := locations[r.Intn(n)].ID
		dest := locations[r.Intn(n)].ID
		if r.Intn(20) == 0 {
			dest = fmt.Sprintf("missing-%d", i)
		}
		flows[i] = flow.Flow{Origin: origin, Dest: dest, Count: float64(r.Intn(200) - 40)}
	}
	return locations, flows
}

func newRandom(t *testing.T, seed int64) *Pipeline {
	t.Helper()
	locations, flows := randomDataset(150, 600, seed)
	p := New()
	p.SetLocations(locations)
	p.SetFlows(flows)
	_, ok := p.ZoomRange()
	require.True(t, ok)
	return p
}

func entityIDs(entities []flow.Entity) []string {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return ids
}

func TestExampleScenario(t *testing.T) {
	p := newABC(t)

	r, ok := p.ZoomRange()
	require.True(t, ok)
	assert.Equal(t, ZoomRange{Min: 0, Max: 17}, r)

	coarse := p.EntitiesAt(r.Min)
	require.Len(t, coarse, 2)
	var k flow.Entity
	for _, e := range coarse {
		if e.IsCluster() {
			k = e
		}
	}
	require.True(t, k.IsCluster())
	assert.Equal(t, 2, k.MemberCount)
	assert.Equal(t, "Group of 2 locations", k.Name)
	assert.Contains(t, entityIDs(coarse), "C")
	assert.Equal(t, []flow.Flow{{Origin: k.ID, Dest: "C", Count: 15}}, p.FlowsAt(r.Min))
	assert.Equal(t, k.ID, p.Resolve(r.Min, "A"))
	assert.Equal(t, k.ID, p.Resolve(r.Min, "B"))
	assert.Equal(t, "C", p.Resolve(r.Min, "C"))

	fine := p.EntitiesAt(r.Max)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, entityIDs(fine))
	for _, e := range fine {
		assert.False(t, e.IsCluster())
	}
	assert.Equal(t, []flow.Flow{
		{Origin: "A", Dest: "C", Count: 10},
		{Origin: "B", Dest: "C", Count: 5},
	}, p.FlowsAt(r.Max))
}

func TestConservation(t *testing.T) {
	for _, seed := range []int64{1, 2, 3} {
		p := newRandom(t, seed)
		want := flow.TotalCount(p.KnownFlows())
		r, _ := p.ZoomRange()
		for z := r.Min; z <= r.Max; z++ {
			assert.InDelta(t, want, flow.TotalCount(p.FlowsAt(z)), 1e-6, "seed %d zoom %d", seed, z)
		}
	}
}

func TestConservationWithCancellingCounts(t *testing.T) {
	p := New()
	p.SetLocations(abcLocations())
	p.SetFlows([]flow.Flow{
		{Origin: "A", Dest: "C", Count: 7},
		{Origin: "B", Dest: "C", Count: -7},
	})
	assert.True(t, p.IsDiffMode())

	r, _ := p.ZoomRange()
	got := p.FlowsAt(r.Min)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Count)
}

func TestCoverageAndDisjointness(t *testing.T) {
	p := newRandom(t, 4)
	known := flow.LocationsWithFlows(inputLocations(p), p.KnownFlows())
	r, _ := p.ZoomRange()

	for z := r.Min; z <= r.Max; z++ {
		groups := make(map[string]int)
		for _, l := range known {
			groups[p.Resolve(z, l.ID)]++
		}

		entities := p.EntitiesAt(z)
		require.Len(t, entities, len(groups), "zoom %d", z)
		for _, e := range entities {
			assert.Equal(t, e.MemberCount, groups[e.ID], "zoom %d entity %s", z, e.ID)
		}
	}
}

func TestCoverageWithThousandsOfLocations(t *testing.T) {
	points := cluster.GenerateTestPoints(3000, cluster.KDBounds{MinX: -120, MinY: -50, MaxX: 120, MaxY: 60}, 8)
	locations := make([]flow.Location, len(points))
	flows := make([]flow.Flow, len(points))
	for i, pt := range points {
		locations[i] = flow.Location{ID: pt.LocationID, Lon: pt.X, Lat: pt.Y}
	}
	for i := range locations {
		flows[i] = flow.Flow{Origin: locations[i].ID, Dest: locations[(i+1)%len(locations)].ID, Count: 1}
	}
	p := New()
	p.SetLocations(locations)
	p.SetFlows(flows)
	r, ok := p.ZoomRange()
	require.True(t, ok)
	index := p.Index()

	for z := r.Min; z <= r.Max; z++ {
		visible := make(map[string]bool)
		covered := make(map[string]bool, len(locations))
		for _, e := range p.EntitiesAt(z) {
			visible[e.ID] = true
			leaves := []string{e.ID}
			if e.IsCluster() {
				leaves = index.GetLeaves(e.ClusterID)
				require.Len(t, leaves, e.MemberCount, "zoom %d cluster %s", z, e.ID)
			}
			for _, id := range leaves {
				require.False(t, covered[id], "zoom %d: %s shown twice", z, id)
				covered[id] = true
			}
		}
		require.Len(t, covered, len(locations), "zoom %d", z)

		for _, f := range p.FlowsAt(z) {
			require.True(t, visible[f.Origin], "zoom %d: origin %s not visible", z, f.Origin)
			require.True(t, visible[f.Dest], "zoom %d: dest %s not visible", z, f.Dest)
		}
		assert.InDelta(t, float64(len(flows)), flow.TotalCount(p.FlowsAt(z)), 1e-9, "zoom %d", z)
	}
}

// inputLocations returns the locations the pipeline was given.
func inputLocations(p *Pipeline) []flow.Location {
	return p.locations.list()
}

func TestMonotonicMerge(t *testing.T) {
	p := newRandom(t, 5)
	known := flow.LocationsWithFlows(inputLocations(p), p.KnownFlows())
	r, _ := p.ZoomRange()

	for z := r.Min; z < r.Max; z++ {
		// Ids that share an entity at the finer zoom share one at the coarser zoom.
		coarseOf := make(map[string]string)
		for _, l := range known {
			fine := p.Resolve(z+1, l.ID)
			coarse := p.Resolve(z, l.ID)
			if prev, ok := coarseOf[fine]; ok {
				assert.Equal(t, prev, coarse, "zoom %d splits %s", z, fine)
			}
			coarseOf[fine] = coarse
		}
	}
}

func TestDeterministicRebuild(t *testing.T) {
	locations, flows := randomDataset(120, 400, 6)
	build := func() *Pipeline {
		p := New()
		p.SetLocations(locations)
		p.SetFlows(flows)
		return p
	}
	first, second := build(), build()

	r1, _ := first.ZoomRange()
	r2, _ := second.ZoomRange()
	require.Equal(t, r1, r2)
	for z := r1.Min; z <= r1.Max; z++ {
		assert.Equal(t, first.EntitiesAt(z), second.EntitiesAt(z), "zoom %d", z)
		assert.Equal(t, first.FlowsAt(z), second.FlowsAt(z), "zoom %d", z)
	}
}

func TestSelfLoopRetained(t *testing.T) {
	p := New()
	p.SetLocations(abcLocations())
	p.SetFlows([]flow.Flow{
		{Origin: "A", Dest: "B", Count: 2},
		{Origin: "B", Dest: "A", Count: 3},
		{Origin: "A", Dest: "C", Count: 1},
	})

	r, _ := p.ZoomRange()
	k := p.Resolve(r.Min, "A")
	require.NotEqual(t, "A", k)
	assert.Equal(t, []flow.Flow{
		{Origin: k, Dest: k, Count: 5},
		{Origin: k, Dest: "C", Count: 1},
	}, p.FlowsAt(r.Min))

	totals := p.TotalsAt(r.Min)
	assert.Equal(t, flow.Totals{Outgoing: 1, Within: 5}, totals[k])
	assert.Equal(t, flow.Totals{Incoming: 1}, totals["C"])

	fine := p.TotalsAt(r.Max)
	assert.Equal(t, flow.Totals{Outgoing: 3, Incoming: 3}, fine["A"])
}

func TestDiffModeDetection(t *testing.T) {
	p := New()
	p.SetLocations(abcLocations())

	p.SetFlows([]flow.Flow{{Origin: "A", Dest: "B", Count: 5}})
	assert.False(t, p.IsDiffMode())

	p.SetFlows([]flow.Flow{{Origin: "A", Dest: "B", Count: -3}})
	assert.True(t, p.IsDiffMode())
}

func TestUnknownReferenceExcluded(t *testing.T) {
	p := New()
	p.SetLocations(abcLocations())
	p.SetFlows(append(abcFlows(), flow.Flow{Origin: "X", Dest: "C", Count: 1}))

	assert.Equal(t, []string{"X"}, p.UnknownLocationIDs())
	r, _ := p.ZoomRange()
	for z := r.Min; z <= r.Max; z++ {
		for _, f := range p.FlowsAt(z) {
			assert.NotEqual(t, "X", f.Origin)
		}
		assert.Equal(t, 15.0, flow.TotalCount(p.FlowsAt(z)))
	}

	p.SetFlows(abcFlows())
	assert.Nil(t, p.UnknownLocationIDs())
}

func TestInvalidLocationsStillClustered(t *testing.T) {
	p := New()
	p.SetLocations(append(abcLocations(), flow.Location{ID: "bad", Lon: math.NaN(), Lat: 100}))
	p.SetFlows(append(abcFlows(), flow.Flow{Origin: "bad", Dest: "C", Count: 4}))

	assert.Equal(t, []string{"bad"}, p.InvalidLocationIDs())
	r, ok := p.ZoomRange()
	require.True(t, ok)
	for z := r.Min; z <= r.Max; z++ {
		assert.Equal(t, 19.0, flow.TotalCount(p.FlowsAt(z)))
	}
	assert.Contains(t, entityIDs(p.EntitiesAt(r.Max)), "bad")
}

func TestCacheReuse(t *testing.T) {
	p := newRandom(t, 7)
	r, _ := p.ZoomRange()

	index := p.Index()
	first := p.FlowsAt(r.Min)
	before := p.Stats()

	second := p.FlowsAt(r.Min)
	require.NotEmpty(t, first)
	assert.Same(t, &first[0], &second[0])
	assert.Same(t, index, p.Index())

	after := p.Stats()
	for name, s := range after {
		assert.Equal(t, before[name].Recomputes, s.Recomputes, "derivation %s recomputed", name)
	}
	assert.Greater(t, after["flow_layers"].Hits, before["flow_layers"].Hits)

	// Moving the camera only touches the clamp.
	p.SetZoom(3.7)
	p.CurrentFlows()
	moved := p.Stats()
	assert.Equal(t, after["layers"].Recomputes, moved["layers"].Recomputes)
	assert.Equal(t, after["clustered_zoom"].Recomputes+1, moved["clustered_zoom"].Recomputes)

	// A new flow snapshot rebuilds the flow derivations.
	_, flows := randomDataset(150, 600, 7)
	p.SetFlows(flows)
	p.FlowsAt(r.Min)
	assert.Greater(t, p.Stats()["flow_layers"].Recomputes, moved["flow_layers"].Recomputes)
}

func TestClusteringDisabled(t *testing.T) {
	locations := append(abcLocations(), flow.Location{ID: "D", Lon: 10, Lat: 10})
	p := New(WithClustering(false))
	p.SetLocations(locations)
	p.SetFlows(append(abcFlows(), flow.Flow{Origin: "X", Dest: "C", Count: 1}))
	assert.False(t, p.Clustering())

	for _, z := range []int{0, 5, 40} {
		assert.Equal(t, []string{"A", "B", "C", "D"}, entityIDs(p.EntitiesAt(z)))
		assert.Equal(t, abcFlows(), p.FlowsAt(z))
		assert.Equal(t, "A", p.Resolve(z, "A"))
	}
	assert.Equal(t, flow.Totals{Incoming: 15}, p.TotalsAt(0)["C"])

	p.SetClustering(true)
	assert.Len(t, p.EntitiesAt(0), 2)
}

func TestNoData(t *testing.T) {
	p := New()
	assert.Empty(t, p.EntitiesAt(3))
	assert.Empty(t, p.FlowsAt(3))
	assert.False(t, p.IsDiffMode())
	assert.Nil(t, p.InvalidLocationIDs())
	assert.Nil(t, p.UnknownLocationIDs())
	_, ok := p.ZoomRange()
	assert.False(t, ok)
	_, ok = p.ClusteredZoom()
	assert.False(t, ok)
	assert.Equal(t, "A", p.Resolve(2, "A"))
}

func TestCurrentZoomFollowsCamera(t *testing.T) {
	p := newABC(t)
	p.SetAnimation(true)
	assert.True(t, p.Animation())

	p.SetZoom(-3)
	z, ok := p.ClusteredZoom()
	require.True(t, ok)
	assert.Equal(t, 0, z)
	assert.Len(t, p.CurrentEntities(), 2)

	p.SetZoom(22.4)
	z, _ = p.ClusteredZoom()
	assert.Equal(t, 17, z)
	assert.Len(t, p.CurrentEntities(), 3)
	assert.Len(t, p.CurrentFlows(), 2)
}

func TestClose(t *testing.T) {
	p := newABC(t)
	index := p.Index()
	require.NotNil(t, index)
	total := p.CacheTotal()
	assert.NotZero(t, total.Recomputes)

	p.Close()
	assert.Empty(t, index.Levels)
	assert.Empty(t, p.EntitiesAt(0))
	assert.Empty(t, p.FlowsAt(0))
	_, ok := p.ZoomRange()
	assert.False(t, ok)

	// Closing twice is harmless.
	p.Close()
}

func TestClampZoom(t *testing.T) {
	r := ZoomRange{Min: 2, Max: 9}
	testCases := []struct {
		live float64
		want int
	}{
		{5.99, 5},
		{5, 5},
		{1.5, 2},
		{-10, 2},
		{9.2, 9},
		{30, 9},
		{math.Inf(1), 9},
		{math.Inf(-1), 2},
		{math.NaN(), 2},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, ClampZoom(tc.live, r), "live %v", tc.live)
	}
}

func TestResolveZoomRange(t *testing.T) {
	_, ok := ResolveZoomRange(nil)
	assert.False(t, ok)

	single, err := BuildIndex([]flow.Location{{ID: "solo", Lon: 3, Lat: 4}}, cluster.SuperclusterOptions{})
	require.NoError(t, err)
	r, ok := ResolveZoomRange(single)
	require.True(t, ok)
	assert.Equal(t, ZoomRange{Min: 0, Max: 0}, r)

	// Two far apart points merge only at zoom 0 with a large radius.
	pair, err := BuildIndex([]flow.Location{
		{ID: "a", Lon: -100, Lat: 0},
		{ID: "b", Lon: 100, Lat: 0},
	}, cluster.SuperclusterOptions{Radius: 400})
	require.NoError(t, err)
	r, ok = ResolveZoomRange(pair)
	require.True(t, ok)
	assert.Equal(t, 0, r.Min)
	assert.LessOrEqual(t, r.Min, r.Max)
	assert.Equal(t, 2, pair.LevelSize(r.Max))

	_, err = BuildIndex(nil, cluster.SuperclusterOptions{})
	assert.ErrorIs(t, err, cluster.ErrEmptyIndex)
}

func TestResolversUnknownInputs(t *testing.T) {
	var nilResolvers *Resolvers
	assert.Equal(t, "A", nilResolvers.Resolve(0, "A"))

	p := newABC(t)
	res := p.currentResolvers()
	assert.Equal(t, "ghost", res.Resolve(0, "ghost"))
	assert.Equal(t, "A", res.Resolve(99, "A"))
}

func TestResolveClampsLikeEntities(t *testing.T) {
	p := newABC(t)
	r, _ := p.ZoomRange()

	for _, z := range []int{r.Min - 3, r.Max + 5} {
		ids := entityIDs(p.EntitiesAt(z))
		for _, l := range abcLocations() {
			assert.Contains(t, ids, p.Resolve(z, l.ID), "zoom %d location %s", z, l.ID)
		}
	}
	assert.NotEqual(t, "A", p.Resolve(-1, "A"))
	assert.Equal(t, p.Resolve(r.Min, "A"), p.Resolve(-1, "A"))
}

func TestClusteredZoomCachesNaN(t *testing.T) {
	p := newABC(t)
	p.SetZoom(math.NaN())

	z, ok := p.ClusteredZoom()
	require.True(t, ok)
	assert.Equal(t, 0, z)
	before := p.Stats()["clustered_zoom"]

	p.ClusteredZoom()
	p.CurrentEntities()
	after := p.Stats()["clustered_zoom"]
	assert.Equal(t, before.Recomputes, after.Recomputes)
	assert.Greater(t, after.Hits, before.Hits)
}

func TestClusterName(t *testing.T) {
	assert.Equal(t, "Group of 2 locations", ClusterName(2))
	assert.Equal(t, "Group of 1,234,567 locations", ClusterName(1234567))
}

func BenchmarkPipelineRebuild(b *testing.B) {
	locations, flows := randomDataset(5000, 20000, 42)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := New()
		p.SetLocations(locations)
		p.SetFlows(flows)
		p.FlowsAt(0)
	}
}

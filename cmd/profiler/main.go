package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/flow"
	"github.com/rapee/flowmap.blue/pipeline"
)

var (
	cpuprofile  = flag.String("cpuprofile", "", "write cpu profile to file")
	memprofile  = flag.String("memprofile", "", "write memory profile to file")
	heapprofile = flag.String("heapprofile", "", "write heap profile to file")
	numPoints   = flag.Int("points", 100000, "number of locations to generate")
	numFlows    = flag.Int("flows", 200000, "number of flows to generate")
	zoomLevel   = flag.Int("zoom", 8, "zoom level to query after the rebuild")
	testall     = flag.Bool("testall", false, "test all configurations")
)

// US region
var usBounds = cluster.KDBounds{MinX: -125, MinY: 25, MaxX: -65, MaxY: 49}

// generateDataset creates n locations inside usBounds and m flows between
// them. The seed is fixed for reproducibility.
func generateDataset(n, m int) ([]flow.Location, []flow.Flow) {
	points := cluster.GenerateTestPoints(n, usBounds, 42)
	locations := make([]flow.Location, len(points))
	for i, p := range points {
		locations[i] = flow.Location{ID: p.LocationID, Name: p.LocationID, Lon: p.X, Lat: p.Y}
	}

	r := rand.New(rand.NewSource(42))
	flows := make([]flow.Flow, m)
	for i := range flows {
		flows[i] = flow.Flow{
			Origin: locations[r.Intn(n)].ID,
			Dest:   locations[r.Intn(n)].ID,
			Count:  float64(r.Intn(1000)),
		}
	}
	return locations, flows
}

type result struct {
	rebuild   time.Duration
	query     time.Duration
	zoomRange pipeline.ZoomRange
	entities  int
	flows     int
	allocMB   float64
	gcRuns    uint32
}

// profilePipeline builds a pipeline, forces every derivation and then
// queries one zoom.
func profilePipeline(locations []flow.Location, flows []flow.Flow, zoom int) result {
	var memStatsBefore, memStatsAfter runtime.MemStats
	runtime.ReadMemStats(&memStatsBefore)

	start := time.Now()
	p := pipeline.New(pipeline.WithIndexOptions(cluster.SuperclusterOptions{
		MinZoom:   0,
		MaxZoom:   16,
		MinPoints: 2,
		Radius:    40,
		Extent:    512,
		NodeSize:  64,
	}))
	p.SetLocations(locations)
	p.SetFlows(flows)
	r, _ := p.ZoomRange()
	p.TotalsAt(r.Min)
	rebuild := time.Since(start)

	start = time.Now()
	entities := p.EntitiesAt(zoom)
	aggregated := p.FlowsAt(zoom)
	query := time.Since(start)

	runtime.ReadMemStats(&memStatsAfter)

	return result{
		rebuild:   rebuild,
		query:     query,
		zoomRange: r,
		entities:  len(entities),
		flows:     len(aggregated),
		allocMB:   float64(memStatsAfter.TotalAlloc-memStatsBefore.TotalAlloc) / 1024 / 1024,
		gcRuns:    memStatsAfter.NumGC - memStatsBefore.NumGC,
	}
}

func runSingleProfile(numPoints, numFlows, zoomLevel int) {
	fmt.Printf("Profiling with %d locations and %d flows at zoom level %d\n", numPoints, numFlows, zoomLevel)

	locations, flows := generateDataset(numPoints, numFlows)
	res := profilePipeline(locations, flows, zoomLevel)

	fmt.Printf("Zoom range: %d-%d\n", res.zoomRange.Min, res.zoomRange.Max)
	fmt.Printf("Rebuild completed in %v\n", res.rebuild)
	fmt.Printf("Query returned %d entities and %d flows in %v\n", res.entities, res.flows, res.query)
	fmt.Printf("Memory allocated: %.2f MB\n", res.allocMB)
}

func runProfileBattery() {
	pointCounts := []int{1000, 10000, 50000, 100000}
	zoomLevels := []int{2, 5, 8, 12, 15}

	fmt.Println("Running comprehensive profile battery...")
	fmt.Println("=======================================")

	fmt.Printf("%-10s | %-10s | %-15s | %-15s | %-10s | %-10s | %-10s\n",
		"Points", "Zoom", "Rebuild", "Query", "Entities", "Memory (MB)", "GC Runs")
	fmt.Printf("%s\n", "-----------------------------------------------------------------------------------------")

	for _, points := range pointCounts {
		locations, flows := generateDataset(points, points*2)
		for _, zoom := range zoomLevels {
			res := profilePipeline(locations, flows, zoom)
			fmt.Printf("%-10d | %-10d | %-15s | %-15s | %-10d | %-10.2f | %-10d\n",
				points, zoom, res.rebuild, res.query, res.entities, res.allocMB, res.gcRuns)
		}
		fmt.Printf("%s\n", "-----------------------------------------------------------------------------------------")
	}
}

func main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			return
		}
		defer f.Close()

		fmt.Println("Starting CPU profiling...")
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			return
		}
		defer pprof.StopCPUProfile()
	}

	if *testall {
		runProfileBattery()
	} else {
		runSingleProfile(*numPoints, *numFlows, *zoomLevel)
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
			return
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
		}
	}

	if *heapprofile != "" {
		f, err := os.Create(*heapprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create heap profile: %v\n", err)
			return
		}
		defer f.Close()

		memProfile := pprof.Lookup("heap")
		if memProfile == nil {
			fmt.Fprintf(os.Stderr, "Could not find heap profile\n")
			return
		}

		if err := memProfile.WriteTo(f, 0); err != nil {
			fmt.Fprintf(os.Stderr, "Could not write heap profile: %v\n", err)
		}
	}
}

package cluster

import (
	"fmt"
	"math/rand"
)

// MetadataSummary describes the makeup of one view of the index.
type MetadataSummary struct {
	TotalPoints     int `json:"totalPoints"`
	NumClusters     int `json:"numClusters"`
	NumSinglePoints int `json:"numSinglePoints"`
	LargestCluster  int `json:"largestCluster"`
}

func CalculateMetadataSummary(clusters []ClusterNode) MetadataSummary {
	var summary MetadataSummary
	for _, c := range clusters {
		if c.IsCluster {
			summary.NumClusters++
			if int(c.Count) > summary.LargestCluster {
				summary.LargestCluster = int(c.Count)
			}
		} else {
			summary.NumSinglePoints++
		}
		summary.TotalPoints += int(c.Count)
	}
	return summary
}

// GenerateTestPoints returns n uniformly distributed points inside bounds.
// The same seed always yields the same points.
func GenerateTestPoints(n int, bounds KDBounds, seed int64) []Point {
	r := rand.New(rand.NewSource(seed))
	points := make([]Point, n)
	for i := 0; i < n; i++ {
		points[i] = Point{
			LocationID: fmt.Sprintf("loc-%d", i+1),
			X:          bounds.MinX + r.Float64()*(bounds.MaxX-bounds.MinX),
			Y:          bounds.MinY + r.Float64()*(bounds.MaxY-bounds.MinY),
		}
	}
	return points
}

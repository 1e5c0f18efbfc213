package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/rapee/flowmap.blue/pipeline"
)

// DatasetInfo is the listing entry of a dataset.
type DatasetInfo struct {
	ID           string    `json:"id"`
	Locations    string    `json:"locations"`
	Flows        string    `json:"flows"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"lastAccessed,omitempty"`
	NumPoints    int       `json:"numLocations"`
	NumFlows     int       `json:"numFlows"`
}

func sortInfos(infos []DatasetInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Created.Equal(infos[j].Created) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Created.Before(infos[j].Created)
	})
}

// SnapshotInfo describes a saved index file.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	NumPoints int       `json:"numPoints"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"fileSize"`
}

const snapshotTimeLayout = "20060102-150405"

// generateSnapshotFilename names a snapshot
// snapshot-{numPoints}p-{timestamp}-{id}.zst inside dir.
func generateSnapshotFilename(dir string, numPoints int, now time.Time) string {
	id := uuid.New().String()[:8]
	return filepath.Join(dir, fmt.Sprintf("snapshot-%dp-%s-%s.zst", numPoints, now.Format(snapshotTimeLayout), id))
}

// parseSnapshotFilename reverses generateSnapshotFilename.
func parseSnapshotFilename(name string) (SnapshotInfo, bool) {
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".zst") {
		return SnapshotInfo{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, ".zst"), "-")
	// snapshot, {n}p, date, time, id
	if len(parts) != 5 || !strings.HasSuffix(parts[1], "p") {
		return SnapshotInfo{}, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
	if err != nil {
		return SnapshotInfo{}, false
	}
	ts, err := time.Parse(snapshotTimeLayout, parts[2]+"-"+parts[3])
	if err != nil {
		return SnapshotInfo{}, false
	}
	return SnapshotInfo{ID: parts[4], NumPoints: n, Timestamp: ts}, true
}

// ListSnapshots returns the snapshots in dir, newest first. A missing
// directory holds no snapshots.
func ListSnapshots(dir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runner: read snapshot dir %s", dir)
	}

	var snapshots []SnapshotInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := parseSnapshotFilename(e.Name())
		if !ok {
			continue
		}
		if fi, err := e.Info(); err == nil {
			info.FileSize = fi.Size()
		}
		info.Path = filepath.Join(dir, e.Name())
		snapshots = append(snapshots, info)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.After(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// FindSnapshot returns the path of the snapshot with id in dir.
func FindSnapshot(dir, id string) (string, error) {
	snapshots, err := ListSnapshots(dir)
	if err != nil {
		return "", err
	}
	for _, s := range snapshots {
		if s.ID == id {
			return s.Path, nil
		}
	}
	return "", eris.Errorf("runner: no snapshot with id %s in %s", id, dir)
}

func saveIndex(index *pipeline.Index, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "runner: create snapshot dir for %s", path)
	}
	if err := index.SaveCompressed(path); err != nil {
		return eris.Wrapf(err, "runner: save snapshot %s", path)
	}
	return nil
}

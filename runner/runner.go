// Package runner keeps the live datasets of a server, each with its own
// pipeline, and evicts the ones nobody has used for a while.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rapee/flowmap.blue/cluster"
	"github.com/rapee/flowmap.blue/highlight"
	"github.com/rapee/flowmap.blue/loader"
	"github.com/rapee/flowmap.blue/pipeline"
)

// ErrDatasetNotFound is returned for an id the runner does not hold.
var ErrDatasetNotFound = eris.New("runner: dataset not found")

// Options configures a DatasetRunner.
type Options struct {
	MaxDatasets    int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	IndexOptions   cluster.SuperclusterOptions
	Clustering     bool
	Animation      bool
	IgnoreErrors   bool
	HighlightDelay time.Duration
	SnapshotDir    string
	Loader         *loader.Loader
}

type DatasetRunner struct {
	opts         Options
	datasets     map[string]*Dataset
	datasetLock  sync.RWMutex
	lastAccessed map[string]time.Time
	now          func() time.Time
}

func NewDatasetRunner(opts Options) *DatasetRunner {
	if opts.MaxDatasets <= 0 {
		opts.MaxDatasets = 5
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.SnapshotDir == "" {
		opts.SnapshotDir = "data/snapshots"
	}
	if opts.Loader == nil {
		opts.Loader = loader.New(loader.Options{})
	}
	return &DatasetRunner{
		opts:         opts,
		datasets:     make(map[string]*Dataset),
		lastAccessed: make(map[string]time.Time),
		now:          time.Now,
	}
}

// Run evicts idle datasets until ctx is done.
func (r *DatasetRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(); n > 0 {
				zap.L().Info("runner: evicted idle datasets", zap.Int("count", n))
			}
		}
	}
}

// CreateDataset loads both sources and registers the result.
func (r *DatasetRunner) CreateDataset(ctx context.Context, locations, flows loader.Source) (DatasetInfo, error) {
	ds, err := r.opts.Loader.LoadDataset(ctx, locations, flows)
	if err != nil {
		return DatasetInfo{}, eris.Wrap(err, "runner: load dataset")
	}
	return r.AddDataset(ds, locations, flows), nil
}

// AddDataset registers an already loaded dataset. When the runner is full
// the least recently used dataset makes room.
func (r *DatasetRunner) AddDataset(data *loader.Dataset, locations, flows loader.Source) DatasetInfo {
	p := pipeline.New(
		pipeline.WithIndexOptions(r.opts.IndexOptions),
		pipeline.WithClustering(r.opts.Clustering),
		pipeline.WithAnimation(r.opts.Animation),
	)
	p.SetLocations(data.Locations)
	p.SetFlows(data.Flows)

	ds := &Dataset{
		ID:           uuid.New().String(),
		Locations:    locations,
		Flows:        flows,
		Created:      r.now(),
		ignoreErrors: r.opts.IgnoreErrors,
		pipeline:     p,
	}
	ds.highlight = highlight.NewDebouncer(r.opts.HighlightDelay, ds.recordHighlight)

	r.datasetLock.Lock()
	if len(r.datasets) >= r.opts.MaxDatasets {
		r.evictOldestLocked()
	}
	r.datasets[ds.ID] = ds
	r.lastAccessed[ds.ID] = r.now()
	r.datasetLock.Unlock()

	zap.L().Info("runner: dataset registered",
		zap.String("id", ds.ID),
		zap.Int("locations", len(data.Locations)),
		zap.Int("flows", len(data.Flows)),
	)
	return ds.Info()
}

// Get returns the dataset with id and marks it used.
func (r *DatasetRunner) Get(id string) (*Dataset, error) {
	r.datasetLock.Lock()
	defer r.datasetLock.Unlock()

	ds, ok := r.datasets[id]
	if !ok {
		return nil, eris.Wrapf(ErrDatasetNotFound, "runner: id %s", id)
	}
	r.lastAccessed[id] = r.now()
	return ds, nil
}

// List returns every dataset, oldest first.
func (r *DatasetRunner) List() []DatasetInfo {
	r.datasetLock.RLock()
	infos := make([]DatasetInfo, 0, len(r.datasets))
	for _, ds := range r.datasets {
		info := ds.Info()
		info.LastAccessed = r.lastAccessed[ds.ID]
		infos = append(infos, info)
	}
	r.datasetLock.RUnlock()

	sortInfos(infos)
	return infos
}

// Delete drops the dataset with id.
func (r *DatasetRunner) Delete(id string) error {
	r.datasetLock.Lock()
	defer r.datasetLock.Unlock()

	if _, ok := r.datasets[id]; !ok {
		return eris.Wrapf(ErrDatasetNotFound, "runner: id %s", id)
	}
	r.removeLocked(id)
	return nil
}

// EvictIdle drops datasets unused for longer than the idle timeout and
// returns how many it dropped.
func (r *DatasetRunner) EvictIdle() int {
	r.datasetLock.Lock()
	defer r.datasetLock.Unlock()

	now := r.now()
	var toRemove []string
	for id, lastAccess := range r.lastAccessed {
		if now.Sub(lastAccess) > r.opts.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		r.removeLocked(id)
	}
	return len(toRemove)
}

func (r *DatasetRunner) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	first := true

	for id, accessTime := range r.lastAccessed {
		if first || accessTime.Before(oldestTime) {
			oldestID = id
			oldestTime = accessTime
			first = false
		}
	}
	if oldestID != "" {
		zap.L().Info("runner: evicting least recently used dataset", zap.String("id", oldestID))
		r.removeLocked(oldestID)
	}
}

func (r *DatasetRunner) removeLocked(id string) {
	if ds, ok := r.datasets[id]; ok {
		ds.close()
	}
	delete(r.datasets, id)
	delete(r.lastAccessed, id)
}

// SaveSnapshot writes the cluster index of dataset id to the snapshot
// directory and returns the file path.
func (r *DatasetRunner) SaveSnapshot(id string) (string, error) {
	ds, err := r.Get(id)
	if err != nil {
		return "", err
	}

	// The save runs under the dataset lock so eviction cannot release the
	// index mid-write.
	var path string
	ds.With(func(p *pipeline.Pipeline) {
		index := p.Index()
		if index == nil {
			err = eris.Wrap(cluster.ErrEmptyIndex, "runner: snapshot")
			return
		}
		path = generateSnapshotFilename(r.opts.SnapshotDir, len(index.Points), r.now())
		err = saveIndex(index, path)
	})
	if err != nil {
		return "", err
	}
	zap.L().Info("runner: snapshot saved", zap.String("id", id), zap.String("path", path))
	return path, nil
}

// Snapshots lists the snapshots in the snapshot directory, newest first.
func (r *DatasetRunner) Snapshots() ([]SnapshotInfo, error) {
	return ListSnapshots(r.opts.SnapshotDir)
}

// CloseAll drops every dataset.
func (r *DatasetRunner) CloseAll() {
	r.datasetLock.Lock()
	defer r.datasetLock.Unlock()
	for id := range r.datasets {
		r.removeLocked(id)
	}
}

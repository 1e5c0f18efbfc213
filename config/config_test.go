package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Clustering.Enabled)
	assert.InDelta(t, 40.0, cfg.Clustering.Radius, 0.001)
	assert.Equal(t, 16, cfg.Clustering.MaxZoom)
	assert.Equal(t, 2, cfg.Clustering.MinPoints)
	assert.Equal(t, 512, cfg.Clustering.Extent)
	assert.Equal(t, 64, cfg.Clustering.NodeSize)
	assert.False(t, cfg.View.AnimateFlows)
	assert.False(t, cfg.View.IgnoreErrors)
	assert.Equal(t, 5, cfg.Runner.MaxDatasets)
	assert.Equal(t, 30, cfg.Runner.IdleTimeoutMins)
	assert.Equal(t, 100, cfg.Highlight.DebounceMs)
	assert.Equal(t, "data/snapshots", cfg.Snapshot.Dir)
	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
server:
  port: 9000
clustering:
  enabled: false
  radius: 60
view:
  animate_flows: true
  map_bbox: "-10,35,30,60"
data:
  locations: locations.csv
  flows: flows.csv
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Clustering.Enabled)
	assert.InDelta(t, 60.0, cfg.Clustering.Radius, 0.001)
	assert.True(t, cfg.View.AnimateFlows)
	assert.Equal(t, "locations.csv", cfg.Data.Locations)
	assert.Equal(t, "flows.csv", cfg.Data.Flows)

	bbox, err := cfg.View.ParseMapBBox()
	require.NoError(t, err)
	assert.Equal(t, &BBox{West: -10, South: 35, East: 30, North: 60}, bbox)
}

func TestLoadFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("FLOWMAP_SERVER_PORT", "7100")
	t.Setenv("FLOWMAP_VIEW_IGNORE_ERRORS", "true")
	t.Setenv("FLOWMAP_CLUSTERING_MAX_ZOOM", "12")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.True(t, cfg.View.IgnoreErrors)
	assert.Equal(t, 12, cfg.Clustering.IndexOptions().MaxZoom)
}

func TestLoadBrokenYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestParseMapBBox(t *testing.T) {
	bbox, err := ViewConfig{}.ParseMapBBox()
	assert.NoError(t, err)
	assert.Nil(t, bbox)

	_, err = ViewConfig{MapBBox: "1,2,3"}.ParseMapBBox()
	assert.Error(t, err)

	_, err = ViewConfig{MapBBox: "1,north,3,4"}.ParseMapBBox()
	assert.Error(t, err)

	_, err = ViewConfig{MapBBox: "0,50,10,40"}.ParseMapBBox()
	assert.Error(t, err)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8000
	cfg.Runner.MaxDatasets = 5
	cfg.Clustering.MaxZoom = 16
	cfg.Clustering.Radius = 40
	return cfg
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateClusteringBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Clustering.MaxZoom = 20
	cfg.Clustering.Radius = -1

	err := cfg.Validate("inspect")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "clustering.max_zoom")
	assert.Contains(t, err.Error(), "clustering.radius")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestInitLogger(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}

package config

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rapee/flowmap.blue/cluster"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Clustering ClusteringConfig `yaml:"clustering" mapstructure:"clustering"`
	View       ViewConfig       `yaml:"view" mapstructure:"view"`
	Data       DataConfig       `yaml:"data" mapstructure:"data"`
	Runner     RunnerConfig     `yaml:"runner" mapstructure:"runner"`
	Highlight  HighlightConfig  `yaml:"highlight" mapstructure:"highlight"`
	Snapshot   SnapshotConfig   `yaml:"snapshot" mapstructure:"snapshot"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ClusteringConfig configures the location cluster index.
type ClusteringConfig struct {
	Enabled   bool    `yaml:"enabled" mapstructure:"enabled"`
	Radius    float64 `yaml:"radius" mapstructure:"radius"`
	MaxZoom   int     `yaml:"max_zoom" mapstructure:"max_zoom"`
	MinPoints int     `yaml:"min_points" mapstructure:"min_points"`
	Extent    int     `yaml:"extent" mapstructure:"extent"`
	NodeSize  int     `yaml:"node_size" mapstructure:"node_size"`
	Log       bool    `yaml:"log" mapstructure:"log"`
}

// IndexOptions converts the clustering section to index options.
func (c ClusteringConfig) IndexOptions() cluster.SuperclusterOptions {
	return cluster.SuperclusterOptions{
		MaxZoom:   c.MaxZoom,
		MinPoints: c.MinPoints,
		Radius:    c.Radius,
		Extent:    c.Extent,
		NodeSize:  c.NodeSize,
		Log:       c.Log,
	}
}

// ViewConfig holds the initial view flags of a dataset.
type ViewConfig struct {
	AnimateFlows bool   `yaml:"animate_flows" mapstructure:"animate_flows"`
	IgnoreErrors bool   `yaml:"ignore_errors" mapstructure:"ignore_errors"`
	MapBBox      string `yaml:"map_bbox" mapstructure:"map_bbox"`
}

// DataConfig names the sources loaded at startup, if any.
type DataConfig struct {
	Locations string `yaml:"locations" mapstructure:"locations"`
	Flows     string `yaml:"flows" mapstructure:"flows"`
}

// RunnerConfig configures the dataset registry.
type RunnerConfig struct {
	MaxDatasets     int `yaml:"max_datasets" mapstructure:"max_datasets"`
	IdleTimeoutMins int `yaml:"idle_timeout_mins" mapstructure:"idle_timeout_mins"`
}

// HighlightConfig configures hover coalescing.
type HighlightConfig struct {
	DebounceMs int `yaml:"debounce_ms" mapstructure:"debounce_ms"`
}

// SnapshotConfig configures where index snapshots are written.
type SnapshotConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// BBox is a lng/lat bounding box.
type BBox struct {
	West, South, East, North float64
}

// ParseMapBBox parses view.map_bbox, written "west,south,east,north". It returns
// nil when the setting is empty.
func (v ViewConfig) ParseMapBBox() (*BBox, error) {
	if strings.TrimSpace(v.MapBBox) == "" {
		return nil, nil
	}
	parts := strings.Split(v.MapBBox, ",")
	if len(parts) != 4 {
		return nil, eris.Errorf("config: view.map_bbox needs 4 comma separated numbers, got %q", v.MapBBox)
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "config: view.map_bbox value %q", p)
		}
		vals[i] = f
	}
	bbox := &BBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}
	if bbox.South > bbox.North {
		return nil, eris.Errorf("config: view.map_bbox south %v is above north %v", bbox.South, bbox.North)
	}
	return bbox, nil
}

// Validate checks the settings a command depends on.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Runner.MaxDatasets <= 0 {
			errs = append(errs, "runner.max_datasets must be > 0")
		}
	case "inspect", "snapshot":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if c.Clustering.MaxZoom < 0 || c.Clustering.MaxZoom > 16 {
		errs = append(errs, "clustering.max_zoom must be between 0 and 16")
	}
	if c.Clustering.Radius < 0 {
		errs = append(errs, "clustering.radius must be >= 0")
	}
	if _, err := c.View.ParseMapBBox(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FLOWMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("clustering.enabled", true)
	v.SetDefault("clustering.radius", 40)
	v.SetDefault("clustering.max_zoom", 16)
	v.SetDefault("clustering.min_points", 2)
	v.SetDefault("clustering.extent", 512)
	v.SetDefault("clustering.node_size", 64)
	v.SetDefault("clustering.log", false)
	v.SetDefault("view.animate_flows", false)
	v.SetDefault("view.ignore_errors", false)
	v.SetDefault("view.map_bbox", "")
	v.SetDefault("data.locations", "")
	v.SetDefault("data.flows", "")
	v.SetDefault("runner.max_datasets", 5)
	v.SetDefault("runner.idle_timeout_mins", 30)
	v.SetDefault("highlight.debounce_ms", 100)
	v.SetDefault("snapshot.dir", "data/snapshots")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

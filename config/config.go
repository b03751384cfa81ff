// Package config holds the scenefinder configuration and its layered
// loader: defaults, YAML file, SCENEFINDER_* environment variables and
// command-line flags, in that order of precedence.
package config

import (
	"path/filepath"

	"scenefinder/cluster"
)

// Config is the complete pipeline configuration.
type Config struct {
	Images  ImagesConfig       `yaml:"images"`
	Work    WorkConfig         `yaml:"work"`
	Extract ExtractConfig      `yaml:"extract"`
	Match   MatchConfig        `yaml:"match"`
	Cluster cluster.Thresholds `yaml:"cluster"`
	Logging LoggingConfig      `yaml:"logging"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

// ImagesConfig selects the input images.
type ImagesConfig struct {
	Dir       string `yaml:"dir"`
	Recursive bool   `yaml:"recursive"`
	// MaxImages keeps only the first N image IDs in order when > 0.
	MaxImages int `yaml:"max_images"`
}

// WorkConfig locates the durable state and the result files.
type WorkConfig struct {
	Dir       string `yaml:"dir"`
	OutputDir string `yaml:"output_dir"`
}

// FeaturesPath returns the feature store database path.
func (w WorkConfig) FeaturesPath() string { return filepath.Join(w.Dir, "features.db") }

// MatchesPath returns the match store database path.
func (w WorkConfig) MatchesPath() string { return filepath.Join(w.Dir, "matches.db") }

// CheckpointDir returns the checkpoint directory.
func (w WorkConfig) CheckpointDir() string { return filepath.Join(w.Dir, "checkpoint") }

// ExtractConfig controls feature extraction.
type ExtractConfig struct {
	// Workers is the number of extraction workers; 0 picks a CPU-based default.
	Workers int `yaml:"workers"`
	// ChunkSize is the number of feature records per store transaction.
	ChunkSize    int `yaml:"chunk_size"`
	MaxKeypoints int `yaml:"max_keypoints"`
	// MaxSide downscales images whose longer side exceeds it; 0 disables.
	MaxSide int `yaml:"max_side"`
	// Overwrite replaces existing feature records instead of skipping them.
	Overwrite bool `yaml:"overwrite"`
}

// MatchConfig controls pair matching.
type MatchConfig struct {
	BatchSize     int     `yaml:"batch_size"`
	Workers       int     `yaml:"workers"`
	FlushInterval int     `yaml:"flush_interval"`
	ShrinkFactor  float64 `yaml:"shrink_factor"`
	MinBatchSize  int     `yaml:"min_batch_size"`
	// MaxPairs stops after the first N enumerated pairs when > 0.
	MaxPairs        int64   `yaml:"max_pairs"`
	RatioTest       float64 `yaml:"ratio_test"`
	RansacThreshold float64 `yaml:"ransac_threshold"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
}

// MetricsConfig configures the Prometheus endpoint. It is disabled when Addr
// is empty.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// Defaults returns a Config with every default applied.
func Defaults() Config {
	return Config{
		Images: ImagesConfig{
			Dir: "images",
		},
		Work: WorkConfig{
			Dir:       "work",
			OutputDir: "results",
		},
		Extract: ExtractConfig{
			ChunkSize:    200,
			MaxKeypoints: 2048,
			MaxSide:      1600,
		},
		Match: MatchConfig{
			BatchSize:       16,
			FlushInterval:   500,
			ShrinkFactor:    0.5,
			MinBatchSize:    1,
			RatioTest:       0.75,
			RansacThreshold: 5.0,
		},
		Cluster: cluster.Thresholds{
			MinMatches:    50,
			MinConfidence: 0.5,
		},
		Logging: LoggingConfig{
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

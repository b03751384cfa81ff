package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCENEFINDER_"

// ErrUnknownKey is returned for flags that name no configuration key.
var ErrUnknownKey = errors.New("unknown configuration key")

// Load builds the configuration from its layered sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SCENEFINDER_CONFIG env, ./scenefinder.yaml)
//  3. SCENEFINDER_* environment variables
//  4. Command-line flags
//  5. Validation
func Load(configPath string, flags map[string]string) (*Config, error) {
	cfg := Defaults()

	if filePath := discoverConfigFile(configPath); filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := ApplyFlags(&cfg, flags); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("scenefinder.yaml"); err == nil {
		return "scenefinder.yaml"
	}
	return ""
}

// loadYAMLFile parses path into cfg. Fields absent from the file keep their
// current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

type setter func(cfg *Config, v string) error

func str(f func(*Config) *string) setter {
	return func(c *Config, v string) error { *f(c) = v; return nil }
}

func integer(f func(*Config) *int) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func integer64(f func(*Config) *int64) setter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func float(f func(*Config) *float64) setter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func boolean(f func(*Config) *bool) setter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*f(c) = b
		return nil
	}
}

// keys maps dotted configuration keys to their setters. The same keys are
// accepted as --key=value flags and, upper-cased with dots replaced by
// underscores, as SCENEFINDER_* environment variables.
var keys = map[string]setter{
	"images.dir":             str(func(c *Config) *string { return &c.Images.Dir }),
	"images.recursive":       boolean(func(c *Config) *bool { return &c.Images.Recursive }),
	"images.max_images":      integer(func(c *Config) *int { return &c.Images.MaxImages }),
	"work.dir":               str(func(c *Config) *string { return &c.Work.Dir }),
	"work.output_dir":        str(func(c *Config) *string { return &c.Work.OutputDir }),
	"extract.workers":        integer(func(c *Config) *int { return &c.Extract.Workers }),
	"extract.chunk_size":     integer(func(c *Config) *int { return &c.Extract.ChunkSize }),
	"extract.max_keypoints":  integer(func(c *Config) *int { return &c.Extract.MaxKeypoints }),
	"extract.max_side":       integer(func(c *Config) *int { return &c.Extract.MaxSide }),
	"extract.overwrite":      boolean(func(c *Config) *bool { return &c.Extract.Overwrite }),
	"match.batch_size":       integer(func(c *Config) *int { return &c.Match.BatchSize }),
	"match.workers":          integer(func(c *Config) *int { return &c.Match.Workers }),
	"match.flush_interval":   integer(func(c *Config) *int { return &c.Match.FlushInterval }),
	"match.shrink_factor":    float(func(c *Config) *float64 { return &c.Match.ShrinkFactor }),
	"match.min_batch_size":   integer(func(c *Config) *int { return &c.Match.MinBatchSize }),
	"match.max_pairs":        integer64(func(c *Config) *int64 { return &c.Match.MaxPairs }),
	"match.ratio_test":       float(func(c *Config) *float64 { return &c.Match.RatioTest }),
	"match.ransac_threshold": float(func(c *Config) *float64 { return &c.Match.RansacThreshold }),
	"cluster.min_matches":    integer(func(c *Config) *int { return &c.Cluster.MinMatches }),
	"cluster.min_confidence": float(func(c *Config) *float64 { return &c.Cluster.MinConfidence }),
	"cluster.max_confidence": float(func(c *Config) *float64 { return &c.Cluster.MaxConfidence }),
	"logging.path":           str(func(c *Config) *string { return &c.Logging.Path }),
	"logging.format":         str(func(c *Config) *string { return &c.Logging.Format }),
	"logging.debug":          boolean(func(c *Config) *bool { return &c.Logging.Debug }),
	"metrics.addr":           str(func(c *Config) *string { return &c.Metrics.Addr }),
	"metrics.path":           str(func(c *Config) *string { return &c.Metrics.Path }),
}

// aliases are short flag names for the most common keys.
var aliases = map[string]string{
	"images":         "images.dir",
	"recursive":      "images.recursive",
	"max-images":     "images.max_images",
	"work":           "work.dir",
	"output":         "work.output_dir",
	"batch-size":     "match.batch_size",
	"max-pairs":      "match.max_pairs",
	"min-matches":    "cluster.min_matches",
	"min-confidence": "cluster.min_confidence",
	"max-confidence": "cluster.max_confidence",
	"logfile":        "logging.path",
	"debug":          "logging.debug",
	"metrics":        "metrics.addr",
}

// reserved flags are consumed by the command line itself.
var reserved = map[string]bool{"command": true, "config": true, "help": true}

// Keys returns every dotted configuration key, sorted.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set assigns value to the dotted key or one of its aliases.
func Set(cfg *Config, key, value string) error {
	if full, ok := aliases[key]; ok {
		key = full
	}
	set, ok := keys[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := set(cfg, value); err != nil {
		return fmt.Errorf("%s: invalid value %q: %w", key, value, err)
	}
	return nil
}

// ApplyFlags applies parsed --key=value flags. Reserved flags are skipped.
func ApplyFlags(cfg *Config, flags map[string]string) error {
	var errs []error
	for k, v := range flags {
		if reserved[k] {
			continue
		}
		if err := Set(cfg, k, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnvName returns the environment variable overriding key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	for _, k := range Keys() {
		if v, ok := os.LookupEnv(EnvName(k)); ok && v != "" {
			if err := Set(cfg, k, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", EnvName(k), err))
			}
		}
	}
	return errors.Join(errs...)
}

package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"ferry/wire"
)

const envPrefix = "FERRY_BUNDLE__"

// Config carries the bridge tunables. Thresholds steer throughput only;
// correctness never depends on them.
type Config struct {
	MaxBundleSize int           `koanf:"max_bundle_size"` // elements per bundle before a flush
	MaxBundleTime time.Duration `koanf:"max_bundle_time"` // open-bundle deadline
	CloseTimeout  time.Duration `koanf:"close_timeout"`   // bound on the final drain at close
	MaxFrameBytes int           `koanf:"max_frame_bytes"` // encoded frame size limit
	Driver        string        `koanf:"driver"`          // runner driver name
	MaxInFlight   int           `koanf:"max_in_flight"`   // 0 selects the driver default
}

const (
	DefaultMaxBundleSize = 100_000
	DefaultMaxBundleTime = time.Second
	DefaultCloseTimeout  = 30 * time.Second
)

func DefaultConfig() Config {
	var c Config
	applyDefaults(&c)
	return c
}

// WithDefaults returns c with zero-valued fields replaced by defaults.
func (c Config) WithDefaults() Config {
	applyDefaults(&c)
	return c
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// LoadConfig merges YAML (if present) with env-vars
// (prefix `FERRY_BUNDLE__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("bundle schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func applyDefaults(c *Config) {
	if c.MaxBundleSize <= 0 {
		c.MaxBundleSize = DefaultMaxBundleSize
	}
	if c.MaxBundleTime <= 0 {
		c.MaxBundleTime = DefaultMaxBundleTime
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if c.Driver == "" {
		c.Driver = "loopback"
	}
	if c.MaxInFlight < 0 {
		c.MaxInFlight = 0
	}
}

// Package config loads the server configuration from YAML with SYNC_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wotw-multiverse/syncserver/internal/observability"
	"github.com/wotw-multiverse/syncserver/internal/store/badgerstore"
	"github.com/wotw-multiverse/syncserver/internal/transport"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	HTTP      HTTPConfig                  `yaml:"http"`
	Admin     AdminConfig                 `yaml:"admin"`
	Store     StoreConfig                 `yaml:"store"`
	Transport transport.Config            `yaml:"transport"`
	Positions PositionConfig              `yaml:"positions"`
	Tracker   TrackerConfig               `yaml:"tracker"`
	Log       LogConfig                   `yaml:"log"`
	Tracing   observability.TracingConfig `yaml:"tracing"`

	// PoliciesFile holds the aggregation policy table. It replaces Policies
	// when set and is watched for changes. Relative paths resolve against the
	// config file's directory.
	PoliciesFile string        `yaml:"policies_file"`
	Policies     []PolicyEntry `yaml:"policies" validate:"dive"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// DevMode exposes the state, population and tracker inspection endpoints.
	DevMode           bool          `yaml:"dev_mode"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gte=0"`
}

// AdminConfig configures the gRPC health server. An empty Addr disables it.
type AdminConfig struct {
	Addr       string `yaml:"addr"`
	Reflection bool   `yaml:"reflection"`
}

type StoreConfig struct {
	Backend string             `yaml:"backend" validate:"oneof=memory badger"`
	Badger  badgerstore.Config `yaml:"badger"`
	// Fixture seeds the store at startup when set.
	Fixture string `yaml:"fixture"`
}

type PositionConfig struct {
	Rate  float64 `yaml:"rate" validate:"gt=0"`
	Burst int     `yaml:"burst" validate:"gte=1"`
}

type TrackerConfig struct {
	Lease         time.Duration `yaml:"lease" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Default returns a configuration that runs an in-memory server on :8081.
func Default() Config {
	return Config{
		HTTP:      HTTPConfig{Addr: ":8081", ReadHeaderTimeout: 10 * time.Second},
		Admin:     AdminConfig{Addr: ":50051", Reflection: true},
		Store:     StoreConfig{Backend: "memory", Badger: badgerstore.DefaultConfig()},
		Transport: transport.DefaultConfig(),
		Positions: PositionConfig{Rate: 20, Burst: 5},
		Tracker:   TrackerConfig{Lease: 30 * time.Second, SweepInterval: 10 * time.Second},
		Log:       LogConfig{Level: "info", Format: "text"},
		Tracing:   observability.DefaultTracingConfig(),

		ShutdownTimeout: 10 * time.Second,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validatePolicyEntry, PolicyEntry{})
	return v
}

// Load reads path (optional), applies environment overrides, loads the
// policies file and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	cfg = cfg.ApplyEnv()
	if cfg.PoliciesFile != "" && path != "" && !filepath.IsAbs(cfg.PoliciesFile) {
		cfg.PoliciesFile = filepath.Join(filepath.Dir(path), cfg.PoliciesFile)
	}
	if cfg.PoliciesFile != "" {
		entries, err := ReadPolicies(cfg.PoliciesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Policies = entries
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays SYNC_* environment variables onto cfg.
func (cfg Config) ApplyEnv() Config {
	if v := os.Getenv("SYNC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SYNC_DEV_MODE"); v != "" {
		cfg.HTTP.DevMode = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("SYNC_ADMIN_ADDR"); ok {
		cfg.Admin.Addr = v
	}
	if v := os.Getenv("SYNC_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("SYNC_STORE_PATH"); v != "" {
		cfg.Store.Badger.Path = v
	}
	if v := os.Getenv("SYNC_STORE_FIXTURE"); v != "" {
		cfg.Store.Fixture = v
	}
	if v := os.Getenv("SYNC_POLICIES_FILE"); v != "" {
		cfg.PoliciesFile = v
	}
	if v := os.Getenv("SYNC_TRACKER_LEASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tracker.Lease = d
		}
	}
	if v := os.Getenv("SYNC_POSITION_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Positions.Rate = r
		}
	}
	if v := os.Getenv("SYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("SYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	cfg.Tracing = cfg.Tracing.ApplyEnv()
	return cfg
}

// Validate checks every field constraint.
func (cfg Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Store.Backend == "badger" && cfg.Store.Badger.Path == "" && !cfg.Store.Badger.InMemory {
		return errors.New("invalid config: store.badger.path is required for the badger backend")
	}
	return nil
}

// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mlindgren/lagesbild/internal/model"
)

// Entity configures one synchronized entity type.
type Entity struct {
	// ActiveInterval is the sync cadence while the application is in
	// foreground use.
	ActiveInterval time.Duration `yaml:"active_interval"`

	// PassiveInterval is the sync cadence while backgrounded.
	PassiveInterval time.Duration `yaml:"passive_interval"`

	// DeltaSupported enables client-side delta filtering: the full remote
	// collection is still fetched, but only items newer than the last
	// successful sync are processed.
	DeltaSupported bool `yaml:"delta_supported"`

	// Priority orders catch-up syncs: "low", "medium" or "high".
	Priority string `yaml:"priority"`

	// Endpoint is the remote collection URL for JSON entities.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Endpoints lists the feed URLs for the feed entity.
	Endpoints []string `yaml:"endpoints,omitempty"`
}

// PriorityValue returns the parsed priority. Validate guarantees it parses.
func (e Entity) PriorityValue() model.Priority {
	p, _ := model.ParsePriority(e.Priority)
	return p
}

// Retry configures the per-cycle backoff policy.
type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Cache configures the response-cache TTLs per request class.
type Cache struct {
	APITTL    time.Duration `yaml:"api_ttl"`
	StaticTTL time.Duration `yaml:"static_ttl"`
}

// Config is the full daemon configuration.
type Config struct {
	// Entities maps entity type names to their sync settings. All three
	// entity types must be configured.
	Entities map[model.EntityType]Entity `yaml:"entities"`

	Retry Retry `yaml:"retry"`
	Cache Cache `yaml:"cache"`

	// Retention is the hard ceiling for the cleanup sweep. Per-read max-age
	// filters are always at most this value.
	Retention time.Duration `yaml:"retention"`

	// RecordCap truncates each processed batch after sorting.
	RecordCap int `yaml:"record_cap"`

	// Database is the SQLite path. Empty means the default state dir.
	Database string `yaml:"database"`

	// LogDir overrides the log directory.
	LogDir string `yaml:"log_dir,omitempty"`
}

// DefaultPath returns ~/.lagesbild/config.yaml, or the LAGESBILD_CONFIG
// override.
func DefaultPath() (string, error) {
	if p := os.Getenv("LAGESBILD_CONFIG"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".lagesbild", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a runnable configuration with the stock entity table.
func Default() *Config {
	cfg := &Config{
		Entities: map[model.EntityType]Entity{
			model.EntityEvents: {
				ActiveInterval:  2 * time.Minute,
				PassiveInterval: 10 * time.Minute,
				DeltaSupported:  true,
				Priority:        "high",
				Endpoint:        "https://polisen.se/api/events",
			},
			model.EntityStations: {
				ActiveInterval:  6 * time.Hour,
				PassiveInterval: 24 * time.Hour,
				DeltaSupported:  false,
				Priority:        "low",
				Endpoint:        "https://polisen.se/api/policestations",
			},
			model.EntityFeed: {
				ActiveInterval:  5 * time.Minute,
				PassiveInterval: 30 * time.Minute,
				DeltaSupported:  true,
				Priority:        "medium",
				Endpoints: []string{
					"https://polisen.se/aktuellt/rss/hela-landet/handelser-i-hela-landet/",
				},
			},
		},
		Retry:     Retry{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		Cache:     Cache{APITTL: 30 * time.Minute, StaticTTL: 24 * time.Hour},
		Retention: 7 * 24 * time.Hour,
		RecordCap: 500,
	}
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func (c *Config) validate() error {
	if len(c.Entities) == 0 {
		return fmt.Errorf("entities table is required")
	}
	for t, e := range c.Entities {
		if !t.Valid() {
			return fmt.Errorf("unknown entity type %q", t)
		}
		if e.ActiveInterval <= 0 || e.PassiveInterval <= 0 {
			return fmt.Errorf("entity %q: active_interval and passive_interval must be positive", t)
		}
		if e.ActiveInterval > e.PassiveInterval {
			// Active cadence is the faster one.
			return fmt.Errorf("entity %q: active_interval %v exceeds passive_interval %v", t, e.ActiveInterval, e.PassiveInterval)
		}
		if _, ok := model.ParsePriority(e.Priority); !ok {
			return fmt.Errorf("entity %q: priority %q must be low, medium or high", t, e.Priority)
		}
		urls := append([]string{}, e.Endpoints...)
		if e.Endpoint != "" {
			urls = append(urls, e.Endpoint)
		}
		if len(urls) == 0 {
			return fmt.Errorf("entity %q: endpoint or endpoints required", t)
		}
		for _, raw := range urls {
			u, err := url.ParseRequestURI(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("entity %q: endpoint %q must be a valid http or https URL", t, raw)
			}
		}
	}
	for _, t := range model.AllEntities() {
		if _, ok := c.Entities[t]; !ok {
			return fmt.Errorf("entity %q missing from entities table", t)
		}
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry: base_delay %v exceeds max_delay %v", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}

	if c.Cache.APITTL == 0 {
		c.Cache.APITTL = 30 * time.Minute
	}
	if c.Cache.StaticTTL == 0 {
		c.Cache.StaticTTL = 24 * time.Hour
	}

	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.RecordCap == 0 {
		c.RecordCap = 500
	}
	if c.RecordCap < 0 {
		return fmt.Errorf("record_cap must be positive")
	}
	return nil
}

// Interval returns the effective sync interval for an entity in a mode.
func (c *Config) Interval(t model.EntityType, mode model.ActivityMode) time.Duration {
	e := c.Entities[t]
	if mode == model.ModeActive {
		return e.ActiveInterval
	}
	return e.PassiveInterval
}

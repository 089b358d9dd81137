// Package config holds the externally owned runtime configuration. A
// Provider keeps a current snapshot and reloads it when the file changes,
// so mode, TTLs, and rules are always read fresh per decision without a
// restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/pagecache"
	"github.com/wolfeidau/pagecache/score"
)

// Mode selects the caching behavior.
type Mode string

const (
	// ModeDisabled bypasses the cache entirely.
	ModeDisabled Mode = "disabled"
	// ModeStatic caches every page except blacklisted ones.
	ModeStatic Mode = "static"
	// ModeBeast promotes pages based on traffic scoring.
	ModeBeast Mode = "beast"
)

func (m Mode) valid() bool {
	switch m {
	case ModeDisabled, ModeStatic, ModeBeast:
		return true
	}
	return false
}

// Duration wraps time.Duration with YAML support for strings like "90s"
// and "1h", and bare numbers meaning seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or number: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TTLOverride assigns a TTL to URL paths matching a glob pattern.
// Different URL classes legitimately need different freshness windows.
type TTLOverride struct {
	Pattern string   `yaml:"pattern"`
	TTL     Duration `yaml:"ttl"`
}

// BeastConfig controls traffic-scored promotion.
type BeastConfig struct {
	Threshold float64  `yaml:"threshold"`
	Window    Duration `yaml:"window"`
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`
}

// WarmConfig controls cache warming.
type WarmConfig struct {
	Concurrency int      `yaml:"concurrency"`
	Timeout     Duration `yaml:"timeout"`
	Schedule    string   `yaml:"schedule"`
	URLs        []string `yaml:"urls"`
}

// Limits bounds control-surface batches.
type Limits struct {
	MaxBatch int `yaml:"max_batch"`
}

// Config is the full runtime configuration.
type Config struct {
	Mode           Mode          `yaml:"mode"`
	DefaultTTL     Duration      `yaml:"default_ttl"`
	TTLOverrides   []TTLOverride `yaml:"ttl_overrides"`
	SessionCookies []string      `yaml:"session_cookies"`
	Beast          BeastConfig   `yaml:"beast"`
	Warm           WarmConfig    `yaml:"warm"`
	Limits         Limits        `yaml:"limits"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Mode:           ModeBeast,
		DefaultTTL:     Duration(time.Hour),
		SessionCookies: []string{"wordpress_logged_in_*", "PHPSESSID", "session*"},
		Beast: BeastConfig{
			Threshold: score.DefaultThreshold,
			Window:    Duration(time.Hour),
		},
		Warm: WarmConfig{
			Concurrency: 3,
			Timeout:     Duration(30 * time.Second),
		},
		Limits:        Limits{MaxBatch: 100},
		SweepSchedule: "@hourly",
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.SessionCookies == nil {
		c.SessionCookies = def.SessionCookies
	}
	if c.Beast.Threshold == 0 {
		c.Beast.Threshold = def.Beast.Threshold
	}
	if c.Beast.Window <= 0 {
		c.Beast.Window = def.Beast.Window
	}
	if c.Warm.Concurrency <= 0 {
		c.Warm.Concurrency = def.Warm.Concurrency
	}
	if c.Warm.Timeout <= 0 {
		c.Warm.Timeout = def.Warm.Timeout
	}
	if c.Limits.MaxBatch <= 0 {
		c.Limits.MaxBatch = def.Limits.MaxBatch
	}
}

func (c *Config) validate() error {
	if !c.Mode.valid() {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	for _, o := range c.TTLOverrides {
		if o.Pattern == "" {
			return fmt.Errorf("ttl override with empty pattern")
		}
		if o.TTL <= 0 {
			return fmt.Errorf("ttl override %q with non-positive ttl", o.Pattern)
		}
	}
	return nil
}

// Load reads and validates a configuration file, filling in defaults for
// unset fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TTLFor returns the TTL for a URL path: the first matching override in
// order, otherwise the default TTL.
func (c Config) TTLFor(path string) time.Duration {
	for _, o := range c.TTLOverrides {
		if pagecache.MatchPattern(o.Pattern, path) {
			return o.TTL.Std()
		}
	}
	return c.DefaultTTL.Std()
}

// Rules returns the promotion rules for the score engine.
func (c Config) Rules() score.Rules {
	return score.Rules{
		Whitelist: c.Beast.Whitelist,
		Blacklist: c.Beast.Blacklist,
		Threshold: c.Beast.Threshold,
	}
}

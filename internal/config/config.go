// Package config loads process configuration from the environment (with .env
// support) and an optional YAML overrides file for pacing and roll rules.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the process needs at startup.
type Config struct {
	// Upstream gateway session.
	GatewayHost string
	GatewayPort int
	ClientID    int    // effective id; see Load for collision avoidance
	Username    string // optional, gateway may already hold a session
	Password    string

	// HTTP server.
	HTTPPort int

	// Coordinator pacing and sizing.
	MaxInflight         int           // concurrent upstream request slots
	QueueSize           int           // bounded intake queue
	RequestTimeout      time.Duration // per upstream fetch
	RequestsPerSecond   float64       // token bucket refill
	Burst               int           // token bucket capacity
	PerContractInterval time.Duration // min spacing of identical-contract hits
	MaxRetries          int
	BackoffBase         time.Duration
	BackoffMax          time.Duration

	// Bar cache.
	CacheMaxBars int           // LRU bound on total cached bars
	CacheTTL     time.Duration

	// Expiry calendar.
	CalendarTTL time.Duration
	DataDir     string

	// Alignment fill policy: max consecutive forward-filled bars per leg.
	FillCap int

	// Roll rule: trading days before last-trading-day to roll, per root.
	RollOffsetDays map[string]int
	RollDefault    int

	Verbosity int
}

// overrides is the YAML file schema (all fields optional).
type overrides struct {
	Pacing struct {
		RequestsPerSecond  float64 `yaml:"requests_per_second"`
		Burst              int     `yaml:"burst"`
		PerContractSeconds float64 `yaml:"per_contract_seconds"`
		MaxInflight        int     `yaml:"max_inflight"`
	} `yaml:"pacing"`
	Rolls map[string]int `yaml:"rolls"` // root -> trading days before LTD; key "default" sets the fallback
	Cache struct {
		MaxBars    int `yaml:"max_bars"`
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"cache"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GatewayHost:         "127.0.0.1",
		GatewayPort:         7496,
		ClientID:            1,
		HTTPPort:            8000,
		MaxInflight:         50,
		QueueSize:           256,
		RequestTimeout:      30 * time.Second,
		RequestsPerSecond:   5,
		Burst:               10,
		PerContractInterval: 2 * time.Second,
		MaxRetries:          3,
		BackoffBase:         500 * time.Millisecond,
		BackoffMax:          8 * time.Second,
		CacheMaxBars:        2_000_000,
		CacheTTL:            15 * time.Minute,
		CalendarTTL:         24 * time.Hour,
		FillCap:             5,
		RollOffsetDays:      map[string]int{"ES": 5, "NQ": 5, "MES": 5, "MNQ": 5, "FDAX": 3},
		RollDefault:         3,
		Verbosity:           1,
	}
}

// Load builds the config from defaults, a .env file if present, environment
// variables, and an optional YAML overrides file named by QS_CONFIG_FILE.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env always wins because godotenv
	// does not overwrite existing variables.
	_ = godotenv.Load()

	cfg := Default()

	cfg.GatewayHost = envStr("QS_GATEWAY_HOST", cfg.GatewayHost)
	cfg.GatewayPort = envInt("QS_GATEWAY_PORT", cfg.GatewayPort)
	cfg.Username = envStr("QS_GATEWAY_USER", "")
	cfg.Password = envStr("QS_GATEWAY_PASSWORD", "")
	cfg.HTTPPort = envInt("QS_HTTP_PORT", cfg.HTTPPort)
	cfg.Verbosity = envInt("QS_VERBOSITY", cfg.Verbosity)

	// A fixed client id collides when the process restarts fast or runs
	// twice. Derive from pid unless the caller pins it explicitly.
	base := envInt("QS_CLIENT_ID", cfg.ClientID)
	if os.Getenv("QS_CLIENT_ID_PINNED") != "" {
		cfg.ClientID = base
	} else {
		cfg.ClientID = base + os.Getpid()%1000
	}

	if cfg.DataDir = envStr("QS_DATA_DIR", ""); cfg.DataDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.DataDir = filepath.Join(wd, "data")
	}

	if path := os.Getenv("QS_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var ov overrides
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if ov.Pacing.RequestsPerSecond > 0 {
		c.RequestsPerSecond = ov.Pacing.RequestsPerSecond
	}
	if ov.Pacing.Burst > 0 {
		c.Burst = ov.Pacing.Burst
	}
	if ov.Pacing.PerContractSeconds > 0 {
		c.PerContractInterval = time.Duration(ov.Pacing.PerContractSeconds * float64(time.Second))
	}
	if ov.Pacing.MaxInflight > 0 {
		c.MaxInflight = ov.Pacing.MaxInflight
	}
	for root, days := range ov.Rolls {
		if root == "default" {
			c.RollDefault = days
			continue
		}
		c.RollOffsetDays[root] = days
	}
	if ov.Cache.MaxBars > 0 {
		c.CacheMaxBars = ov.Cache.MaxBars
	}
	if ov.Cache.TTLMinutes > 0 {
		c.CacheTTL = time.Duration(ov.Cache.TTLMinutes) * time.Minute
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.GatewayHost == "" {
		return fmt.Errorf("config: upstream gateway host is empty (set QS_GATEWAY_HOST)")
	}
	if c.GatewayPort < 1 || c.GatewayPort > 65535 {
		return fmt.Errorf("config: gateway port %d out of range", c.GatewayPort)
	}
	if c.ClientID < 0 {
		return fmt.Errorf("config: client id must be non-negative, got %d", c.ClientID)
	}
	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("config: QS_GATEWAY_USER and QS_GATEWAY_PASSWORD must be set together")
	}
	if c.MaxInflight < 1 {
		return fmt.Errorf("config: max inflight must be >= 1")
	}
	if c.FillCap < 0 {
		return fmt.Errorf("config: fill cap must be >= 0")
	}
	return nil
}

// RollOffset returns the roll rule for a futures root.
func (c *Config) RollOffset(root string) int {
	if d, ok := c.RollOffsetDays[root]; ok {
		return d
	}
	return c.RollDefault
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() invalid: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
	}{
		{"empty host", func(c *Config) { c.GatewayHost = "" }},
		{"bad port", func(c *Config) { c.GatewayPort = 0 }},
		{"negative client id", func(c *Config) { c.ClientID = -1 }},
		{"user without password", func(c *Config) { c.Username = "u" }},
		{"zero inflight", func(c *Config) { c.MaxInflight = 0 }},
	}
	for _, c := range cases {
		cfg := Default()
		c.edit(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() passed, want error", c.name)
		}
	}
}

func TestLoad_EnvAndPinning(t *testing.T) {
	t.Setenv("QS_GATEWAY_HOST", "10.0.0.5")
	t.Setenv("QS_GATEWAY_PORT", "4002")
	t.Setenv("QS_CLIENT_ID", "7")
	t.Setenv("QS_CLIENT_ID_PINNED", "1")
	t.Setenv("QS_DATA_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GatewayHost != "10.0.0.5" || cfg.GatewayPort != 4002 {
		t.Errorf("gateway = %s:%d", cfg.GatewayHost, cfg.GatewayPort)
	}
	if cfg.ClientID != 7 {
		t.Errorf("pinned client id = %d, want 7", cfg.ClientID)
	}
}

func TestLoad_ClientIDDerivedFromPID(t *testing.T) {
	t.Setenv("QS_CLIENT_ID", "100")
	t.Setenv("QS_CLIENT_ID_PINNED", "")
	t.Setenv("QS_DATA_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := 100 + os.Getpid()%1000
	if cfg.ClientID != want {
		t.Errorf("derived client id = %d, want %d", cfg.ClientID, want)
	}
}

func TestApplyFile_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qs.yaml")
	body := `
pacing:
  requests_per_second: 2.5
  burst: 4
  per_contract_seconds: 1.5
rolls:
  default: 4
  CL: 2
cache:
  max_bars: 1000
  ttl_minutes: 5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := cfg.applyFile(path); err != nil {
		t.Fatalf("applyFile error: %v", err)
	}
	if cfg.RequestsPerSecond != 2.5 || cfg.Burst != 4 {
		t.Errorf("pacing = %v/%d", cfg.RequestsPerSecond, cfg.Burst)
	}
	if cfg.PerContractInterval != 1500*time.Millisecond {
		t.Errorf("per contract interval = %v", cfg.PerContractInterval)
	}
	if cfg.RollDefault != 4 || cfg.RollOffset("CL") != 2 || cfg.RollOffset("ZZ") != 4 {
		t.Errorf("rolls = default %d, CL %d", cfg.RollDefault, cfg.RollOffset("CL"))
	}
	if cfg.CacheMaxBars != 1000 || cfg.CacheTTL != 5*time.Minute {
		t.Errorf("cache = %d bars, ttl %v", cfg.CacheMaxBars, cfg.CacheTTL)
	}
}

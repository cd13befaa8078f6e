package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadParsesFullFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = "0.0.0.0:9000"
DataDir = "./liabilities"
Backend = "sqlite"
JournalDSN = "postgres://mint:pw@db:5432/journal"

[[Units]]
Name = "sat"
Cap = 21000000

[[Units]]
Name = "msat"

[Log]
Level = "debug"
File = "./logs/sumtreed.log"
MaxSizeMB = 50

[Telemetry]
Metrics = true
Traces = true
OTLPEndpoint = "collector:4318"
OTLPInsecure = true
OTLPHeaders = "x-team=mint"

[Auth]
Secret = "0123456789abcdef0123456789abcdef"
Issuer = "mint-ops"
Audience = "sumtree-api"

[RateLimit]
RequestsPerMinute = 600
Burst = 60
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ListenAddress != "0.0.0.0:9000" || cfg.DataDir != "./liabilities" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}
	if cfg.Backend != "sqlite" {
		t.Fatalf("unexpected backend: %s", cfg.Backend)
	}
	if cfg.JournalDSN != "postgres://mint:pw@db:5432/journal" {
		t.Fatalf("unexpected journal dsn: %s", cfg.JournalDSN)
	}
	if len(cfg.Units) != 2 || cfg.Units[0].Name != "sat" || cfg.Units[0].Cap != 21000000 {
		t.Fatalf("unexpected units: %+v", cfg.Units)
	}
	if cfg.Units[1].Cap != 0 {
		t.Fatalf("expected msat to be uncapped: %+v", cfg.Units[1])
	}
	if cfg.Log.Level != "debug" || cfg.Log.File != "./logs/sumtreed.log" || cfg.Log.MaxSizeMB != 50 {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if !cfg.Telemetry.Metrics || !cfg.Telemetry.Traces || !cfg.Telemetry.OTLPInsecure {
		t.Fatalf("unexpected telemetry toggles: %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.OTLPEndpoint != "collector:4318" || cfg.Telemetry.OTLPHeaders != "x-team=mint" {
		t.Fatalf("unexpected telemetry endpoint: %+v", cfg.Telemetry)
	}
	if cfg.Auth.Issuer != "mint-ops" || cfg.Auth.Audience != "sumtree-api" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.RateLimit.RequestsPerMinute != 600 || cfg.RateLimit.Burst != 60 {
		t.Fatalf("unexpected rate limits: %+v", cfg.RateLimit)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `Backend = "memory"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ListenAddress != ":8721" {
		t.Fatalf("unexpected listen default: %s", cfg.ListenAddress)
	}
	if cfg.Backend != "memory" {
		t.Fatalf("unexpected backend: %s", cfg.Backend)
	}
	if len(cfg.Units) != 1 || cfg.Units[0].Name != "sat" {
		t.Fatalf("unexpected unit defaults: %+v", cfg.Units)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected log level default: %s", cfg.Log.Level)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 30 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Backend != "bolt" || len(cfg.Units) != 1 {
		t.Fatalf("unexpected default config: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	// The persisted file must round-trip through Load unchanged.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if again.Backend != cfg.Backend || again.ListenAddress != cfg.ListenAddress {
		t.Fatalf("reloaded config differs: %+v vs %+v", again, cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = ":9000"
StorageEngine = "bolt"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "StorageEngine") {
		t.Fatalf("error should name the offending key: %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "etcd" }},
		{"no units", func(c *Config) { c.Units = nil }},
		{"blank unit", func(c *Config) { c.Units = []Unit{{Name: "  "}} }},
		{"upper case unit", func(c *Config) { c.Units = []Unit{{Name: "SAT"}} }},
		{"duplicate unit", func(c *Config) { c.Units = []Unit{{Name: "sat"}, {Name: "sat"}} }},
		{"short auth secret", func(c *Config) { c.Auth.Secret = "tooshort" }},
		{"zero rate limit", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }},
		{"missing data dir", func(c *Config) { c.Backend = "leveldb"; c.DataDir = " " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestAccumulatorParams(t *testing.T) {
	cfg := &Config{Units: []Unit{
		{Name: " Sat ", Cap: 100},
		{Name: "msat"},
		{Name: ""},
	}}

	params := cfg.AccumulatorParams()
	if len(params.Units) != 2 {
		t.Fatalf("unexpected unit count: %+v", params.Units)
	}
	if params.Units["sat"].Cap != 100 {
		t.Fatalf("unexpected sat cap: %+v", params.Units["sat"])
	}
	if _, ok := params.Units["msat"]; !ok {
		t.Fatalf("msat missing: %+v", params.Units)
	}
}

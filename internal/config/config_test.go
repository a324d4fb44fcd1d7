package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "hoa-workflows" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if len(cfg.Definitions.Directories) != 2 {
		t.Errorf("Definitions.Directories = %v, want 2 entries", cfg.Definitions.Directories)
	}
	if cfg.Overrides.Store.Driver != DriverRedis {
		t.Errorf("Overrides.Store.Driver = %q, want redis", cfg.Overrides.Store.Driver)
	}
	if cfg.Overrides.Store.DB != 2 || cfg.Overrides.Store.KeyPrefix != "test:overrides:" {
		t.Errorf("Overrides.Store = %+v", cfg.Overrides.Store)
	}
	if cfg.Effective.CacheTTL != 30*time.Second {
		t.Errorf("Effective.CacheTTL = %v, want 30s", cfg.Effective.CacheTTL)
	}
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing = %+v", cfg.Observability.Tracing)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer") {
		t.Errorf("error = %v, want identity.issuer mentioned", err)
	}
}

func TestLoad_identity_disabled(t *testing.T) {
	cfg, err := Load("testdata/identity_disabled.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Identity.Disabled {
		t.Error("Identity.Disabled = false, want true")
	}
	if cfg.Overrides.Store.Driver != DriverMemory {
		t.Errorf("default driver = %q, want memory", cfg.Overrides.Store.Driver)
	}
}

func TestLoad_bad_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil {
		t.Fatal("Load() with unknown driver should return error")
	}
	if !strings.Contains(err.Error(), "mongodb") {
		t.Errorf("error = %v, want driver named", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Capability.Cache.TTL != 5*time.Minute {
		t.Errorf("default Capability.Cache.TTL = %v, want 5m", cfg.Capability.Cache.TTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if cfg.Effective.CacheTTL != time.Minute {
		t.Errorf("default Effective.CacheTTL = %v, want 1m", cfg.Effective.CacheTTL)
	}
	if !cfg.Definitions.SchemaCheck {
		t.Error("default SchemaCheck = false, want true")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOA_SERVER_PORT", "3000")
	t.Setenv("HOA_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("HOA_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("HOA_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("HOA_DEFINITIONS_DIRECTORIES", "/a, /b,")
	t.Setenv("HOA_OVERRIDES_STORE_DRIVER", "memory")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if got := cfg.Definitions.Directories; len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Errorf("Definitions.Directories = %v, want [/a /b]", got)
	}
	if cfg.Overrides.Store.Driver != DriverMemory {
		t.Errorf("Overrides.Store.Driver = %q, want memory", cfg.Overrides.Store.Driver)
	}
}

func TestEnvOverrides_identityDisabled(t *testing.T) {
	t.Setenv("HOA_IDENTITY_DISABLED", "true")

	cfg, err := Load("testdata/missing_identity.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Identity.Disabled {
		t.Error("Identity.Disabled = false, want true (env override)")
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Disabled = true
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_store_requirements(t *testing.T) {
	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"postgres without dsn env", func(c *Config) {
			c.Overrides.Store.Driver = DriverPostgres
			c.Overrides.Store.DSNEnv = ""
		}, "dsn_env"},
		{"redis without addr env", func(c *Config) {
			c.Overrides.Store.Driver = DriverRedis
			c.Overrides.Store.AddrEnv = ""
		}, "addr_env"},
		{"no definition directories", func(c *Config) { c.Definitions.Directories = nil }, "definitions.directories"},
		{"negative cache ttl", func(c *Config) { c.Effective.CacheTTL = -time.Second }, "cache_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Identity.Disabled = true
			tt.mut(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}

func TestLoad_env_priority_over_file(t *testing.T) {
	// File sets port 9090, env sets 5555; env wins.
	t.Setenv("HOA_SERVER_PORT", "5555")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("Server.Port = %d, want 5555 (env override beats file)", cfg.Server.Port)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{configPathEnv, databaseURLEnv, dbDriverEnv, adminSecretEnv, portEnv, logLevelEnv, ollamaHostEnv} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.HTTP.Port != "8081" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Pipeline.ClaimTimeout != 15*time.Minute || cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.DefaultQualityThreshold != 0.6 || cfg.Pipeline.ExcerptMaxChars != 160 {
		t.Fatalf("pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Providers.Endpoints.OpenAI != "https://api.openai.com/v1" || cfg.Providers.MaxTokens != 4000 {
		t.Fatalf("provider defaults: %+v", cfg.Providers)
	}
}

func TestLoad_FileOverridesOnlyGivenKeys(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
database:
  driver: sqlite
  url: ./data/pipeline.db
pipeline:
  claim_timeout: 5m
  scraper_backend: colly
  interval: 30s
providers:
  endpoints:
    ollama: http://gpu-box:11434
logging:
  level: debug
  pretty: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.URL != "./data/pipeline.db" {
		t.Fatalf("database: %+v", cfg.Database)
	}
	if cfg.Pipeline.ClaimTimeout != 5*time.Minute || cfg.Pipeline.Interval != 30*time.Second {
		t.Fatalf("durations: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.ScraperBackend != "colly" || cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("pipeline: %+v", cfg.Pipeline)
	}
	if cfg.Providers.Endpoints.Ollama != "http://gpu-box:11434" || cfg.Providers.Endpoints.OpenAI == "" {
		t.Fatalf("endpoints must merge per key: %+v", cfg.Providers.Endpoints)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Pretty {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "http:\n  port: \"9000\"\n")
	t.Setenv(configPathEnv, path)
	t.Setenv(portEnv, "9100")
	t.Setenv(adminSecretEnv, "s3cret")
	t.Setenv(databaseURLEnv, "postgres://db/other")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != "9100" || cfg.HTTP.AdminSecret != "s3cret" || cfg.Database.URL != "postgres://db/other" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "database: [unterminated"},
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"threshold out of range", "pipeline:\n  default_quality_threshold: 1.5\n"},
		{"unknown scraper", "pipeline:\n  scraper_backend: chrome\n"},
		{"zero attempts", "pipeline:\n  max_attempts: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("explicit missing file must fail")
	}
}

func TestGatewayConfig(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.PromptMaxChars = 1234
	g := cfg.GatewayConfig()
	if g.PromptMaxChars != 1234 || g.Temperature != 0.7 || g.AnthropicVersion != "2023-06-01" {
		t.Fatalf("gateway config: %+v", g)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"provider": {"type": "local"}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":10001" {
		t.Fatalf("server address = %q", cfg.Server.Address)
	}
	if cfg.Index.OverFetch != 2 || cfg.Index.CompactThreshold != 0.25 {
		t.Fatalf("index defaults = %+v", cfg.Index)
	}
	if cfg.Budget.Cap != 10.0 {
		t.Fatalf("budget cap = %v", cfg.Budget.Cap)
	}
	if cfg.Retrieval.DefaultK != 5 {
		t.Fatalf("default k = %d", cfg.Retrieval.DefaultK)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{
		"provider": {"type": "local", "dimensions": 64},
		"budget": {"cap": 2.5, "reset_cron": ""},
		"retrieval": {"min_score": 0.4, "hybrid": true}
	}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.Dimensions != 64 {
		t.Fatalf("dimensions = %d", cfg.Provider.Dimensions)
	}
	if cfg.Budget.Cap != 2.5 {
		t.Fatalf("budget cap = %v", cfg.Budget.Cap)
	}
	if cfg.Retrieval.MinScore != 0.4 || !cfg.Retrieval.Hybrid {
		t.Fatalf("retrieval = %+v", cfg.Retrieval)
	}
}

func TestLoadConfigRejectsMissingAPIKey(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, `{"provider": {"type": "openai"}}`)); err == nil {
		t.Fatal("expected validation error for missing api key")
	}
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, `{"provider": {"type": "cohere"}}`)); err == nil {
		t.Fatal("expected validation error for unknown provider type")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", User: "app", Password: "secret", DBName: "vectors"}
	want := "postgres://app:secret@db:5432/vectors?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
	p.URL = "postgres://override"
	if got := p.DSN(); got != "postgres://override" {
		t.Fatalf("dsn = %q, want explicit url", got)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

package config

import (
	"os"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.CacheDefaultTTL != 30 {
		t.Fatalf("CacheDefaultTTL = %d, want 30", cfg.CacheDefaultTTL)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Fatalf("RedisURL = %s", cfg.RedisURL)
	}
	if len(cfg.CacheSkipPaths) != 2 {
		t.Fatalf("CacheSkipPaths = %v", cfg.CacheSkipPaths)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("CACHE_DEFAULT_TTL", "99")
	os.Setenv("REDIS_URL", "redis://cache:6380")
	defer os.Unsetenv("CACHE_DEFAULT_TTL")
	defer os.Unsetenv("REDIS_URL")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDefaultTTL != 99 {
		t.Fatalf("CacheDefaultTTL = %d, want 99", cfg.CacheDefaultTTL)
	}
	if cfg.RedisURL != "redis://cache:6380" {
		t.Fatalf("RedisURL = %s", cfg.RedisURL)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	f, err := os.CreateTemp("", "cachewarp-*.yaml")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(f.Name())
	f.WriteString("cache_default_ttl: 7\norigin_url: http://origin.internal\n")
	f.Close()

	cfg, err := Load(f.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDefaultTTL != 7 {
		t.Fatalf("CacheDefaultTTL = %d, want 7 (from yaml)", cfg.CacheDefaultTTL)
	}

	os.Setenv("CACHE_DEFAULT_TTL", "42")
	defer os.Unsetenv("CACHE_DEFAULT_TTL")
	cfg, err = Load(f.Name())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDefaultTTL != 42 {
		t.Fatalf("CacheDefaultTTL = %d, want 42 (env overrides yaml)", cfg.CacheDefaultTTL)
	}
}

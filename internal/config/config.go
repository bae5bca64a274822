// Package config loads CacheWarp's settings from built-in defaults, an
// optional YAML file, and environment variable overrides, in that order of
// increasing precedence.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PathPatternTTL is a single entry of the ordered ttl_by_path_pattern list.
type PathPatternTTL struct {
	Glob string `yaml:"glob"`
	TTL  int    `yaml:"ttl"`
}

// Config holds every value in the spec's configuration table. Field names
// match the YAML keys; environment variable names are the same keys
// upper-cased (see applyEnv, which covers every key except the three
// ttl_by_* tables).
type Config struct {
	RedisURL          string           `yaml:"redis_url"`
	OriginURL         string           `yaml:"origin_url"`
	CacheDefaultTTL   int              `yaml:"cache_default_ttl"`
	L1CacheMaxSize    int              `yaml:"l1_cache_maxsize"`
	CacheSkipPaths    []string         `yaml:"cache_skip_paths"`
	TTLByContentType  map[string]int   `yaml:"ttl_by_content_type"`
	TTLByPathPattern  []PathPatternTTL `yaml:"ttl_by_path_pattern"`
	TTLByStatusCode   map[int]int      `yaml:"ttl_by_status_code"`
	StaleTTLOffset    int              `yaml:"stale_ttl_offset"`
	LockLeaseSeconds  int              `yaml:"lock_lease_seconds"`
	LoserMaxWaitMS    int              `yaml:"loser_max_wait_ms"`
}

// Default returns the configuration defaults from spec §6.
func Default() Config {
	return Config{
		RedisURL:         "redis://localhost:6379",
		OriginURL:        "http://localhost:8080",
		CacheDefaultTTL:  30,
		L1CacheMaxSize:   1000,
		CacheSkipPaths:   []string{"/health", "/favicon.ico"},
		TTLByContentType: map[string]int{"application/json": 30},
		TTLByPathPattern: []PathPatternTTL{{Glob: "/static/*", TTL: 600}},
		TTLByStatusCode:  map[int]int{200: 5, 404: 10},
		StaleTTLOffset:   60,
		LockLeaseSeconds: 10,
		LoserMaxWaitMS:   500,
	}
}

// Load builds a Config starting from Default, layering a YAML file at path
// (if it exists and path is non-empty) on top, then applying any matching
// environment variables on top of that.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("REDIS_URL"); ok {
		cfg.RedisURL = v
	}
	if v, ok := os.LookupEnv("ORIGIN_URL"); ok {
		cfg.OriginURL = v
	}
	if v, ok := lookupInt("CACHE_DEFAULT_TTL"); ok {
		cfg.CacheDefaultTTL = v
	}
	if v, ok := lookupInt("L1_CACHE_MAXSIZE"); ok {
		cfg.L1CacheMaxSize = v
	}
	if v, ok := os.LookupEnv("CACHE_SKIP_PATHS"); ok {
		cfg.CacheSkipPaths = splitCSV(v)
	}
	if v, ok := lookupInt("STALE_TTL_OFFSET"); ok {
		cfg.StaleTTLOffset = v
	}
	if v, ok := lookupInt("LOCK_LEASE_SECONDS"); ok {
		cfg.LockLeaseSeconds = v
	}
	if v, ok := lookupInt("LOSER_MAX_WAIT_MS"); ok {
		cfg.LoserMaxWaitMS = v
	}
	// ttl_by_content_type, ttl_by_path_pattern and ttl_by_status_code are
	// structured values; they are realistically only set via the YAML file,
	// so no scalar env var form is offered for them.
}

func lookupInt(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/coigraph/pkg/scoring"
)

func TestDefaultsMatchScorer(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 730.0, cfg.Scoring.HalfLifeDays)
	assert.Equal(t, scoring.DefaultConfig(), cfg.Scoring.Config())
	assert.Equal(t, "./data", cfg.Storage.Dir())
	assert.Equal(t, 256, cfg.Policy.CacheSize)

	asOf, err := cfg.Engine.AsOfTime()
	require.NoError(t, err)
	assert.True(t, asOf.IsZero())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COIGRAPH_DATA_DIR", "/var/lib/coigraph")
	t.Setenv("COIGRAPH_SYNC_WRITES", "yes")
	t.Setenv("COIGRAPH_WORKERS", "4")
	t.Setenv("COIGRAPH_AS_OF", "2024-01-01")
	t.Setenv("COIGRAPH_HALF_LIFE_DAYS", "365")
	t.Setenv("COIGRAPH_THRESHOLD_HIGH", "3")
	t.Setenv("COIGRAPH_MAGNITUDE_UNKNOWN", "1.1")
	t.Setenv("COIGRAPH_ROLE_MULTIPLIERS", "PI=2, Advisor=1.3, broken")
	t.Setenv("COIGRAPH_POLICY_CACHE_TTL", "90")
	t.Setenv("COIGRAPH_LOG_FORMAT", "json")

	cfg := LoadFromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/coigraph", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 4, cfg.Engine.Workers)
	asOf, err := cfg.Engine.AsOfTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), asOf)

	sc := cfg.Scoring.Config()
	assert.Equal(t, 365*24*time.Hour, sc.HalfLife)
	assert.Equal(t, 3.0, sc.Thresholds.High)
	assert.Equal(t, 1.0, sc.Thresholds.Moderate)
	assert.Equal(t, 1.1, sc.Magnitude["unknown"])
	assert.Equal(t, 2.0, sc.Roles["PI"])
	assert.Equal(t, 1.3, sc.Roles["Advisor"])
	assert.Equal(t, 1.25, sc.Roles["Co-PI"])
	assert.Equal(t, 90*time.Second, cfg.Policy.CacheTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestMalformedDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COIGRAPH-WORKERS=3\n"), 0o644))
	t.Chdir(dir)
	t.Setenv("COIGRAPH_WORKERS", "5")

	_, err := Load("")
	assert.Error(t, err)

	cfg := LoadFromEnv()
	assert.Equal(t, 5, cfg.Engine.Workers)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coigraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  in_memory: true
  cache_size: 64MB
scoring:
  half_life_days: 365
  thresholds:
    moderate: 0.5
    high: 2
  roles:
    Reviewer: 1.4
rules:
  catalog: rules.yaml
policy:
  cache_ttl: 30m
`), 0o644))
	t.Setenv("COIGRAPH_THRESHOLD_HIGH", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "", cfg.Storage.Dir())
	assert.Equal(t, int64(64<<20), cfg.Storage.CacheBytes())
	assert.Equal(t, 365.0, cfg.Scoring.HalfLifeDays)
	assert.Equal(t, 0.5, cfg.Scoring.Thresholds.Moderate)
	assert.Equal(t, 4.0, cfg.Scoring.Thresholds.High, "environment wins over file")
	assert.Equal(t, 1.4, cfg.Scoring.Roles["Reviewer"])
	assert.Equal(t, 1.5, cfg.Scoring.Roles["PI"], "file maps merge with defaults")
	assert.Equal(t, 10_000.0, cfg.Scoring.Tiers.Medium)
	assert.Equal(t, "rules.yaml", cfg.Rules.CatalogPath)
	assert.Equal(t, 30*time.Minute, cfg.Policy.CacheTTL)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coigraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scoring:\n  halflife: 3\n"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Storage.DataDir = " " }},
		{"bad cache size", func(c *Config) { c.Storage.CacheSize = "lots" }},
		{"negative workers", func(c *Config) { c.Engine.Workers = -1 }},
		{"bad as-of", func(c *Config) { c.Engine.AsOf = "01/02/2024" }},
		{"zero half-life", func(c *Config) { c.Scoring.HalfLifeDays = 0 }},
		{"inverted thresholds", func(c *Config) { c.Scoring.Thresholds.High = 0.5 }},
		{"non-monotone magnitude", func(c *Config) { c.Scoring.Magnitude["low"] = 3 }},
		{"negative role", func(c *Config) { c.Scoring.Roles["PI"] = -1 }},
		{"negative policy cache", func(c *Config) { c.Policy.CacheSize = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("in-memory needs no dir", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.DataDir = ""
		cfg.Storage.InMemory = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestString(t *testing.T) {
	cfg := Default()
	s := cfg.String()
	assert.Contains(t, s, "Storage: ./data")
	assert.Contains(t, s, "AsOf: today")
	assert.Contains(t, s, "Rules: built-in")
	assert.Contains(t, s, "HalfLife: 730d")
}

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"bytes numeric", "1024", 1024},
		{"bytes with B suffix", "1024B", 1024},
		{"kilobytes", "1KB", 1024},
		{"megabytes lowercase", "512mb", 512 * 1024 * 1024},
		{"gigabytes", "2G", 2 * 1024 * 1024 * 1024},
		{"zero", "0", 0},
		{"empty string", "", 0},
		{"whitespace", "  16MB  ", 16 * 1024 * 1024},
		{"invalid chars", "abc", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemorySize(tt.input))
		})
	}
}

// Package config loads coigraph configuration from defaults, an optional
// YAML file and COIGRAPH_* environment variables, in that order of
// precedence (environment wins).
//
// A .env file in the working directory is read first when present; values
// already set in the process environment are never overridden by it.
//
// Example Usage:
//
//	cfg, err := config.Load("coigraph.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
// Storage:
//   - COIGRAPH_DATA_DIR="./data"
//   - COIGRAPH_IN_MEMORY=false
//   - COIGRAPH_SYNC_WRITES=false
//   - COIGRAPH_CACHE_SIZE="16MB"
//
// Engine:
//   - COIGRAPH_WORKERS=0 (GOMAXPROCS)
//   - COIGRAPH_AS_OF="2024-01-01" (empty evaluates as of today)
//
// Scoring:
//   - COIGRAPH_HALF_LIFE_DAYS=730
//   - COIGRAPH_THRESHOLD_MODERATE=1.0
//   - COIGRAPH_THRESHOLD_HIGH=2.5
//   - COIGRAPH_TIER_MEDIUM=10000
//   - COIGRAPH_TIER_HIGH=100000
//   - COIGRAPH_MAGNITUDE_UNKNOWN=1.25
//   - COIGRAPH_ROLE_MULTIPLIERS="PI=1.5,Co-PI=1.25"
//   - COIGRAPH_DEFAULT_ROLE=1.0
//
// Rules and policies:
//   - COIGRAPH_RULES="rules.yaml" (empty uses the built-in catalog)
//   - COIGRAPH_POLICIES="policies.yaml"
//   - COIGRAPH_POLICY_CACHE_SIZE=256
//   - COIGRAPH_POLICY_CACHE_TTL=1h
//
// Logging:
//   - COIGRAPH_LOG_LEVEL=info
//   - COIGRAPH_LOG_FORMAT=text
//   - COIGRAPH_LOG_TIMESTAMPS=true
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/coigraph/pkg/logging"
	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/scoring"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all coigraph settings.
//
// Configuration is organized into sections:
//   - Storage: where findings, reviews and the graph journal live
//   - Engine: evaluation parallelism and instant
//   - Scoring: weights, thresholds and recency half-life
//   - Rules: the pattern catalog
//   - Policy: policy links attached to explanations
//   - Logging: level and format
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Scoring ScoringConfig `yaml:"scoring"`
	Rules   RulesConfig   `yaml:"rules"`
	Policy  PolicyConfig  `yaml:"policy"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// InMemory ignores DataDir and keeps everything in process memory.
	InMemory   bool `yaml:"in_memory"`
	SyncWrites bool `yaml:"sync_writes"`
	// CacheSize is a human-readable size ("64MB"). Empty keeps badger's default.
	CacheSize string `yaml:"cache_size"`
}

// EngineConfig holds evaluation settings.
type EngineConfig struct {
	Workers int `yaml:"workers"`
	// AsOf is a YYYY-MM-DD date. Empty means today.
	AsOf string `yaml:"as_of"`
}

// ScoringConfig mirrors scoring.Config in file/env friendly units.
type ScoringConfig struct {
	HalfLifeDays float64            `yaml:"half_life_days"`
	Thresholds   scoring.Thresholds `yaml:"thresholds"`
	Tiers        scoring.Tiers      `yaml:"tiers"`
	// Magnitude multipliers keyed by bucket (none, low, medium, high, unknown).
	Magnitude   map[string]float64 `yaml:"magnitude"`
	Roles       map[string]float64 `yaml:"roles"`
	DefaultRole float64            `yaml:"default_role"`
}

// RulesConfig selects the pattern catalog.
type RulesConfig struct {
	CatalogPath string `yaml:"catalog"`
}

// PolicyConfig configures policy links.
type PolicyConfig struct {
	LinksPath string        `yaml:"links"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (text, json, logfmt)
	Format     string `yaml:"format"`
	Timestamps bool   `yaml:"timestamps"`
}

// Default returns the documented defaults.
func Default() *Config {
	sc := scoring.DefaultConfig()
	return &Config{
		Storage: StorageConfig{DataDir: "./data"},
		Scoring: ScoringConfig{
			HalfLifeDays: sc.HalfLife.Hours() / 24,
			Thresholds:   sc.Thresholds,
			Tiers:        sc.Tiers,
			Magnitude:    maps.Clone(sc.Magnitude),
			Roles:        maps.Clone(sc.Roles),
			DefaultRole:  sc.DefaultRole,
		},
		Policy:  PolicyConfig{CacheSize: 256, CacheTTL: time.Hour},
		Logging: LoggingConfig{Level: "info", Format: "text", Timestamps: true},
	}
}

// LoadFromEnv returns the defaults overridden by the environment
// (including an optional .env file). An unreadable .env file is logged and
// skipped; use Load to treat it as an error.
func LoadFromEnv() *Config {
	if err := loadDotEnv(".env"); err != nil {
		log.Warn("skipping .env", "err", err)
	}
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// Load applies defaults, then the YAML file at path (skipped when empty),
// then the environment.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Default(), err
	}
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values; map entries are merged.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Storage.DataDir = getEnv("COIGRAPH_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("COIGRAPH_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("COIGRAPH_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.CacheSize = getEnv("COIGRAPH_CACHE_SIZE", c.Storage.CacheSize)

	c.Engine.Workers = getEnvInt("COIGRAPH_WORKERS", c.Engine.Workers)
	c.Engine.AsOf = getEnv("COIGRAPH_AS_OF", c.Engine.AsOf)

	s := &c.Scoring
	s.HalfLifeDays = getEnvFloat("COIGRAPH_HALF_LIFE_DAYS", s.HalfLifeDays)
	s.Thresholds.Moderate = getEnvFloat("COIGRAPH_THRESHOLD_MODERATE", s.Thresholds.Moderate)
	s.Thresholds.High = getEnvFloat("COIGRAPH_THRESHOLD_HIGH", s.Thresholds.High)
	s.Tiers.Medium = getEnvFloat("COIGRAPH_TIER_MEDIUM", s.Tiers.Medium)
	s.Tiers.High = getEnvFloat("COIGRAPH_TIER_HIGH", s.Tiers.High)
	s.DefaultRole = getEnvFloat("COIGRAPH_DEFAULT_ROLE", s.DefaultRole)
	if v := getEnvFloat("COIGRAPH_MAGNITUDE_UNKNOWN", 0); v != 0 {
		if s.Magnitude == nil {
			s.Magnitude = map[string]float64{}
		}
		s.Magnitude[rules.BucketUnknown] = v
	}
	for _, pair := range getEnvStringSlice("COIGRAPH_ROLE_MULTIPLIERS", nil) {
		role, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}
		if s.Roles == nil {
			s.Roles = map[string]float64{}
		}
		s.Roles[strings.TrimSpace(role)] = f
	}

	c.Rules.CatalogPath = getEnv("COIGRAPH_RULES", c.Rules.CatalogPath)
	c.Policy.LinksPath = getEnv("COIGRAPH_POLICIES", c.Policy.LinksPath)
	c.Policy.CacheSize = getEnvInt("COIGRAPH_POLICY_CACHE_SIZE", c.Policy.CacheSize)
	c.Policy.CacheTTL = getEnvDuration("COIGRAPH_POLICY_CACHE_TTL", c.Policy.CacheTTL)

	c.Logging.Level = getEnv("COIGRAPH_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("COIGRAPH_LOG_FORMAT", c.Logging.Format)
	c.Logging.Timestamps = getEnvBool("COIGRAPH_LOG_TIMESTAMPS", c.Logging.Timestamps)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if !c.Storage.InMemory && strings.TrimSpace(c.Storage.DataDir) == "" {
		fail("data dir required unless in_memory is set")
	}
	if c.Storage.CacheSize != "" && parseMemorySize(c.Storage.CacheSize) <= 0 {
		fail("invalid cache size %q", c.Storage.CacheSize)
	}
	if c.Engine.Workers < 0 {
		fail("negative worker count %d", c.Engine.Workers)
	}
	if _, err := c.Engine.AsOfTime(); err != nil {
		fail("%v", err)
	}
	if c.Scoring.HalfLifeDays <= 0 {
		fail("half-life must be positive, got %v days", c.Scoring.HalfLifeDays)
	} else if err := c.Scoring.Config().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Policy.CacheSize < 0 {
		fail("negative policy cache size %d", c.Policy.CacheSize)
	}
	if _, err := logging.New(c.Logging.Options(io.Discard)); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	storage := c.Storage.DataDir
	if c.Storage.InMemory {
		storage = "memory"
	}
	asOf := c.Engine.AsOf
	if asOf == "" {
		asOf = "today"
	}
	catalog := c.Rules.CatalogPath
	if catalog == "" {
		catalog = "built-in"
	}
	return fmt.Sprintf(
		"Config{Storage: %s, Workers: %d, AsOf: %s, HalfLife: %gd, Thresholds: %g/%g, Rules: %s, Log: %s/%s}",
		storage, c.Engine.Workers, asOf, c.Scoring.HalfLifeDays,
		c.Scoring.Thresholds.Moderate, c.Scoring.Thresholds.High,
		catalog, c.Logging.Level, c.Logging.Format,
	)
}

// Dir returns the badger directory, or "" for in-memory operation.
func (c StorageConfig) Dir() string {
	if c.InMemory {
		return ""
	}
	return c.DataDir
}

// CacheBytes returns the parsed cache size (0 when unset).
func (c StorageConfig) CacheBytes() int64 {
	return parseMemorySize(c.CacheSize)
}

// AsOfTime parses AsOf. The zero time means "now".
func (c EngineConfig) AsOfTime() (time.Time, error) {
	if strings.TrimSpace(c.AsOf) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(c.AsOf))
	if err != nil {
		return time.Time{}, fmt.Errorf("as_of %q: want YYYY-MM-DD", c.AsOf)
	}
	return t, nil
}

// Config converts to the scorer's configuration.
func (c ScoringConfig) Config() scoring.Config {
	return scoring.Config{
		HalfLife:    time.Duration(c.HalfLifeDays * float64(24*time.Hour)),
		Magnitude:   maps.Clone(c.Magnitude),
		Tiers:       c.Tiers,
		Roles:       maps.Clone(c.Roles),
		DefaultRole: c.DefaultRole,
		Thresholds:  c.Thresholds,
	}
}

// Options converts to logger options writing to out.
func (c LoggingConfig) Options(out io.Writer) logging.Options {
	return logging.Options{Level: c.Level, Format: c.Format, Timestamps: c.Timestamps, Output: out}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "0". Invalid input yields 0.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

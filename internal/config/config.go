// Package config loads the substrate configuration from YAML with
// environment expansion, and hot-reloads it on file change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete substrate configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Tiers       TiersConfig       `yaml:"tiers"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Decay       DecayConfig       `yaml:"decay"`
	Compounding CompoundingConfig `yaml:"compounding"`
	Sweep       SweepConfig       `yaml:"sweep"`
	Backfill    BackfillConfig    `yaml:"backfill"`
	Index       IndexConfig       `yaml:"index"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Callers     []CallerConfig    `yaml:"callers"`
}

// StoreConfig controls the SQLite record store.
type StoreConfig struct {
	Path         string        `yaml:"path"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// TierTTL holds the TTL policy of an expiring tier.
type TierTTL struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxTTL     time.Duration `yaml:"max_ttl"`
}

// TiersConfig holds TTL policies. The long tier never expires.
type TiersConfig struct {
	Short  TierTTL `yaml:"short"`
	Medium TierTTL `yaml:"medium"`
}

// EmbeddingConfig selects and bounds the embedding collaborator.
type EmbeddingConfig struct {
	Provider string        `yaml:"provider"` // ollama, openai, or empty (disabled)
	Model    string        `yaml:"model"`
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	Dims     int           `yaml:"dims"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RetrievalConfig holds search defaults.
type RetrievalConfig struct {
	TopK          int     `yaml:"top_k"`
	MinSimilarity float64 `yaml:"min_similarity"`
	Overfetch     int     `yaml:"overfetch"`
	AccessQueue   int     `yaml:"access_queue"`
}

// DecayConfig controls importance attenuation of long-tier records.
type DecayConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Factor     float64       `yaml:"factor"`
	Floor      float64       `yaml:"floor"`
	Staleness  time.Duration `yaml:"staleness"`
	MaxRetries int           `yaml:"max_retries"`
	Batch      int           `yaml:"batch"`
}

// CompoundingConfig controls near-duplicate consolidation.
type CompoundingConfig struct {
	Interval            time.Duration `yaml:"interval"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	MergeStrategy       string        `yaml:"merge_strategy"` // concat, longest
	Neighbors           int           `yaml:"neighbors"`
	MaxRetries          int           `yaml:"max_retries"`
}

// SweepConfig controls the expiry sweeper.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// BackfillConfig controls re-embedding of degraded records.
type BackfillConfig struct {
	Interval      time.Duration `yaml:"interval"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Batch         int           `yaml:"batch"`
}

// IndexConfig selects the per-tier vector index backend.
type IndexConfig struct {
	Backend  string `yaml:"backend"` // hnsw, chromem
	M        int    `yaml:"m"`
	EfSearch int    `yaml:"ef_search"`
}

// NotifyConfig controls the world-model notification queue.
type NotifyConfig struct {
	Buffer    int    `yaml:"buffer"`
	RedisAddr string `yaml:"redis_addr"`
	Stream    string `yaml:"stream"`
	MaxLen    int64  `yaml:"max_len"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// CallerConfig maps an API key to an authenticated caller.
type CallerConfig struct {
	Key       string `yaml:"key"`
	ID        string `yaml:"id"`
	Class     string `yaml:"class"` // kernel, console
	Group     string `yaml:"group"`
	OwnerID   string `yaml:"owner_id"`
	ProjectID string `yaml:"project_id"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:         defaultDBPath(),
			MaxOpenConns: 8,
			BusyTimeout:  5 * time.Second,
		},
		Tiers: TiersConfig{
			Short:  TierTTL{DefaultTTL: 24 * time.Hour, MaxTTL: 72 * time.Hour},
			Medium: TierTTL{DefaultTTL: 30 * 24 * time.Hour, MaxTTL: 90 * 24 * time.Hour},
		},
		Embedding: EmbeddingConfig{
			Timeout:  3 * time.Second,
			CacheTTL: 10 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			TopK:          10,
			MinSimilarity: 0.3,
			Overfetch:     4,
			AccessQueue:   1024,
		},
		Decay: DecayConfig{
			Interval:   6 * time.Hour,
			Factor:     0.9,
			Floor:      0.05,
			Staleness:  14 * 24 * time.Hour,
			MaxRetries: 3,
			Batch:      500,
		},
		Compounding: CompoundingConfig{
			Interval:            12 * time.Hour,
			SimilarityThreshold: 0.92,
			MergeStrategy:       "concat",
			Neighbors:           5,
			MaxRetries:          3,
		},
		Sweep: SweepConfig{
			Interval: 10 * time.Minute,
		},
		Backfill: BackfillConfig{
			Interval:      time.Minute,
			RatePerSecond: 5,
			Batch:         50,
		},
		Index: IndexConfig{
			Backend:  "hnsw",
			M:        16,
			EfSearch: 64,
		},
		Notify: NotifyConfig{
			Buffer: 256,
			Stream: "memory-events",
			MaxLen: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultDBPath() string {
	if env := os.Getenv("MEMSUBSTRATE_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memsubstrate", "memory.db")
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.MaxOpenConns <= 0 {
		return fmt.Errorf("store.max_open_conns must be positive")
	}

	for name, t := range map[string]TierTTL{"short": c.Tiers.Short, "medium": c.Tiers.Medium} {
		if t.DefaultTTL <= 0 {
			return fmt.Errorf("tiers.%s.default_ttl must be positive", name)
		}
		if t.MaxTTL < t.DefaultTTL {
			return fmt.Errorf("tiers.%s.max_ttl must be >= default_ttl", name)
		}
	}
	if c.Tiers.Medium.MaxTTL <= c.Tiers.Short.MaxTTL {
		return fmt.Errorf("tiers.medium.max_ttl must exceed tiers.short.max_ttl")
	}

	if c.Embedding.Timeout <= 0 {
		return fmt.Errorf("embedding.timeout must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if c.Retrieval.MinSimilarity < -1 || c.Retrieval.MinSimilarity > 1 {
		return fmt.Errorf("retrieval.min_similarity must be within [-1, 1]")
	}
	if c.Retrieval.Overfetch < 1 {
		return fmt.Errorf("retrieval.overfetch must be >= 1")
	}

	if c.Decay.Factor <= 0 || c.Decay.Factor >= 1 {
		return fmt.Errorf("decay.factor must be within (0, 1)")
	}
	if c.Decay.Floor < 0 || c.Decay.Floor >= 1 {
		return fmt.Errorf("decay.floor must be within [0, 1)")
	}
	if c.Decay.Staleness < 0 {
		return fmt.Errorf("decay.staleness cannot be negative")
	}
	if c.Decay.Batch < 0 {
		return fmt.Errorf("decay.batch cannot be negative")
	}

	if c.Compounding.SimilarityThreshold <= c.Retrieval.MinSimilarity || c.Compounding.SimilarityThreshold > 1 {
		return fmt.Errorf("compounding.similarity_threshold must exceed retrieval.min_similarity and be <= 1")
	}
	switch c.Compounding.MergeStrategy {
	case "concat", "longest":
	default:
		return fmt.Errorf("compounding.merge_strategy %q is not one of concat, longest", c.Compounding.MergeStrategy)
	}

	switch c.Index.Backend {
	case "hnsw", "chromem":
	default:
		return fmt.Errorf("index.backend %q is not one of hnsw, chromem", c.Index.Backend)
	}

	if c.Backfill.RatePerSecond <= 0 {
		return fmt.Errorf("backfill.rate_per_second must be positive")
	}

	for i, cl := range c.Callers {
		if cl.Key == "" || cl.ID == "" || cl.Group == "" {
			return fmt.Errorf("callers[%d]: key, id and group are required", i)
		}
		if cl.Class != "kernel" && cl.Class != "console" {
			return fmt.Errorf("callers[%d] %q: class must be kernel or console", i, cl.ID)
		}
	}

	return nil
}

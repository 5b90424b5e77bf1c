// Package config provides configuration loading for thoughtd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for every thoughtd component.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Store       StoreConfig       `koanf:"store"`
	NATS        NATSConfig        `koanf:"nats"`
	Dedup       DedupConfig       `koanf:"dedup"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	Discovery   DiscoveryConfig   `koanf:"discovery"`
	Drainer     DrainerConfig     `koanf:"drainer"`
	Search      SearchConfig      `koanf:"search"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig locates the SQLite database holding thought records, the
// per-tenant event logs and consumer group state.
type StoreConfig struct {
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// NATSConfig configures the append notification bus. When disabled, blocked
// claims are only woken by appends made in the same process.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	Token         Secret `koanf:"token"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// DedupConfig sizes the per-tenant probabilistic fingerprint set. The
// parameters are pinned for a tenant on its first submission.
type DedupConfig struct {
	ExpectedItems     uint    `koanf:"expected_items"`
	FalsePositiveRate float64 `koanf:"false_positive_rate"`
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "http" (TEI or OpenAI compatible endpoint) or "fastembed".
	Provider  string   `koanf:"provider"`
	BaseURL   string   `koanf:"base_url"`
	APIFormat string   `koanf:"api_format"` // "tei" or "openai"
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	Dimension int      `koanf:"dimension"`
	Timeout   Duration `koanf:"timeout"`
	CacheDir  string   `koanf:"cache_dir"`
	// RateLimit is the sustained provider request rate per second; zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
	// Renormalize L2-normalizes every vector instead of rejecting a provider
	// whose output is not unit norm.
	Renormalize bool `koanf:"renormalize"`
}

// VectorStoreConfig selects the vector store backend.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"` // "chromem" or "qdrant"
	Chromem  ChromemConfig `koanf:"chromem"`
}

// ChromemConfig configures the embedded chromem-go store. An empty path keeps
// everything in memory.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	APIKey         Secret `koanf:"api_key"`
	UseTLS         bool   `koanf:"use_tls"`
	CollectionName string `koanf:"collection_name"`
}

// DiscoveryConfig controls tenant discovery.
type DiscoveryConfig struct {
	Interval Duration `koanf:"interval"`
	// DenyList holds tenant names or path.Match patterns that are never drained.
	DenyList []string `koanf:"deny_list"`
}

// DrainerConfig controls backlog draining.
type DrainerConfig struct {
	Group        string        `koanf:"group"`
	Consumer     string        `koanf:"consumer"`
	BatchSize    int           `koanf:"batch_size"`
	BlockTimeout Duration      `koanf:"block_timeout"`
	ClaimIdle    Duration      `koanf:"claim_idle"`
	Workers      int           `koanf:"workers"`
	MaxAttempts  int           `koanf:"max_attempts"`
	Backoff      BackoffConfig `koanf:"backoff"`
}

// BackoffConfig is the per (tenant, operation) retry schedule.
type BackoffConfig struct {
	Initial    Duration `koanf:"initial"`
	Max        Duration `koanf:"max"`
	Multiplier float64  `koanf:"multiplier"`
	Jitter     float64  `koanf:"jitter"`
}

// SearchConfig controls semantic search and its query cache.
type SearchConfig struct {
	CacheTTL         Duration `koanf:"cache_ttl"`
	CacheSize        int      `koanf:"cache_size"`
	DefaultThreshold float64  `koanf:"default_threshold"`
	DefaultLimit     int      `koanf:"default_limit"`
	// BoostFactor multiplies the score of items found by both lexical and
	// semantic search. Values are clamped to [1.01, 1.2].
	BoostFactor         float64 `koanf:"boost_factor"`
	LexicalLimit        int     `koanf:"lexical_limit"`
	CandidateMultiplier int     `koanf:"candidate_multiplier"`
}

// LoggingConfig is the file/env facing subset of logging.Config.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig is the file/env facing subset of telemetry.Config.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg, func(string) bool { return false })
	return cfg
}

// applyDefaults sets default values for missing configuration fields. Fields
// where zero is a meaningful setting are defaulted only when isSet reports
// their key absent.
func applyDefaults(cfg *Config, isSet func(key string) bool) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/thoughtd/thoughtd.db"
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = Duration(5 * time.Second)
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "thoughtd"
	}

	if cfg.Dedup.ExpectedItems == 0 {
		cfg.Dedup.ExpectedItems = 100_000
	}
	if cfg.Dedup.FalsePositiveRate == 0 {
		cfg.Dedup.FalsePositiveRate = 0.001
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "http"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.APIFormat == "" {
		cfg.Embeddings.APIFormat = "tei"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}
	if cfg.Embeddings.Burst == 0 {
		cfg.Embeddings.Burst = 1
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}

	if cfg.Qdrant.Host == "" {
		cfg.Qdrant.Host = "localhost"
	}
	if cfg.Qdrant.Port == 0 {
		cfg.Qdrant.Port = 6334
	}
	if cfg.Qdrant.CollectionName == "" {
		cfg.Qdrant.CollectionName = "thoughtd_thoughts"
	}

	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = Duration(30 * time.Second)
	}

	if cfg.Drainer.Group == "" {
		cfg.Drainer.Group = "embedders"
	}
	if cfg.Drainer.Consumer == "" {
		cfg.Drainer.Consumer = "drainer-1"
	}
	if cfg.Drainer.BatchSize == 0 {
		cfg.Drainer.BatchSize = 10
	}
	if cfg.Drainer.BlockTimeout == 0 {
		cfg.Drainer.BlockTimeout = Duration(5 * time.Second)
	}
	if cfg.Drainer.ClaimIdle == 0 {
		cfg.Drainer.ClaimIdle = Duration(30 * time.Second)
	}
	if cfg.Drainer.Workers == 0 {
		cfg.Drainer.Workers = 4
	}
	if cfg.Drainer.MaxAttempts == 0 {
		cfg.Drainer.MaxAttempts = 5
	}
	if cfg.Drainer.Backoff.Initial == 0 {
		cfg.Drainer.Backoff.Initial = Duration(500 * time.Millisecond)
	}
	if cfg.Drainer.Backoff.Max == 0 {
		cfg.Drainer.Backoff.Max = Duration(time.Minute)
	}
	if cfg.Drainer.Backoff.Multiplier == 0 {
		cfg.Drainer.Backoff.Multiplier = 2
	}
	if !isSet("drainer.backoff.jitter") {
		cfg.Drainer.Backoff.Jitter = 0.5
	}

	if cfg.Search.CacheTTL == 0 {
		cfg.Search.CacheTTL = Duration(5 * time.Minute)
	}
	if cfg.Search.CacheSize == 0 {
		cfg.Search.CacheSize = 1024
	}
	if !isSet("search.default_threshold") {
		cfg.Search.DefaultThreshold = 0.5
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.BoostFactor == 0 {
		cfg.Search.BoostFactor = 1.2
	}
	if cfg.Search.LexicalLimit == 0 {
		cfg.Search.LexicalLimit = 50
	}
	if cfg.Search.CandidateMultiplier == 0 {
		cfg.Search.CandidateMultiplier = 3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "thoughtd"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}

	switch c.Embeddings.Provider {
	case "http":
		if c.Embeddings.BaseURL == "" {
			errs = append(errs, errors.New("embeddings.base_url is required for the http provider"))
		}
		if c.Embeddings.APIFormat != "tei" && c.Embeddings.APIFormat != "openai" {
			errs = append(errs, fmt.Errorf("embeddings.api_format must be 'tei' or 'openai', got %q", c.Embeddings.APIFormat))
		}
	case "fastembed":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be 'http' or 'fastembed', got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimension must be positive, got %d", c.Embeddings.Dimension))
	}
	if c.Embeddings.RateLimit < 0 {
		errs = append(errs, errors.New("embeddings.rate_limit cannot be negative"))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be 'chromem' or 'qdrant', got %q", c.VectorStore.Provider))
	}

	if c.Dedup.FalsePositiveRate <= 0 || c.Dedup.FalsePositiveRate >= 1 {
		errs = append(errs, fmt.Errorf("dedup.false_positive_rate must be in (0, 1), got %g", c.Dedup.FalsePositiveRate))
	}

	if c.Drainer.BatchSize < 1 {
		errs = append(errs, errors.New("drainer.batch_size must be at least 1"))
	}
	if c.Drainer.Workers < 1 {
		errs = append(errs, errors.New("drainer.workers must be at least 1"))
	}
	if c.Drainer.MaxAttempts < 1 {
		errs = append(errs, errors.New("drainer.max_attempts must be at least 1"))
	}
	if c.Drainer.Backoff.Multiplier < 1 {
		errs = append(errs, errors.New("drainer.backoff.multiplier must be >= 1"))
	}
	if c.Drainer.Backoff.Jitter < 0 || c.Drainer.Backoff.Jitter > 1 {
		errs = append(errs, errors.New("drainer.backoff.jitter must be in [0, 1]"))
	}
	if strings.ContainsAny(c.Drainer.Group, " \t\n") {
		errs = append(errs, errors.New("drainer.group cannot contain whitespace"))
	}

	if c.Search.DefaultThreshold < 0 || c.Search.DefaultThreshold > 1 {
		errs = append(errs, fmt.Errorf("search.default_threshold must be in [0, 1], got %g", c.Search.DefaultThreshold))
	}
	if c.Search.CacheSize < 1 {
		errs = append(errs, errors.New("search.cache_size must be at least 1"))
	}

	return errors.Join(errs...)
}

// MinBoost is the smallest boost applied to dual matches; it keeps them
// strictly above either of their single-method scores.
const MinBoost = 1.01

// ClampedBoost returns the boost factor limited to [MinBoost, 1.2].
func (s SearchConfig) ClampedBoost() float64 {
	switch {
	case s.BoostFactor < MinBoost:
		return MinBoost
	case s.BoostFactor > 1.2:
		return 1.2
	default:
		return s.BoostFactor
	}
}

// Package config provides configuration loading for retaind.
//
// Configuration is read from a YAML file, overridden by environment variables,
// and completed with defaults. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete retaind configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Index      IndexConfig      `koanf:"index"`
	Retention  RetentionConfig  `koanf:"retention"`
	Chunking   ChunkingConfig   `koanf:"chunking"`
	Rerank     RerankConfig     `koanf:"rerank"`
	Query      QueryConfig      `koanf:"query"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Generation GenerationConfig `koanf:"generation"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds on-disk locations.
type StorageConfig struct {
	DataDir string `koanf:"data_dir"`
}

// IndexConfig selects and configures the per-day vector index backend.
type IndexConfig struct {
	Provider  string       `koanf:"provider"` // "flat" (default) or "qdrant"
	Dimension int          `koanf:"dimension"`
	Qdrant    QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig holds Qdrant gRPC settings for the qdrant index backend.
type QdrantConfig struct {
	Host             string `koanf:"host"`
	Port             int    `koanf:"port"`
	UseTLS           bool   `koanf:"use_tls"`
	APIKey           Secret `koanf:"api_key"`
	CollectionPrefix string `koanf:"collection_prefix"`
	MaxMessageSize   int    `koanf:"max_message_size"`
}

// RetentionConfig controls shard eviction.
type RetentionConfig struct {
	Enabled  bool      `koanf:"enabled"`
	Days     int       `koanf:"days"`
	Schedule TimeOfDay `koanf:"schedule"`
}

// ChunkingConfig controls document splitting.
type ChunkingConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// RerankConfig holds the similarity/recency blend.
type RerankConfig struct {
	SimilarityWeight float64 `koanf:"similarity_weight"`
	RecencyWeight    float64 `koanf:"recency_weight"`
	OverFetch        int     `koanf:"over_fetch"`
}

// QueryConfig bounds query requests.
type QueryConfig struct {
	DefaultTopK int `koanf:"default_top_k"`
	MaxTopK     int `koanf:"max_top_k"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider  string   `koanf:"provider"` // "openai", "tei" or "fastembed"
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	Dimension int      `koanf:"dimension"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"` // requests per second, 0 disables
	Burst     int      `koanf:"burst"`
	CacheDir  string   `koanf:"cache_dir"`
}

// GenerationConfig configures the optional answer generator.
type GenerationConfig struct {
	Enabled   bool     `koanf:"enabled"`
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	Timeout   Duration `koanf:"timeout"`
	MaxTokens int      `koanf:"max_tokens"`
}

// LoggingConfig holds the subset of logging settings exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled       bool    `koanf:"enabled"`
	Endpoint      string  `koanf:"endpoint"`
	Protocol      string  `koanf:"protocol"`
	ServiceName   string  `koanf:"service_name"`
	Insecure      bool    `koanf:"insecure"`
	TLSSkipVerify bool    `koanf:"tls_skip_verify"`
	SampleRate    float64 `koanf:"sample_rate"`
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Retention days is less than 1
//   - Chunk overlap is not smaller than the chunk size
//   - Rerank weights are negative or both zero
//   - The index or embeddings provider is unknown
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Storage.DataDir == "" {
		return errors.New("storage data_dir is required")
	}

	switch c.Index.Provider {
	case "flat", "qdrant":
	default:
		return fmt.Errorf("unknown index provider %q (must be flat or qdrant)", c.Index.Provider)
	}
	if c.Index.Dimension < 0 {
		return fmt.Errorf("index dimension must be >= 0, got %d", c.Index.Dimension)
	}

	if c.Retention.Days < 1 {
		return fmt.Errorf("retention days must be >= 1, got %d", c.Retention.Days)
	}

	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.Chunking.Size, c.Chunking.Overlap)
	}

	if c.Rerank.SimilarityWeight < 0 || c.Rerank.RecencyWeight < 0 {
		return errors.New("rerank weights must be non-negative")
	}
	if c.Rerank.SimilarityWeight+c.Rerank.RecencyWeight == 0 {
		return errors.New("rerank weights cannot both be zero")
	}
	if c.Rerank.OverFetch < 1 {
		return fmt.Errorf("rerank over_fetch must be >= 1, got %d", c.Rerank.OverFetch)
	}

	if c.Query.MaxTopK < 1 || c.Query.DefaultTopK < 1 || c.Query.DefaultTopK > c.Query.MaxTopK {
		return fmt.Errorf("query top_k bounds invalid: default=%d max=%d", c.Query.DefaultTopK, c.Query.MaxTopK)
	}

	switch c.Embeddings.Provider {
	case "openai", "tei", "fastembed":
	default:
		return fmt.Errorf("unknown embeddings provider %q (must be openai, tei or fastembed)", c.Embeddings.Provider)
	}
	if c.Embeddings.Timeout.Duration() <= 0 {
		return errors.New("embeddings timeout must be positive")
	}
	if c.Embeddings.RateLimit < 0 {
		return errors.New("embeddings rate_limit must be >= 0")
	}

	if c.Generation.Enabled && c.Generation.Model == "" {
		return errors.New("generation model required when generation is enabled")
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "~/.local/share/retaind"
	}

	if cfg.Index.Provider == "" {
		cfg.Index.Provider = "flat"
	}
	if cfg.Index.Qdrant.Host == "" {
		cfg.Index.Qdrant.Host = "localhost"
	}
	if cfg.Index.Qdrant.Port == 0 {
		cfg.Index.Qdrant.Port = 6334
	}
	if cfg.Index.Qdrant.CollectionPrefix == "" {
		cfg.Index.Qdrant.CollectionPrefix = "retaind_shard"
	}
	if cfg.Index.Qdrant.MaxMessageSize == 0 {
		cfg.Index.Qdrant.MaxMessageSize = 50 * 1024 * 1024
	}

	if cfg.Retention.Days == 0 {
		cfg.Retention.Days = 3
	}
	if cfg.Retention.Schedule.IsZero() {
		cfg.Retention.Schedule = TimeOfDay{Hour: 2}
	}

	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 600
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 60
	}

	if cfg.Rerank.SimilarityWeight == 0 && cfg.Rerank.RecencyWeight == 0 {
		cfg.Rerank.SimilarityWeight = 0.7
		cfg.Rerank.RecencyWeight = 0.3
	}
	if cfg.Rerank.OverFetch == 0 {
		cfg.Rerank.OverFetch = 3
	}

	if cfg.Query.DefaultTopK == 0 {
		cfg.Query.DefaultTopK = 5
	}
	if cfg.Query.MaxTopK == 0 {
		cfg.Query.MaxTopK = 50
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.BaseURL == "" {
		switch cfg.Embeddings.Provider {
		case "tei":
			cfg.Embeddings.BaseURL = "http://localhost:8080"
		default:
			cfg.Embeddings.BaseURL = "https://api.openai.com/v1"
		}
	}
	if cfg.Embeddings.Model == "" {
		switch cfg.Embeddings.Provider {
		case "openai":
			cfg.Embeddings.Model = "text-embedding-3-small"
		default:
			cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(180 * time.Second)
	}
	if cfg.Embeddings.Burst == 0 {
		cfg.Embeddings.Burst = 1
	}

	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gpt-4o-mini"
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = Duration(60 * time.Second)
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = 1000
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
		cfg.Telemetry.ServiceName = "retaind"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Default returns a configuration with every default applied.
// Retention is enabled by default.
func Default() *Config {
	cfg := &Config{
		Retention: RetentionConfig{Enabled: true},
		Telemetry: TelemetryConfig{Insecure: true},
	}
	applyDefaults(cfg)
	return cfg
}

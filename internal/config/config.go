// Package config loads erpmirror configuration from .erpmirror/config.yaml
// with environment-variable overrides for endpoints and credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all erpmirror configuration.
type Config struct {
	// Upstream ERP connection
	Upstream UpstreamConfig `yaml:"upstream"`

	// Vector sink
	Vector VectorConfig `yaml:"vector"`

	// Embedding provider
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Cascade coordinator
	Cascade CascadeConfig `yaml:"cascade"`

	// Exact query engine
	Query QueryConfig `yaml:"query"`

	// Export writer
	Export ExportConfig `yaml:"export"`

	// Graph adjacency and query caches
	Cache CacheConfig `yaml:"cache"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// UpstreamConfig configures the JSON-RPC connection to the source ERP.
type UpstreamConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Timeout  string `yaml:"timeout"`
}

// VectorConfig configures the vector sink.
type VectorConfig struct {
	// Endpoint is the SQLite database path, or a remote endpoint when a
	// remote sink is wired in.
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`

	// IndexedFields is the static filterable-field allow-list. Empty means
	// the sink default.
	IndexedFields []string `yaml:"indexed_fields"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // genai, ollama
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
}

// CascadeConfig configures the cascade coordinator.
type CascadeConfig struct {
	BatchSize       int    `yaml:"batch_size"`
	ParallelTargets int    `yaml:"parallel_targets"` // 1-10
	MaxDepth        int    `yaml:"max_depth"`
	SkipExisting    bool   `yaml:"skip_existing"`
	PatternsPath    string `yaml:"patterns_path"`
}

// QueryConfig configures the exact query engine.
type QueryConfig struct {
	TokenThreshold     int `yaml:"token_threshold"`
	MaxEnrichedRecords int `yaml:"max_enriched_records"`
	RowScanLimit       int `yaml:"row_scan_limit"`
}

// ExportConfig configures the export writer.
type ExportConfig struct {
	Directory       string `yaml:"directory"`
	StorageEndpoint string `yaml:"storage_endpoint"` // remote store, optional
}

// CacheConfig configures the TTL caches.
type CacheConfig struct {
	GraphTTLMS int `yaml:"graph_ttl_ms"`
	MaxEntries int `yaml:"max_entries"`
	TTLMS      int `yaml:"ttl_ms"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	MaxSizeMB  int             `yaml:"max_size_mb"`
	MaxBackups int             `yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Timeout: "60s",
		},
		Vector: VectorConfig{
			Endpoint: ".erpmirror/mirror.db",
		},
		Embedding: EmbeddingConfig{
			Provider: "genai",
			Model:    "gemini-embedding-001",
		},
		Cascade: CascadeConfig{
			BatchSize:       100,
			ParallelTargets: 3,
			MaxDepth:        5,
			SkipExisting:    true,
			PatternsPath:    ".erpmirror/patterns.yaml",
		},
		Query: QueryConfig{
			TokenThreshold:     10000,
			MaxEnrichedRecords: 10,
			RowScanLimit:       50000,
		},
		Export: ExportConfig{
			Directory: ".erpmirror/exports",
		},
		Cache: CacheConfig{
			GraphTTLMS: 300000,
			MaxEntries: 500,
			TTLMS:      1800000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// DefaultPath returns the config path under the given workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".erpmirror", "config.yaml")
}

// Load loads configuration from a YAML file, applying defaults first and
// environment overrides last. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VECTOR_ENDPOINT"); v != "" {
		c.Vector.Endpoint = v
	}
	if v := os.Getenv("VECTOR_API_KEY"); v != "" {
		c.Vector.APIKey = v
	}
	if v := os.Getenv("EMBEDDER_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("UPSTREAM_DB"); v != "" {
		c.Upstream.Database = v
	}
	if v := os.Getenv("UPSTREAM_USER"); v != "" {
		c.Upstream.User = v
	}
	if v := os.Getenv("UPSTREAM_PASSWORD"); v != "" {
		c.Upstream.Password = v
	}
	if v := os.Getenv("EXPORT_STORAGE_ENDPOINT"); v != "" {
		c.Export.StorageEndpoint = v
	}
	if n, ok := envInt("GRAPH_CACHE_TTL_MS"); ok {
		c.Cache.GraphTTLMS = n
	}
	if n, ok := envInt("CACHE_MAX_ENTRIES"); ok {
		c.Cache.MaxEntries = n
	}
	if n, ok := envInt("CACHE_TTL_MS"); ok {
		c.Cache.TTLMS = n
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GraphCacheTTL returns the graph adjacency cache TTL as a duration.
func (c *Config) GraphCacheTTL() time.Duration {
	if c.Cache.GraphTTLMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Cache.GraphTTLMS) * time.Millisecond
}

// CacheTTL returns the general cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	if c.Cache.TTLMS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Cache.TTLMS) * time.Millisecond
}

// UpstreamTimeout returns the per-call upstream budget as a duration.
func (c *Config) UpstreamTimeout() time.Duration {
	d, err := time.ParseDuration(c.Upstream.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Cascade.ParallelTargets < 1 || c.Cascade.ParallelTargets > 10 {
		return fmt.Errorf("cascade.parallel_targets must be 1-10, got %d", c.Cascade.ParallelTargets)
	}
	if c.Cascade.BatchSize < 1 {
		return fmt.Errorf("cascade.batch_size must be positive, got %d", c.Cascade.BatchSize)
	}
	if c.Cascade.MaxDepth < 1 || c.Cascade.MaxDepth > 5 {
		return fmt.Errorf("cascade.max_depth must be 1-5, got %d", c.Cascade.MaxDepth)
	}
	switch c.Embedding.Provider {
	case "genai", "ollama":
	default:
		return fmt.Errorf("invalid embedding provider: %s (valid: genai, ollama)", c.Embedding.Provider)
	}
	if c.Vector.Endpoint == "" {
		return fmt.Errorf("vector endpoint not configured (set VECTOR_ENDPOINT or vector.endpoint)")
	}
	return nil
}

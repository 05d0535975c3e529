package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverRedis    = "redis"
	DriverValkey   = "valkey"
	DriverPostgres = "postgres"
	DriverJSONL    = "jsonl"
)

// Config holds the crossling service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Reranker  RerankerConfig  `yaml:"reranker"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Sync      SyncConfig      `yaml:"sync"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Driver           string   `yaml:"driver"` // redis, valkey, postgres, jsonl (default: valkey)
	Addrs            []string `yaml:"addrs"`  // redis/valkey
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	KeyPrefix        string   `yaml:"key_prefix"`
	URL              string   `yaml:"url"`   // postgres
	Glob             string   `yaml:"glob"`  // jsonl
	Watch            bool     `yaml:"watch"` // jsonl: reload on file changes
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// EmbeddingConfig holds the embedding endpoint settings.
type EmbeddingConfig struct {
	Provider            string `yaml:"provider"`
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	Model               string `yaml:"model"`
	Dimensions          int    `yaml:"dimensions"`
	SendDimensions      bool   `yaml:"send_dimensions"`
	BatchSize           int    `yaml:"batch_size"`
	Cache               bool   `yaml:"cache"`
	CacheTTLSec         int    `yaml:"cache_ttl_sec"`
	DocumentInstruction string `yaml:"document_instruction"`
	QueryInstruction    string `yaml:"query_instruction"`
}

// RerankerConfig holds the cross-encoder endpoint settings.
type RerankerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Format      string  `yaml:"format"` // cohere, tei
	BatchSize   int     `yaml:"batch_size"`
	Concurrency int     `yaml:"concurrency"`
	TimeoutSec  float64 `yaml:"timeout_sec"`
	Normalize   bool    `yaml:"normalize"`
	HealthPath  string  `yaml:"health_path"`
}

// IndexConfig holds vector index settings.
type IndexConfig struct {
	Partitions          int    `yaml:"partitions"`
	Probe               int    `yaml:"probe"`
	RebuildThreshold    int    `yaml:"rebuild_threshold"`
	FlatLimit           int    `yaml:"flat_limit"`
	KMeansIterations    int    `yaml:"kmeans_iterations"`
	SnapshotPath        string `yaml:"snapshot_path"`
	SnapshotIntervalSec int    `yaml:"snapshot_interval_sec"`
}

// SearchConfig holds retrieval pipeline settings.
type SearchConfig struct {
	CandidateK       int     `yaml:"candidate_k"`
	DefaultPageSize  int     `yaml:"default_page_size"`
	MaxPageSize      int     `yaml:"max_page_size"`
	MaxQueryLength   int     `yaml:"max_query_length"`
	PreviewChars     int     `yaml:"preview_chars"`
	RerankChars      int     `yaml:"rerank_chars"`
	EmbedTimeoutSec  float64 `yaml:"embed_timeout_sec"`
	FetchTimeoutSec  float64 `yaml:"fetch_timeout_sec"`
	RerankTimeoutSec float64 `yaml:"rerank_timeout_sec"`
}

// SyncConfig holds change-log sync settings.
type SyncConfig struct {
	IntervalSec int `yaml:"interval_sec"` // 0 disables the sync loop
	PageSize    int `yaml:"page_size"`
}

// Seconds converts a fractional seconds setting into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
// A .env file in the working directory, when present, is loaded first.
func Load(env string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFile(findConfigPath(env))
}

// LoadFile reads, expands and validates a single YAML config file.
func LoadFile(configPath string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8000
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverValkey
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "crossling:"
	}
	if c.Store.ReadinessTimeout <= 0 {
		c.Store.ReadinessTimeout = 10
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "BAAI/bge-m3"
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1024
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 32
	}

	if c.Reranker.Model == "" {
		c.Reranker.Model = "BAAI/bge-reranker-v2-m3"
	}
	if c.Reranker.Format == "" {
		c.Reranker.Format = "cohere"
	}
	if c.Reranker.BatchSize <= 0 {
		c.Reranker.BatchSize = 16
	}
	if c.Reranker.Concurrency <= 0 {
		c.Reranker.Concurrency = 4
	}
	if c.Reranker.TimeoutSec <= 0 {
		c.Reranker.TimeoutSec = 30
	}

	if c.Index.SnapshotIntervalSec < 0 {
		c.Index.SnapshotIntervalSec = 0
	}

	if c.Search.CandidateK <= 0 {
		c.Search.CandidateK = 100
	}
	if c.Search.DefaultPageSize <= 0 {
		c.Search.DefaultPageSize = 10
	}
	if c.Search.MaxPageSize <= 0 {
		c.Search.MaxPageSize = 50
	}
	if c.Search.MaxQueryLength <= 0 {
		c.Search.MaxQueryLength = 1000
	}
	if c.Search.PreviewChars <= 0 {
		c.Search.PreviewChars = 200
	}
	if c.Search.RerankChars <= 0 {
		c.Search.RerankChars = 400
	}
	if c.Search.EmbedTimeoutSec <= 0 {
		c.Search.EmbedTimeoutSec = 10
	}
	if c.Search.FetchTimeoutSec <= 0 {
		c.Search.FetchTimeoutSec = 5
	}
	if c.Search.RerankTimeoutSec <= 0 {
		c.Search.RerankTimeoutSec = 30
	}

	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = 500
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Store.Driver {
	case DriverRedis, DriverValkey:
		if len(c.Store.Addrs) == 0 {
			return fmt.Errorf("store.addrs is required for driver %q", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for driver %q", c.Store.Driver)
		}
	case DriverJSONL:
		if c.Store.Glob == "" {
			return fmt.Errorf("store.glob is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be one of redis, valkey, postgres, jsonl, got %q", c.Store.Driver)
	}

	if c.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding.base_url is required")
	}
	if c.Embedding.Cache && c.Store.Driver != DriverRedis && c.Store.Driver != DriverValkey {
		return fmt.Errorf("embedding.cache requires a redis or valkey store")
	}

	if c.Reranker.Enabled {
		if c.Reranker.BaseURL == "" {
			return fmt.Errorf("reranker.base_url is required when the reranker is enabled")
		}
		switch c.Reranker.Format {
		case "cohere", "tei":
		default:
			return fmt.Errorf("reranker.format must be \"cohere\" or \"tei\", got %q", c.Reranker.Format)
		}
	}

	if c.Search.DefaultPageSize > c.Search.MaxPageSize {
		return fmt.Errorf("search.default_page_size (%d) exceeds search.max_page_size (%d)",
			c.Search.DefaultPageSize, c.Search.MaxPageSize)
	}
	if c.Search.CandidateK < c.Search.MaxPageSize {
		return fmt.Errorf("search.candidate_k (%d) must be at least search.max_page_size (%d)",
			c.Search.CandidateK, c.Search.MaxPageSize)
	}
	if c.Index.Probe < 0 || c.Index.Partitions < 0 {
		return fmt.Errorf("index.probe and index.partitions must not be negative")
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}

// Package config provides configuration loading for distillsvc.
//
// Configuration is loaded from environment variables with sensible defaults.
// This package supports server, observability, and dedupe-pipeline settings.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete distillsvc configuration.
type Config struct {
	Production    ProductionConfig
	Server        ServerConfig
	Observability ObservabilityConfig
	Dedupe        DedupeConfig
	Embeddings    EmbeddingsConfig
	LLM           LLMConfig
	Jobs          JobsConfig
	Store         StoreConfig
	Webhook       WebhookConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry   bool   `koanf:"enable_telemetry"`
	ServiceName       string `koanf:"service_name"`
	OTLPEndpoint      string `koanf:"otlp_endpoint"`
	OTLPProtocol      string `koanf:"otlp_protocol"`
	OTLPInsecure      bool   `koanf:"otlp_insecure"`
	OTLPTLSSkipVerify bool   `koanf:"otlp_tls_skip_verify"`
}

// DedupeConfig holds the iteration driver and clustering/similarity tuning
// (spec.md §6, the bulk of the service's configuration surface).
type DedupeConfig struct {
	SimilarityThresholdInitial    float64 `koanf:"similarity_threshold_initial"`
	IterationsMax                 int     `koanf:"iterations_max"`
	MaxBlocksPerCluster           int     `koanf:"max_blocks_per_cluster"`
	MaxClusterSizeForLLM          int     `koanf:"max_cluster_size_for_llm"`
	MaxRecursionDepth             int     `koanf:"max_recursion_depth"`
	SimilarityParallel            int     `koanf:"similarity_parallel"`
	UseLSH                        bool    `koanf:"use_lsh"`
	LSHMinItems                   int     `koanf:"lsh_min_items"`
	LSHTables                     int     `koanf:"lsh_tables"`
	LSHBits                       int     `koanf:"lsh_bits"`
	MaxSimilarityNeighbors        int     `koanf:"max_similarity_neighbors"`
	SimilarityIncreasePerIteration float64 `koanf:"similarity_increase_per_iteration"`
	SimilarityIncreaseStartIter   int     `koanf:"similarity_increase_start_iteration"`
	MaxSimilarityThreshold        float64 `koanf:"max_similarity_threshold"`
	LouvainNodeThreshold          int     `koanf:"louvain_node_threshold"`
	SaveIntermediate              bool    `koanf:"save_intermediate"`
}

// EmbeddingsConfig holds the C1 embedding client's remote-API configuration.
type EmbeddingsConfig struct {
	BaseURL   string `koanf:"base_url"`
	Model     string `koanf:"model"`
	APIKey    Secret `koanf:"api_key"`
	BatchSize int    `koanf:"batch_size"`
	Parallel  int    `koanf:"parallel"`
}

// LLMConfig holds the C2 merge client's remote-API configuration.
type LLMConfig struct {
	BaseURL               string        `koanf:"base_url"`
	Model                 string        `koanf:"model"`
	APIKey                Secret        `koanf:"api_key"`
	Parallel              int           `koanf:"parallel"`
	MaxRetries            int           `koanf:"max_retries"`
	RetryDelay            time.Duration `koanf:"retry_delay"`
	MaxCompletionTokens   int           `koanf:"max_completion_tokens"`
	RequestTimeout        time.Duration `koanf:"request_timeout"`
}

// JobsConfig holds the job manager's worker pool and timeout configuration.
type JobsConfig struct {
	WorkerPoolSize   int           `koanf:"worker_pool_size"`
	Timeout          time.Duration `koanf:"timeout"`
	CleanupInterval  time.Duration `koanf:"cleanup_interval"`
	RetentionPeriod  time.Duration `koanf:"retention_period"`
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	Backend      string `koanf:"backend"` // "memory", "filesystem", "postgres"
	Path         string `koanf:"path"`    // filesystem backend root directory
	DatabaseURL  Secret `koanf:"database_url"`
}

// WebhookConfig holds the fire-and-forget completion-notification client's
// settings.
type WebhookConfig struct {
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
}

// Load loads configuration from environment variables with defaults.
//
// All environment variables:
//
// Server:
//   - SERVER_PORT: HTTP server port (default: 9090)
//   - SERVER_SHUTDOWN_TIMEOUT: Graceful shutdown timeout (default: 10s)
//
// Dedupe pipeline:
//   - DEDUPE_SIMILARITY_THRESHOLD_INITIAL: theta_1 (default: 0.55)
//   - DEDUPE_ITERATIONS_MAX: hard cap on a job's iterations field (default: 10)
//   - DEDUPE_MAX_BLOCKS_PER_CLUSTER: M (default: 20)
//   - DEDUPE_MAX_RECURSION_DEPTH: D_max (default: 10)
//   - DEDUPE_SIMILARITY_PARALLEL: similarity verification fan-out (default: 10)
//   - DEDUPE_USE_LSH / DEDUPE_LSH_MIN_ITEMS / DEDUPE_LSH_TABLES / DEDUPE_LSH_BITS
//   - DEDUPE_SIMILARITY_INCREASE_PER_ITERATION (default: 0.01)
//   - DEDUPE_SIMILARITY_INCREASE_START_ITERATION (default: 2)
//   - DEDUPE_MAX_SIMILARITY_THRESHOLD (default: 0.98)
//   - DEDUPE_LOUVAIN_NODE_THRESHOLD (default: 1000)
//   - DEDUPE_SAVE_INTERMEDIATE (default: true)
//
// Embeddings:
//   - EMBEDDINGS_BASE_URL, EMBEDDINGS_MODEL, EMBEDDINGS_API_KEY
//   - EMBEDDINGS_BATCH_SIZE (default: 1000), EMBEDDINGS_PARALLEL (default: 10)
//
// LLM:
//   - LLM_BASE_URL, LLM_MODEL (default: distill), LLM_API_KEY
//   - LLM_PARALLEL (default: 10), LLM_MAX_RETRIES (default: 3)
//   - LLM_RETRY_DELAY (default: 2s), LLM_MAX_COMPLETION_TOKENS (default: 8192)
//   - LLM_REQUEST_TIMEOUT (default: 180s)
//
// Jobs:
//   - JOBS_WORKER_POOL_SIZE (default: 10), JOBS_TIMEOUT (default: 10m)
//   - JOBS_CLEANUP_INTERVAL (default: 1h), JOBS_RETENTION_PERIOD (default: 168h)
//
// Store:
//   - STORE_BACKEND: memory, filesystem, or postgres (default: memory)
//   - STORE_PATH, STORE_DATABASE_URL
//
// Webhook:
//   - WEBHOOK_TIMEOUT (default: 10s), WEBHOOK_MAX_RETRIES (default: 3)
func Load() *Config {
	cfg := &Config{
		Production: ProductionConfig{
			Enabled:               getEnvBool("DISTILLSVC_PRODUCTION_MODE", false),
			LocalModeAcknowledged: getEnvBool("DISTILLSVC_LOCAL_MODE", false),
			RequireAuthentication: getEnvBool("DISTILLSVC_REQUIRE_AUTH", false),
			RequireTLS:            getEnvBool("DISTILLSVC_REQUIRE_TLS", false),
			AllowNoIsolation:      getEnvBool("DISTILLSVC_ALLOW_NO_ISOLATION", false),
		},
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 9090),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: getEnvBool("OTEL_ENABLE", false),
			ServiceName:     getEnvString("OTEL_SERVICE_NAME", "distillsvc"),
		},
	}

	cfg.Dedupe = DedupeConfig{
		SimilarityThresholdInitial:    getEnvFloat("DEDUPE_SIMILARITY_THRESHOLD_INITIAL", 0.55),
		IterationsMax:                 getEnvInt("DEDUPE_ITERATIONS_MAX", 10),
		MaxBlocksPerCluster:           getEnvInt("DEDUPE_MAX_BLOCKS_PER_CLUSTER", 20),
		MaxClusterSizeForLLM:          getEnvInt("DEDUPE_MAX_CLUSTER_SIZE_FOR_LLM", 20),
		MaxRecursionDepth:             getEnvInt("DEDUPE_MAX_RECURSION_DEPTH", 10),
		SimilarityParallel:            getEnvInt("DEDUPE_SIMILARITY_PARALLEL", 10),
		UseLSH:                        getEnvBool("DEDUPE_USE_LSH", true),
		LSHMinItems:                   getEnvInt("DEDUPE_LSH_MIN_ITEMS", 50),
		LSHTables:                     getEnvInt("DEDUPE_LSH_TABLES", 10),
		LSHBits:                       getEnvInt("DEDUPE_LSH_BITS", 8),
		MaxSimilarityNeighbors:        getEnvInt("DEDUPE_MAX_SIMILARITY_NEIGHBORS", 50),
		SimilarityIncreasePerIteration: getEnvFloat("DEDUPE_SIMILARITY_INCREASE_PER_ITERATION", 0.01),
		SimilarityIncreaseStartIter:   getEnvInt("DEDUPE_SIMILARITY_INCREASE_START_ITERATION", 2),
		MaxSimilarityThreshold:        getEnvFloat("DEDUPE_MAX_SIMILARITY_THRESHOLD", 0.98),
		LouvainNodeThreshold:          getEnvInt("DEDUPE_LOUVAIN_NODE_THRESHOLD", 1000),
		SaveIntermediate:              getEnvBool("DEDUPE_SAVE_INTERMEDIATE", true),
	}

	cfg.Embeddings = EmbeddingsConfig{
		BaseURL:   getEnvString("EMBEDDINGS_BASE_URL", "http://localhost:8081"),
		Model:     getEnvString("EMBEDDINGS_MODEL", "BAAI/bge-small-en-v1.5"),
		APIKey:    Secret(getEnvString("EMBEDDINGS_API_KEY", "")),
		BatchSize: getEnvInt("EMBEDDINGS_BATCH_SIZE", 1000),
		Parallel:  getEnvInt("EMBEDDINGS_PARALLEL", 10),
	}

	cfg.LLM = LLMConfig{
		BaseURL:             getEnvString("LLM_BASE_URL", "http://localhost:8082"),
		Model:               getEnvString("LLM_MODEL", "distill"),
		APIKey:              Secret(getEnvString("LLM_API_KEY", "")),
		Parallel:            getEnvInt("LLM_PARALLEL", 10),
		MaxRetries:          getEnvInt("LLM_MAX_RETRIES", 3),
		RetryDelay:          getEnvDuration("LLM_RETRY_DELAY", 2*time.Second),
		MaxCompletionTokens: getEnvInt("LLM_MAX_COMPLETION_TOKENS", 8192),
		RequestTimeout:      getEnvDuration("LLM_REQUEST_TIMEOUT", 180*time.Second),
	}

	cfg.Jobs = JobsConfig{
		WorkerPoolSize:  getEnvInt("JOBS_WORKER_POOL_SIZE", 10),
		Timeout:         getEnvDuration("JOBS_TIMEOUT", 10*time.Minute),
		CleanupInterval: getEnvDuration("JOBS_CLEANUP_INTERVAL", time.Hour),
		RetentionPeriod: getEnvDuration("JOBS_RETENTION_PERIOD", 7*24*time.Hour),
	}

	cfg.Store = StoreConfig{
		Backend:     getEnvString("STORE_BACKEND", "memory"),
		Path:        getEnvString("STORE_PATH", "./data/jobs"),
		DatabaseURL: Secret(getEnvString("STORE_DATABASE_URL", "")),
	}

	cfg.Webhook = WebhookConfig{
		Timeout:    getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		MaxRetries: getEnvInt("WEBHOOK_MAX_RETRIES", 3),
	}

	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Dedupe.IterationsMax < 1 || c.Dedupe.IterationsMax > 10 {
		return fmt.Errorf("DEDUPE_ITERATIONS_MAX must be 1-10, got %d", c.Dedupe.IterationsMax)
	}
	if c.Dedupe.SimilarityThresholdInitial <= 0 || c.Dedupe.SimilarityThresholdInitial > 1 {
		return fmt.Errorf("DEDUPE_SIMILARITY_THRESHOLD_INITIAL must be in (0,1], got %v", c.Dedupe.SimilarityThresholdInitial)
	}
	if c.Dedupe.MaxBlocksPerCluster < 2 {
		return fmt.Errorf("DEDUPE_MAX_BLOCKS_PER_CLUSTER must be >= 2, got %d", c.Dedupe.MaxBlocksPerCluster)
	}

	if err := validateURL(c.Embeddings.BaseURL); err != nil {
		return fmt.Errorf("invalid EMBEDDINGS_BASE_URL: %w", err)
	}
	if err := validateURL(c.LLM.BaseURL); err != nil {
		return fmt.Errorf("invalid LLM_BASE_URL: %w", err)
	}

	switch c.Store.Backend {
	case "memory", "filesystem", "postgres":
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %q (must be memory, filesystem, or postgres)", c.Store.Backend)
	}
	if c.Store.Backend == "filesystem" {
		if err := validatePath(c.Store.Path); err != nil {
			return fmt.Errorf("invalid STORE_PATH: %w", err)
		}
	}

	if err := c.Production.Validate(); err != nil {
		return fmt.Errorf("production config validation failed: %w", err)
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ProductionConfig holds production deployment configuration.
type ProductionConfig struct {
	Enabled                  bool `koanf:"enabled"`
	LocalModeAcknowledged    bool `koanf:"local_mode_acknowledged"`
	RequireAuthentication    bool `koanf:"require_authentication"`
	AuthenticationConfigured bool `koanf:"authentication_configured"`
	RequireTLS               bool `koanf:"require_tls"`
	AllowNoIsolation         bool `koanf:"allow_no_isolation"`
}

// IsProduction returns true if running in production mode.
func (c *ProductionConfig) IsProduction() bool {
	return c.Enabled
}

// IsLocal returns true if local mode is acknowledged.
func (c *ProductionConfig) IsLocal() bool {
	return c.LocalModeAcknowledged
}

// Validate checks production configuration for security issues.
func (c *ProductionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AllowNoIsolation {
		return fmt.Errorf("SECURITY: NoIsolation mode cannot be enabled in production")
	}
	if c.RequireAuthentication && !c.AuthenticationConfigured {
		return fmt.Errorf("SECURITY: RequireAuthentication enabled but authentication not configured")
	}
	return nil
}

// validateHostname checks if a hostname is safe (no command injection attempts).
func validateHostname(host string) error {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format: %s", host)
	}
	invalidChars := []string{";", "\n", "\r", "$", "`", "|", "&", "<", ">", "(", ")"}
	for _, char := range invalidChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("invalid hostname: contains forbidden character %q", char)
		}
	}
	return nil
}

// validatePath checks if a path is safe (no path traversal).
func validatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path contains traversal sequence: %s", path)
	}
	if filepath.IsAbs(path) {
		clean := filepath.Clean(path)
		origDepth := strings.Count(path, string(filepath.Separator))
		cleanDepth := strings.Count(clean, string(filepath.Separator))
		if cleanDepth < origDepth-1 {
			return fmt.Errorf("path traversal detected: %s (resolves to %s)", path, clean)
		}
	}
	return nil
}

// validateURL checks if a URL uses allowed schemes (http/https only).
func validateURL(urlStr string) error {
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return fmt.Errorf("URL must use http:// or https:// scheme, got: %s", urlStr)
	}
	return nil
}

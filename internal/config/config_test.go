package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		original, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, original)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "SERVER_PORT", "SERVER_SHUTDOWN_TIMEOUT", "DEDUPE_SIMILARITY_THRESHOLD_INITIAL",
		"DEDUPE_ITERATIONS_MAX", "EMBEDDINGS_BASE_URL", "LLM_BASE_URL", "STORE_BACKEND")

	cfg := Load()

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Dedupe.SimilarityThresholdInitial != 0.55 {
		t.Errorf("Dedupe.SimilarityThresholdInitial = %v, want 0.55", cfg.Dedupe.SimilarityThresholdInitial)
	}
	if cfg.Dedupe.IterationsMax != 10 {
		t.Errorf("Dedupe.IterationsMax = %d, want 10", cfg.Dedupe.IterationsMax)
	}
	if cfg.Dedupe.MaxBlocksPerCluster != 20 {
		t.Errorf("Dedupe.MaxBlocksPerCluster = %d, want 20", cfg.Dedupe.MaxBlocksPerCluster)
	}
	if cfg.Dedupe.MaxSimilarityThreshold != 0.98 {
		t.Errorf("Dedupe.MaxSimilarityThreshold = %v, want 0.98", cfg.Dedupe.MaxSimilarityThreshold)
	}
	if !cfg.Dedupe.UseLSH {
		t.Error("Dedupe.UseLSH = false, want true")
	}
	if cfg.LLM.Model != "distill" {
		t.Errorf("LLM.Model = %q, want distill", cfg.LLM.Model)
	}
	if cfg.Jobs.WorkerPoolSize != 10 {
		t.Errorf("Jobs.WorkerPoolSize = %d, want 10", cfg.Jobs.WorkerPoolSize)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend = %q, want memory", cfg.Store.Backend)
	}
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearEnv(t, "SERVER_PORT", "DEDUPE_ITERATIONS_MAX", "LLM_PARALLEL", "STORE_BACKEND")
	os.Setenv("SERVER_PORT", "8888")
	os.Setenv("DEDUPE_ITERATIONS_MAX", "6")
	os.Setenv("LLM_PARALLEL", "25")
	os.Setenv("STORE_BACKEND", "filesystem")

	cfg := Load()

	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888", cfg.Server.Port)
	}
	if cfg.Dedupe.IterationsMax != 6 {
		t.Errorf("Dedupe.IterationsMax = %d, want 6", cfg.Dedupe.IterationsMax)
	}
	if cfg.LLM.Parallel != 25 {
		t.Errorf("LLM.Parallel = %d, want 25", cfg.LLM.Parallel)
	}
	if cfg.Store.Backend != "filesystem" {
		t.Errorf("Store.Backend = %q, want filesystem", cfg.Store.Backend)
	}
}

func TestConfig_Validate_RejectsBadPort(t *testing.T) {
	cfg := Load()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid port")
	}
}

func TestConfig_Validate_RejectsOutOfRangeIterations(t *testing.T) {
	cfg := Load()
	cfg.Dedupe.IterationsMax = 11
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for IterationsMax > 10")
	}
}

func TestConfig_Validate_RejectsBadStoreBackend(t *testing.T) {
	cfg := Load()
	cfg.Store.Backend = "mongodb"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported store backend")
	}
}

func TestConfig_Validate_AcceptsDefaults(t *testing.T) {
	clearEnv(t, "SERVER_PORT")
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestSecret_RedactsInLogsAndJSON(t *testing.T) {
	s := Secret("top-secret")
	if s.String() != "[REDACTED]" {
		t.Errorf("Secret.String() = %q, want [REDACTED]", s.String())
	}
	if s.Value() != "top-secret" {
		t.Errorf("Secret.Value() = %q, want top-secret", s.Value())
	}
}

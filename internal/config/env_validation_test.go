package config

import (
	"os"
	"testing"
)

func TestLoad_ValidatesEmbeddingsBaseURL(t *testing.T) {
	defer os.Unsetenv("EMBEDDINGS_BASE_URL")

	invalidURLs := []string{
		"javascript:alert(1)",
		"file:///etc/passwd",
		"ftp://malicious.com",
	}

	for _, url := range invalidURLs {
		t.Run(url, func(t *testing.T) {
			os.Setenv("EMBEDDINGS_BASE_URL", url)
			cfg := Load()
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for invalid URL: %s", url)
			}
		})
	}
}

func TestLoad_ValidatesLLMBaseURL(t *testing.T) {
	defer os.Unsetenv("LLM_BASE_URL")

	os.Setenv("LLM_BASE_URL", "not-a-url")
	cfg := Load()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for malformed LLM_BASE_URL")
	}
}

func TestLoad_ValidatesStorePath(t *testing.T) {
	defer os.Unsetenv("STORE_BACKEND")
	defer os.Unsetenv("STORE_PATH")

	os.Setenv("STORE_BACKEND", "filesystem")
	os.Setenv("STORE_PATH", "/data/../../../etc/passwd")

	cfg := Load()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for path traversal in STORE_PATH")
	}
}

func TestLoad_AllowsValidConfig(t *testing.T) {
	defer os.Unsetenv("EMBEDDINGS_BASE_URL")
	defer os.Unsetenv("LLM_BASE_URL")
	defer os.Unsetenv("STORE_BACKEND")
	defer os.Unsetenv("STORE_PATH")

	os.Setenv("EMBEDDINGS_BASE_URL", "http://localhost:8081")
	os.Setenv("LLM_BASE_URL", "http://localhost:8082")
	os.Setenv("STORE_BACKEND", "filesystem")
	os.Setenv("STORE_PATH", "/data/jobs")

	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid configuration rejected: %v", err)
	}
}

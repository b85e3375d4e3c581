// Package config loads and validates server configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// Config is the full server configuration.
type Config struct {
	HTTPPort string

	// SessionSecret signs session bearer tokens; at least 32 bytes.
	SessionSecret string

	// ProvenanceSecret signs provenance tokens; required (and at least 32
	// bytes) unless provenance mode is none.
	ProvenanceSecret string

	// StateStoreURL selects the backend: empty for in-memory, redis:// or
	// postgres:// for the shared backends.
	StateStoreURL string

	SessionTokenTTL    time.Duration
	SessionIdleTimeout time.Duration
	ExecutionStateTTL  time.Duration
	MaxPauseDuration   time.Duration

	ExecTimeout    time.Duration
	MaxLLMCalls    int
	MaxMemoryBytes int64
	MaxCodeSize    int

	ProvenanceMode         models.ProvenanceMode
	MaxProvenanceTokens    int
	ProvenanceFetchTimeout time.Duration
	CheckpointEvery        int
}

// Load reads configuration from the environment, applying defaults, and
// validates it. The process must not start on a validation failure.
func Load() (*Config, error) {
	cfg := defaults()

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	cfg.ProvenanceSecret = os.Getenv("PROVENANCE_SECRET")
	cfg.StateStoreURL = os.Getenv("STATE_STORE_URL")

	var err error
	if cfg.SessionTokenTTL, err = getDuration("SESSION_TOKEN_TTL", cfg.SessionTokenTTL); err != nil {
		return nil, err
	}
	if cfg.SessionIdleTimeout, err = getDuration("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return nil, err
	}
	if cfg.ExecutionStateTTL, err = getDuration("EXECUTION_STATE_TTL", cfg.ExecutionStateTTL); err != nil {
		return nil, err
	}
	if cfg.MaxPauseDuration, err = getDuration("MAX_PAUSE_DURATION", cfg.MaxPauseDuration); err != nil {
		return nil, err
	}
	if cfg.ExecTimeout, err = getDuration("EXEC_TIMEOUT", cfg.ExecTimeout); err != nil {
		return nil, err
	}
	if cfg.ProvenanceFetchTimeout, err = getDuration("PROVENANCE_FETCH_TIMEOUT", cfg.ProvenanceFetchTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxLLMCalls, err = getInt("MAX_LLM_CALLS", cfg.MaxLLMCalls); err != nil {
		return nil, err
	}
	if cfg.MaxCodeSize, err = getInt("MAX_CODE_SIZE", cfg.MaxCodeSize); err != nil {
		return nil, err
	}
	if cfg.MaxProvenanceTokens, err = getInt("MAX_PROVENANCE_TOKENS", cfg.MaxProvenanceTokens); err != nil {
		return nil, err
	}
	if cfg.CheckpointEvery, err = getInt("CHECKPOINT_EVERY", cfg.CheckpointEvery); err != nil {
		return nil, err
	}
	if raw := os.Getenv("MAX_MEMORY_BYTES"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_MEMORY_BYTES: %w", err)
		}
		cfg.MaxMemoryBytes = v
	}
	if raw := os.Getenv("PROVENANCE_MODE"); raw != "" {
		cfg.ProvenanceMode = models.ProvenanceMode(raw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProvenanceEnabled reports whether taint tracking is configured on.
func (c *Config) ProvenanceEnabled() bool {
	return c.ProvenanceMode != models.ProvenanceNone
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

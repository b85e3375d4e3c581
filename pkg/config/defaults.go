package config

import (
	"time"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// defaults returns the baseline configuration before environment overrides.
func defaults() *Config {
	return &Config{
		HTTPPort: "8080",

		SessionTokenTTL:    time.Hour,
		SessionIdleTimeout: 2 * time.Hour,
		ExecutionStateTTL:  time.Hour,
		MaxPauseDuration:   30 * time.Minute,

		ExecTimeout:    30 * time.Second,
		MaxLLMCalls:    100,
		MaxMemoryBytes: 128 << 20,
		MaxCodeSize:    1 << 20,

		ProvenanceMode:         models.ProvenanceAST,
		MaxProvenanceTokens:    5000,
		ProvenanceFetchTimeout: 100 * time.Millisecond,
		CheckpointEvery:        10,
	}
}

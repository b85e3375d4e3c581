package config

import (
	"fmt"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// minSecretLen is the minimum length of the signing secrets.
const minSecretLen = 32

// Validate checks the configuration for startup-blocking problems.
func (c *Config) Validate() error {
	if len(c.SessionSecret) < minSecretLen {
		return fmt.Errorf("SESSION_SECRET must be at least %d bytes, got %d", minSecretLen, len(c.SessionSecret))
	}

	switch c.ProvenanceMode {
	case models.ProvenanceProxy, models.ProvenanceAST, models.ProvenanceNone:
	default:
		return fmt.Errorf("invalid PROVENANCE_MODE %q: must be proxy, ast, or none", c.ProvenanceMode)
	}
	if c.ProvenanceEnabled() && len(c.ProvenanceSecret) < minSecretLen {
		return fmt.Errorf("PROVENANCE_SECRET must be at least %d bytes when provenance is enabled, got %d",
			minSecretLen, len(c.ProvenanceSecret))
	}

	if c.ExecutionStateTTL <= 0 {
		return fmt.Errorf("EXECUTION_STATE_TTL must be positive")
	}
	if c.MaxPauseDuration <= 0 {
		return fmt.Errorf("MAX_PAUSE_DURATION must be positive")
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("EXEC_TIMEOUT must be positive")
	}
	if c.MaxCodeSize <= 0 {
		return fmt.Errorf("MAX_CODE_SIZE must be positive")
	}
	return nil
}

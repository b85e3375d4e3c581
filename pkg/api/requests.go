package api

import (
	"encoding/json"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// InitRequest is the HTTP request body for POST /init.
type InitRequest struct {
	TenantID string              `json:"tenant_id"`
	Services []string            `json:"services,omitempty"`
	Tools    []models.ClientTool `json:"tools,omitempty"`
}

// ProvideServicesRequest registers agent-side services on the session.
type ProvideServicesRequest struct {
	Services []string `json:"services"`
}

// ProvideToolsRequest registers client tool descriptors on the session.
type ProvideToolsRequest struct {
	Tools []models.ClientTool `json:"tools"`
}

// ExecuteRequest is the HTTP request body for POST /execute.
type ExecuteRequest struct {
	Code            string        `json:"code"`
	Config          ExecuteConfig `json:"config"`
	ProvenanceHints []string      `json:"provenance_hints,omitempty"`
}

// ExecuteConfig is the per-request execution configuration; zero values fall
// back to server defaults.
type ExecuteConfig struct {
	TimeoutMS      int64  `json:"timeout_ms,omitempty"`
	MaxLLMCalls    int    `json:"max_llm_calls,omitempty"`
	MaxMemoryBytes int64  `json:"max_memory_bytes,omitempty"`
	ProvenanceMode string `json:"provenance_mode,omitempty"`
}

// ResumeRequest is the HTTP request body for POST /resume/{execution_id}:
// either a single result or per-sub-id batch results.
type ResumeRequest struct {
	Result  json.RawMessage      `json:"result,omitempty"`
	Results []models.BatchResult `json:"results,omitempty"`
}

package api

import (
	"encoding/json"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
	"github.com/look4regev/agent-tool-protocol/pkg/store"
)

// InfoResponse is returned by GET /info.
type InfoResponse struct {
	Version string                `json:"version"`
	Limits  InfoLimits            `json:"limits"`
	Metrics store.MetricsSnapshot `json:"metrics"`
}

// InfoLimits advertises the server's execution limits.
type InfoLimits struct {
	MaxCodeSize      int    `json:"max_code_size"`
	MaxLLMCalls      int    `json:"max_llm_calls"`
	MaxMemoryBytes   int64  `json:"max_memory_bytes"`
	ExecTimeoutMS    int64  `json:"exec_timeout_ms"`
	MaxPauseDuration string `json:"max_pause_duration"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// InitResponse is returned by POST /init.
type InitResponse struct {
	SessionID      string `json:"session_id"`
	TenantID       string `json:"tenant_id"`
	Token          string `json:"token"`
	TokenExpiresAt int64  `json:"token_expires_at"`
}

// DefinitionsResponse is returned by GET /definitions.
type DefinitionsResponse struct {
	Definitions string `json:"definitions"`
}

// CallbackBody is the single-callback form of a paused response.
type CallbackBody struct {
	Kind      models.CallbackKind `json:"kind"`
	Operation string              `json:"operation"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
}

// BatchCallbackBody is one element of the batched form.
type BatchCallbackBody struct {
	SubID     string              `json:"sub_id"`
	Kind      models.CallbackKind `json:"kind"`
	Operation string              `json:"operation"`
	Payload   json.RawMessage     `json:"payload,omitempty"`
}

// ExecutionResponse is the body of execute and resume responses.
type ExecutionResponse struct {
	Status      string `json:"status"`
	ExecutionID string `json:"execution_id"`

	Result any           `json:"result,omitempty"`
	Stats  *models.Stats `json:"stats,omitempty"`
	Tokens []models.PathToken `json:"provenance_tokens,omitempty"`

	Callback *CallbackBody       `json:"callback,omitempty"`
	Batch    []BatchCallbackBody `json:"batch,omitempty"`

	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the failure payload.
type ErrorBody struct {
	Kind      models.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Policy    string           `json:"policy,omitempty"`
}

// executionResponse shapes an orchestrator result into the wire form.
func executionResponse(result *models.ExecutionResult) ExecutionResponse {
	resp := ExecutionResponse{
		Status:      string(result.Status),
		ExecutionID: result.ExecutionID,
	}
	switch result.Status {
	case models.StatusCompleted:
		resp.Result = result.Value
		resp.Stats = result.Stats
		resp.Tokens = result.Tokens
	case models.StatusPaused:
		if result.Pending.IsBatch() {
			for _, item := range result.Pending.Batch {
				resp.Batch = append(resp.Batch, BatchCallbackBody{
					SubID:     item.SubID,
					Kind:      item.Kind,
					Operation: item.Operation,
					Payload:   item.Payload,
				})
			}
		} else {
			resp.Callback = &CallbackBody{
				Kind:      result.Pending.Kind,
				Operation: result.Pending.Operation,
				Payload:   result.Pending.Payload,
			}
		}
	case models.StatusFailed:
		resp.Status = failureStatus(result.Err.Kind)
		resp.Error = &ErrorBody{
			Kind:      result.Err.Kind,
			Message:   result.Err.Message,
			Retryable: result.Err.Retryable,
			Policy:    result.Err.Policy,
		}
	}
	return resp
}

// failureStatus maps runtime-limit kinds and cancellation onto the top-level
// status; all other failures report "failed" with the kind in the error body.
func failureStatus(kind models.ErrorKind) string {
	switch kind {
	case models.ErrTimeout, models.ErrMemoryExceeded, models.ErrLLMCallsExceeded, models.ErrCancelled:
		return string(kind)
	default:
		return string(models.StatusFailed)
	}
}

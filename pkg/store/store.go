// Package store durably persists paused-execution records, indexed by
// execution ID and partitioned by tenant. A shared backend (Redis or
// PostgreSQL) lets an execution pause on one server instance and resume on
// another; the in-memory backend is for single-instance deployments and
// tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// Store errors.
var (
	// ErrNotFound is returned when no record exists under the key.
	ErrNotFound = errors.New("execution record not found")

	// ErrExpired is returned once when a record exceeded the maximum pause
	// duration; the record is deleted in the same call.
	ErrExpired = errors.New("execution record expired")

	// ErrForbidden is returned when the execution exists but belongs to a
	// different tenant than the caller.
	ErrForbidden = errors.New("execution record owned by another tenant")
)

// Store is the key-value interface the orchestrator consumes. Put is an
// atomic upsert; Get is a strong read after a same-process write; Delete is
// idempotent. All operations are per-key atomic; nothing spans keys.
type Store interface {
	Put(ctx context.Context, record *models.ExecutionRecord, ttl time.Duration) error
	Get(ctx context.Context, tenantID, executionID string) (*models.ExecutionRecord, error)
	Delete(ctx context.Context, tenantID, executionID string) error

	// Provenance metadata shares the backend, tenant-partitioned by key
	// prefix, with TTL bounded by the execution TTL.
	PutMetadata(ctx context.Context, tenantID, ref string, md json.RawMessage, ttl time.Duration) error
	GetMetadata(ctx context.Context, tenantID, ref string) (json.RawMessage, error)

	Close() error
}

// execKey builds the persisted key for an execution record.
func execKey(tenantID, executionID string) string {
	return "exec:" + tenantID + ":" + executionID
}

// ownerKey builds the owner-pointer key mapping an execution ID to its
// tenant, so a cross-tenant resume distinguishes forbidden from not-found.
func ownerKey(executionID string) string {
	return "exec:owner:" + executionID
}

// metaKey builds the persisted key for provenance metadata.
func metaKey(tenantID, ref string) string {
	return "prov:meta:" + tenantID + ":" + ref
}

// checkMaxPause applies the max-pause-duration garbage collection performed
// on read. It reports whether the record is past its pause window.
func checkMaxPause(record *models.ExecutionRecord, maxPause time.Duration, now time.Time) bool {
	return maxPause > 0 && now.Sub(record.PausedAt) > maxPause
}

func encodeRecord(record *models.ExecutionRecord) ([]byte, error) {
	return json.Marshal(record)
}

func decodeRecord(raw []byte) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

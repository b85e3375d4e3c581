package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// RedisStore is the shared multi-instance backend. Records live under
// exec:{tenant}:{execution} with native Redis TTLs; per-key atomicity comes
// for free.
type RedisStore struct {
	client   *redis.Client
	maxPause time.Duration
	metrics  *Metrics
	now      func() time.Time
}

// NewRedisStore connects to the Redis URL and verifies the connection.
func NewRedisStore(ctx context.Context, url string, maxPause time.Duration, metrics *Metrics) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &RedisStore{client: client, maxPause: maxPause, metrics: metrics, now: time.Now}, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, record *models.ExecutionRecord, ttl time.Duration) error {
	raw, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, execKey(record.TenantID, record.ExecutionID), raw, ttl).Err(); err != nil {
		return err
	}
	return s.client.Set(ctx, ownerKey(record.ExecutionID), record.TenantID, ttl).Err()
}

// Get implements Store, applying max-pause garbage collection on read.
func (s *RedisStore) Get(ctx context.Context, tenantID, executionID string) (*models.ExecutionRecord, error) {
	raw, err := s.client.Get(ctx, execKey(tenantID, executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		owner, ownerErr := s.client.Get(ctx, ownerKey(executionID)).Result()
		if ownerErr == nil && owner != tenantID {
			return nil, ErrForbidden
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution record: %w", err)
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if checkMaxPause(record, s.maxPause, s.now()) {
		_ = s.client.Del(ctx, execKey(tenantID, executionID), ownerKey(executionID)).Err()
		if s.metrics != nil {
			s.metrics.Expire()
		}
		return nil, ErrExpired
	}
	return record, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, tenantID, executionID string) error {
	return s.client.Del(ctx, execKey(tenantID, executionID), ownerKey(executionID)).Err()
}

// PutMetadata implements Store.
func (s *RedisStore) PutMetadata(ctx context.Context, tenantID, ref string, md json.RawMessage, ttl time.Duration) error {
	return s.client.Set(ctx, metaKey(tenantID, ref), []byte(md), ttl).Err()
}

// GetMetadata implements Store.
func (s *RedisStore) GetMetadata(ctx context.Context, tenantID, ref string) (json.RawMessage, error) {
	raw, err := s.client.Get(ctx, metaKey(tenantID, ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading provenance metadata: %w", err)
	}
	return raw, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// TestPostgresStore spins up a disposable PostgreSQL container. Set
// SKIP_DB_TESTS=1 (or run without Docker) to skip.
func TestPostgresStore(t *testing.T) {
	if os.Getenv("SKIP_DB_TESTS") == "1" {
		t.Skip("SKIP_DB_TESTS=1")
	}
	if testing.Short() {
		t.Skip("short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("atp_test"),
		tcpostgres.WithUsername("atp"),
		tcpostgres.WithPassword("atp"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	metrics := NewMetrics(prometheus.NewRegistry())
	s, err := NewPostgresStore(ctx, url, 30*time.Minute, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	t.Run("upsert and strong read", func(t *testing.T) {
		record := testRecord("t1", "pg1")
		require.NoError(t, s.Put(ctx, record, time.Hour))

		got, err := s.Get(ctx, "t1", "pg1")
		require.NoError(t, err)
		assert.Equal(t, "pg1", got.ExecutionID)

		// Upsert replaces.
		record.Stats.LLMCalls = 3
		require.NoError(t, s.Put(ctx, record, time.Hour))
		got, err = s.Get(ctx, "t1", "pg1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.Stats.LLMCalls)
	})

	t.Run("shared backend serves a second handle", func(t *testing.T) {
		record := testRecord("t1", "pg2")
		require.NoError(t, s.Put(ctx, record, time.Hour))

		other, err := NewPostgresStore(ctx, url, 30*time.Minute, metrics)
		require.NoError(t, err)
		t.Cleanup(func() { _ = other.Close() })

		got, err := other.Get(ctx, "t1", "pg2")
		require.NoError(t, err)
		assert.Equal(t, "pg2", got.ExecutionID)
	})

	t.Run("max pause gc on read", func(t *testing.T) {
		record := testRecord("t1", "pg3")
		record.PausedAt = time.Now().Add(-time.Hour)
		require.NoError(t, s.Put(ctx, record, time.Hour))

		_, err := s.Get(ctx, "t1", "pg3")
		assert.ErrorIs(t, err, ErrExpired)
		_, err = s.Get(ctx, "t1", "pg3")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "t1", "missing"))
	})
}

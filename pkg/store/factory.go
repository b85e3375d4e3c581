package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// New selects a backend from the state-store URL: empty for in-memory,
// redis:// or rediss:// for Redis, postgres:// for PostgreSQL.
func New(ctx context.Context, url string, maxPause time.Duration, metrics *Metrics) (Store, error) {
	switch {
	case url == "":
		slog.Info("State store: in-memory (single instance)")
		return NewMemoryStore(maxPause, metrics), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		slog.Info("State store: redis")
		return NewRedisStore(ctx, url, maxPause, metrics)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		slog.Info("State store: postgres")
		return NewPostgresStore(ctx, url, maxPause, metrics)
	default:
		return nil, fmt.Errorf("unsupported state store url scheme: %q", url)
	}
}

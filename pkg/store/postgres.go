package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore is the shared multi-instance backend over PostgreSQL: one
// key-value table with an expiry column, migrated on startup with embedded
// migration files. A background sweep deletes TTL-expired rows.
type PostgresStore struct {
	db       *sql.DB
	maxPause time.Duration
	metrics  *Metrics
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPostgresStore opens the database, configures the pool, runs migrations,
// and starts the expiry sweep.
func NewPostgresStore(ctx context.Context, url string, maxPause time.Duration, metrics *Metrics) (*PostgresStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s := &PostgresStore{
		db:       db,
		maxPause: maxPause,
		metrics:  metrics,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go s.sweep()
	return s, nil
}

// runMigrations applies embedded migrations with golang-migrate, so the
// schema ships inside the binary and applies itself on startup.
func runMigrations(db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("accessing embedded migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "atp_schema_migrations"})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *PostgresStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			result, err := s.db.ExecContext(ctx, `DELETE FROM atp_kv WHERE expires_at < now()`)
			cancel()
			if err != nil {
				slog.Warn("State store expiry sweep failed", "error", err)
				continue
			}
			if n, _ := result.RowsAffected(); n > 0 {
				slog.Debug("Swept expired state entries", "count", n)
			}
		}
	}
}

func (s *PostgresStore) putKey(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO atp_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, s.now().Add(ttl))
	return err
}

func (s *PostgresStore) getKey(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM atp_kv WHERE key = $1 AND expires_at > now()`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *PostgresStore) deleteKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM atp_kv WHERE key = $1`, key)
	return err
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, record *models.ExecutionRecord, ttl time.Duration) error {
	raw, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := s.putKey(ctx, execKey(record.TenantID, record.ExecutionID), raw, ttl); err != nil {
		return err
	}
	owner, _ := json.Marshal(record.TenantID)
	return s.putKey(ctx, ownerKey(record.ExecutionID), owner, ttl)
}

// Get implements Store, applying max-pause garbage collection on read.
func (s *PostgresStore) Get(ctx context.Context, tenantID, executionID string) (*models.ExecutionRecord, error) {
	raw, err := s.getKey(ctx, execKey(tenantID, executionID))
	if errors.Is(err, ErrNotFound) {
		if ownerRaw, ownerErr := s.getKey(ctx, ownerKey(executionID)); ownerErr == nil {
			var owner string
			if json.Unmarshal(ownerRaw, &owner) == nil && owner != tenantID {
				return nil, ErrForbidden
			}
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if checkMaxPause(record, s.maxPause, s.now()) {
		_ = s.deleteKey(ctx, execKey(tenantID, executionID))
		_ = s.deleteKey(ctx, ownerKey(executionID))
		if s.metrics != nil {
			s.metrics.Expire()
		}
		return nil, ErrExpired
	}
	return record, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, executionID string) error {
	if err := s.deleteKey(ctx, execKey(tenantID, executionID)); err != nil {
		return err
	}
	return s.deleteKey(ctx, ownerKey(executionID))
}

// PutMetadata implements Store.
func (s *PostgresStore) PutMetadata(ctx context.Context, tenantID, ref string, md json.RawMessage, ttl time.Duration) error {
	return s.putKey(ctx, metaKey(tenantID, ref), []byte(md), ttl)
}

// GetMetadata implements Store.
func (s *PostgresStore) GetMetadata(ctx context.Context, tenantID, ref string) (json.RawMessage, error) {
	return s.getKey(ctx, metaKey(tenantID, ref))
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return s.db.Close()
}

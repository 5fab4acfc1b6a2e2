// Package store provides the Postgres-backed durable store for sessions,
// project-channel mappings, pending network approval requests, and the
// approval audit log.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql (migrate only)
)

//go:embed migrations
var migrationsFS embed.FS

const schema = "session_manager"

// Config holds the durable store's connection settings.
type Config struct {
	DatabaseURL string
	PoolSize    int32
}

// Store wraps a pgx connection pool and exposes session/channel/request/audit
// operations as raw SQL, grounded directly on the sqlx-based Rust original.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open connects to Postgres, applies embedded migrations, and returns a
// ready-to-use Store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = cfg.PoolSize
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(cfg.DatabaseURL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("connected to database", "pool_size", poolCfg.MaxConns)
	return &Store{pool: pool, log: logger}, nil
}

// runMigrations applies every pending embedded migration using a short-lived
// database/sql handle dedicated to golang-migrate. This handle is distinct
// from the pgx pool the rest of the store uses, so closing it here never
// touches the pool's live connections.
func runMigrations(databaseURL string) error {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration handle: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "session_manager", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Never call m.Close(): it closes the underlying database/sql.DB too. We
	// only need the migration source closed here; db.Close() above (deferred)
	// releases the handle.
	return sourceDriver.Close()
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// HealthStatus reports connectivity and pool utilization, mirroring the shape
// consumed by the /health endpoint.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    int64         `json:"response_time_ms"`
	AcquiredConns   int32         `json:"acquired_conns"`
	IdleConns       int32         `json:"idle_conns"`
	MaxConns        int32         `json:"max_conns"`
}

// Health pings the database and reports pool statistics.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start).Milliseconds()}, err
	}
	stat := s.pool.Stat()
	return &HealthStatus{
		Status:        "healthy",
		ResponseTime:  time.Since(start).Milliseconds(),
		AcquiredConns: stat.AcquiredConns(),
		IdleConns:     stat.IdleConns(),
		MaxConns:      stat.MaxConns(),
	}, nil
}

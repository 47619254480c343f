// Package manifeststore implements C4, the Manifest Store: the single
// source of truth for datasets, storage targets, schema versions,
// manifests, partitions, ingestion batches, and streaming watermarks, all
// backed by Postgres via pgx. Grounded on the teacher's api/config/postgres.go
// pool setup and admin/internal/admin/pg_migrate.go goose wiring, reshaped
// per spec.md §9's "global caches → explicitly-owned components" into a
// constructor-returned pool rather than package-level state.
package manifeststore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PoolConfig describes how to reach the Postgres instance backing the
// Manifest Store.
type PoolConfig struct {
	Host            string
	Port            string
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c PoolConfig) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, sslMode)
}

// NewPool opens a connection pool against cfg and pings it before
// returning, matching the teacher's fail-fast startup behavior.
func NewPool(ctx context.Context, log *slog.Logger, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	} else {
		poolConfig.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	} else {
		poolConfig.MaxConnLifetime = time.Hour
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	} else {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	log.Info("manifest store connected to postgres", "host", cfg.Host, "database", cfg.Database)
	return pool, nil
}

type slogGooseLogger struct{ log *slog.Logger }

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// RunMigrations applies every pending migration in migrationsFS (embedded by
// the caller from migrations/postgres) via goose, using a dedicated
// database/sql connection since goose does not speak pgxpool directly.
func RunMigrations(ctx context.Context, log *slog.Logger, cfg PoolConfig, migrationsFS embed.FS, dir string) error {
	db, err := sql.Open("pgx", cfg.dsn())
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("running postgres migrations: %w", err)
	}

	log.Info("manifest store migrations completed")
	return nil
}

// Package testutil provides testcontainers-backed infrastructure for
// integration tests, grounded on the teacher's api/testing/postgres.go.
package testutil

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresDB is a running Postgres testcontainer with migrations applied.
type PostgresDB struct {
	connStr   string
	container *tcpostgres.PostgresContainer
}

// NewPostgresDB starts a Postgres container, retrying a handful of times on
// the flaky docker-daemon-not-ready errors the teacher's tests guard
// against.
func NewPostgresDB(t *testing.T, migrationsFS embed.FS, migrationsDir string) *PostgresDB {
	t.Helper()
	ctx := context.Background()

	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("timestore_test"),
			tcpostgres.WithUsername("timestore"),
			tcpostgres.WithPassword("timestore"),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			require.NoError(t, fmt.Errorf("starting postgres container: %w", lastErr))
		}
		break
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db := &PostgresDB{connStr: connStr, container: container}
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(terminateCtx)
	})

	sqlDB, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	defer sqlDB.Close()

	goose.SetBaseFS(migrationsFS)
	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(sqlDB, migrationsDir))

	return db
}

// Pool returns a fresh pgxpool connected to the container, closed on test
// cleanup.
func (db *PostgresDB) Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(db.connStr)
	require.NoError(t, err)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}

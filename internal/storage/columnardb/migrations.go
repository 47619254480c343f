package columnardb

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"

	chmigrations "github.com/malbeclabs/timestore/migrations/clickhouse"
)

type slogGooseLogger struct{ log *slog.Logger }

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// RunMigrations applies the columnar-db backend's housekeeping migrations
// (currently just the schema change log), grounded on the teacher's
// indexer/pkg/clickhouse/migrations.go goose wiring.
func RunMigrations(ctx context.Context, log *slog.Logger, cfg Config) error {
	db, err := newSQLDB(cfg)
	if err != nil {
		return fmt.Errorf("opening clickhouse migration connection: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(chmigrations.EmbedMigrations)

	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("running clickhouse migrations: %w", err)
	}

	log.Info("columnar-db migrations completed")
	return nil
}

func newSQLDB(cfg Config) (*sql.DB, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return clickhouse.OpenDB(options), nil
}

// Package columnardb implements the "columnar-db" StorageTarget kind: rows
// are written directly into a ClickHouse table per dataset rather than
// encoded as partition files, since ClickHouse is itself the columnar
// engine. Grounded on the teacher's indexer/pkg/clickhouse client and batch
// insert pattern.
package columnardb

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client is a thin seam over *clickhouse-go*'s driver.Conn, narrowed to what
// this package needs, so tests can substitute a fake connection.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

type client struct {
	conn driver.Conn
}

type connection struct {
	conn driver.Conn
}

// Config describes how to reach the ClickHouse server backing one
// columnar-db StorageTarget, read from StorageTarget.Config.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func NewClient(ctx context.Context, log *slog.Logger, cfg Config) (Client, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	}
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}

	log.Info("columnar-db driver initialized", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)

	return &client{conn: conn}, nil
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	return &connection{conn: c.conn}, nil
}

func (c *client) Close() error { return c.conn.Close() }

func (c *connection) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *connection) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// ContextWithSyncInsert configures ctx so inserts made with it complete
// synchronously, matching teacher practice of reading immediately after
// writing in tests and reconciliation paths.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":          0,
		"wait_for_async_insert": 1,
		"insert_deduplicate":    0,
	}))
}

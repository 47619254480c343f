package columnardb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/storage"
)

// Driver writes each flushed batch straight into a per-dataset ClickHouse
// table via PrepareBatch, following the teacher's WriteBatch pattern. There
// is no partition file on disk; FilePath instead records the table name so
// the Manifest Store can still describe where a partition's data lives.
type Driver struct {
	log    *slog.Logger
	client Client
}

func New(log *slog.Logger, client Client) *Driver {
	return &Driver{log: log, client: client}
}

func (d *Driver) Kind() model.StorageTargetKind { return model.StorageKindColumnarDB }

func (d *Driver) WritePartition(ctx context.Context, req storage.WriteRequest) (storage.WriteResult, error) {
	table := TableName(req.Dataset.Slug)

	conn, err := d.client.Conn(ctx)
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("acquiring clickhouse connection: %w", err)
	}

	if err := d.ensureTable(ctx, conn, table, req.Schema); err != nil {
		return storage.WriteResult{}, fmt.Errorf("ensuring table: %w", err)
	}

	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", table))
	if err != nil {
		return storage.WriteResult{}, fmt.Errorf("preparing batch: %w", err)
	}
	defer batch.Close()

	for i, row := range req.Rows {
		select {
		case <-ctx.Done():
			return storage.WriteResult{}, ctx.Err()
		default:
		}

		values, err := rowValues(req.Schema, row)
		if err != nil {
			return storage.WriteResult{}, fmt.Errorf("row %d: %w", i, err)
		}
		if err := batch.Append(values...); err != nil {
			return storage.WriteResult{}, fmt.Errorf("appending row %d: %w", i, err)
		}
	}

	if err := batch.Send(); err != nil {
		return storage.WriteResult{}, fmt.Errorf("sending batch: %w", err)
	}

	d.log.Debug("wrote columnar-db partition", "dataset", req.Dataset.Slug, "table", table, "rows", len(req.Rows))

	var checksumInput strings.Builder
	for _, row := range req.Rows {
		fmt.Fprintf(&checksumInput, "%v\x1f", row)
	}
	sum := sha256.Sum256([]byte(checksumInput.String()))

	return storage.WriteResult{
		FileFormat:         "clickhouse-table",
		TableName:          table,
		FilePath:           table,
		RowCount:           int64(len(req.Rows)),
		Checksum:           hex.EncodeToString(sum[:]),
		ColumnStatistics:   storage.ColumnStatistics(req.Schema, req.Rows),
		ColumnBloomFilters: storage.ColumnBloomFilters(req.Schema, req.Rows),
	}, nil
}

func (d *Driver) ensureTable(ctx context.Context, conn Connection, table string, schema model.Schema) error {
	ddl, err := CreateTableDDL(table, schema)
	if err != nil {
		return err
	}
	if err := conn.Exec(ctx, ddl); err != nil {
		return err
	}
	stmts, err := AddColumnDDL(table, schema)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// TableName derives the ClickHouse table for a dataset. Schema evolution is
// additive-only at this layer: new columns are ALTER TABLE ADD COLUMN'd onto
// the same table rather than versioned into a new one, matching spec.md
// §4.5's rule that additive changes apply forward without backfill.
func TableName(slug string) string {
	return "ts_" + strings.ReplaceAll(slug, "-", "_")
}

// CreateTableDDL builds the CREATE TABLE IF NOT EXISTS statement for a
// dataset's current schema. The first timestamp field becomes the ordering
// key, matching ClickHouse's MergeTree time-series idiom.
func CreateTableDDL(table string, schema model.Schema) (string, error) {
	var cols strings.Builder
	var orderBy string
	for i, f := range schema {
		if i > 0 {
			cols.WriteString(", ")
		}
		chType, err := chColumnType(f.Type)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&cols, "%s Nullable(%s)", quoteIdent(f.Name), chType)
		if orderBy == "" && f.Type == model.FieldTimestamp {
			orderBy = quoteIdent(f.Name)
		}
	}
	if orderBy == "" {
		orderBy = "tuple()"
	}
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree ORDER BY %s",
		table, cols.String(), orderBy,
	), nil
}

// AddColumnDDL returns the statements needed to apply an additive schema
// evolution's new columns onto an existing table.
func AddColumnDDL(table string, added []model.Field) ([]string, error) {
	stmts := make([]string, 0, len(added))
	for _, f := range added {
		chType, err := chColumnType(f.Type)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s Nullable(%s)",
			table, quoteIdent(f.Name), chType,
		))
	}
	return stmts, nil
}

func chColumnType(t model.FieldType) (string, error) {
	switch t {
	case model.FieldTimestamp:
		return "DateTime64(6, 'UTC')", nil
	case model.FieldString:
		return "String", nil
	case model.FieldDouble:
		return "Float64", nil
	case model.FieldInteger:
		return "Int64", nil
	case model.FieldBoolean:
		return "Bool", nil
	default:
		return "", fmt.Errorf("unsupported field type %q", t)
	}
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

func rowValues(schema model.Schema, row storage.Row) ([]any, error) {
	values := make([]any, len(schema))
	for i, f := range schema {
		v, ok := row[f.Name]
		if !ok || v == nil {
			values[i] = nil
			continue
		}
		if f.Type == model.FieldTimestamp {
			tv, ok := v.(time.Time)
			if !ok {
				return nil, fmt.Errorf("field %q: expected time.Time, got %T", f.Name, v)
			}
			values[i] = tv
			continue
		}
		values[i] = v
	}
	return values, nil
}

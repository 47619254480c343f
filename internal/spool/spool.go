// Package spool implements C2, the Spool Manager: a per-dataset durable
// staging buffer backed by an embedded SQLite database, per spec.md §4.2.
// mattn/go-sqlite3 is grounded on its use as a direct dependency elsewhere
// in the example corpus (storj-storj), not the teacher, which has no
// embedded-database need of its own.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/malbeclabs/timestore/internal/metrics"
	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/spool/filelock"
	"github.com/malbeclabs/timestore/internal/storage/arrowcodec"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

// StageRequest is one caller-submitted batch to append to a dataset's spool.
type StageRequest struct {
	DatasetSlug        string
	IngestionSignature string
	Schema             model.Schema
	PartitionKey       map[string]string
	TableName          string
	TimeRange          model.TimeRange
	Rows               []map[string]any
}

type StageResult struct {
	BatchID       string
	RowCount      int64
	AlreadyStaged bool
}

// PreparedBatch is one batch selected into a flush, with its rows exported
// to an intermediate Arrow IPC file so the caller (Ingestion Processor) can
// hand the file path straight to a Storage Driver.
type PreparedBatch struct {
	BatchID          string
	Schema           model.Schema
	PartitionKey     map[string]string
	TableName        string
	TimeRange        model.TimeRange
	RowCount         int64
	Rows             []map[string]any
	IntermediatePath string
}

type FlushBundle struct {
	FlushToken string
	Batches    []PreparedBatch
	PreparedAt time.Time
}

type DatasetSummary struct {
	PendingBatchCount int64
	PendingRowCount   int64
	OldestStagedAt    *time.Time
	OnDiskBytes       int64
}

// Manager owns every dataset's staging database beneath RootDir. Each
// dataset's operations are serialized by an in-process mutex and a sibling
// filesystem lock, per spec.md §5's single-writer-per-dataset guarantee.
type Manager struct {
	log     *slog.Logger
	rootDir string

	// MaxDatasetBytes and MaxTotalBytes gate the warning-only ceilings
	// described in spec.md §4.2 "Size enforcement"; they do not block writes.
	MaxDatasetBytes int64
	MaxTotalBytes   int64

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	recovered map[string]bool
}

func New(log *slog.Logger, rootDir string) *Manager {
	return &Manager{log: log, rootDir: rootDir, locks: make(map[string]*sync.Mutex), recovered: make(map[string]bool)}
}

func (m *Manager) datasetLock(slug string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[slug]
	if !ok {
		l = &sync.Mutex{}
		m.locks[slug] = l
	}
	return l
}

func (m *Manager) datasetDir(slug string) string {
	return filepath.Join(m.rootDir, sanitizeSlug(slug))
}

func (m *Manager) dbPath(slug string) string {
	return filepath.Join(m.datasetDir(slug), "staging.db")
}

func (m *Manager) lockPath(slug string) string {
	return filepath.Join(m.datasetDir(slug), "staging.lock")
}

func sanitizeSlug(slug string) string {
	out := make([]rune, 0, len(slug))
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// withDataset serializes access to slug's spool, acquires the cross-process
// file lock, opens a short-lived connection, ensures schema, runs fn, and
// closes the connection before returning — limiting file-handle pressure and
// letting SQLite's WAL compact between operations, per spec.md §4.2.
func (m *Manager) withDataset(ctx context.Context, slug string, fn func(db *sql.DB) error) error {
	lock := m.datasetLock(slug)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(m.datasetDir(slug), 0o755); err != nil {
		return tserrors.TransientIO(fmt.Errorf("creating dataset spool dir: %w", err))
	}

	flock, err := filelock.Acquire(ctx, m.lockPath(slug), 50*time.Millisecond)
	if err != nil {
		return tserrors.TransientIO(fmt.Errorf("acquiring filesystem lock: %w", err))
	}
	defer flock.Release()

	return m.runWithRecovery(ctx, slug, fn)
}

// runWithRecovery opens the dataset's DB, runs fn, and on a recognized
// corruption error renames the DB aside, reopens fresh, and retries up to 3
// times before giving up, per spec.md §4.2 "Recovery".
func (m *Manager) runWithRecovery(ctx context.Context, slug string, fn func(db *sql.DB) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		db, err := m.open(slug)
		if err != nil {
			lastErr = err
			if !isCorruption(err) {
				return err
			}
			if rerr := m.quarantine(slug); rerr != nil {
				return tserrors.Corruption(fmt.Errorf("quarantining corrupted spool after open failure: %w", rerr))
			}
			metrics.SpoolCorruptionsTotal.WithLabelValues(slug).Inc()
			continue
		}

		err = func() error {
			defer db.Close()
			if err := ensureSchema(ctx, db); err != nil {
				return err
			}
			// Tokens still set when this Manager first opens the dataset
			// belong to a prior process generation; later tokens are live.
			m.mu.Lock()
			recovered := m.recovered[slug]
			m.mu.Unlock()
			if !recovered {
				if err := resetStaleFlushTokens(ctx, db); err != nil {
					return err
				}
				m.mu.Lock()
				m.recovered[slug] = true
				m.mu.Unlock()
			}
			return fn(db)
		}()

		if err == nil {
			return nil
		}
		lastErr = err
		if !isCorruption(err) {
			return err
		}

		m.log.Warn("spool corruption detected, quarantining and retrying", "dataset", slug, "attempt", attempt, "err", err)
		if rerr := m.quarantine(slug); rerr != nil {
			return tserrors.Corruption(fmt.Errorf("quarantining corrupted spool: %w", rerr))
		}
		metrics.SpoolCorruptionsTotal.WithLabelValues(slug).Inc()
	}
	return tserrors.Corruption(fmt.Errorf("spool for dataset %q remained corrupt after %d recovery attempts: %w", slug, maxAttempts, lastErr))
}

func (m *Manager) open(slug string) (*sql.DB, error) {
	dsn := m.dbPath(slug) + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, tserrors.TransientIO(fmt.Errorf("opening staging db: %w", err))
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, tserrors.TransientIO(fmt.Errorf("pinging staging db: %w", err))
	}
	return db, nil
}

// quarantine renames the corrupted database aside and removes its WAL, so
// the next open starts from a clean schema.
func (m *Manager) quarantine(slug string) error {
	path := m.dbPath(slug)
	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, fmt.Sprintf("%s.corrupt-%s", path, ts)); err != nil {
			return err
		}
	}
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
	return nil
}

func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"database disk image is malformed", "file is not a database", "database is corrupt", "malformed database schema"} {
		if contains(msg, needle) {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id            TEXT PRIMARY KEY,
	ingestion_signature TEXT NOT NULL UNIQUE,
	schema_json         TEXT NOT NULL,
	partition_key_json  TEXT NOT NULL,
	table_name          TEXT NOT NULL,
	start_time          INTEGER NOT NULL,
	end_time            INTEGER NOT NULL,
	row_count           INTEGER NOT NULL,
	staged_at           INTEGER NOT NULL,
	flush_token         TEXT
);
CREATE TABLE IF NOT EXISTS staged_rows (
	batch_id  TEXT NOT NULL REFERENCES batches(batch_id),
	row_index INTEGER NOT NULL,
	row_json  TEXT NOT NULL,
	PRIMARY KEY (batch_id, row_index)
);
CREATE INDEX IF NOT EXISTS idx_batches_flush_token ON batches(flush_token);
`

func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return tserrors.TransientIO(fmt.Errorf("ensuring spool schema: %w", err))
	}
	return nil
}

// resetStaleFlushTokens clears flush_token on any batch left mid-flush by a
// prior process generation, so PrepareFlush can pick it up again.
func resetStaleFlushTokens(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `UPDATE batches SET flush_token = NULL WHERE flush_token IS NOT NULL`)
	if err != nil {
		return tserrors.TransientIO(fmt.Errorf("resetting stale flush tokens: %w", err))
	}
	return nil
}

// EnsureSchema idempotently creates the dataset's staging schema.
func (m *Manager) EnsureSchema(ctx context.Context, slug string) error {
	return m.withDataset(ctx, slug, func(db *sql.DB) error { return nil })
}

// StagePartition appends req's rows to the spool, unless a batch with the
// same ingestion signature was already staged.
func (m *Manager) StagePartition(ctx context.Context, req StageRequest) (StageResult, error) {
	var result StageResult
	err := m.withDataset(ctx, req.DatasetSlug, func(db *sql.DB) error {
		var existingID string
		err := db.QueryRowContext(ctx, `SELECT batch_id FROM batches WHERE ingestion_signature = ?`, req.IngestionSignature).Scan(&existingID)
		if err == nil {
			var rowCount int64
			if err := db.QueryRowContext(ctx, `SELECT row_count FROM batches WHERE batch_id = ?`, existingID).Scan(&rowCount); err != nil {
				return tserrors.TransientIO(fmt.Errorf("loading existing batch row count: %w", err))
			}
			result = StageResult{BatchID: existingID, RowCount: rowCount, AlreadyStaged: true}
			return nil
		}
		if err != sql.ErrNoRows {
			return tserrors.TransientIO(fmt.Errorf("checking ingestion signature: %w", err))
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("beginning stage transaction: %w", err))
		}
		defer tx.Rollback()

		batchID := newBatchID()
		schemaJSON, err := json.Marshal(req.Schema)
		if err != nil {
			return tserrors.Validation("encoding schema: %v", err)
		}
		keyJSON, err := json.Marshal(req.PartitionKey)
		if err != nil {
			return tserrors.Validation("encoding partition key: %v", err)
		}

		stagedAt := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batches (batch_id, ingestion_signature, schema_json, partition_key_json, table_name, start_time, end_time, row_count, staged_at, flush_token)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			batchID, req.IngestionSignature, string(schemaJSON), string(keyJSON), req.TableName,
			req.TimeRange.Start.UnixMicro(), req.TimeRange.End.UnixMicro(), len(req.Rows), stagedAt.UnixMicro(),
		)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("inserting batch metadata: %w", err))
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO staged_rows (batch_id, row_index, row_json) VALUES (?, ?, ?)`)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("preparing row insert: %w", err))
		}
		defer stmt.Close()

		for i, row := range req.Rows {
			tagged := make(map[string]any, len(row)+2)
			for k, v := range row {
				tagged[k] = v
			}
			tagged["__batch_id"] = batchID
			tagged["__staged_at"] = stagedAt.Format(time.RFC3339Nano)

			rowJSON, err := json.Marshal(tagged)
			if err != nil {
				return tserrors.Validation("encoding row %d: %v", i, err)
			}
			if _, err := stmt.ExecContext(ctx, batchID, i, string(rowJSON)); err != nil {
				return tserrors.TransientIO(fmt.Errorf("inserting row %d: %w", i, err))
			}
		}

		if err := tx.Commit(); err != nil {
			return tserrors.TransientIO(fmt.Errorf("committing stage transaction: %w", err))
		}

		metrics.SpoolPendingRows.WithLabelValues(req.DatasetSlug).Add(float64(len(req.Rows)))
		m.reportOnDiskBytes(req.DatasetSlug)

		result = StageResult{BatchID: batchID, RowCount: int64(len(req.Rows)), AlreadyStaged: false}
		return nil
	})
	return result, err
}

// intermediateDir returns the directory PrepareFlush exports batch files
// into for a given flush token, per the persisted layout in spec.md §6
// (`flush/<token>/*`).
func (m *Manager) intermediateDir(slug, flushToken string) string {
	return filepath.Join(m.datasetDir(slug), "flush", flushToken)
}

// PrepareFlush selects every batch not already mid-flush, tags them with a
// fresh flush token, and exports their rows to intermediate files. Returns
// nil if nothing is pending.
func (m *Manager) PrepareFlush(ctx context.Context, slug string) (*FlushBundle, error) {
	var bundle *FlushBundle
	err := m.withDataset(ctx, slug, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("beginning flush transaction: %w", err))
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `
			SELECT batch_id, schema_json, partition_key_json, table_name, start_time, end_time, row_count
			FROM batches WHERE flush_token IS NULL ORDER BY staged_at ASC`)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("selecting pending batches: %w", err))
		}

		type pendingBatch struct {
			id, schemaJSON, keyJSON, tableName string
			start, end                         int64
			rowCount                           int64
		}
		var pending []pendingBatch
		for rows.Next() {
			var b pendingBatch
			if err := rows.Scan(&b.id, &b.schemaJSON, &b.keyJSON, &b.tableName, &b.start, &b.end, &b.rowCount); err != nil {
				rows.Close()
				return tserrors.TransientIO(fmt.Errorf("scanning pending batch: %w", err))
			}
			pending = append(pending, b)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return tserrors.TransientIO(fmt.Errorf("iterating pending batches: %w", err))
		}
		rows.Close()

		if len(pending) == 0 {
			return nil
		}

		flushToken := newFlushToken()
		var batches []PreparedBatch

		for _, b := range pending {
			var schema model.Schema
			if err := json.Unmarshal([]byte(b.schemaJSON), &schema); err != nil {
				return tserrors.Corruption(fmt.Errorf("decoding batch schema: %w", err))
			}
			var key map[string]string
			if err := json.Unmarshal([]byte(b.keyJSON), &key); err != nil {
				return tserrors.Corruption(fmt.Errorf("decoding partition key: %w", err))
			}

			rowRecords, err := loadBatchRows(ctx, tx, b.id)
			if err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `UPDATE batches SET flush_token = ? WHERE batch_id = ?`, flushToken, b.id); err != nil {
				return tserrors.TransientIO(fmt.Errorf("tagging batch with flush token: %w", err))
			}

			batches = append(batches, PreparedBatch{
				BatchID:      b.id,
				Schema:       schema,
				PartitionKey: key,
				TableName:    b.tableName,
				TimeRange:    model.TimeRange{Start: time.UnixMicro(b.start).UTC(), End: time.UnixMicro(b.end).UTC()},
				RowCount:     b.rowCount,
				Rows:         rowRecords,
			})
		}

		if err := tx.Commit(); err != nil {
			return tserrors.TransientIO(fmt.Errorf("committing flush tagging: %w", err))
		}

		if err := os.MkdirAll(m.intermediateDir(slug, flushToken), 0o755); err != nil {
			return tserrors.TransientIO(fmt.Errorf("creating flush export dir: %w", err))
		}
		for i := range batches {
			path, err := m.exportIntermediate(slug, flushToken, batches[i])
			if err != nil {
				return err
			}
			batches[i].IntermediatePath = path
		}

		bundle = &FlushBundle{FlushToken: flushToken, Batches: batches, PreparedAt: time.Now().UTC()}
		return nil
	})
	return bundle, err
}

// exportIntermediate encodes a prepared batch's rows as an Arrow IPC file
// under the flush's intermediate directory, so downstream Storage Driver
// writes (and any operator inspection) don't need the staging DB open.
func (m *Manager) exportIntermediate(slug, flushToken string, batch PreparedBatch) (string, error) {
	arrowRows := make([]arrowcodec.Row, len(batch.Rows))
	for i, r := range batch.Rows {
		clean := make(arrowcodec.Row, len(batch.Schema))
		for _, f := range batch.Schema {
			clean[f.Name] = coerceStagedValue(f.Type, r[f.Name])
		}
		arrowRows[i] = clean
	}

	encoded, err := arrowcodec.Encode(batch.Schema, arrowRows)
	if err != nil {
		return "", tserrors.Corruption(fmt.Errorf("encoding intermediate batch %s: %w", batch.BatchID, err))
	}

	path := filepath.Join(m.intermediateDir(slug, flushToken), batch.BatchID+".arrow")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", tserrors.TransientIO(fmt.Errorf("writing intermediate batch file: %w", err))
	}
	return path, nil
}

// coerceStagedValue converts a JSON-round-tripped value (float64 for all
// JSON numbers, RFC3339 string for timestamps) back to the Go type the
// Arrow codec expects for the field's declared type.
func coerceStagedValue(t model.FieldType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case model.FieldTimestamp:
		s, ok := v.(string)
		if !ok {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil
		}
		return parsed.UTC()
	case model.FieldInteger:
		f, ok := v.(float64)
		if !ok {
			return v
		}
		return int64(f)
	default:
		return v
	}
}

func loadBatchRows(ctx context.Context, tx *sql.Tx, batchID string) ([]map[string]any, error) {
	rows, err := tx.QueryContext(ctx, `SELECT row_json FROM staged_rows WHERE batch_id = ? ORDER BY row_index ASC`, batchID)
	if err != nil {
		return nil, tserrors.TransientIO(fmt.Errorf("selecting staged rows: %w", err))
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, tserrors.TransientIO(fmt.Errorf("scanning staged row: %w", err))
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, tserrors.Corruption(fmt.Errorf("decoding staged row: %w", err))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, tserrors.TransientIO(fmt.Errorf("iterating staged rows: %w", err))
	}
	return out, nil
}

// FinalizeFlush deletes the flushed batches and rows, and removes the
// intermediate export directory for flushToken.
func (m *Manager) FinalizeFlush(ctx context.Context, slug, flushToken string) error {
	err := m.withDataset(ctx, slug, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("beginning finalize transaction: %w", err))
		}
		defer tx.Rollback()

		var flushedRows int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(row_count), 0) FROM batches WHERE flush_token = ?`, flushToken).Scan(&flushedRows); err != nil {
			return tserrors.TransientIO(fmt.Errorf("summing flushed rows: %w", err))
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM staged_rows WHERE batch_id IN (SELECT batch_id FROM batches WHERE flush_token = ?)`, flushToken); err != nil {
			return tserrors.TransientIO(fmt.Errorf("deleting staged rows: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE flush_token = ?`, flushToken); err != nil {
			return tserrors.TransientIO(fmt.Errorf("deleting flushed batches: %w", err))
		}

		if err := tx.Commit(); err != nil {
			return tserrors.TransientIO(fmt.Errorf("committing finalize transaction: %w", err))
		}

		metrics.SpoolPendingRows.WithLabelValues(slug).Sub(float64(flushedRows))
		metrics.SpoolFlushesTotal.WithLabelValues(slug, "finalized").Inc()
		return nil
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(m.intermediateDir(slug, flushToken))
}

// AbortFlush clears flushToken from untouched batches so they become
// eligible for a future PrepareFlush, and removes the intermediate files.
func (m *Manager) AbortFlush(ctx context.Context, slug, flushToken string) error {
	err := m.withDataset(ctx, slug, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `UPDATE batches SET flush_token = NULL WHERE flush_token = ?`, flushToken); err != nil {
			return tserrors.TransientIO(fmt.Errorf("clearing flush token: %w", err))
		}
		metrics.SpoolFlushesTotal.WithLabelValues(slug, "aborted").Inc()
		return nil
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(m.intermediateDir(slug, flushToken))
}

// GetDatasetSummary reports current spool occupancy for flush-policy
// decisions and observability.
func (m *Manager) GetDatasetSummary(ctx context.Context, slug string) (DatasetSummary, error) {
	var summary DatasetSummary
	err := m.withDataset(ctx, slug, func(db *sql.DB) error {
		var count, rowCount sql.NullInt64
		var oldest sql.NullInt64
		err := db.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(row_count), 0), MIN(staged_at)
			FROM batches`).Scan(&count, &rowCount, &oldest)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("summarizing dataset: %w", err))
		}
		summary.PendingBatchCount = count.Int64
		summary.PendingRowCount = rowCount.Int64
		if oldest.Valid {
			t := time.UnixMicro(oldest.Int64).UTC()
			summary.OldestStagedAt = &t
		}
		return nil
	})
	if err != nil {
		return DatasetSummary{}, err
	}
	summary.OnDiskBytes = m.onDiskBytes(slug)
	return summary, nil
}

func (m *Manager) onDiskBytes(slug string) int64 {
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(m.dbPath(slug) + suffix); err == nil {
			total += info.Size()
		}
	}
	return total
}

func (m *Manager) reportOnDiskBytes(slug string) {
	bytes := m.onDiskBytes(slug)
	metrics.SpoolOnDiskBytes.WithLabelValues(slug).Set(float64(bytes))
	if m.MaxDatasetBytes > 0 && bytes >= m.MaxDatasetBytes {
		m.log.Warn("dataset spool approaching or exceeding size ceiling", "dataset", slug, "bytes", bytes, "ceiling", m.MaxDatasetBytes)
	}

	if m.MaxTotalBytes > 0 {
		if total := m.totalOnDiskBytes(); total >= m.MaxTotalBytes {
			m.log.Warn("aggregate spool size approaching or exceeding total ceiling", "bytes", total, "ceiling", m.MaxTotalBytes)
		}
	}
}

// totalOnDiskBytes sums onDiskBytes across every dataset directory beneath
// rootDir, for the aggregate ceiling spec.md §4.2 "Size enforcement" requires
// alongside the per-dataset one.
func (m *Manager) totalOnDiskBytes() int64 {
	entries, err := os.ReadDir(m.rootDir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			total += m.onDiskBytes(e.Name())
		}
	}
	return total
}

// ListPendingBatches lists batch ids not currently mid-flush, oldest first.
func (m *Manager) ListPendingBatches(ctx context.Context, slug string) ([]string, error) {
	var ids []string
	err := m.withDataset(ctx, slug, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT batch_id FROM batches WHERE flush_token IS NULL ORDER BY staged_at ASC`)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("listing pending batches: %w", err))
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return tserrors.TransientIO(fmt.Errorf("scanning batch id: %w", err))
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// MarkDatasetCorrupted forces the dataset's spool into quarantine, used when
// a caller detects corruption through a path other than a failed spool
// operation (e.g. a checksum mismatch noticed downstream).
func (m *Manager) MarkDatasetCorrupted(ctx context.Context, slug, reason string) error {
	lock := m.datasetLock(slug)
	lock.Lock()
	defer lock.Unlock()

	m.log.Warn("dataset spool marked corrupted", "dataset", slug, "reason", reason)
	metrics.SpoolCorruptionsTotal.WithLabelValues(slug).Inc()
	return m.quarantine(slug)
}

// DropDatasetSchema removes the dataset's entire staging database and lock
// file, used when a dataset is deleted.
func (m *Manager) DropDatasetSchema(ctx context.Context, slug string) error {
	lock := m.datasetLock(slug)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(m.datasetDir(slug))
}

var batchSeq struct {
	mu  sync.Mutex
	n   uint64
}

func newBatchID() string {
	batchSeq.mu.Lock()
	batchSeq.n++
	n := batchSeq.n
	batchSeq.mu.Unlock()
	return fmt.Sprintf("batch-%d-%d", time.Now().UnixNano(), n)
}

func newFlushToken() string {
	batchSeq.mu.Lock()
	batchSeq.n++
	n := batchSeq.n
	batchSeq.mu.Unlock()
	return fmt.Sprintf("flush-%d-%d", time.Now().UnixNano(), n)
}

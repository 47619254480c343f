package manifeststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("manifeststore: not found")

// Store is the Manifest Store: every write is wrapped in a single
// transaction (spec.md §4.4), and reads of "latest published manifest"
// return a consistent snapshot of manifest + partitions.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

// CreateDataset inserts a new dataset row, generating its id.
func (s *Store) CreateDataset(ctx context.Context, d model.Dataset) (model.Dataset, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	metadata, err := marshalJSON(d.Metadata)
	if err != nil {
		return model.Dataset{}, tserrors.Validation("encoding dataset metadata: %v", err)
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO datasets (id, slug, name, description, default_storage_target_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		d.ID, d.Slug, d.Name, d.Description, nullableString(d.DefaultStorageTargetID), metadata, now,
	)
	if err != nil {
		return model.Dataset{}, tserrors.TransientIO(fmt.Errorf("inserting dataset: %w", err))
	}
	d.CreatedAt, d.UpdatedAt = now, now
	return d, nil
}

// GetDatasetBySlug returns ErrNotFound-wrapped error when slug is unknown.
func (s *Store) GetDatasetBySlug(ctx context.Context, slug string) (model.Dataset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, slug, name, description, COALESCE(default_storage_target_id, ''), metadata, created_at, updated_at
		FROM datasets WHERE slug = $1`, slug)
	return scanDataset(row)
}

func scanDataset(row pgx.Row) (model.Dataset, error) {
	var d model.Dataset
	var metadata []byte
	err := row.Scan(&d.ID, &d.Slug, &d.Name, &d.Description, &d.DefaultStorageTargetID, &metadata, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Dataset{}, ErrNotFound
		}
		return model.Dataset{}, tserrors.TransientIO(fmt.Errorf("scanning dataset: %w", err))
	}
	if err := unmarshalJSON(metadata, &d.Metadata); err != nil {
		return model.Dataset{}, tserrors.Corruption(fmt.Errorf("decoding dataset metadata: %w", err))
	}
	return d, nil
}

// UpdateDatasetDefaultStorageTarget patches a dataset's default storage
// target, used by the Ingestion Processor when a dataset has none yet.
func (s *Store) UpdateDatasetDefaultStorageTarget(ctx context.Context, datasetID, storageTargetID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE datasets SET default_storage_target_id = $2, updated_at = now() WHERE id = $1`,
		datasetID, storageTargetID,
	)
	if err != nil {
		return tserrors.TransientIO(fmt.Errorf("updating default storage target: %w", err))
	}
	return nil
}

// GetStorageTarget resolves a storage target by id.
func (s *Store) GetStorageTarget(ctx context.Context, id string) (model.StorageTarget, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, kind, config FROM storage_targets WHERE id = $1`, id)
	var t model.StorageTarget
	var config []byte
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &config)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StorageTarget{}, tserrors.StorageTargetNotFound(id)
		}
		return model.StorageTarget{}, tserrors.TransientIO(fmt.Errorf("loading storage target: %w", err))
	}
	if err := unmarshalJSON(config, &t.Config); err != nil {
		return model.StorageTarget{}, tserrors.Corruption(fmt.Errorf("decoding storage target config: %w", err))
	}
	return t, nil
}

// CreateStorageTarget registers a new storage target, used by cmd/timestored
// wiring at startup to reconcile configured targets with the catalog.
func (s *Store) CreateStorageTarget(ctx context.Context, t model.StorageTarget) (model.StorageTarget, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	config, err := marshalJSON(t.Config)
	if err != nil {
		return model.StorageTarget{}, tserrors.Validation("encoding storage target config: %v", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO storage_targets (id, name, kind, config) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, kind = EXCLUDED.kind, config = EXCLUDED.config`,
		t.ID, t.Name, t.Kind, config,
	)
	if err != nil {
		return model.StorageTarget{}, tserrors.TransientIO(fmt.Errorf("upserting storage target: %w", err))
	}
	return t, nil
}

// FindSchemaVersionByChecksum returns ErrNotFound when no version with that
// content hash exists yet for the dataset.
func (s *Store) FindSchemaVersionByChecksum(ctx context.Context, datasetID, checksum string) (model.SchemaVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, dataset_id, version, schema, checksum, created_at
		FROM dataset_schema_versions WHERE dataset_id = $1 AND checksum = $2`, datasetID, checksum)
	return scanSchemaVersion(row)
}

func scanSchemaVersion(row pgx.Row) (model.SchemaVersion, error) {
	var v model.SchemaVersion
	var schema []byte
	err := row.Scan(&v.ID, &v.DatasetID, &v.Version, &schema, &v.Checksum, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SchemaVersion{}, ErrNotFound
		}
		return model.SchemaVersion{}, tserrors.TransientIO(fmt.Errorf("scanning schema version: %w", err))
	}
	if err := unmarshalJSON(schema, &v.Schema); err != nil {
		return model.SchemaVersion{}, tserrors.Corruption(fmt.Errorf("decoding schema: %w", err))
	}
	return v, nil
}

// GetNextSchemaVersion returns the version number the next
// CreateSchemaVersion call for datasetID should use (strictly increasing,
// spec.md invariant 2).
func (s *Store) GetNextSchemaVersion(ctx context.Context, datasetID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM dataset_schema_versions WHERE dataset_id = $1`, datasetID).Scan(&max)
	if err != nil {
		return 0, tserrors.TransientIO(fmt.Errorf("computing next schema version: %w", err))
	}
	return max + 1, nil
}

// CreateSchemaVersion inserts a new schema version row at the given
// version number, computed by the caller from GetNextSchemaVersion within
// the same logical operation to avoid a second round trip under load.
func (s *Store) CreateSchemaVersion(ctx context.Context, datasetID string, version int64, schema model.Schema, checksum string) (model.SchemaVersion, error) {
	schemaJSON, err := marshalJSON(schema)
	if err != nil {
		return model.SchemaVersion{}, tserrors.Validation("encoding schema: %v", err)
	}
	v := model.SchemaVersion{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		Version:   version,
		Schema:    schema,
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dataset_schema_versions (id, dataset_id, version, schema, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.DatasetID, v.Version, schemaJSON, v.Checksum, v.CreatedAt,
	)
	if err != nil {
		return model.SchemaVersion{}, tserrors.TransientIO(fmt.Errorf("inserting schema version: %w", err))
	}
	return v, nil
}

// GetLatestPublishedManifest returns the newest published manifest for a
// dataset, optionally narrowed to one shard, including its partitions. It
// returns ErrNotFound if none exists.
func (s *Store) GetLatestPublishedManifest(ctx context.Context, datasetID string, shard *string) (model.Manifest, error) {
	var row pgx.Row
	if shard != nil {
		row = s.pool.QueryRow(ctx, `
			SELECT id, dataset_id, version, status, shard_key, schema_version_id, parent_manifest_id, summary, statistics, metadata, created_by, created_at, published_at
			FROM dataset_manifests
			WHERE dataset_id = $1 AND shard_key = $2 AND status = 'published'
			ORDER BY version DESC LIMIT 1`, datasetID, *shard)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT id, dataset_id, version, status, shard_key, schema_version_id, parent_manifest_id, summary, statistics, metadata, created_by, created_at, published_at
			FROM dataset_manifests
			WHERE dataset_id = $1 AND status = 'published'
			ORDER BY version DESC LIMIT 1`, datasetID)
	}

	manifest, err := scanManifest(row)
	if err != nil {
		return model.Manifest{}, err
	}
	partitions, err := s.listPartitions(ctx, s.pool, manifest.ID)
	if err != nil {
		return model.Manifest{}, err
	}
	manifest.Partitions = partitions
	return manifest, nil
}

func scanManifest(row pgx.Row) (model.Manifest, error) {
	var m model.Manifest
	var summary, statistics, metadata []byte
	var parentID *string
	var publishedAt *time.Time
	err := row.Scan(&m.ID, &m.DatasetID, &m.Version, &m.Status, &m.ShardKey, &m.SchemaVersionID, &parentID, &summary, &statistics, &metadata, &m.CreatedBy, &m.CreatedAt, &publishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Manifest{}, ErrNotFound
		}
		return model.Manifest{}, tserrors.TransientIO(fmt.Errorf("scanning manifest: %w", err))
	}
	m.ParentManifestID = parentID
	m.PublishedAt = publishedAt
	if err := unmarshalJSON(summary, &m.Summary); err != nil {
		return model.Manifest{}, tserrors.Corruption(fmt.Errorf("decoding manifest summary: %w", err))
	}
	if err := unmarshalJSON(statistics, &m.Statistics); err != nil {
		return model.Manifest{}, tserrors.Corruption(fmt.Errorf("decoding manifest statistics: %w", err))
	}
	if err := unmarshalJSON(metadata, &m.Metadata); err != nil {
		return model.Manifest{}, tserrors.Corruption(fmt.Errorf("decoding manifest metadata: %w", err))
	}
	return m, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) listPartitions(ctx context.Context, q querier, manifestID string) ([]model.Partition, error) {
	rows, err := q.Query(ctx, `
		SELECT id, manifest_id, storage_target_id, file_format, file_path, partition_key, start_time, end_time,
		       file_size_bytes, row_count, checksum, column_statistics, column_bloom_filters, table_name, schema_version_id
		FROM dataset_partitions WHERE manifest_id = $1 ORDER BY start_time ASC`, manifestID)
	if err != nil {
		return nil, tserrors.TransientIO(fmt.Errorf("listing partitions: %w", err))
	}
	defer rows.Close()

	var out []model.Partition
	for rows.Next() {
		var p model.Partition
		var keyJSON, statsJSON []byte
		var bloom map[string][]byte
		if err := rows.Scan(&p.ID, &p.ManifestID, &p.StorageTargetID, &p.FileFormat, &p.FilePath, &keyJSON,
			&p.StartTime, &p.EndTime, &p.FileSizeBytes, &p.RowCount, &p.Checksum, &statsJSON, &bloomPlaceholder{&bloom}, &p.TableName, &p.SchemaVersionID); err != nil {
			return nil, tserrors.TransientIO(fmt.Errorf("scanning partition: %w", err))
		}
		if err := unmarshalJSON(keyJSON, &p.PartitionKey); err != nil {
			return nil, tserrors.Corruption(fmt.Errorf("decoding partition key: %w", err))
		}
		if err := unmarshalJSON(statsJSON, &p.ColumnStatistics); err != nil {
			return nil, tserrors.Corruption(fmt.Errorf("decoding partition statistics: %w", err))
		}
		p.ColumnBloomFilters = bloom
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, tserrors.TransientIO(fmt.Errorf("iterating partitions: %w", err))
	}
	return out, nil
}

// GetManifest loads one manifest by id, including its partitions,
// regardless of status — used by the idempotency short-circuit, which must
// be able to return a superseded manifest if that was the one originally
// recorded for the replayed idempotency key.
func (s *Store) GetManifest(ctx context.Context, manifestID string) (model.Manifest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, dataset_id, version, status, shard_key, schema_version_id, parent_manifest_id, summary, statistics, metadata, created_by, created_at, published_at
		FROM dataset_manifests WHERE id = $1`, manifestID)
	m, err := scanManifest(row)
	if err != nil {
		return model.Manifest{}, err
	}
	partitions, err := s.listPartitions(ctx, s.pool, manifestID)
	if err != nil {
		return model.Manifest{}, err
	}
	m.Partitions = partitions
	return m, nil
}

// GetSchemaVersionByID loads a schema version by its primary key, used to
// resolve a baseline manifest's full schema for evolution classification.
func (s *Store) GetSchemaVersionByID(ctx context.Context, id string) (model.SchemaVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, dataset_id, version, schema, checksum, created_at
		FROM dataset_schema_versions WHERE id = $1`, id)
	return scanSchemaVersion(row)
}

// GetNextManifestVersion returns the version the next manifest for
// datasetID should use.
func (s *Store) GetNextManifestVersion(ctx context.Context, datasetID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM dataset_manifests WHERE dataset_id = $1`, datasetID).Scan(&max)
	if err != nil {
		return 0, tserrors.TransientIO(fmt.Errorf("computing next manifest version: %w", err))
	}
	return max + 1, nil
}

// NewManifest is the input to CreateDatasetManifest: a brand-new manifest
// superseding whatever was previously published for the same shard.
type NewManifest struct {
	DatasetID       string
	Version         int64
	ShardKey        string
	SchemaVersionID string
	ParentManifestID *string
	Summary         map[string]any
	Statistics      map[string]any
	Metadata        map[string]any
	CreatedBy       string
	Partitions      []model.Partition
}

// CreateDatasetManifest inserts manifest and all its partitions atomically,
// and supersedes whatever manifest was previously published for the same
// shard, enforcing spec.md invariant 1 (at most one published manifest per
// dataset+shard).
func (s *Store) CreateDatasetManifest(ctx context.Context, nm NewManifest) (model.Manifest, error) {
	var result model.Manifest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE dataset_manifests SET status = 'superseded'
			WHERE dataset_id = $1 AND shard_key = $2 AND status = 'published'`,
			nm.DatasetID, nm.ShardKey); err != nil {
			return tserrors.TransientIO(fmt.Errorf("superseding previous manifest: %w", err))
		}

		summary, err := marshalJSON(nm.Summary)
		if err != nil {
			return tserrors.Validation("encoding manifest summary: %v", err)
		}
		statistics, err := marshalJSON(nm.Statistics)
		if err != nil {
			return tserrors.Validation("encoding manifest statistics: %v", err)
		}
		metadata, err := marshalJSON(nm.Metadata)
		if err != nil {
			return tserrors.Validation("encoding manifest metadata: %v", err)
		}

		now := time.Now().UTC()
		m := model.Manifest{
			ID:               uuid.NewString(),
			DatasetID:        nm.DatasetID,
			Version:          nm.Version,
			Status:           model.ManifestPublished,
			ShardKey:         nm.ShardKey,
			SchemaVersionID:  nm.SchemaVersionID,
			ParentManifestID: nm.ParentManifestID,
			Summary:          nm.Summary,
			Statistics:       nm.Statistics,
			Metadata:         nm.Metadata,
			CreatedBy:        nm.CreatedBy,
			CreatedAt:        now,
			PublishedAt:      &now,
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO dataset_manifests (id, dataset_id, version, status, shard_key, schema_version_id, parent_manifest_id, summary, statistics, metadata, created_by, created_at, published_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			m.ID, m.DatasetID, m.Version, m.Status, m.ShardKey, m.SchemaVersionID, m.ParentManifestID, summary, statistics, metadata, m.CreatedBy, m.CreatedAt, m.PublishedAt,
		)
		if err != nil {
			return tserrors.TransientIO(fmt.Errorf("inserting manifest: %w", err))
		}

		for i := range nm.Partitions {
			nm.Partitions[i].ManifestID = m.ID
			if err := insertPartition(ctx, tx, &nm.Partitions[i]); err != nil {
				return err
			}
		}

		m.Partitions = nm.Partitions
		result = m
		return nil
	})
	return result, err
}

func insertPartition(ctx context.Context, tx pgx.Tx, p *model.Partition) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	keyJSON, err := marshalJSON(p.PartitionKey)
	if err != nil {
		return tserrors.Validation("encoding partition key: %v", err)
	}
	statsJSON, err := marshalJSON(p.ColumnStatistics)
	if err != nil {
		return tserrors.Validation("encoding partition statistics: %v", err)
	}
	if p.TableName == "" {
		p.TableName = "records"
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO dataset_partitions
			(id, manifest_id, storage_target_id, file_format, file_path, partition_key, start_time, end_time,
			 file_size_bytes, row_count, checksum, column_statistics, column_bloom_filters, table_name, schema_version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.ManifestID, p.StorageTargetID, p.FileFormat, p.FilePath, keyJSON, p.StartTime, p.EndTime,
		p.FileSizeBytes, p.RowCount, p.Checksum, statsJSON, marshalBloom(p.ColumnBloomFilters), p.TableName, p.SchemaVersionID,
	)
	if err != nil {
		return tserrors.TransientIO(fmt.Errorf("inserting partition: %w", err))
	}
	return nil
}

// AppendPartitionsToManifest adds partitions to an already-published
// manifest in one transaction, applying patches to its summary and
// metadata. The manifest's partition set is append-only at this layer;
// superseding it entirely goes through CreateDatasetManifest instead.
func (s *Store) AppendPartitionsToManifest(ctx context.Context, manifestID string, partitions []model.Partition, summaryPatch, metadataPatch map[string]any, schemaVersionID string) (model.Manifest, error) {
	var result model.Manifest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, dataset_id, version, status, shard_key, schema_version_id, parent_manifest_id, summary, statistics, metadata, created_by, created_at, published_at
			FROM dataset_manifests WHERE id = $1 FOR UPDATE`, manifestID)
		m, err := scanManifest(row)
		if err != nil {
			return err
		}

		for i := range partitions {
			partitions[i].ManifestID = manifestID
			if err := insertPartition(ctx, tx, &partitions[i]); err != nil {
				return err
			}
		}

		mergedSummary := mergeMaps(m.Summary, summaryPatch)
		mergedMetadata := mergeMaps(m.Metadata, metadataPatch)
		summaryJSON, err := marshalJSON(mergedSummary)
		if err != nil {
			return tserrors.Validation("encoding manifest summary patch: %v", err)
		}
		metadataJSON, err := marshalJSON(mergedMetadata)
		if err != nil {
			return tserrors.Validation("encoding manifest metadata patch: %v", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE dataset_manifests SET summary = $2, metadata = $3, schema_version_id = $4 WHERE id = $1`,
			manifestID, summaryJSON, metadataJSON, schemaVersionID); err != nil {
			return tserrors.TransientIO(fmt.Errorf("patching manifest: %w", err))
		}

		m.Summary = mergedSummary
		m.Metadata = mergedMetadata
		m.SchemaVersionID = schemaVersionID

		existing, err := s.listPartitions(ctx, tx, manifestID)
		if err != nil {
			return err
		}
		m.Partitions = existing
		result = m
		return nil
	})
	return result, err
}

func mergeMaps(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// RecordIngestionBatch records an idempotency key → manifest mapping. It is
// a no-op (not an error) if the (datasetID, idempotencyKey) pair already
// exists, since the Ingestion Processor only calls this after confirming no
// prior batch existed.
func (s *Store) RecordIngestionBatch(ctx context.Context, datasetID, idempotencyKey, manifestID string) (model.IngestionBatch, error) {
	b := model.IngestionBatch{ID: uuid.NewString(), DatasetID: datasetID, IdempotencyKey: idempotencyKey, ManifestID: manifestID, CreatedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dataset_ingestion_batches (id, dataset_id, idempotency_key, manifest_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset_id, idempotency_key) DO NOTHING`,
		b.ID, b.DatasetID, b.IdempotencyKey, b.ManifestID, b.CreatedAt,
	)
	if err != nil {
		return model.IngestionBatch{}, tserrors.TransientIO(fmt.Errorf("recording ingestion batch: %w", err))
	}
	return b, nil
}

// GetIngestionBatch implements the idempotency short-circuit from spec.md
// §4.6 step 3.
func (s *Store) GetIngestionBatch(ctx context.Context, datasetID, idempotencyKey string) (model.IngestionBatch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, dataset_id, idempotency_key, manifest_id, created_at
		FROM dataset_ingestion_batches WHERE dataset_id = $1 AND idempotency_key = $2`, datasetID, idempotencyKey)
	var b model.IngestionBatch
	err := row.Scan(&b.ID, &b.DatasetID, &b.IdempotencyKey, &b.ManifestID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.IngestionBatch{}, ErrNotFound
		}
		return model.IngestionBatch{}, tserrors.TransientIO(fmt.Errorf("loading ingestion batch: %w", err))
	}
	return b, nil
}

// UpsertStreamingWatermark records the latest sealed-through position for a
// connector+dataset pair.
func (s *Store) UpsertStreamingWatermark(ctx context.Context, w model.StreamingWatermark) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO streaming_watermarks (connector_id, dataset_id, dataset_slug, sealed_through, backlog_lag_ms, records_processed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (connector_id, dataset_id) DO UPDATE SET
			dataset_slug = EXCLUDED.dataset_slug,
			sealed_through = GREATEST(streaming_watermarks.sealed_through, EXCLUDED.sealed_through),
			backlog_lag_ms = EXCLUDED.backlog_lag_ms,
			records_processed = streaming_watermarks.records_processed + EXCLUDED.records_processed`,
		w.ConnectorID, w.DatasetID, w.DatasetSlug, w.SealedThrough, w.BacklogLagMs, w.RecordsProcessed,
	)
	if err != nil {
		return tserrors.TransientIO(fmt.Errorf("upserting streaming watermark: %w", err))
	}
	return nil
}

func (s *Store) GetStreamingWatermark(ctx context.Context, connectorID, datasetID string) (model.StreamingWatermark, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT connector_id, dataset_id, dataset_slug, sealed_through, backlog_lag_ms, records_processed
		FROM streaming_watermarks WHERE connector_id = $1 AND dataset_id = $2`, connectorID, datasetID)
	var w model.StreamingWatermark
	err := row.Scan(&w.ConnectorID, &w.DatasetID, &w.DatasetSlug, &w.SealedThrough, &w.BacklogLagMs, &w.RecordsProcessed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StreamingWatermark{}, ErrNotFound
		}
		return model.StreamingWatermark{}, tserrors.TransientIO(fmt.Errorf("loading streaming watermark: %w", err))
	}
	return w, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return tserrors.TransientIO(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return tserrors.TransientIO(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalBloom(m map[string][]byte) []byte {
	if len(m) == 0 {
		return nil
	}
	b, _ := json.Marshal(m)
	return b
}

// bloomPlaceholder adapts a JSONB-encoded map[string][]byte column (stored
// as BYTEA in partitions, but carried through Go as JSON for portability
// with the in-memory storage.WriteResult shape) for pgx.Rows.Scan.
type bloomPlaceholder struct {
	dest *map[string][]byte
}

func (p *bloomPlaceholder) Scan(src any) error {
	if src == nil {
		return nil
	}
	raw, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unexpected bloom filter column type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, p.dest)
}

package manifeststore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/testutil"
	migrations "github.com/malbeclabs/timestore/migrations/postgres"
)

func mustParse(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestStore(t *testing.T) *manifeststore.Store {
	t.Helper()
	db := testutil.NewPostgresDB(t, migrations.EmbedMigrations, ".")
	return manifeststore.New(db.Pool(t))
}

func seedDataset(t *testing.T, s *manifeststore.Store, slug string) model.Dataset {
	t.Helper()
	ctx := t.Context()
	d, err := s.CreateDataset(ctx, model.Dataset{Slug: slug, Name: slug})
	require.NoError(t, err)

	target, err := s.CreateStorageTarget(ctx, model.StorageTarget{Name: "local", Kind: model.StorageKindLocalFile})
	require.NoError(t, err)
	require.NoError(t, s.UpdateDatasetDefaultStorageTarget(ctx, d.ID, target.ID))
	return d
}

func TestCreateAndGetDataset(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	created, err := s.CreateDataset(ctx, model.Dataset{Slug: "observations", Name: "Observations", Metadata: map[string]any{"team": "infra"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := s.GetDatasetBySlug(ctx, "observations")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "infra", got.Metadata["team"])
}

func TestGetDatasetBySlug_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDatasetBySlug(t.Context(), "does-not-exist")
	assert.ErrorIs(t, err, manifeststore.ErrNotFound)
}

func TestSchemaVersionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	d := seedDataset(t, s, "metrics")

	schema := model.Schema{{Name: "ts", Type: model.FieldTimestamp}, {Name: "value", Type: model.FieldDouble}}

	next, err := s.GetNextSchemaVersion(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	v, err := s.CreateSchemaVersion(ctx, d.ID, next, schema, "checksum-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Version)

	found, err := s.FindSchemaVersionByChecksum(ctx, d.ID, "checksum-1")
	require.NoError(t, err)
	assert.Equal(t, v.ID, found.ID)
	assert.Len(t, found.Schema, 2)

	_, err = s.FindSchemaVersionByChecksum(ctx, d.ID, "unknown-checksum")
	assert.ErrorIs(t, err, manifeststore.ErrNotFound)

	next2, err := s.GetNextSchemaVersion(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next2)
}

func samplePartition(targetID, schemaVersionID string) model.Partition {
	return model.Partition{
		StorageTargetID:  targetID,
		FileFormat:       "arrow-ipc",
		FilePath:         "/data/part-0.arrow",
		PartitionKey:     map[string]string{"shard": "2026-07-31"},
		StartTime:        mustParse("2026-07-31T00:00:00Z"),
		EndTime:          mustParse("2026-07-31T01:00:00Z"),
		FileSizeBytes:    1024,
		RowCount:         100,
		Checksum:         "deadbeef",
		ColumnStatistics: map[string]any{"value": map[string]any{"min": 0.0, "max": 1.0}},
		TableName:        "records",
		SchemaVersionID:  schemaVersionID,
	}
}

func TestCreateDatasetManifest_SupersedesPreviousPublished(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	d := seedDataset(t, s, "events")
	target, err := s.GetStorageTarget(ctx, d.DefaultStorageTargetID)
	require.NoError(t, err)

	schema := model.Schema{{Name: "ts", Type: model.FieldTimestamp}, {Name: "value", Type: model.FieldDouble}}
	v, err := s.CreateSchemaVersion(ctx, d.ID, 1, schema, "c1")
	require.NoError(t, err)

	m1, err := s.CreateDatasetManifest(ctx, manifeststore.NewManifest{
		DatasetID:       d.ID,
		Version:         1,
		ShardKey:        "2026-07-31",
		SchemaVersionID: v.ID,
		Partitions:      []model.Partition{samplePartition(target.ID, v.ID)},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ManifestPublished, m1.Status)
	assert.Len(t, m1.Partitions, 1)

	latest, err := s.GetLatestPublishedManifest(ctx, d.ID, ptr("2026-07-31"))
	require.NoError(t, err)
	assert.Equal(t, m1.ID, latest.ID)

	nextVersion, err := s.GetNextManifestVersion(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nextVersion)

	m2, err := s.CreateDatasetManifest(ctx, manifeststore.NewManifest{
		DatasetID:        d.ID,
		Version:          nextVersion,
		ShardKey:         "2026-07-31",
		SchemaVersionID:  v.ID,
		ParentManifestID: &m1.ID,
		Partitions:       []model.Partition{samplePartition(target.ID, v.ID)},
	})
	require.NoError(t, err)

	latest2, err := s.GetLatestPublishedManifest(ctx, d.ID, ptr("2026-07-31"))
	require.NoError(t, err)
	assert.Equal(t, m2.ID, latest2.ID, "only the newest manifest should be published per shard")
}

func TestAppendPartitionsToManifest(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	d := seedDataset(t, s, "appends")
	target, err := s.GetStorageTarget(ctx, d.DefaultStorageTargetID)
	require.NoError(t, err)

	schema := model.Schema{{Name: "ts", Type: model.FieldTimestamp}}
	v, err := s.CreateSchemaVersion(ctx, d.ID, 1, schema, "c1")
	require.NoError(t, err)

	m, err := s.CreateDatasetManifest(ctx, manifeststore.NewManifest{
		DatasetID:       d.ID,
		Version:         1,
		ShardKey:        "2026-07-31",
		SchemaVersionID: v.ID,
		Summary:         map[string]any{"rowCount": float64(100)},
		Partitions:      []model.Partition{samplePartition(target.ID, v.ID)},
	})
	require.NoError(t, err)

	updated, err := s.AppendPartitionsToManifest(ctx, m.ID, []model.Partition{samplePartition(target.ID, v.ID)},
		map[string]any{"rowCount": float64(200)}, nil, v.ID)
	require.NoError(t, err)
	assert.Len(t, updated.Partitions, 2)
	assert.Equal(t, float64(200), updated.Summary["rowCount"])
}

func TestIngestionBatchIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	d := seedDataset(t, s, "idempotent")

	_, err := s.GetIngestionBatch(ctx, d.ID, "key-1")
	assert.ErrorIs(t, err, manifeststore.ErrNotFound)

	b, err := s.RecordIngestionBatch(ctx, d.ID, "key-1", "manifest-x")
	require.NoError(t, err)

	found, err := s.GetIngestionBatch(ctx, d.ID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, b.ManifestID, found.ManifestID)

	// Recording again with the same key is a no-op, not an error.
	_, err = s.RecordIngestionBatch(ctx, d.ID, "key-1", "manifest-y")
	require.NoError(t, err)
	found2, err := s.GetIngestionBatch(ctx, d.ID, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "manifest-x", found2.ManifestID)
}

func TestStreamingWatermarkUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	d := seedDataset(t, s, "watermarks")

	w := model.StreamingWatermark{
		ConnectorID:      "connector-a",
		DatasetID:        d.ID,
		DatasetSlug:      d.Slug,
		SealedThrough:    mustParse("2026-07-31T00:00:00Z"),
		RecordsProcessed: 10,
	}
	require.NoError(t, s.UpsertStreamingWatermark(ctx, w))

	got, err := s.GetStreamingWatermark(ctx, "connector-a", d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.RecordsProcessed)

	w.SealedThrough = mustParse("2026-07-31T01:00:00Z")
	w.RecordsProcessed = 5
	require.NoError(t, s.UpsertStreamingWatermark(ctx, w))

	got2, err := s.GetStreamingWatermark(ctx, "connector-a", d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got2.RecordsProcessed, "records_processed accumulates across upserts")
	assert.True(t, got2.SealedThrough.Equal(w.SealedThrough))

	// A later-arriving upsert for an earlier sealed-through position (e.g. a
	// retried chunk flushing after a newer window already advanced the
	// watermark) must not regress it.
	w.SealedThrough = mustParse("2026-07-31T00:30:00Z")
	w.RecordsProcessed = 1
	require.NoError(t, s.UpsertStreamingWatermark(ctx, w))

	got3, err := s.GetStreamingWatermark(ctx, "connector-a", d.ID)
	require.NoError(t, err)
	assert.True(t, got3.SealedThrough.Equal(mustParse("2026-07-31T01:00:00Z")), "sealed_through must remain monotonic non-decreasing")
}

func ptr(s string) *string { return &s }

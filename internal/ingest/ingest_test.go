package ingest_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/events"
	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/manifeststore/cache"
	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/storage"
	"github.com/malbeclabs/timestore/internal/storage/localfile"
	"github.com/malbeclabs/timestore/internal/testutil"
	migrations "github.com/malbeclabs/timestore/migrations/postgres"
)

func newTestProcessor(t *testing.T) (*ingest.Processor, *manifeststore.Store, *events.InProcess) {
	t.Helper()
	log := slog.Default()
	db := testutil.NewPostgresDB(t, migrations.EmbedMigrations, ".")
	store := manifeststore.New(db.Pool(t))

	target, err := store.CreateStorageTarget(context.Background(), model.StorageTarget{Name: "local", Kind: model.StorageKindLocalFile})
	require.NoError(t, err)

	driver := localfile.New(log, t.TempDir())
	registry, err := storage.NewRegistry(driver)
	require.NoError(t, err)

	bus := events.NewInProcess(log)
	c := cache.New(log, store, bus, time.Minute)
	t.Cleanup(c.Close)

	return ingest.New(log, store, c, registry, bus, target.ID), store, bus
}

func samplePayload() ingest.JobPayload {
	return ingest.JobPayload{
		DatasetSlug: "obs-1",
		Schema:      model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}},
		PartitionKey: map[string]string{"shard": "2024-01-01"},
		TimeRange:   model.TimeRange{Start: mustParse("2024-01-01T00:00:00Z"), End: mustParse("2024-01-01T00:05:00Z")},
		Rows: []map[string]any{
			{"t": "2024-01-01T00:00:00Z", "v": 1.0},
			{"t": "2024-01-01T00:04:00Z", "v": 2.0},
		},
		IdempotencyKey: "k1",
	}
}

func mustParse(s string) time.Time {
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return tm
}

func TestProcess_HappyIngest(t *testing.T) {
	p, _, bus := newTestProcessor(t)
	created := bus.Subscribe("partition.created", 4)
	evolved := bus.Subscribe("schema.evolved", 4)

	result, err := p.Process(t.Context(), samplePayload())
	require.NoError(t, err)
	assert.False(t, result.Replayed)
	assert.Equal(t, int64(1), result.Manifest.Version)
	assert.Len(t, result.Manifest.Partitions, 1)
	assert.EqualValues(t, 2, result.Manifest.Partitions[0].RowCount)

	select {
	case env := <-created:
		assert.Equal(t, "partition.created", env.Topic)
	default:
		t.Fatal("expected a partition.created event")
	}

	select {
	case env := <-evolved:
		t.Fatalf("a brand-new dataset's first ingest must not publish schema.evolved, got %v", env)
	default:
	}
}

func TestProcess_IdempotentReplay(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	first, err := p.Process(t.Context(), samplePayload())
	require.NoError(t, err)

	second, err := p.Process(t.Context(), samplePayload())
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Manifest.ID, second.Manifest.ID)
	assert.Len(t, second.Manifest.Partitions, 1, "replay must not create a new partition")
}

func TestProcess_AdditiveSchemaEvolution_Appends(t *testing.T) {
	p, _, bus := newTestProcessor(t)
	schemaEvolved := bus.Subscribe("schema.evolved", 4)

	first, err := p.Process(t.Context(), samplePayload())
	require.NoError(t, err)

	second := samplePayload()
	second.IdempotencyKey = "k2"
	second.Schema = model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}, {Name: "tag", Type: model.FieldString}}
	second.Rows = []map[string]any{{"t": "2024-01-01T00:02:00Z", "v": 3.0, "tag": "x"}}

	result, err := p.Process(t.Context(), second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Manifest.Version)
	assert.Equal(t, first.Manifest.ID, *result.Manifest.ParentManifestID)
	assert.Len(t, result.Manifest.Partitions, 2, "additive evolution appends to the same manifest lineage")

	select {
	case env := <-schemaEvolved:
		evolved := env.Payload.(events.SchemaEvolved)
		assert.Equal(t, []string{"tag"}, evolved.AddedColumns)
	default:
		t.Fatal("expected a schema.evolved event")
	}
}

func TestProcess_BreakingSchemaChange_FailsJob(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	_, err := p.Process(t.Context(), samplePayload())
	require.NoError(t, err)

	breaking := samplePayload()
	breaking.IdempotencyKey = "k3"
	breaking.Schema = model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldInteger}}

	_, err = p.Process(t.Context(), breaking)
	require.Error(t, err)
}

func TestProcess_EmptyRows_NoPartitionOrManifestChange(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	first, err := p.Process(t.Context(), samplePayload())
	require.NoError(t, err)

	empty := samplePayload()
	empty.IdempotencyKey = "k-empty"
	empty.Rows = nil

	second, err := p.Process(t.Context(), empty)
	require.NoError(t, err)
	assert.Equal(t, first.Manifest.Version, second.Manifest.Version)
}

package jobqueue_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/events"
	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/jobqueue"
	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/manifeststore/cache"
	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/storage"
	"github.com/malbeclabs/timestore/internal/storage/localfile"
	"github.com/malbeclabs/timestore/internal/testutil"
	migrations "github.com/malbeclabs/timestore/migrations/postgres"
)

func newTestQueue(t *testing.T) (*ingest.Processor, *testutil.PostgresDB) {
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

	return ingest.New(log, store, c, registry, bus, target.ID), db
}

func mustParse(s string) time.Time {
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return tm
}

func samplePayload(key string) ingest.JobPayload {
	return ingest.JobPayload{
		DatasetSlug:    "obs-1",
		Schema:         model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}},
		PartitionKey:   map[string]string{"shard": "2024-01-01"},
		TimeRange:      model.TimeRange{Start: mustParse("2024-01-01T00:00:00Z"), End: mustParse("2024-01-01T00:05:00Z")},
		Rows:           []map[string]any{{"t": "2024-01-01T00:00:00Z", "v": 1.0}},
		IdempotencyKey: key,
	}
}

func TestEnqueueIngestionJob_InlineRunsSynchronously(t *testing.T) {
	processor, _ := newTestQueue(t)
	q := jobqueue.NewInline(slog.Default(), processor)

	res, err := q.EnqueueIngestionJob(t.Context(), samplePayload("inline-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.False(t, res.Result.Replayed)
	assert.Len(t, res.Result.Manifest.Partitions, 1)
}

func TestEnqueueIngestionJob_Distributed_PersistsAndLeasesJob(t *testing.T) {
	processor, db := newTestQueue(t)
	pool := db.Pool(t)
	q := jobqueue.NewDistributed(slog.Default(), processor, pool, 2, 5, 20*time.Millisecond)

	res, err := q.EnqueueIngestionJob(t.Context(), samplePayload("dist-1"))
	require.NoError(t, err)
	assert.Nil(t, res.Result, "distributed enqueue does not run inline")

	var status string
	err = pool.QueryRow(t.Context(), `SELECT status FROM ingestion_jobs WHERE id = $1`, res.JobID).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, "pending", status)

	ctx, cancel := context.WithCancel(t.Context())
	q.Start(ctx)
	defer func() {
		cancel()
		q.Stop(2 * time.Second)
	}()

	assert.Eventually(t, func() bool {
		var s string
		if err := pool.QueryRow(t.Context(), `SELECT status FROM ingestion_jobs WHERE id = $1`, res.JobID).Scan(&s); err != nil {
			return false
		}
		return s == "succeeded"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEnqueueIngestionJob_Distributed_DuplicateJobIDIsIgnored(t *testing.T) {
	processor, db := newTestQueue(t)
	pool := db.Pool(t)
	q := jobqueue.NewDistributed(slog.Default(), processor, pool, 1, 5, 20*time.Millisecond)

	first, err := q.EnqueueIngestionJob(t.Context(), samplePayload("dup-job"))
	require.NoError(t, err)
	second, err := q.EnqueueIngestionJob(t.Context(), samplePayload("dup-job"))
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)

	var count int
	err = pool.QueryRow(t.Context(), `SELECT count(*) FROM ingestion_jobs WHERE id = $1`, first.JobID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

package flushworker_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/events"
	"github.com/malbeclabs/timestore/internal/flushpolicy"
	"github.com/malbeclabs/timestore/internal/flushworker"
	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/jobqueue"
	"github.com/malbeclabs/timestore/internal/manifeststore"
	"github.com/malbeclabs/timestore/internal/manifeststore/cache"
	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/spool"
	"github.com/malbeclabs/timestore/internal/storage"
	"github.com/malbeclabs/timestore/internal/storage/localfile"
	"github.com/malbeclabs/timestore/internal/testutil"
	migrations "github.com/malbeclabs/timestore/migrations/postgres"
)

func mustParse(s string) time.Time {
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return tm
}

func newTestWorker(t *testing.T, lister flushworker.DatasetLister) (*flushworker.Worker, *spool.Manager, *manifeststore.Store) {
	t.Helper()
	log := slog.Default()
	db := testutil.NewPostgresDB(t, migrations.EmbedMigrations, ".")
	store := manifeststore.New(db.Pool(t))

	target, err := store.CreateStorageTarget(t.Context(), model.StorageTarget{Name: "local", Kind: model.StorageKindLocalFile})
	require.NoError(t, err)

	driver := localfile.New(log, t.TempDir())
	registry, err := storage.NewRegistry(driver)
	require.NoError(t, err)

	bus := events.NewInProcess(log)
	c := cache.New(log, store, bus, time.Minute)
	t.Cleanup(c.Close)

	processor := ingest.New(log, store, c, registry, bus, target.ID)
	queue := jobqueue.NewInline(log, processor)

	sp := spool.New(log, t.TempDir())

	w := flushworker.New(log, flushworker.Config{
		PollInterval: 10 * time.Millisecond,
		Thresholds:   flushpolicy.Thresholds{MaxRows: 1},
	}, sp, queue, lister)

	return w, sp, store
}

func TestWorker_FlushesStagedBatchWhenThresholdCrossed(t *testing.T) {
	lister := func() ([]string, error) { return []string{"obs-1"}, nil }
	w, sp, store := newTestWorker(t, lister)

	_, err := sp.StagePartition(t.Context(), spool.StageRequest{
		DatasetSlug:        "obs-1",
		IngestionSignature: "sig-1",
		Schema:             model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}},
		PartitionKey:       map[string]string{"shard": "2024-01-01"},
		TimeRange:          model.TimeRange{Start: mustParse("2024-01-01T00:00:00Z"), End: mustParse("2024-01-01T00:05:00Z")},
		Rows: []map[string]any{
			{"t": "2024-01-01T00:00:00Z", "v": 1.0},
		},
	})
	require.NoError(t, err)

	w.Start(t.Context())
	defer w.Stop(time.Second)

	require.Eventually(t, func() bool {
		ids, err := sp.ListPendingBatches(context.Background(), "obs-1")
		return err == nil && len(ids) == 0
	}, 2*time.Second, 10*time.Millisecond)

	dataset, err := store.GetDatasetBySlug(t.Context(), "obs-1")
	require.NoError(t, err)
	manifest, err := store.GetLatestPublishedManifest(t.Context(), dataset.ID, nil)
	require.NoError(t, err)
	assert.Len(t, manifest.Partitions, 1)
}

func TestWorker_SkipsDatasetBelowThreshold(t *testing.T) {
	lister := func() ([]string, error) { return []string{"obs-2"}, nil }
	_, sp, _ := newTestWorker(t, lister)

	// Threshold requires 100 rows; nothing staged at all, so ShouldFlush is
	// false and tick should be a no-op returning nil without ever touching
	// the (nil) queue.
	w := flushworker.New(slog.Default(), flushworker.Config{
		PollInterval: 10 * time.Millisecond,
		Thresholds:   flushpolicy.Thresholds{MaxRows: 100},
	}, sp, nil, lister)

	w.Start(t.Context())
	defer w.Stop(time.Second)
	time.Sleep(30 * time.Millisecond)
}

package bulkload_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/connectors/backpressure"
	"github.com/malbeclabs/timestore/internal/connectors/bulkload"
	"github.com/malbeclabs/timestore/internal/ingest"
	"github.com/malbeclabs/timestore/internal/jobqueue"
)

type fakeEnqueuer struct {
	payloads []ingest.JobPayload
}

func (f *fakeEnqueuer) EnqueueIngestionJob(ctx context.Context, payload ingest.JobPayload) (jobqueue.EnqueueResult, error) {
	f.payloads = append(f.payloads, payload)
	return jobqueue.EnqueueResult{JobID: payload.IdempotencyKey}, nil
}

const sampleBulkFile = `{
	"ingestion": {
		"datasetSlug": "obs-1",
		"schema": {"fields": [{"name":"t","type":"timestamp"},{"name":"v","type":"double"}]},
		"partition": {"key": {"shard":"2024-01-01"}, "timeRange": {"start":"2024-01-01T00:00:00Z","end":"2024-01-01T00:05:00Z"}}
	},
	"rows": [{"t":"2024-01-01T00:00:00Z","v":1.0},{"t":"2024-01-01T00:01:00Z","v":2.0},{"t":"2024-01-01T00:02:00Z","v":3.0}],
	"chunkSize": 2,
	"idempotencyBase": "bulk-1"
}`

func TestBulkload_SplitsRowsIntoChunksAndRetiresFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleBulkFile), 0o644))

	enq := &fakeEnqueuer{}
	bp := backpressure.New("bulk-conn", backpressure.Config{HighWatermark: 1000, LowWatermark: 0, MinPauseMs: 1, MaxPauseMs: 5})
	c := bulkload.New(slog.Default(), bulkload.Config{
		ConnectorID:     "bulk-conn",
		Directory:       dir,
		Glob:            "*.json",
		PollInterval:    10 * time.Millisecond,
		DeleteOnSuccess: true,
	}, enq, bp, func() int { return 0 })

	c.Start(t.Context())
	defer c.Stop(time.Second)

	require.Eventually(t, func() bool { return len(enq.payloads) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "bulk-1:0", enq.payloads[0].IdempotencyKey)
	assert.Equal(t, "bulk-1:1", enq.payloads[1].IdempotencyKey)
	assert.Len(t, enq.payloads[0].Rows, 2)
	assert.Len(t, enq.payloads[1].Rows, 1)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file should be deleted after successful processing")
}

func TestBulkload_RenamesFileWhenNotDeleting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleBulkFile), 0o644))

	enq := &fakeEnqueuer{}
	bp := backpressure.New("bulk-conn-2", backpressure.Config{HighWatermark: 1000, LowWatermark: 0, MinPauseMs: 1, MaxPauseMs: 5})
	c := bulkload.New(slog.Default(), bulkload.Config{
		ConnectorID:     "bulk-conn-2",
		Directory:       dir,
		Glob:            "*.json",
		PollInterval:    10 * time.Millisecond,
		DeleteOnSuccess: false,
		ProcessedSuffix: ".done",
	}, enq, bp, func() int { return 0 })

	c.Start(t.Context())
	defer c.Stop(time.Second)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path + ".done")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

package spool_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/spool"
	"github.com/malbeclabs/timestore/internal/tslog"
)

func testRequest(signature string) spool.StageRequest {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return spool.StageRequest{
		DatasetSlug:        "obs-1",
		IngestionSignature: signature,
		Schema:             model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}},
		PartitionKey:       map[string]string{"shard": "2024-01-01"},
		TableName:          "records",
		TimeRange:          model.TimeRange{Start: start, End: start.Add(5 * time.Minute)},
		Rows: []map[string]any{
			{"t": start.Format(time.RFC3339Nano), "v": 1.0},
			{"t": start.Add(4 * time.Minute).Format(time.RFC3339Nano), "v": 2.0},
		},
	}
}

func TestStagePartition_AndSummary(t *testing.T) {
	t.Parallel()

	m := spool.New(tslog.Nop(), t.TempDir())
	ctx := context.Background()

	result, err := m.StagePartition(ctx, testRequest("sig-1"))
	require.NoError(t, err)
	assert.False(t, result.AlreadyStaged)
	assert.Equal(t, int64(2), result.RowCount)

	summary, err := m.GetDatasetSummary(ctx, "obs-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.PendingBatchCount)
	assert.Equal(t, int64(2), summary.PendingRowCount)
	require.NotNil(t, summary.OldestStagedAt)
}

func TestReportOnDiskBytes_WarnsOnAggregateCeilingAcrossDatasets(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	m := spool.New(log, t.TempDir())
	m.MaxTotalBytes = 1 // any staged bytes at all crosses this

	req := testRequest("sig-a")
	req.DatasetSlug = "obs-a"
	_, err := m.StagePartition(context.Background(), req)
	require.NoError(t, err)

	req2 := testRequest("sig-b")
	req2.DatasetSlug = "obs-b"
	_, err = m.StagePartition(context.Background(), req2)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "aggregate spool size approaching or exceeding total ceiling")
}

func TestStagePartition_DuplicateSignatureIsIdempotent(t *testing.T) {
	t.Parallel()

	m := spool.New(tslog.Nop(), t.TempDir())
	ctx := context.Background()

	first, err := m.StagePartition(ctx, testRequest("sig-dup"))
	require.NoError(t, err)

	second, err := m.StagePartition(ctx, testRequest("sig-dup"))
	require.NoError(t, err)

	assert.True(t, second.AlreadyStaged)
	assert.Equal(t, first.BatchID, second.BatchID)

	summary, err := m.GetDatasetSummary(ctx, "obs-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.PendingBatchCount)
}

func TestPrepareFlush_FinalizeFlush_RoundTrip(t *testing.T) {
	t.Parallel()

	m := spool.New(tslog.Nop(), t.TempDir())
	ctx := context.Background()

	_, err := m.StagePartition(ctx, testRequest("sig-flush"))
	require.NoError(t, err)

	bundle, err := m.PrepareFlush(ctx, "obs-1")
	require.NoError(t, err)
	require.NotNil(t, bundle)
	require.Len(t, bundle.Batches, 1)
	assert.Equal(t, int64(2), bundle.Batches[0].RowCount)
	assert.FileExists(t, bundle.Batches[0].IntermediatePath)

	// A second PrepareFlush must not re-select the already-flushing batch.
	again, err := m.PrepareFlush(ctx, "obs-1")
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, m.FinalizeFlush(ctx, "obs-1", bundle.FlushToken))

	summary, err := m.GetDatasetSummary(ctx, "obs-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.PendingRowCount)
}

func TestAbortFlush_RestoresEligibility(t *testing.T) {
	t.Parallel()

	m := spool.New(tslog.Nop(), t.TempDir())
	ctx := context.Background()

	_, err := m.StagePartition(ctx, testRequest("sig-abort"))
	require.NoError(t, err)

	bundle, err := m.PrepareFlush(ctx, "obs-1")
	require.NoError(t, err)
	require.NotNil(t, bundle)

	require.NoError(t, m.AbortFlush(ctx, "obs-1", bundle.FlushToken))

	again, err := m.PrepareFlush(ctx, "obs-1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Len(t, again.Batches, 1)
}

func TestPrepareFlush_NoPendingBatches(t *testing.T) {
	t.Parallel()

	m := spool.New(tslog.Nop(), t.TempDir())
	bundle, err := m.PrepareFlush(context.Background(), "empty-dataset")
	require.NoError(t, err)
	assert.Nil(t, bundle)
}

func TestListPendingBatches(t *testing.T) {
	t.Parallel()

	m := spool.New(tslog.Nop(), t.TempDir())
	ctx := context.Background()

	_, err := m.StagePartition(ctx, testRequest("sig-list-1"))
	require.NoError(t, err)
	_, err = m.StagePartition(ctx, testRequest("sig-list-2"))
	require.NoError(t, err)

	ids, err := m.ListPendingBatches(ctx, "obs-1")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestDropDatasetSchema_RemovesStagingDir(t *testing.T) {
	t.Parallel()

	m := spool.New(tslog.Nop(), t.TempDir())
	ctx := context.Background()

	_, err := m.StagePartition(ctx, testRequest("sig-drop"))
	require.NoError(t, err)

	require.NoError(t, m.DropDatasetSchema(ctx, "obs-1"))

	summary, err := m.GetDatasetSummary(ctx, "obs-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.PendingBatchCount)
}

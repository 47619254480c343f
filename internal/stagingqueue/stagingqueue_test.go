package stagingqueue_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/spool"
	"github.com/malbeclabs/timestore/internal/stagingqueue"
	"github.com/malbeclabs/timestore/internal/tserrors"
)

func parseTime(s string) time.Time {
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return tm
}

func testReq(signature string) spool.StageRequest {
	return spool.StageRequest{
		DatasetSlug:        "obs-1",
		IngestionSignature: signature,
		Schema:             model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}},
		TimeRange:          model.TimeRange{Start: parseTime("2024-01-01T00:00:00Z"), End: parseTime("2024-01-01T00:05:00Z")},
		Rows:               []map[string]any{{"t": "2024-01-01T00:00:00Z", "v": 1.0}},
	}
}

func TestEnqueue_ProcessesInOrder(t *testing.T) {
	sp := spool.New(slog.Default(), t.TempDir())
	m := stagingqueue.New(slog.Default(), sp, 10)

	res1, err := m.Enqueue(context.Background(), testReq("sig-1"))
	require.NoError(t, err)
	assert.False(t, res1.AlreadyStaged)

	res2, err := m.Enqueue(context.Background(), testReq("sig-2"))
	require.NoError(t, err)
	assert.NotEqual(t, res1.BatchID, res2.BatchID)
}

func TestEnqueue_DuplicateSignatureIsIdempotent(t *testing.T) {
	sp := spool.New(slog.Default(), t.TempDir())
	m := stagingqueue.New(slog.Default(), sp, 10)

	res1, err := m.Enqueue(context.Background(), testReq("dup"))
	require.NoError(t, err)

	res2, err := m.Enqueue(context.Background(), testReq("dup"))
	require.NoError(t, err)
	assert.True(t, res2.AlreadyStaged)
	assert.Equal(t, res1.BatchID, res2.BatchID)
}

func TestEnqueue_RejectsAtZeroCapacity(t *testing.T) {
	sp := spool.New(slog.Default(), t.TempDir())
	m := stagingqueue.New(slog.Default(), sp, 0)

	_, err := m.Enqueue(context.Background(), testReq("sig-over"))
	require.Error(t, err)

	var te *tserrors.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, tserrors.KindStagingQueueFull, te.Kind)
}

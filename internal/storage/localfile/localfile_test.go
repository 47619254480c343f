package localfile_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/storage"
	"github.com/malbeclabs/timestore/internal/storage/arrowcodec"
	"github.com/malbeclabs/timestore/internal/storage/localfile"
	"github.com/malbeclabs/timestore/internal/tslog"
)

func TestWritePartition_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	driver := localfile.New(tslog.Nop(), dir)

	schema := model.Schema{
		{Name: "ts", Type: model.FieldTimestamp},
		{Name: "value", Type: model.FieldDouble},
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	result, err := driver.WritePartition(context.Background(), storage.WriteRequest{
		Dataset:      model.Dataset{Slug: "metrics"},
		Schema:       schema,
		PartitionKey: map[string]string{"shard": "2026-07-31"},
		Rows: []storage.Row{
			{"ts": now, "value": 1.0},
			{"ts": now.Add(time.Minute), "value": 2.0},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "arrow-ipc", result.FileFormat)
	assert.Equal(t, int64(2), result.RowCount)
	assert.NotEmpty(t, result.Checksum)
	assert.FileExists(t, result.FilePath)

	raw, err := os.ReadFile(result.FilePath)
	require.NoError(t, err)
	_, rows, err := arrowcodec.Decode(raw)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestWritePartition_UnkeyedPartition(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	driver := localfile.New(tslog.Nop(), dir)

	schema := model.Schema{{Name: "v", Type: model.FieldInteger}}
	result, err := driver.WritePartition(context.Background(), storage.WriteRequest{
		Dataset: model.Dataset{Slug: "events"},
		Schema:  schema,
		Rows:    []storage.Row{{"v": int64(1)}},
	})
	require.NoError(t, err)
	assert.FileExists(t, result.FilePath)
}

package arrowcodec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/storage/arrowcodec"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	schema := model.Schema{
		{Name: "ts", Type: model.FieldTimestamp},
		{Name: "name", Type: model.FieldString},
		{Name: "value", Type: model.FieldDouble},
		{Name: "count", Type: model.FieldInteger},
		{Name: "active", Type: model.FieldBoolean},
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	rows := []arrowcodec.Row{
		{"ts": now, "name": "a", "value": 1.5, "count": int64(3), "active": true},
		{"ts": now.Add(time.Second), "name": "b", "value": 2.5, "count": int64(4), "active": false},
	}

	encoded, err := arrowcodec.Encode(schema, rows)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decodedSchema, decodedRows, err := arrowcodec.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, schema, decodedSchema)
	require.Len(t, decodedRows, 2)

	assert.True(t, now.Equal(decodedRows[0]["ts"].(time.Time)))
	assert.Equal(t, "a", decodedRows[0]["name"])
	assert.Equal(t, 1.5, decodedRows[0]["value"])
	assert.Equal(t, int64(3), decodedRows[0]["count"])
	assert.Equal(t, true, decodedRows[0]["active"])
}

func TestEncodeDecode_NullValues(t *testing.T) {
	t.Parallel()

	schema := model.Schema{
		{Name: "ts", Type: model.FieldTimestamp},
		{Name: "tag", Type: model.FieldString},
	}
	rows := []arrowcodec.Row{
		{"ts": time.Now().UTC()},
	}

	encoded, err := arrowcodec.Encode(schema, rows)
	require.NoError(t, err)

	_, decodedRows, err := arrowcodec.Decode(encoded)
	require.NoError(t, err)
	require.Len(t, decodedRows, 1)
	assert.Nil(t, decodedRows[0]["tag"])
}

func TestArrowSchema_RejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := arrowcodec.ArrowSchema(model.Schema{{Name: "x", Type: "json"}})
	assert.Error(t, err)
}

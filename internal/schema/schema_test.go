package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/timestore/internal/model"
	"github.com/malbeclabs/timestore/internal/schema"
)

func TestClassify_Identical(t *testing.T) {
	t.Parallel()

	base := model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}}
	next := model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}}

	result := schema.Classify(base, next, nil)
	assert.Equal(t, schema.Identical, result.Classification)
}

func TestClassify_Additive(t *testing.T) {
	t.Parallel()

	base := model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}}
	next := model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}, {Name: "tag", Type: model.FieldString}}

	result := schema.Classify(base, next, nil)
	require.Equal(t, schema.Additive, result.Classification)
	require.Len(t, result.Plan.AddedColumns, 1)
	assert.Equal(t, "tag", result.Plan.AddedColumns[0].Name)
}

func TestClassify_Additive_UsesDefaults(t *testing.T) {
	t.Parallel()

	base := model.Schema{{Name: "t", Type: model.FieldTimestamp}}
	next := model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "tag", Type: model.FieldString}}

	result := schema.Classify(base, next, map[string]any{"tag": "unknown"})
	require.Equal(t, schema.Additive, result.Classification)
	assert.Equal(t, "unknown", result.Plan.Defaults["tag"])
}

func TestClassify_Breaking_TypeChange(t *testing.T) {
	t.Parallel()

	base := model.Schema{{Name: "v", Type: model.FieldDouble}}
	next := model.Schema{{Name: "v", Type: model.FieldInteger}}

	result := schema.Classify(base, next, nil)
	require.Equal(t, schema.Breaking, result.Classification)
	assert.Contains(t, result.Reasons[0], "v")
}

func TestClassify_Breaking_Removal(t *testing.T) {
	t.Parallel()

	base := model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}}
	next := model.Schema{{Name: "t", Type: model.FieldTimestamp}}

	result := schema.Classify(base, next, nil)
	require.Equal(t, schema.Breaking, result.Classification)
}

func TestClassify_FirstIngestIntoEmptyBaseline(t *testing.T) {
	t.Parallel()

	next := model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}}

	result := schema.Classify(nil, next, nil)
	require.Equal(t, schema.Additive, result.Classification)
	assert.Len(t, result.Plan.AddedColumns, 2)
}

func TestChecksum_StableAndOrderSensitive(t *testing.T) {
	t.Parallel()

	a := model.Schema{{Name: "t", Type: model.FieldTimestamp}, {Name: "v", Type: model.FieldDouble}}
	b := model.Schema{{Name: "v", Type: model.FieldDouble}, {Name: "t", Type: model.FieldTimestamp}}

	assert.Equal(t, schema.Checksum(a), schema.Checksum(a))
	assert.NotEqual(t, schema.Checksum(a), schema.Checksum(b))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("rejects empty schema", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, schema.Validate(nil))
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, schema.Validate(model.Schema{{Name: "x", Type: "json"}}))
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, schema.Validate(model.Schema{
			{Name: "x", Type: model.FieldString},
			{Name: "x", Type: model.FieldInteger},
		}))
	})

	t.Run("accepts valid schema", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, schema.Validate(model.Schema{{Name: "x", Type: model.FieldString}}))
	})
}

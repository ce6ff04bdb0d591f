package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/hashutil"
)

func TestRenderDescription(t *testing.T) {
	fields := map[string]any{
		"make":   "opel",
		"year":   float64(2011),
		"colors": []any{"red", "blue"},
	}

	t.Run("explicit description wins", func(t *testing.T) {
		got := renderDescription(fields, SimpleItem{Description: "a small car"})
		assert.Equal(t, "a small car", got)
	})

	t.Run("projection keeps its order", func(t *testing.T) {
		got := renderDescription(fields, SimpleItem{DescriptionFromFields: []string{"year", "make"}})
		assert.Equal(t, "year is 2011\nmake is opel", got)
	})

	t.Run("projection skips missing fields", func(t *testing.T) {
		got := renderDescription(fields, SimpleItem{DescriptionFromFields: []string{"price", "make"}})
		assert.Equal(t, "make is opel", got)
	})

	t.Run("all fields in key order", func(t *testing.T) {
		got := renderDescription(fields, SimpleItem{})
		assert.Equal(t, "colors is red blue\nmake is opel\nyear is 2011", got)
	})

	t.Run("empty fields", func(t *testing.T) {
		assert.Equal(t, "", renderDescription(nil, SimpleItem{}))
	})
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "2011", stringify(float64(2011)))
	assert.Equal(t, "3.5", stringify(3.5))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, "opel", stringify("opel"))
	assert.Equal(t, "", stringify(nil))
}

func TestInferValueType(t *testing.T) {
	assert.Equal(t, ValueTypeBoolean, inferValueType(true))
	assert.Equal(t, ValueTypeNumber, inferValueType(float64(3)))
	assert.Equal(t, ValueTypeNumber, inferValueType(42))
	assert.Equal(t, ValueTypeString, inferValueType("opel"))
	assert.Equal(t, ValueTypeString, inferValueType([]any{"red"}))
	assert.Equal(t, ValueTypeString, inferValueType(nil))
}

func TestVectorColumn(t *testing.T) {
	for dim, want := range map[int]string{
		384:  "vectors_384",
		768:  "vectors_768",
		1536: "vectors_1536",
		3072: "vectors_3072",
	} {
		col, err := VectorColumn(dim)
		require.NoError(t, err)
		assert.Equal(t, want, col)
	}

	_, err := VectorColumn(512)
	require.Error(t, err)
	assert.Equal(t, apierror.KindDimension, apierror.KindOf(err))
}

func TestFormatAndParseVector(t *testing.T) {
	vec := []float32{0.5, -1.25, 3}
	literal := FormatVector(vec)
	assert.Equal(t, "[0.5,-1.25,3]", literal)

	parsed, err := parseVector(literal)
	require.NoError(t, err)
	assert.Equal(t, vec, parsed)

	_, err = parseVector("[0.1,oops]")
	assert.Error(t, err)
}

func TestBuildItemWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("new item marks embeddings dirty", func(t *testing.T) {
		row, err := buildItemWrite(ctx, nil, SimpleItem{
			ID:     "car-1",
			Fields: map[string]any{"make": "opel", "year": float64(2011)},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "make is opel\nyear is 2011", row.description)
		assert.True(t, row.embeddingsDirty)
		assert.JSONEq(t, `{}`, string(row.scoresJSON))
	})

	t.Run("merge keeps absent fields", func(t *testing.T) {
		prev := &itemState{
			fields: map[string]any{"make": "opel"},
			scores: map[string]float64{"popularity": 5},
		}
		row, err := buildItemWrite(ctx, prev, SimpleItem{
			ID:     "car-1",
			Fields: map[string]any{"year": float64(2011)},
		}, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"make": "opel", "year": 2011}`, string(row.fieldsJSON))
		assert.Equal(t, "make is opel\nyear is 2011", row.description)
		assert.JSONEq(t, `{"popularity": 5}`, string(row.scoresJSON))
	})

	t.Run("unchanged description keeps embeddings", func(t *testing.T) {
		prev := &itemState{
			fields: map[string]any{"make": "opel"},
			hash:   hashutil.FieldsHash("make is opel"),
		}
		row, err := buildItemWrite(ctx, prev, SimpleItem{ID: "car-1"}, nil)
		require.NoError(t, err)
		assert.False(t, row.embeddingsDirty)
	})

	t.Run("provided scores replace stored ones", func(t *testing.T) {
		prev := &itemState{scores: map[string]float64{"popularity": 5}}
		row, err := buildItemWrite(ctx, prev, SimpleItem{
			ID:     "car-1",
			Scores: map[string]float64{"freshness": 1},
		}, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"freshness": 1}`, string(row.scoresJSON))
	})

	t.Run("preprocess rewrites the description", func(t *testing.T) {
		var gotModel, gotPrompt string
		pre := func(_ context.Context, model, prompt, description string) (string, error) {
			gotModel, gotPrompt = model, prompt
			return "a clean opel listing", nil
		}
		row, err := buildItemWrite(ctx, nil, SimpleItem{
			ID:          "car-1",
			Description: "  opel!!! BEST PRICE  ",
			DescriptionPreprocess: &DescriptionPreprocess{
				Model:  "openai:gpt-4o-mini",
				Prompt: "Strip marketing noise",
			},
		}, pre)
		require.NoError(t, err)
		assert.Equal(t, "openai:gpt-4o-mini", gotModel)
		assert.Equal(t, "Strip marketing noise", gotPrompt)
		assert.Equal(t, "a clean opel listing", row.description)
		assert.Equal(t, hashutil.FieldsHash("a clean opel listing"), row.hash)
		assert.True(t, row.embeddingsDirty)
	})
}

func TestDedupeSimpleItems(t *testing.T) {
	items := dedupeSimpleItems([]SimpleItem{
		{ID: "a", Description: "first"},
		{ID: "b"},
		{ID: "a", Description: "second"},
	})
	require.Len(t, items, 2)
	assert.Equal(t, "second", items[0].Description)
	assert.Equal(t, "b", items[1].ID)
}

func TestCollectionEmbeddingsModel(t *testing.T) {
	c := Collection{DefaultEmbeddingsModel: "text-embedding-3-small"}
	assert.Equal(t, "text-embedding-3-small", c.EmbeddingsModel())

	c.Config.EmbeddingsModel = "intfloat/multilingual-e5-base"
	assert.Equal(t, "intfloat/multilingual-e5-base", c.EmbeddingsModel())
}

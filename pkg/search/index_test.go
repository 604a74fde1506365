package search

import (
	"context"
	"testing"

	"github.com/clustervision/imgcluster/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(path string, vec ...float32) model.EmbeddingRecord {
	return model.EmbeddingRecord{Path: path, Vector: vec}
}

func TestExactIndexBasic(t *testing.T) {
	idx := NewExactIndex(4)

	require.NoError(t, idx.Add(rec("doc1", 1, 0, 0, 0)))
	require.NoError(t, idx.Add(rec("doc2", 0.9, 0.1, 0, 0)))
	require.NoError(t, idx.Add(rec("doc3", 0, 1, 0, 0)))

	assert.Equal(t, 3, idx.Count())

	results, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2) // doc3 is orthogonal, below threshold
	assert.Equal(t, "doc1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.01)
	assert.Equal(t, "doc2", results[1].ID)
}

func TestExactIndexDimensionMismatch(t *testing.T) {
	idx := NewExactIndex(4)
	assert.ErrorIs(t, idx.Add(rec("doc1", 1, 2, 3)), ErrDimensionMismatch)
	assert.NoError(t, idx.Add(rec("doc1", 1, 2, 3, 4)))
}

func TestExactIndexRemove(t *testing.T) {
	idx := NewExactIndex(2)
	require.NoError(t, idx.Add(rec("doc1", 1, 0)))
	idx.Remove("doc1")
	assert.Equal(t, 0, idx.Count())
	assert.False(t, idx.HasVector("doc1"))
}

func TestExactIndexFoldsNearDuplicates(t *testing.T) {
	idx := NewExactIndex(3)
	require.NoError(t, idx.Add(rec("original.jpg", 1, 0, 0)))
	require.NoError(t, idx.Add(rec("reencode.jpg", 0.9999, 0.001, 0)))
	require.NoError(t, idx.Add(rec("different.jpg", 0, 1, 0)))

	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, 10, 0)
	require.NoError(t, err)

	require.Len(t, results, 2, "original.jpg and reencode.jpg should fold into one hit")
	assert.Equal(t, "original.jpg", results[0].ID)
	assert.Equal(t, 1, results[0].DuplicateCount)
	assert.Equal(t, "different.jpg", results[1].ID)
	assert.Equal(t, 0, results[1].DuplicateCount)
}

func TestNewSimilarityIndexSelectsByThreshold(t *testing.T) {
	exact := NewSimilarityIndex(4, 100, DefaultApproximateThreshold)
	_, isExact := exact.(*ExactIndex)
	assert.True(t, isExact)

	approx := NewSimilarityIndex(4, DefaultApproximateThreshold+1, DefaultApproximateThreshold)
	_, isApprox := approx.(*ApproximateIndex)
	assert.True(t, isApprox)
}

func TestApproximateIndexBasic(t *testing.T) {
	idx := NewApproximateIndex(4, DefaultHNSWConfig())
	require.NoError(t, idx.Add(rec("doc1", 1, 0, 0, 0)))
	require.NoError(t, idx.Add(rec("doc2", 0, 1, 0, 0)))

	results, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc1", results[0].ID)
}

func TestApproximateIndexRemove(t *testing.T) {
	idx := NewApproximateIndex(2, DefaultHNSWConfig())
	require.NoError(t, idx.Add(rec("doc1", 1, 0)))
	idx.Remove("doc1")
	assert.Equal(t, 0, idx.Count())
}

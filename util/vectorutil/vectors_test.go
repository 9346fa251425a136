package vectorutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgMax(t *testing.T) {
	idx, value, err := ArgMax([]float32{0.1, 3, -2, 3})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, float32(3), value)

	_, _, err = ArgMax([]int64{})
	assert.Error(t, err)
}

func TestSoftMax(t *testing.T) {
	scores := SoftMax([]float32{1, 1, 1, 1}, 1)
	for _, s := range scores {
		assert.InDelta(t, 0.25, s, 1e-6)
	}
	sharp := SoftMax([]float32{1, 2}, 0.1)
	assert.Greater(t, sharp[1], float32(0.99))
}

func TestTopIndices(t *testing.T) {
	scores := []float32{0.1, 0.5, 0.3, 0.1}
	assert.Equal(t, []int{1, 2}, TopIndices(scores, 2, 0))
	assert.Equal(t, []int{1, 2}, TopIndices(scores, 0, 0.7))
	assert.Equal(t, []int{1}, TopIndices(scores, 1, 0.9))
	assert.Len(t, TopIndices(scores, 0, 0), 4)
}

func TestTopIndicesNucleusWithinTopK(t *testing.T) {
	scores := []float32{0.4, 0.3, 0.2, 0.1}
	// 0.4 of the 0.7 kept by top-k is already past 55 percent
	assert.Equal(t, []int{0}, TopIndices(scores, 2, 0.55))
	assert.Equal(t, []int{0, 1}, TopIndices(scores, 2, 0.6))
	assert.Equal(t, []int{0, 1}, TopIndices(scores, 0, 0.55))
}

package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	got, err := Normalize(v)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got[0], 1e-6)
	assert.InDelta(t, 0.8, got[1], 1e-6)
	assert.Equal(t, []float32{3, 4}, v, "input untouched")

	_, err = Normalize([]float32{0, 0})
	assert.ErrorIs(t, err, ErrZeroVector)
}

func TestMean_IsUnitLength(t *testing.T) {
	a, _ := Normalize([]float32{1, 0, 0})
	b, _ := Normalize([]float32{0, 1, 0})
	m, err := Mean([][]float32{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, L2Norm(m), 0.01)
	assert.InDelta(t, math.Sqrt2/2, m[0], 1e-6)
	assert.InDelta(t, math.Sqrt2/2, m[1], 1e-6)

	_, err = Mean([][]float32{{1, 0}, {1, 0, 0}})
	assert.Error(t, err)
	_, err = Mean(nil)
	assert.ErrorIs(t, err, ErrZeroVector)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1.0, Clamp(1.0000001))
	assert.Equal(t, -1.0, Clamp(-1.2))
	assert.Equal(t, 0.5, Clamp(0.5))
	assert.Equal(t, 0.0, Clamp(math.NaN()))
}

func TestVectorText(t *testing.T) {
	v := []float32{0.25, -1, 3.5e-5}
	s := encodeVector(v)
	assert.Equal(t, "[0.25,-1,3.5e-05]", s)

	back, err := decodeVector(s)
	require.NoError(t, err)
	assert.Equal(t, v, back)

	back, err = decodeVector("[]")
	require.NoError(t, err)
	assert.Empty(t, back)

	_, err = decodeVector("0.1,0.2")
	assert.Error(t, err)
	_, err = decodeVector("[0.1,abc]")
	assert.Error(t, err)
}

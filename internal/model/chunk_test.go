package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbedding_Equal(t *testing.T) {
	a := Embedding{Dimension: 3, Values: []float32{1, 2, 3}}
	b := Embedding{Dimension: 3, Values: []float32{1, 2, 3}}
	c := Embedding{Dimension: 3, Values: []float32{1, 2, 4}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestEmbedding_Equal_DimensionMismatch(t *testing.T) {
	a := Embedding{Dimension: 3, Values: []float32{1, 2, 3}}
	b := Embedding{Dimension: 2, Values: []float32{1, 2}}
	assert.False(t, a.Equal(b))
}

func TestChunkQuality_Aggregate_WeightedMean(t *testing.T) {
	q := ChunkQuality{
		Completeness:       1.0,
		InformationDensity: 0.5,
		Coherence:          0.0,
	}
	weights := map[string]float64{
		"completeness":        0.5,
		"information_density": 0.5,
	}

	got := q.Aggregate(weights)
	assert.InDelta(t, 0.75, got, 0.0001)
}

func TestChunkQuality_Aggregate_NoWeightsReturnsZero(t *testing.T) {
	q := ChunkQuality{Completeness: 1.0}
	assert.Equal(t, 0.0, q.Aggregate(nil))
}

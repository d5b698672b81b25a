package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeEmbeddingService_Deterministic(t *testing.T) {
	svc := NewFakeEmbeddingService(16)
	ctx := context.Background()

	a, err := svc.Embed(ctx, "hello world")
	require.NoError(t, err)
	b, err := svc.Embed(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFakeEmbeddingService_DistinctInputsDiffer(t *testing.T) {
	svc := NewFakeEmbeddingService(16)
	ctx := context.Background()

	a, _ := svc.Embed(ctx, "hello world")
	b, _ := svc.Embed(ctx, "goodbye world")
	assert.NotEqual(t, a, b)
}

func TestFakeTextCompletionService_MatchesBySubstring(t *testing.T) {
	svc := NewFakeTextCompletionService()
	svc.Responses["extract keywords"] = `{"keywords":["a","b"]}`

	out, err := svc.CompleteJSON(context.Background(), "please extract keywords from this text")
	require.NoError(t, err)
	assert.Equal(t, `{"keywords":["a","b"]}`, out)
}

func TestFixedClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFixedClock(start)
	assert.Equal(t, start, clock.Now())

	clock.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), clock.Now())
}

func TestInMemoryCacheBackend_TTLExpiry(t *testing.T) {
	clock := NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	backend := NewInMemoryCacheBackend(clock)
	ctx := context.Background()

	require.NoError(t, backend.Set(ctx, "k", []byte("v"), time.Minute))

	val, ok, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	clock.Advance(2 * time.Minute)
	_, ok, err = backend.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeededRandom_Reproducible(t *testing.T) {
	a := NewSeededRandom(42)
	b := NewSeededRandom(42)
	assert.Equal(t, a.Float64(), b.Float64())
	assert.Equal(t, a.Intn(100), b.Intn(100))
}

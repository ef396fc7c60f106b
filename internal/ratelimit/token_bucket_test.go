package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucket_Allow(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 0.001)

	allowed, _, err := bucket.Allow(ctx, "gemini")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "gemini")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "gemini")
	require.NoError(t, err)
	assert.False(t, allowed, "capacity exhausted")

	allowed, _, err = bucket.Allow(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, allowed, "buckets are per key")
}

func TestTokenBucket_Wait(t *testing.T) {
	bucket := newBucket(t, 1, 0.001)

	require.NoError(t, bucket.Wait(context.Background(), "gemini"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bucket.Wait(ctx, "gemini"), context.DeadlineExceeded)
}

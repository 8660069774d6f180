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

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, capacity, refill, time.Minute)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		d, err := bucket.AllowUser(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "token %d", i+1)
		assert.Zero(t, d.RetryAfter)
	}
	d, err := bucket.AllowUser(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "third token should be rejected")
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = bucket.AllowUser(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "buckets are per user")

	d, err = bucket.AllowUser(ctx, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1.0, d.Remaining, 1e-9)
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	d, err := bucket.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "k")
	require.False(t, d.Allowed)

	*clock = clock.Add(250 * time.Millisecond)
	d, err = bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 1e-9)
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)

	*clock = clock.Add(250 * time.Millisecond)
	d, _ = bucket.Allow(ctx, "k")
	assert.True(t, d.Allowed)
}

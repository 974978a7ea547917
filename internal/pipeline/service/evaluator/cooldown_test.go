package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemCooldown(t *testing.T) {
	ctx := context.Background()
	c := NewMemCooldown()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := CooldownKey("r1", "reviewer")
	assert.Equal(t, "r1|reviewer", key)

	ok, err := c.TryAcquire(ctx, key, t0, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = c.TryAcquire(ctx, key, t0.Add(299*time.Second), 5*time.Minute)
	assert.False(t, ok)

	// A suppressed attempt does not extend the window.
	ok, _ = c.TryAcquire(ctx, key, t0.Add(300*time.Second), 5*time.Minute)
	assert.True(t, ok)

	assert.Equal(t, 0, c.Sweep(t0.Add(301*time.Second)))
	assert.Equal(t, 1, c.Sweep(t0.Add(time.Hour)))
	assert.Equal(t, 0, c.Len())
}

func TestMemCooldownHonoursCancelledContext(t *testing.T) {
	c := NewMemCooldown()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := c.TryAcquire(ctx, CooldownKey("r1", "reviewer"), time.Now(), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestRedisCooldown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	c := NewRedisCooldown(rdb, "")
	key := CooldownKey("test-"+uuid.NewString(), "reviewer")
	defer rdb.Del(ctx, c.prefix+key)
	t0 := time.Now()

	ok, err := c.TryAcquire(ctx, key, t0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryAcquire(ctx, key, t0.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.TryAcquire(ctx, key, t0.Add(61*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

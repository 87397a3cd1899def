package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCaches returns both implementations so the contract suite runs
// against each. The redis instance is miniredis-backed.
func newTestCaches(t *testing.T) map[string]Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Cache{
		"memory": NewMemoryCache(),
		"redis":  NewRedisCacheFromClient(client),
	}
}

func TestCache_Contract(t *testing.T) {
	ctx := context.Background()

	for name, c := range newTestCaches(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get after set returns value", func(t *testing.T) {
				require.NoError(t, c.Set(ctx, "k1", []byte("v1"), 0))
				val, err := c.Get(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v1"), val)
			})

			t.Run("missing key returns ErrMiss", func(t *testing.T) {
				_, err := c.Get(ctx, "absent")
				assert.ErrorIs(t, err, ErrMiss)
			})

			t.Run("delete removes key", func(t *testing.T) {
				require.NoError(t, c.Set(ctx, "k2", []byte("v"), 0))
				require.NoError(t, c.Delete(ctx, "k2"))
				_, err := c.Get(ctx, "k2")
				assert.ErrorIs(t, err, ErrMiss)
			})

			t.Run("delete of absent key is not an error", func(t *testing.T) {
				assert.NoError(t, c.Delete(ctx, "never-existed"))
			})

			t.Run("incr counts atomically from one", func(t *testing.T) {
				for want := int64(1); want <= 3; want++ {
					got, err := c.Incr(ctx, "counter:a", time.Minute)
					require.NoError(t, err)
					assert.Equal(t, want, got)
				}
			})

			t.Run("clear pattern removes matching keys only", func(t *testing.T) {
				require.NoError(t, c.Set(ctx, "test:p1:a", []byte("1"), 0))
				require.NoError(t, c.Set(ctx, "test:p1:b", []byte("2"), 0))
				require.NoError(t, c.Set(ctx, "other:c", []byte("3"), 0))

				require.NoError(t, c.ClearPattern(ctx, "test:p1:*"))

				_, err := c.Get(ctx, "test:p1:a")
				assert.ErrorIs(t, err, ErrMiss)
				_, err = c.Get(ctx, "other:c")
				assert.NoError(t, err)
			})
		})
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	current := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return current })

	require.NoError(t, c.Set(ctx, "ephemeral", []byte("v"), 30*time.Second))

	_, err := c.Get(ctx, "ephemeral")
	require.NoError(t, err)

	current = current.Add(31 * time.Second)
	_, err = c.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCache_IncrTTLAnchoredToFirstIncrement(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	current := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return current })

	_, err := c.Incr(ctx, "bucket", 2*time.Minute)
	require.NoError(t, err)

	// A later increment must not push the expiry out.
	current = current.Add(time.Minute)
	n, err := c.Incr(ctx, "bucket", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	current = current.Add(70 * time.Second)
	n, err = c.Incr(ctx, "bucket", 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "bucket should have rolled over")
}

func TestRedisCache_TTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCacheFromClient(client)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	type sample struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, SetJSON(ctx, c, "s", sample{Name: "acme", Count: 2}, 0))

	var got sample
	require.NoError(t, GetJSON(ctx, c, "s", &got))
	assert.Equal(t, sample{Name: "acme", Count: 2}, got)

	assert.ErrorIs(t, GetJSON(ctx, c, "missing", &got), ErrMiss)
}

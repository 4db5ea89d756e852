package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetThenGetRoundTrips(t *testing.T) {
	c := NewMemoryCache(DefaultOptions())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "users/1", []byte(`{"n":1}`), time.Minute))

	got, err := c.Get(ctx, "users/1")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(got))
}

func TestMemoryCache_GetMissReturnsErrCacheMiss(t *testing.T) {
	c := NewMemoryCache(DefaultOptions())
	defer c.Close()

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_ExpiredEntryIsTreatedAsMiss(t *testing.T) {
	c := NewMemoryCache(DefaultOptions())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_DeleteRemovesEntry(t *testing.T) {
	c := NewMemoryCache(DefaultOptions())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_ClearRemovesEverything(t *testing.T) {
	c := NewMemoryCache(DefaultOptions())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Clear(ctx))

	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_SetAfterCloseErrors(t *testing.T) {
	c := NewMemoryCache(DefaultOptions())
	require.NoError(t, c.Close())

	err := c.Set(context.Background(), "k", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, ErrCacheClosed)
}

func TestMemoryCache_MaxItemsEvictsOldest(t *testing.T) {
	opts := Options{MaxItems: 2}
	c := NewMemoryCache(opts)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))

	c.mu.RLock()
	count := len(c.items)
	c.mu.RUnlock()
	assert.LessOrEqual(t, count, 2)
}

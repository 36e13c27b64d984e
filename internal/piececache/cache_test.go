package piececache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loaderOf(data string, calls *int) Loader {
	return func() ([]byte, error) {
		*calls++
		return []byte(data), nil
	}
}

func TestGetLoadsOnceAndCaches(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	var calls int
	val, err := c.Get("foo", loaderOf("bar", &calls))
	require.NoError(t, err)
	assert.Equal(t, "bar", string(val))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(3), c.Size())

	val, err = c.Get("foo", loaderOf("bar", &calls))
	require.NoError(t, err)
	assert.Equal(t, "bar", string(val))
	assert.Equal(t, 1, calls, "second get must hit the cache")
}

func TestFailedLoadIsNotCached(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	errLoad := errors.New("load error")
	_, err := c.Get("bad", func() ([]byte, error) { return nil, errLoad })
	assert.Equal(t, errLoad, err)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
}

func TestLRUEvictionMakesRoom(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	var calls int
	_, err := c.Get("small", loaderOf("abc", &calls))
	require.NoError(t, err)

	// 8 more bytes exceed the 10-byte budget: "small" is evicted
	_, err = c.Get("big", loaderOf("12345678", &calls))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(8), c.Size())
	assert.Equal(t, "big", c.lru[0].key)
}

func TestOversizedValueBypassesCache(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	var calls int
	val, err := c.Get("huge", loaderOf("12345678901", &calls))
	require.NoError(t, err)
	assert.Equal(t, "12345678901", string(val))
	assert.Equal(t, 0, c.Len(), "value larger than the budget is returned but not kept")
}

func TestAccessRefreshesLRUOrder(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	var calls int
	_, err := c.Get("first", loaderOf("aaaa", &calls))
	require.NoError(t, err)
	_, err = c.Get("second", loaderOf("bbbb", &calls))
	require.NoError(t, err)
	require.Equal(t, "first", c.lru[0].key)

	// touching "first" makes "second" the eviction candidate
	_, err = c.Get("first", loaderOf("aaaa", &calls))
	require.NoError(t, err)
	assert.Equal(t, "second", c.lru[0].key)
}

func TestTTLExpiresIdleEntries(t *testing.T) {
	const ttl = 50 * time.Millisecond
	c := New(10, ttl)
	defer c.Close()

	var calls int
	_, err := c.Get("foo", loaderOf("bar", &calls))
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)

	_, err = c.Get("foo", loaderOf("bar", &calls))
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "expired entry must be reloaded")
}

func TestInvalidate(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	var calls int
	_, err := c.Get("foo", loaderOf("bar", &calls))
	require.NoError(t, err)
	_, err = c.Get("foo", loaderOf("bar", &calls))
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	c.Invalidate("foo")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())

	_, err = c.Get("foo", loaderOf("bar", &calls))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// unknown key is a no-op
	c.Invalidate("missing")
}

func TestClear(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	var calls int
	_, err := c.Get("foo", loaderOf("bar", &calls))
	require.NoError(t, err)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
}

package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapCache_GetOrCreate(t *testing.T) {
	type key struct{ a, b int }
	c := NewMapCache[key, string]()

	_, ok := c.Get(key{1, 2})
	assert.False(t, ok)
	assert.Zero(t, c.Size())

	calls := 0
	create := func() (string, error) {
		calls++
		return "built", nil
	}

	v, hit, err := c.GetOrCreate(key{1, 2}, create)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "built", v)

	v, hit, err = c.GetOrCreate(key{1, 2}, create)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "built", v)
	assert.Equal(t, 1, calls)

	v, ok = c.Get(key{1, 2})
	require.True(t, ok)
	assert.Equal(t, "built", v)

	t.Run("ErrorNotStored", func(t *testing.T) {
		boom := errors.New("boom")
		_, _, err := c.GetOrCreate(key{3, 4}, func() (string, error) { return "", boom })
		require.ErrorIs(t, err, boom)
		_, ok := c.Get(key{3, 4})
		assert.False(t, ok)
		assert.Equal(t, 1, c.Size())
	})
}

func TestMapCache_GetOrCreateConcurrent(t *testing.T) {
	c := NewMapCache[int, int]()
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCreate(7, func() (int, error) {
				calls.Add(1)
				return 49, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 49, v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.Size())
}

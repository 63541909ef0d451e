// Package kvtest holds the behaviour every kv.Store implementation must
// share. Expiry is covered by the implementations' own tests.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devdispatch/internal/kv"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a store for a single subtest
type Factory func(t *testing.T) kv.Store

// Run executes the shared key-value test suite
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, kv.Store, string)
	}{
		{"SetNX", testSetNX},
		{"CompareAndSwap", testCompareAndSwap},
		{"CompareAndDelete", testCompareAndDelete},
		{"ConcurrentSetNX", testConcurrentSetNX},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			key := fmt.Sprintf("kvtest:%s", uuid.New().String())
			tc.fn(t, s, key)
		})
	}
}

func testSetNX(t *testing.T, s kv.Store, key string) {
	ctx := context.Background()

	_, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := s.SetNX(ctx, key, "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, key, "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	value, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "first", value)
}

func testCompareAndSwap(t *testing.T, s kv.Store, key string) {
	ctx := context.Background()

	ok, err := s.CompareAndSwap(ctx, key, "token", "id", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "missing key must not be swapped")

	_, err = s.SetNX(ctx, key, "token", time.Minute)
	require.NoError(t, err)

	ok, err = s.CompareAndSwap(ctx, key, "other", "id", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSwap(ctx, key, "token", "id", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	value, _, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "id", value)
}

func testCompareAndDelete(t *testing.T, s kv.Store, key string) {
	ctx := context.Background()

	_, err := s.SetNX(ctx, key, "token", time.Minute)
	require.NoError(t, err)

	ok, err := s.CompareAndDelete(ctx, key, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, key, "token")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = s.CompareAndDelete(ctx, key, "token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentSetNX(t *testing.T, s kv.Store, key string) {
	ctx := context.Background()

	const workers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.SetNX(ctx, key, fmt.Sprintf("token-%d", i), time.Minute)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

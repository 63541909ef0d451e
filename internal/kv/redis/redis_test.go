package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"devdispatch/internal/kv"
	"devdispatch/internal/kv/kvtest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("DEVDISPATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEVDISPATCH_TEST_REDIS_ADDR not set")
	}
	s, err := New(Config{Addr: addr, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return newTestStore(t)
	})
}

func TestCompareAndSwapSetsExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "kvtest:" + uuid.New().String()

	_, err := s.SetNX(ctx, key, "token", 30*time.Second)
	require.NoError(t, err)

	ok, err := s.CompareAndSwap(ctx, key, "token", "cmd-1", 24*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ttl, err := s.client.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Hour)

	_, err = s.client.Del(ctx, key).Result()
	require.NoError(t, err)
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

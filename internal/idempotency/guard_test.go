package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"devdispatch/internal/clock"
	"devdispatch/internal/kv"
	kvmemory "devdispatch/internal/kv/memory"
	"devdispatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newGuard(t *testing.T) (*Guard, *clock.FakeClock) {
	c := clock.Fake(epoch)
	return New(kvmemory.New(c), Config{}, zaptest.NewLogger(t)), c
}

func TestKey(t *testing.T) {
	g := New(kvmemory.New(nil), Config{KeyPrefix: "idem"}, zaptest.NewLogger(t))
	assert.Equal(t, "idem:d1:k1", g.Key("d1", "k1"))

	g = New(kvmemory.New(nil), Config{}, zaptest.NewLogger(t))
	assert.Equal(t, "idempotency:d1:k1", g.Key("d1", "k1"))
}

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t)

	claim, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	require.Equal(t, Claimed, claim.State)
	assert.True(t, isToken(claim.Token))

	again, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	assert.Equal(t, InProgress, again.State)

	// keys are scoped per device
	other, err := g.TryClaim(ctx, "d2", "k1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, other.State)

	ok, err := g.Resolve(ctx, "d1", "k1", claim.Token, "cmd-1")
	require.NoError(t, err)
	require.True(t, ok)

	resolved, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	assert.Equal(t, Resolved, resolved.State)
	assert.Equal(t, "cmd-1", resolved.CommandID)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t)

	claim, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)

	ok, err := g.Release(ctx, "d1", "k1", "inprog:someone-else")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.Release(ctx, "d1", "k1", claim.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	next, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, next.State)
}

func TestLockWindowExpiry(t *testing.T) {
	ctx := context.Background()
	g, c := newGuard(t)

	stale, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)

	// the first creator stalls past the lock window
	c.Advance(DefaultLockTTL)

	fresh, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	require.Equal(t, Claimed, fresh.State)

	ok, err := g.Resolve(ctx, "d1", "k1", fresh.Token, "cmd-2")
	require.NoError(t, err)
	require.True(t, ok)

	// the stale creator must not clobber or delete the newer result
	ok, err = g.Resolve(ctx, "d1", "k1", stale.Token, "cmd-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.Release(ctx, "d1", "k1", stale.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	claim, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	assert.Equal(t, Resolved, claim.State)
	assert.Equal(t, "cmd-2", claim.CommandID)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	g, c := newGuard(t)

	claim, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	_, err = g.Resolve(ctx, "d1", "k1", claim.Token, "cmd-1")
	require.NoError(t, err)

	c.Advance(DefaultRetention - time.Second)
	got, err := g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	assert.Equal(t, Resolved, got.State)

	c.Advance(time.Second)
	got, err = g.TryClaim(ctx, "d1", "k1")
	require.NoError(t, err)
	assert.Equal(t, Claimed, got.State)
}

func TestConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(t)

	const workers = 20
	states := make(chan State, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := g.TryClaim(ctx, "d1", "k1")
			assert.NoError(t, err)
			states <- claim.State
		}()
	}
	wg.Wait()
	close(states)

	counts := map[State]int{}
	for s := range states {
		counts[s]++
	}
	assert.Equal(t, 1, counts[Claimed])
	assert.Equal(t, workers-1, counts[InProgress])
}

type failingKV struct {
	kv.Store
}

func (failingKV) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestStoreFailure(t *testing.T) {
	g := New(failingKV{}, Config{}, zaptest.NewLogger(t))
	_, err := g.TryClaim(context.Background(), "d1", "k1")
	assert.ErrorIs(t, err, types.ErrStore)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "claimed", Claimed.String())
	assert.Equal(t, "resolved", Resolved.String())
	assert.Equal(t, "in_progress", InProgress.String())
	assert.Equal(t, "unknown", State(0).String())
}

// Package storetest holds the behaviour every store.Store implementation
// must share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devdispatch/internal/store"
	"devdispatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for a single subtest
type Factory func(t *testing.T) store.Store

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the shared store test suite
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"InsertAndFind", testInsertAndFind},
		{"FindMissing", testFindMissing},
		{"OldestEligibleFIFO", testOldestEligibleFIFO},
		{"OldestEligibleSkipsExpiredAndOtherDevices", testOldestEligibleFilters},
		{"CompareAndSetStatus", testCompareAndSet},
		{"ConcurrentCompareAndSet", testConcurrentCompareAndSet},
		{"BulkExpireByTTL", testBulkExpire},
		{"BulkReleaseExpiredLeases", testBulkRelease},
		{"WithTxRollback", testWithTxRollback},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func newCommand(deviceID string, createdAt time.Time, ttl int) *types.Command {
	cmd := &types.Command{
		DeviceID:  deviceID,
		Type:      types.CommandTypePing,
		Params:    json.RawMessage(`{"hello":"world"}`),
		Status:    types.CommandStatusPending,
		CreatedAt: createdAt,
	}
	if ttl > 0 {
		expiresAt := createdAt.Add(time.Duration(ttl) * time.Second)
		cmd.TTLSeconds = &ttl
		cmd.ExpiresAt = &expiresAt
	}
	return cmd
}

func insert(t *testing.T, s store.Store, cmd *types.Command) string {
	t.Helper()
	id, err := s.Insert(context.Background(), cmd)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func lease(t *testing.T, s store.Store, id string, at time.Time, d time.Duration) {
	t.Helper()
	expires := at.Add(d)
	ok, err := s.CompareAndSetStatus(context.Background(), id, types.CommandStatusPending, types.CommandStatusLeased,
		store.Fields{LeasedAt: &at, LeaseExpiresAt: &expires})
	require.NoError(t, err)
	require.True(t, ok)
}

func testInsertAndFind(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := insert(t, s, newCommand("d1", epoch, 30))

	got, err := s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "d1", got.DeviceID)
	assert.Equal(t, types.CommandTypePing, got.Type)
	assert.Equal(t, types.CommandStatusPending, got.Status)
	assert.JSONEq(t, `{"hello":"world"}`, string(got.Params))
	assert.True(t, epoch.Equal(got.CreatedAt))
	require.NotNil(t, got.TTLSeconds)
	assert.Equal(t, 30, *got.TTLSeconds)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, epoch.Add(30*time.Second).Equal(*got.ExpiresAt))
	assert.Nil(t, got.LeasedAt)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Nil(t, got.CompletedAt)
}

func testFindMissing(t *testing.T, s store.Store) {
	_, err := s.FindByID(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err := s.FindOldestEligible(context.Background(), "nobody", epoch)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testOldestEligibleFIFO(t *testing.T, s store.Store) {
	ctx := context.Background()
	second := insert(t, s, newCommand("d1", epoch.Add(time.Second), 0))
	first := insert(t, s, newCommand("d1", epoch, 0))
	// same created_at as first, inserted later
	tie := insert(t, s, newCommand("d1", epoch, 0))

	got, err := s.FindOldestEligible(ctx, "d1", epoch.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, got.ID)

	lease(t, s, first, epoch.Add(time.Minute), time.Minute)
	got, err = s.FindOldestEligible(ctx, "d1", epoch.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tie, got.ID)

	lease(t, s, tie, epoch.Add(time.Minute), time.Minute)
	got, err = s.FindOldestEligible(ctx, "d1", epoch.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, got.ID)
}

func testOldestEligibleFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	insert(t, s, newCommand("d1", epoch, 1))
	insert(t, s, newCommand("d2", epoch, 0))
	live := insert(t, s, newCommand("d1", epoch.Add(time.Second), 0))

	// the TTL boundary is inclusive: expires_at == now is not eligible
	got, err := s.FindOldestEligible(ctx, "d1", epoch.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, live, got.ID)
}

func testCompareAndSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := insert(t, s, newCommand("d1", epoch, 0))

	ok, err := s.CompareAndSetStatus(ctx, id, types.CommandStatusLeased, types.CommandStatusSucceeded, store.Fields{})
	require.NoError(t, err)
	assert.False(t, ok, "status mismatch must not update")

	lease(t, s, id, epoch, time.Minute)
	got, err := s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusLeased, got.Status)
	require.NotNil(t, got.LeasedAt)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.After(*got.LeasedAt))

	done := epoch.Add(10 * time.Second)
	ok, err = s.CompareAndSetStatus(ctx, id, types.CommandStatusLeased, types.CommandStatusSucceeded, store.Fields{
		ClearLease:  true,
		CompletedAt: &done,
		Output:      json.RawMessage(`{"durationMs":12}`),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusSucceeded, got.Status)
	assert.Nil(t, got.LeasedAt)
	assert.Nil(t, got.LeaseExpiresAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
	assert.JSONEq(t, `{"durationMs":12}`, string(got.Output))

	ok, err = s.CompareAndSetStatus(ctx, "missing", types.CommandStatusPending, types.CommandStatusLeased, store.Fields{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConcurrentCompareAndSet(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := insert(t, s, newCommand("d1", epoch, 0))

	const workers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			expires := epoch.Add(time.Minute)
			ok, err := s.CompareAndSetStatus(ctx, id, types.CommandStatusPending, types.CommandStatusLeased,
				store.Fields{LeasedAt: &epoch, LeaseExpiresAt: &expires})
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func testBulkExpire(t *testing.T, s store.Store) {
	ctx := context.Background()
	pending := insert(t, s, newCommand("d1", epoch, 5))
	leased := insert(t, s, newCommand("d1", epoch, 5))
	lease(t, s, leased, epoch, time.Minute)
	noTTL := insert(t, s, newCommand("d1", epoch, 0))
	later := insert(t, s, newCommand("d1", epoch, 60))

	n, err := s.BulkExpireByTTL(ctx, epoch.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for id, want := range map[string]types.CommandStatus{
		pending: types.CommandStatusExpired,
		leased:  types.CommandStatusExpired,
		noTTL:   types.CommandStatusPending,
		later:   types.CommandStatusPending,
	} {
		got, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
		if want == types.CommandStatusExpired {
			assert.Nil(t, got.LeasedAt)
			assert.Nil(t, got.LeaseExpiresAt)
		}
	}

	n, err = s.BulkExpireByTTL(ctx, epoch.Add(5*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "expired rows are not touched again")
}

func testBulkRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	lapsed := insert(t, s, newCommand("d1", epoch, 0))
	lease(t, s, lapsed, epoch, time.Minute)
	live := insert(t, s, newCommand("d1", epoch, 0))
	lease(t, s, live, epoch.Add(30*time.Second), time.Minute)
	ttlGone := insert(t, s, newCommand("d1", epoch, 30))
	lease(t, s, ttlGone, epoch, time.Minute)

	n, err := s.BulkReleaseExpiredLeases(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.FindByID(ctx, lapsed)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusPending, got.Status)
	assert.Nil(t, got.LeasedAt)
	assert.Nil(t, got.LeaseExpiresAt)

	got, err = s.FindByID(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusLeased, got.Status)

	got, err = s.FindByID(ctx, ttlGone)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusLeased, got.Status, "TTL-expired leases are left for the expiry sweep")
}

func testWithTxRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := insert(t, s, newCommand("d1", epoch, 0))
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Store) error {
		ok, err := tx.CompareAndSetStatus(ctx, id, types.CommandStatusPending, types.CommandStatusLeased, store.Fields{})
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusPending, got.Status)

	err = s.WithTx(ctx, func(tx store.Store) error {
		ok, err := tx.CompareAndSetStatus(ctx, id, types.CommandStatusPending, types.CommandStatusLeased, store.Fields{})
		if err != nil {
			return err
		}
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	got, err = s.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusLeased, got.Status)
}

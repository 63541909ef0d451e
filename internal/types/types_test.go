package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommandStatus(t *testing.T) {
	tests := []struct {
		status    CommandStatus
		terminal  bool
		completed bool
	}{
		{CommandStatusPending, false, false},
		{CommandStatusLeased, false, false},
		{CommandStatusSucceeded, true, true},
		{CommandStatusFailed, true, true},
		{CommandStatusExpired, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, tt.completed, tt.status.Completed())
		})
	}
}

func TestCommandTypeAndOutcome(t *testing.T) {
	for _, ct := range CommandTypes() {
		assert.True(t, ct.Valid())
	}
	assert.False(t, CommandType("ping").Valid())

	assert.True(t, OutcomeSucceeded.Valid())
	assert.False(t, Outcome("EXPIRED").Valid())
	assert.Equal(t, CommandStatusSucceeded, OutcomeSucceeded.Status())
	assert.Equal(t, CommandStatusFailed, OutcomeFailed.Status())
}

func TestCommandDeadlines(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	cmd := &Command{Status: CommandStatusLeased}
	assert.False(t, cmd.TTLElapsed(now))
	assert.False(t, cmd.LeaseHeld(now))

	cmd.ExpiresAt = &now
	cmd.LeaseExpiresAt = &now
	// Both deadlines are inclusive
	assert.True(t, cmd.TTLElapsed(now))
	assert.False(t, cmd.LeaseHeld(now))

	cmd.ExpiresAt = &later
	cmd.LeaseExpiresAt = &later
	assert.False(t, cmd.TTLElapsed(now))
	assert.True(t, cmd.LeaseHeld(now))

	cmd.Status = CommandStatusPending
	assert.False(t, cmd.LeaseHeld(now))
}

func TestErrors(t *testing.T) {
	assert.ErrorIs(t, Validation("bad %s", "type"), ErrValidation)
	assert.ErrorIs(t, Conflict("busy"), ErrConflict)
	assert.ErrorIs(t, NotFound("gone"), ErrNotFound)
	assert.EqualError(t, Conflict("retry in %ds", 5), "retry in 5s")

	cause := errors.New("connection reset")
	err := StoreFailure("insert", cause)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, err, "insert: store failure: connection reset")

	// Classified errors pass through unchanged
	classified := StoreFailure("find", fmt.Errorf("wrapped: %w", NotFound("gone")))
	assert.ErrorIs(t, classified, ErrNotFound)
	assert.NotErrorIs(t, classified, ErrStore)
	assert.NoError(t, StoreFailure("noop", nil))
}

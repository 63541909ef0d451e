package validator

import (
	"testing"

	"devdispatch/internal/types"

	"github.com/stretchr/testify/assert"
)

type scheduleRequest struct {
	Type       string `json:"type" validate:"required,command_type"`
	TTLSeconds *int   `json:"ttlSeconds" validate:"omitempty,min=1"`
}

type completeRequest struct {
	Status string `json:"status" validate:"required,outcome"`
}

func intPtr(n int) *int { return &n }

func TestStruct(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		input   any
		wantMsg string
	}{
		{name: "valid schedule", input: scheduleRequest{Type: "PING", TTLSeconds: intPtr(5)}},
		{name: "valid without ttl", input: scheduleRequest{Type: "COLLECT_LOGS"}},
		{name: "missing type", input: scheduleRequest{}, wantMsg: "type is required"},
		{name: "unknown type", input: scheduleRequest{Type: "SHUTDOWN"}, wantMsg: "type must be one of PING, REBOOT, COLLECT_LOGS"},
		{name: "zero ttl", input: scheduleRequest{Type: "PING", TTLSeconds: intPtr(0)}, wantMsg: "ttlSeconds must not be less than 1"},
		{name: "valid outcome", input: completeRequest{Status: "FAILED"}},
		{name: "bad outcome", input: completeRequest{Status: "EXPIRED"}, wantMsg: "status must be one of SUCCEEDED, FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.input)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, types.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestVar(t *testing.T) {
	v := New()
	assert.NoError(t, v.Var("device-1", "deviceId", "required,max=128,printable"))

	err := v.Var("", "deviceId", "required,max=128")
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), "deviceId is required")

	long := make([]byte, 129)
	for i := range long {
		long[i] = 'k'
	}
	err = v.Var(string(long), "Idempotency-Key", "max=128")
	assert.Contains(t, err.Error(), "Idempotency-Key must be at most 128 characters")

	err = v.Var(3_000_000_000, "ttlSeconds", "max=2147483647")
	assert.Contains(t, err.Error(), "ttlSeconds must not be greater than 2147483647")

	err = v.Var("bad\nkey", "Idempotency-Key", "printable")
	assert.Contains(t, err.Error(), "printable")
}

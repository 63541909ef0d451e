package types

import (
	"encoding/json"
	"math"
	"time"
)

// Command represents a unit of work dispatched to a single device
type Command struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"device_id"`
	Type           CommandType     `json:"type"`
	Params         json.RawMessage `json:"params,omitempty"`
	Status         CommandStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	LeasedAt       *time.Time      `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	TTLSeconds     *int            `json:"ttl_seconds,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

// MaxTTLSeconds is the largest accepted ttlSeconds; it fits a 32-bit
// integer column and keeps createdAt + ttl well inside time.Duration.
const MaxTTLSeconds = math.MaxInt32

// TTLElapsed reports whether the command carries a deadline that is at or before now
func (c *Command) TTLElapsed(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// LeaseHeld reports whether the command is leased and its lease has not lapsed at now
func (c *Command) LeaseHeld(now time.Time) bool {
	return c.Status == CommandStatusLeased && c.LeaseExpiresAt != nil && c.LeaseExpiresAt.After(now)
}

// CommandType represents the kind of command
type CommandType string

const (
	CommandTypePing        CommandType = "PING"
	CommandTypeReboot      CommandType = "REBOOT"
	CommandTypeCollectLogs CommandType = "COLLECT_LOGS"
)

// commandTypes is the set of accepted command kinds
var commandTypes = map[CommandType]struct{}{
	CommandTypePing:        {},
	CommandTypeReboot:      {},
	CommandTypeCollectLogs: {},
}

// Valid reports whether t is a known command kind
func (t CommandType) Valid() bool {
	_, ok := commandTypes[t]
	return ok
}

// CommandTypes returns all known command kinds
func CommandTypes() []CommandType {
	return []CommandType{CommandTypePing, CommandTypeReboot, CommandTypeCollectLogs}
}

// CommandStatus represents command lifecycle status
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "PENDING"
	CommandStatusLeased    CommandStatus = "LEASED"
	CommandStatusSucceeded CommandStatus = "SUCCEEDED"
	CommandStatusFailed    CommandStatus = "FAILED"
	CommandStatusExpired   CommandStatus = "EXPIRED"
)

// Terminal reports whether no further scheduling happens from this status
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusSucceeded, CommandStatusFailed, CommandStatusExpired:
		return true
	}
	return false
}

// Completed reports whether the status is a reported outcome
func (s CommandStatus) Completed() bool {
	return s == CommandStatusSucceeded || s == CommandStatusFailed
}

// Outcome represents the result a device reports on completion
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// Valid reports whether o is a reportable outcome
func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// Status maps the outcome to its terminal command status
func (o Outcome) Status() CommandStatus {
	if o == OutcomeSucceeded {
		return CommandStatusSucceeded
	}
	return CommandStatusFailed
}

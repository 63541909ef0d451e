package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"devdispatch/internal/api/response"
	"devdispatch/internal/scheduler"
	"devdispatch/internal/types"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader carries the optional producer retry key
const IdempotencyKeyHeader = "Idempotency-Key"

const identifierRules = "required,max=128,printable"

// ScheduleCommandRequest is the body of a scheduling request
type ScheduleCommandRequest struct {
	Type       string          `json:"type" validate:"required,command_type"`
	Params     json.RawMessage `json:"params,omitempty"`
	TTLSeconds *int            `json:"ttlSeconds,omitempty" validate:"omitempty,min=1,max=2147483647"`
}

// CompleteCommandRequest is the body of a completion report
type CompleteCommandRequest struct {
	Status string          `json:"status" validate:"required,outcome"`
	Output json.RawMessage `json:"output,omitempty"`
}

// CommandResponse describes a newly scheduled command
type CommandResponse struct {
	CommandID string              `json:"commandId"`
	DeviceID  string              `json:"deviceId"`
	Type      types.CommandType   `json:"type"`
	Params    json.RawMessage     `json:"params,omitempty"`
	Status    types.CommandStatus `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
}

// LeasedCommandResponse describes a command handed to a polling device
type LeasedCommandResponse struct {
	CommandID      string              `json:"commandId"`
	DeviceID       string              `json:"deviceId"`
	Type           types.CommandType   `json:"type"`
	Params         json.RawMessage     `json:"params,omitempty"`
	Status         types.CommandStatus `json:"status"`
	LeasedAt       time.Time           `json:"leasedAt"`
	LeaseExpiresAt time.Time           `json:"leaseExpiresAt"`
}

// CompletionResponse describes an accepted completion report
type CompletionResponse struct {
	CommandID   string              `json:"commandId"`
	Status      types.CommandStatus `json:"status"`
	CompletedAt time.Time           `json:"completedAt"`
}

// CommandDetailResponse is the full command descriptor
type CommandDetailResponse struct {
	CommandID      string              `json:"commandId"`
	DeviceID       string              `json:"deviceId"`
	Type           types.CommandType   `json:"type"`
	Params         json.RawMessage     `json:"params,omitempty"`
	Status         types.CommandStatus `json:"status"`
	CreatedAt      time.Time           `json:"createdAt"`
	LeasedAt       *time.Time          `json:"leasedAt,omitempty"`
	LeaseExpiresAt *time.Time          `json:"leaseExpiresAt,omitempty"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	Output         json.RawMessage     `json:"output,omitempty"`
	TTLSeconds     *int                `json:"ttlSeconds,omitempty"`
	ExpiresAt      *time.Time          `json:"expiresAt,omitempty"`
}

// scheduleCommand handles command creation for a device
func (api *API) scheduleCommand(c *gin.Context) {
	resp := response.New(c, api.logger)

	ctx, cancel := api.requestContext(c)
	defer cancel()

	deviceID := c.Param("deviceId")
	if err := api.validate.Var(deviceID, "deviceId", identifierRules); err != nil {
		resp.BadRequest(err)
		return
	}

	key := c.GetHeader(IdempotencyKeyHeader)
	if key != "" {
		if err := api.validate.Var(key, IdempotencyKeyHeader, identifierRules); err != nil {
			resp.BadRequest(err)
			return
		}
	}

	var req ScheduleCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resp.BadRequest(fmt.Errorf("invalid request body: %v", err))
		return
	}
	if err := api.validate.Struct(&req); err != nil {
		resp.BadRequest(err)
		return
	}

	cmd, err := api.service.ScheduleCommand(ctx, scheduler.ScheduleRequest{
		DeviceID:       deviceID,
		Type:           types.CommandType(req.Type),
		Params:         req.Params,
		TTLSeconds:     req.TTLSeconds,
		IdempotencyKey: key,
	})
	if err != nil {
		api.handleError(c, resp, "schedule command", err,
			zap.String("device_id", deviceID))
		return
	}

	resp.Custom(http.StatusCreated, CommandResponse{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Type:      cmd.Type,
		Params:    cmd.Params,
		Status:    cmd.Status,
		CreatedAt: cmd.CreatedAt,
	})
}

// pollCommand leases the oldest eligible command for a device
func (api *API) pollCommand(c *gin.Context) {
	resp := response.New(c, api.logger)

	ctx, cancel := api.requestContext(c)
	defer cancel()

	deviceID := c.Param("deviceId")
	if err := api.validate.Var(deviceID, "deviceId", identifierRules); err != nil {
		resp.BadRequest(err)
		return
	}

	cmd, err := api.service.PollNextCommand(ctx, deviceID)
	if err != nil {
		api.handleError(c, resp, "poll command", err,
			zap.String("device_id", deviceID))
		return
	}
	if cmd == nil {
		resp.NoContent()
		return
	}

	resp.Custom(http.StatusOK, LeasedCommandResponse{
		CommandID:      cmd.ID,
		DeviceID:       cmd.DeviceID,
		Type:           cmd.Type,
		Params:         cmd.Params,
		Status:         cmd.Status,
		LeasedAt:       deref(cmd.LeasedAt),
		LeaseExpiresAt: deref(cmd.LeaseExpiresAt),
	})
}

// completeCommand records a device's outcome report
func (api *API) completeCommand(c *gin.Context) {
	resp := response.New(c, api.logger)

	ctx, cancel := api.requestContext(c)
	defer cancel()

	commandID := c.Param("commandId")
	if err := api.validate.Var(commandID, "commandId", identifierRules); err != nil {
		resp.BadRequest(err)
		return
	}

	var req CompleteCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resp.BadRequest(fmt.Errorf("invalid request body: %v", err))
		return
	}
	if err := api.validate.Struct(&req); err != nil {
		resp.BadRequest(err)
		return
	}

	cmd, err := api.service.CompleteCommand(ctx, commandID, types.Outcome(req.Status), req.Output)
	if err != nil {
		api.handleError(c, resp, "complete command", err,
			zap.String("command_id", commandID))
		return
	}

	resp.Custom(http.StatusOK, CompletionResponse{
		CommandID:   cmd.ID,
		Status:      cmd.Status,
		CompletedAt: deref(cmd.CompletedAt),
	})
}

// getCommand returns the full descriptor of a command
func (api *API) getCommand(c *gin.Context) {
	resp := response.New(c, api.logger)

	ctx, cancel := api.requestContext(c)
	defer cancel()

	commandID := c.Param("commandId")
	if err := api.validate.Var(commandID, "commandId", identifierRules); err != nil {
		resp.BadRequest(err)
		return
	}

	cmd, err := api.service.GetCommand(ctx, commandID)
	if err != nil {
		api.handleError(c, resp, "get command", err,
			zap.String("command_id", commandID))
		return
	}

	resp.Custom(http.StatusOK, CommandDetailResponse{
		CommandID:      cmd.ID,
		DeviceID:       cmd.DeviceID,
		Type:           cmd.Type,
		Params:         cmd.Params,
		Status:         cmd.Status,
		CreatedAt:      cmd.CreatedAt,
		LeasedAt:       cmd.LeasedAt,
		LeaseExpiresAt: cmd.LeaseExpiresAt,
		CompletedAt:    cmd.CompletedAt,
		Output:         cmd.Output,
		TTLSeconds:     cmd.TTLSeconds,
		ExpiresAt:      cmd.ExpiresAt,
	})
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

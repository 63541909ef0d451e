package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"devdispatch/internal/api/response"
	"devdispatch/internal/scheduler"
	"devdispatch/internal/types"
	"devdispatch/internal/validator"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds a single handler call
const DefaultRequestTimeout = 30 * time.Second

// API represents the command dispatch API
type API struct {
	service  *scheduler.Service
	validate *validator.Validator
	timeout  time.Duration
	logger   *zap.Logger
}

// NewAPI creates new API. A zero timeout uses DefaultRequestTimeout.
func NewAPI(svc *scheduler.Service, timeout time.Duration, logger *zap.Logger) *API {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &API{
		service:  svc,
		validate: validator.New(),
		timeout:  timeout,
		logger:   logger,
	}
}

// RegisterRoutes registers API routes
func (api *API) RegisterRoutes(r *gin.RouterGroup) {
	// Device facing endpoints
	devices := r.Group("/devices/:deviceId")
	{
		devices.POST("/commands", api.scheduleCommand)
		devices.POST("/commands/poll", api.pollCommand)
	}

	commands := r.Group("/commands")
	{
		commands.GET("/:commandId", api.getCommand)
		commands.POST("/:commandId/complete", api.completeCommand)
	}

	// Health check
	r.GET("/healthz", api.healthCheck)
}

// requestContext derives the handler context from the request
func (api *API) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), api.timeout)
}

// handleError maps a core error onto an HTTP response
func (api *API) handleError(c *gin.Context, resp *response.Handler, op string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("request_id", c.GetString("request_id")),
		zap.Error(err))

	switch {
	case errors.Is(err, context.Canceled):
		api.logger.Info("Client canceled request", append(fields, zap.String("op", op))...)
	case errors.Is(err, context.DeadlineExceeded):
		api.logger.Warn("Request timed out", append(fields, zap.String("op", op))...)
		resp.Error(http.StatusGatewayTimeout, errors.New("request timeout"))
	case errors.Is(err, types.ErrValidation):
		resp.BadRequest(err)
	case errors.Is(err, types.ErrNotFound):
		resp.NotFound(err)
	case errors.Is(err, types.ErrConflict):
		resp.Conflict(err)
	default:
		api.logger.Error("Failed to "+op, fields...)
		_ = c.Error(err)
		resp.InternalError(errors.New("failed to " + op))
	}
}

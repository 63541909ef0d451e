package v1

import (
	"errors"
	"net/http"

	"devdispatch/internal/api/response"
	"devdispatch/internal/version"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthStatus is reported by the health endpoint
type HealthStatus struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
}

// healthCheck pings the command store and the key-value store
func (api *API) healthCheck(c *gin.Context) {
	resp := response.New(c, api.logger)

	ctx, cancel := api.requestContext(c)
	defer cancel()

	if err := api.service.Ping(ctx); err != nil {
		api.logger.Warn("Health check failed", zap.Error(err))
		resp.Error(http.StatusServiceUnavailable, errors.New("service unhealthy"))
		return
	}

	resp.Success(HealthStatus{
		Status:  "ok",
		Version: version.GetInfo(),
	})
}

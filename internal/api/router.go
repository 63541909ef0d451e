package api

import (
	"net/http"

	"devdispatch/internal/api/middleware"
	av1 "devdispatch/internal/api/v1"
	"devdispatch/internal/config"
	"devdispatch/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router handles all routing logic
type Router struct {
	engine *gin.Engine
	config *config.Config
	logger *zap.Logger
}

// NewRouter creates and configures a new router
func NewRouter(cfg *config.Config, svc *scheduler.Service, logger *zap.Logger) *Router {
	// Leave test mode alone so handler tests stay quiet
	if cfg.Log.Level != "debug" && gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &Router{
		engine: gin.New(),
		config: cfg,
		logger: logger,
	}

	// Initialize middleware
	r.setupMiddleware()

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.engine.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// Initialize API versions
	r.setupAPIV1(svc)

	return r
}

// Handler returns the HTTP handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// setupMiddleware configures all middleware
func (r *Router) setupMiddleware() {
	m := middleware.New(r.config, r.logger)

	// Basic middleware
	r.engine.Use(m.RequestID())
	r.engine.Use(m.Logger())
	r.engine.Use(m.Recovery())

	if r.config.Metrics.Enabled {
		r.engine.Use(m.Metrics())
	}

	// Security middleware
	r.engine.Use(m.Secure())

	// CORS if enabled
	if r.config.API.CORS.Enabled {
		r.engine.Use(m.Cors())
	}

	// Rate limiting if enabled
	if r.config.API.RateLimit.Enabled {
		r.engine.Use(m.RateLimit())
	}
}

// setupAPIV1 configures the command routes. They are served without a
// path prefix, as devices in the field already poll these paths.
func (r *Router) setupAPIV1(svc *scheduler.Service) {
	api := av1.NewAPI(svc, r.config.API.RequestTimeout, r.logger)

	group := r.engine.Group("/")
	group.Use(middleware.New(r.config, r.logger).NoCache())

	// Register routes
	api.RegisterRoutes(group)
}

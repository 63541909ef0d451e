package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"devdispatch/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newEngine(t *testing.T, handlers ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	e := gin.New()
	e.Use(handlers...)
	e.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })
	e.GET("/panic", func(c *gin.Context) { panic("boom") })
	return e
}

func serve(e *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	m := New(&config.Config{}, zaptest.NewLogger(t))
	e := newEngine(t, m.RequestID())

	w := serve(e, http.MethodGet, "/ping", nil)
	require.Equal(t, http.StatusOK, w.Code)
	generated := w.Header().Get("X-Request-ID")
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, w.Body.String())

	w = serve(e, http.MethodGet, "/ping", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", w.Body.String())
}

func TestRecovery(t *testing.T) {
	m := New(&config.Config{}, zaptest.NewLogger(t))
	e := newEngine(t, m.RequestID(), m.Logger(), m.Recovery())

	w := serve(e, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}

func TestCors(t *testing.T) {
	cfg := &config.Config{}
	cfg.API.CORS = config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://ops.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Idempotency-Key"},
		MaxAge:         600,
	}
	m := New(cfg, zaptest.NewLogger(t))
	e := newEngine(t, m.Cors())

	w := serve(e, http.MethodOptions, "/ping", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET,POST", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
}

func TestRateLimit(t *testing.T) {
	cfg := &config.Config{}
	cfg.API.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 2, Window: time.Hour}
	m := New(cfg, zaptest.NewLogger(t))
	e := newEngine(t, m.RateLimit())

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/ping", nil).Code)
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/ping", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(e, http.MethodGet, "/ping", nil).Code)
}

func TestSecureAndNoCache(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.TLS.Enabled = true
	m := New(cfg, zaptest.NewLogger(t))
	e := newEngine(t, m.Secure(), m.NoCache())

	w := serve(e, http.MethodGet, "/ping", nil)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
}

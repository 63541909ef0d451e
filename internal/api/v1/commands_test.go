package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"devdispatch/internal/api/response"
	"devdispatch/internal/clock"
	kvmemory "devdispatch/internal/kv/memory"
	"devdispatch/internal/scheduler"
	"devdispatch/internal/store"
	"devdispatch/internal/store/memory"
	"devdispatch/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testServer struct {
	engine *gin.Engine
	clock  *clock.FakeClock
}

func newTestServer(t *testing.T, st store.Store) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	c := clock.Fake(epoch)

	svc, err := scheduler.New(st, kvmemory.New(c), c, scheduler.DefaultConfig(), logger)
	require.NoError(t, err)

	engine := gin.New()
	NewAPI(svc, time.Second, logger).RegisterRoutes(engine.Group("/"))

	return &testServer{engine: engine, clock: c}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) schedule(t *testing.T, deviceID, body string) CommandResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/devices/"+deviceID+"/commands", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var out response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestScheduleCommand(t *testing.T) {
	s := newTestServer(t, memory.New())

	out := s.schedule(t, "dev-1", `{"type":"REBOOT","params":{"delay":5},"ttlSeconds":120}`)

	assert.NotEmpty(t, out.CommandID)
	assert.Equal(t, "dev-1", out.DeviceID)
	assert.Equal(t, types.CommandTypeReboot, out.Type)
	assert.JSONEq(t, `{"delay":5}`, string(out.Params))
	assert.Equal(t, types.CommandStatusPending, out.Status)
	assert.True(t, epoch.Equal(out.CreatedAt))
}

func TestScheduleCommandWithoutParams(t *testing.T) {
	s := newTestServer(t, memory.New())

	w := s.do(t, http.MethodPost, "/devices/dev-1/commands", `{"type":"PING"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), `"params"`)
}

func TestScheduleCommandValidation(t *testing.T) {
	s := newTestServer(t, memory.New())

	tests := []struct {
		name     string
		deviceID string
		body     string
		headers  map[string]string
		wantErr  string
	}{
		{
			name:     "unknown type",
			deviceID: "dev-1",
			body:     `{"type":"SELF_DESTRUCT"}`,
			wantErr:  "type must be one of",
		},
		{
			name:     "missing type",
			deviceID: "dev-1",
			body:     `{}`,
			wantErr:  "type is required",
		},
		{
			name:     "zero ttl",
			deviceID: "dev-1",
			body:     `{"type":"PING","ttlSeconds":0}`,
			wantErr:  "ttlSeconds must not be less than 1",
		},
		{
			name:     "ttl too large",
			deviceID: "dev-1",
			body:     `{"type":"PING","ttlSeconds":9300000000}`,
			wantErr:  "ttlSeconds must not be greater than 2147483647",
		},
		{
			name:     "fractional ttl",
			deviceID: "dev-1",
			body:     `{"type":"PING","ttlSeconds":1.5}`,
			wantErr:  "invalid request body",
		},
		{
			name:     "empty body",
			deviceID: "dev-1",
			body:     "",
			wantErr:  "invalid request body",
		},
		{
			name:     "device id too long",
			deviceID: strings.Repeat("d", 129),
			body:     `{"type":"PING"}`,
			wantErr:  "deviceId must be at most 128 characters",
		},
		{
			name:     "idempotency key too long",
			deviceID: "dev-1",
			body:     `{"type":"PING"}`,
			headers:  map[string]string{IdempotencyKeyHeader: strings.Repeat("k", 129)},
			wantErr:  "Idempotency-Key must be at most 128 characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/devices/"+tt.deviceID+"/commands", tt.body, tt.headers)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, decodeError(t, w).Error, tt.wantErr)
		})
	}
}

func TestScheduleCommandIdempotent(t *testing.T) {
	s := newTestServer(t, memory.New())
	headers := map[string]string{IdempotencyKeyHeader: "retry-1"}

	first := s.do(t, http.MethodPost, "/devices/dev-1/commands", `{"type":"PING"}`, headers)
	second := s.do(t, http.MethodPost, "/devices/dev-1/commands", `{"type":"PING"}`, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusCreated, second.Code)

	var a, b CommandResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.CommandID, b.CommandID)

	// Same key on another device is an independent command
	other := s.do(t, http.MethodPost, "/devices/dev-2/commands", `{"type":"PING"}`, headers)
	require.Equal(t, http.StatusCreated, other.Code)
	var c CommandResponse
	require.NoError(t, json.Unmarshal(other.Body.Bytes(), &c))
	assert.NotEqual(t, a.CommandID, c.CommandID)
}

func TestPollCommand(t *testing.T) {
	s := newTestServer(t, memory.New())

	w := s.do(t, http.MethodPost, "/devices/dev-1/commands/poll", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())

	created := s.schedule(t, "dev-1", `{"type":"COLLECT_LOGS","params":["syslog"]}`)
	s.clock.Advance(time.Second)

	w = s.do(t, http.MethodPost, "/devices/dev-1/commands/poll", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var leased LeasedCommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &leased))
	assert.Equal(t, created.CommandID, leased.CommandID)
	assert.Equal(t, types.CommandStatusLeased, leased.Status)
	assert.JSONEq(t, `["syslog"]`, string(leased.Params))
	assert.True(t, epoch.Add(time.Second).Equal(leased.LeasedAt))
	assert.True(t, epoch.Add(61*time.Second).Equal(leased.LeaseExpiresAt))

	// Leased commands are not handed out twice
	w = s.do(t, http.MethodPost, "/devices/dev-1/commands/poll", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCompleteCommand(t *testing.T) {
	s := newTestServer(t, memory.New())

	created := s.schedule(t, "dev-1", `{"type":"PING"}`)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/devices/dev-1/commands/poll", "", nil).Code)
	s.clock.Advance(5 * time.Second)

	path := "/commands/" + created.CommandID + "/complete"
	w := s.do(t, http.MethodPost, path, `{"status":"SUCCEEDED","output":{"rtt_ms":12}}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var done CompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &done))
	assert.Equal(t, created.CommandID, done.CommandID)
	assert.Equal(t, types.CommandStatusSucceeded, done.Status)
	assert.True(t, epoch.Add(5*time.Second).Equal(done.CompletedAt))

	// Terminal commands reject further reports
	w = s.do(t, http.MethodPost, path, `{"status":"FAILED"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeError(t, w).Error, "not currently leased")

	w = s.do(t, http.MethodGet, "/commands/"+created.CommandID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail CommandDetailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, types.CommandStatusSucceeded, detail.Status)
	assert.JSONEq(t, `{"rtt_ms":12}`, string(detail.Output))
	assert.Nil(t, detail.LeasedAt)
	assert.Nil(t, detail.LeaseExpiresAt)
}

func TestCompleteCommandErrors(t *testing.T) {
	s := newTestServer(t, memory.New())

	pending := s.schedule(t, "dev-1", `{"type":"PING"}`)

	tests := []struct {
		name       string
		commandID  string
		body       string
		wantStatus int
		wantErr    string
	}{
		{
			name:       "unknown command",
			commandID:  "missing",
			body:       `{"status":"SUCCEEDED"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid outcome",
			commandID:  pending.CommandID,
			body:       `{"status":"EXPIRED"}`,
			wantStatus: http.StatusBadRequest,
			wantErr:    "status must be one of",
		},
		{
			name:       "missing body",
			commandID:  pending.CommandID,
			wantStatus: http.StatusBadRequest,
			wantErr:    "invalid request body",
		},
		{
			name:       "not leased",
			commandID:  pending.CommandID,
			body:       `{"status":"SUCCEEDED"}`,
			wantStatus: http.StatusConflict,
			wantErr:    "not currently leased",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/commands/"+tt.commandID+"/complete", tt.body, nil)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantErr != "" {
				assert.Contains(t, decodeError(t, w).Error, tt.wantErr)
			}
		})
	}
}

func TestCompleteAfterTTLExpires(t *testing.T) {
	s := newTestServer(t, memory.New())

	created := s.schedule(t, "dev-1", `{"type":"REBOOT","ttlSeconds":10}`)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/devices/dev-1/commands/poll", "", nil).Code)
	s.clock.Advance(10 * time.Second)

	w := s.do(t, http.MethodPost, "/commands/"+created.CommandID+"/complete", `{"status":"SUCCEEDED"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeError(t, w).Error, "TTL expired")

	// The expiry is persisted even though the report was rejected
	w = s.do(t, http.MethodGet, "/commands/"+created.CommandID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail CommandDetailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, types.CommandStatusExpired, detail.Status)
	require.NotNil(t, detail.ExpiresAt)
	assert.True(t, epoch.Add(10*time.Second).Equal(*detail.ExpiresAt))
	require.NotNil(t, detail.TTLSeconds)
	assert.Equal(t, 10, *detail.TTLSeconds)
}

func TestCompleteAfterLeaseLapses(t *testing.T) {
	s := newTestServer(t, memory.New())

	created := s.schedule(t, "dev-1", `{"type":"PING"}`)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/devices/dev-1/commands/poll", "", nil).Code)
	s.clock.Advance(time.Minute)

	w := s.do(t, http.MethodPost, "/commands/"+created.CommandID+"/complete", `{"status":"SUCCEEDED"}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decodeError(t, w).Error, "lease expired")

	// The next poll releases and re-leases it
	w = s.do(t, http.MethodPost, "/devices/dev-1/commands/poll", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var leased LeasedCommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &leased))
	assert.Equal(t, created.CommandID, leased.CommandID)
}

func TestGetCommandNotFound(t *testing.T) {
	s := newTestServer(t, memory.New())

	w := s.do(t, http.MethodGet, "/commands/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusNotFound, decodeError(t, w).Code)
}

// failingStore fails lookups with err
type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) FindByID(context.Context, string) (*types.Command, error) {
	return nil, s.err
}

func (s *failingStore) Ping(context.Context) error {
	return s.err
}

func TestStoreFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantErr    string
	}{
		{
			name:       "store failure",
			err:        types.StoreFailure("find", errors.New("disk on fire")),
			wantStatus: http.StatusInternalServerError,
			wantErr:    "failed to get command",
		},
		{
			name:       "deadline",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantErr:    "request timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &failingStore{Store: memory.New(), err: tt.err})

			w := s.do(t, http.MethodGet, "/commands/abc", "", nil)
			require.Equal(t, tt.wantStatus, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, tt.wantErr, body.Error)
			assert.NotContains(t, w.Body.String(), "disk on fire")
		})
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, memory.New())

	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Code int          `json:"code"`
		Data HealthStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Data.Status)
	assert.Equal(t, "devdispatch", body.Data.Version.Name)
}

func TestHealthCheckUnhealthy(t *testing.T) {
	s := newTestServer(t, &failingStore{Store: memory.New(), err: errors.New("connection refused")})

	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "service unhealthy", decodeError(t, w).Error)
}

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"devdispatch/internal/agent/config"
	"devdispatch/internal/api/response"
	av1 "devdispatch/internal/api/v1"
	"devdispatch/internal/version"

	"go.uber.org/zap"
)

// APIError is a non-success response from the dispatch server
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("server returned status %d: %s (request %s)", e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsConflict reports whether err is a 409 from the server
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// Client talks to the dispatch server on behalf of producers and devices
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
	logger    *zap.Logger
}

// New creates a client for cfg.Address
func New(cfg config.ServerConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("server address is required")
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := createTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.Address, "/"),
		http: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		userAgent: version.Name + "-agent/" + version.Version,
		logger:    logger,
	}, nil
}

// Schedule creates a command for deviceID. An empty key disables
// idempotent retries.
func (c *Client) Schedule(ctx context.Context, deviceID string, req av1.ScheduleCommandRequest, idempotencyKey string) (*av1.CommandResponse, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[av1.IdempotencyKeyHeader] = idempotencyKey
	}

	var out av1.CommandResponse
	path := "/devices/" + url.PathEscape(deviceID) + "/commands"
	if _, err := c.do(ctx, http.MethodPost, path, req, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll leases the next command for deviceID. It returns nil when the
// server has nothing to hand out.
func (c *Client) Poll(ctx context.Context, deviceID string) (*av1.LeasedCommandResponse, error) {
	var out av1.LeasedCommandResponse
	path := "/devices/" + url.PathEscape(deviceID) + "/commands/poll"
	status, err := c.do(ctx, http.MethodPost, path, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// Complete reports the outcome of a leased command
func (c *Client) Complete(ctx context.Context, commandID string, req av1.CompleteCommandRequest) (*av1.CompletionResponse, error) {
	var out av1.CompletionResponse
	path := "/commands/" + url.PathEscape(commandID) + "/complete"
	if _, err := c.do(ctx, http.MethodPost, path, req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the full descriptor of a command
func (c *Client) Get(ctx context.Context, commandID string) (*av1.CommandDetailResponse, error) {
	var out av1.CommandDetailResponse
	if _, err := c.do(ctx, http.MethodGet, "/commands/"+url.PathEscape(commandID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends body as JSON and decodes a 2xx response into out
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeError(resp, data)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return resp.StatusCode, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("Request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode))

	return resp.StatusCode, nil
}

func decodeError(resp *http.Response, data []byte) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-ID"),
	}

	var envelope response.Response
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
		if envelope.RequestID != "" {
			apiErr.RequestID = envelope.RequestID
		}
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// createTLSConfig creates TLS config
func createTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

const maxHTTPBody = 64 << 10

// HTTPOptions configures the HTTP transport
type HTTPOptions struct {
	Method  string
	Headers map[string]string
	Client  *http.Client
}

// HTTPTransport probes an agent's health URL. Any status below 400 counts as alive.
type HTTPTransport struct {
	logger     *zap.Logger
	httpClient *http.Client
	method     string
	headers    map[string]string
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(opts HTTPOptions, logger *zap.Logger) *HTTPTransport {
	client := opts.Client
	if client == nil {
		// the heartbeat deadline bounds each probe, this only guards stray connections
		client = &http.Client{Timeout: 30 * time.Second}
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	return &HTTPTransport{
		logger:     logger.Named("http-transport"),
		httpClient: client,
		method:     method,
		headers:    opts.Headers,
	}
}

// Send performs the health request
func (h *HTTPTransport) Send(ctx context.Context, endpoint string) (*heartbeat.Response, error) {
	req, err := http.NewRequestWithContext(ctx, h.method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range h.headers {
		req.Header.Add(key, value)
	}

	h.logger.Debug("Sending HTTP heartbeat",
		zap.String("method", h.method),
		zap.String("url", endpoint))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: HTTP status %d", ErrUnhealthy, resp.StatusCode)
	}

	data := map[string]interface{}{
		"status_code": resp.StatusCode,
	}
	var payload map[string]interface{}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		for k, v := range payload {
			if _, reserved := data[k]; !reserved {
				data[k] = v
			}
		}
	}
	return &heartbeat.Response{Data: data}, nil
}

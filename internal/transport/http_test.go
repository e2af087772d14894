package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPTransport_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			assert.Equal(t, "secret", r.Header.Get("X-Agent-Token"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"2.1.0","status_code":"ignored"}`))
		case "/plain":
			_, _ = w.Write([]byte("ok"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	transport := NewHTTPTransport(HTTPOptions{
		Headers: map[string]string{"X-Agent-Token": "secret"},
	}, zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("json body is merged", func(t *testing.T) {
		resp, err := transport.Send(ctx, server.URL+"/health")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Data["status_code"])
		assert.Equal(t, "2.1.0", resp.Data["version"])
	})

	t.Run("plain body", func(t *testing.T) {
		resp, err := transport.Send(ctx, server.URL+"/plain")
		require.NoError(t, err)
		assert.Len(t, resp.Data, 1)
	})

	t.Run("error status", func(t *testing.T) {
		_, err := transport.Send(ctx, server.URL+"/down")
		require.ErrorIs(t, err, ErrUnhealthy)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := transport.Send(canceled, server.URL+"/health")
		require.ErrorIs(t, err, context.Canceled)
	})
}

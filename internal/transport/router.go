package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

// Router dispatches heartbeats to the transport registered for the endpoint's scheme
type Router struct {
	mu     sync.RWMutex
	routes map[string]heartbeat.Transport
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{routes: make(map[string]heartbeat.Transport)}
}

// Register binds a transport to one or more schemes, replacing earlier bindings
func (r *Router) Register(t heartbeat.Transport, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		r.routes[strings.ToLower(scheme)] = t
	}
}

// Schemes returns the registered schemes in order
func (r *Router) Schemes() []string {
	r.mu.RLock()
	schemes := make([]string, 0, len(r.routes))
	for scheme := range r.routes {
		schemes = append(schemes, scheme)
	}
	r.mu.RUnlock()

	sort.Strings(schemes)
	return schemes
}

// Supports reports whether an endpoint's scheme has a transport
func (r *Router) Supports(endpoint string) bool {
	_, err := r.route(endpoint)
	return err == nil
}

// Send implements heartbeat.Transport
func (r *Router) Send(ctx context.Context, endpoint string) (*heartbeat.Response, error) {
	t, err := r.route(endpoint)
	if err != nil {
		return nil, err
	}
	return t.Send(ctx, endpoint)
}

func (r *Router) route(endpoint string) (heartbeat.Transport, error) {
	scheme, _, ok := strings.Cut(endpoint, "://")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEndpoint, endpoint)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.routes[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return t, nil
}

package heartbeat

import "context"

// Response represents a successful probe reply
type Response struct {
	// Data is copied into the heartbeat_received event
	Data map[string]interface{}
}

// Transport probes an agent endpoint. The monitor imposes the timeout through ctx
// and its own deadline; implementations only need to resolve or fail.
type Transport interface {
	Send(ctx context.Context, endpoint string) (*Response, error)
}

// TransportFunc adapts a function to the Transport interface
type TransportFunc func(ctx context.Context, endpoint string) (*Response, error)

// Send calls f(ctx, endpoint)
func (f TransportFunc) Send(ctx context.Context, endpoint string) (*Response, error) {
	return f(ctx, endpoint)
}

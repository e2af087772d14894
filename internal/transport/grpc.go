package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

// GRPCTransport probes agents implementing the standard gRPC health service.
// Endpoints have the form grpc://host:port[/service].
type GRPCTransport struct {
	logger   *zap.Logger
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a gRPC health transport. Without dial options connections are plaintext.
func NewGRPCTransport(logger *zap.Logger, dialOpts ...grpc.DialOption) *GRPCTransport {
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCTransport{
		logger:   logger.Named("grpc-transport"),
		dialOpts: dialOpts,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Send calls grpc.health.v1.Health/Check
func (g *GRPCTransport) Send(ctx context.Context, endpoint string) (*heartbeat.Response, error) {
	target, service, err := parseGRPCEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	conn, err := g.conn(target)
	if err != nil {
		return nil, err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return nil, fmt.Errorf("%w: %s", ErrUnhealthy, resp.GetStatus())
	}

	return &heartbeat.Response{Data: map[string]interface{}{
		"serving_status": resp.GetStatus().String(),
	}}, nil
}

func (g *GRPCTransport) conn(target string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if conn, ok := g.conns[target]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(target, g.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	g.conns[target] = conn
	g.logger.Debug("gRPC connection created", zap.String("target", target))
	return conn, nil
}

// Close closes every cached connection
func (g *GRPCTransport) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for target, conn := range g.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.conns, target)
	}
	return firstErr
}

func parseGRPCEndpoint(endpoint string) (target, service string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrInvalidEndpoint, endpoint, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w: %s: missing host", ErrInvalidEndpoint, endpoint)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

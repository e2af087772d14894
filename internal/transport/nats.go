package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

// NATSTransport sends a request on the agent's subject and waits for the reply.
// Endpoints have the form nats://<subject>.
type NATSTransport struct {
	logger *zap.Logger
	nc     *nats.Conn
}

// NewNATSTransport creates a request/reply transport on an established connection
func NewNATSTransport(nc *nats.Conn, logger *zap.Logger) *NATSTransport {
	return &NATSTransport{
		logger: logger.Named("nats-transport"),
		nc:     nc,
	}
}

// natsReply is the optional JSON body an agent answers with
type natsReply struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data"`
}

// Send publishes a heartbeat request and decodes the reply
func (n *NATSTransport) Send(ctx context.Context, endpoint string) (*heartbeat.Response, error) {
	subject := strings.TrimPrefix(endpoint, "nats://")
	if subject == "" || strings.ContainsAny(subject, " \t") {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEndpoint, endpoint)
	}

	msg, err := n.nc.RequestWithContext(ctx, subject, []byte(`{"type":"heartbeat"}`))
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no agent listening on %s: %w", subject, err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	data := map[string]interface{}{"subject": subject}
	if len(msg.Data) == 0 {
		return &heartbeat.Response{Data: data}, nil
	}

	var reply natsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		n.logger.Debug("Non-JSON heartbeat reply",
			zap.String("subject", subject),
			zap.Int("size", len(msg.Data)))
		return &heartbeat.Response{Data: data}, nil
	}

	switch strings.ToLower(reply.Status) {
	case "", "ok", "healthy", "up":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhealthy, reply.Status)
	}

	for k, v := range reply.Data {
		data[k] = v
	}
	return &heartbeat.Response{Data: data}, nil
}

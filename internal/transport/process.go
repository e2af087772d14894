package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

// ProcessTransport checks a local agent process. Endpoints have the form pid://<pid>.
type ProcessTransport struct {
	logger *zap.Logger
}

// NewProcessTransport creates a local process transport
func NewProcessTransport(logger *zap.Logger) *ProcessTransport {
	return &ProcessTransport{logger: logger.Named("process-transport")}
}

// Send reports the process alive when it exists and is not a zombie
func (p *ProcessTransport) Send(ctx context.Context, endpoint string) (*heartbeat.Response, error) {
	raw := strings.TrimPrefix(endpoint, "pid://")
	pid, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEndpoint, endpoint)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d not found: %w", pid, err)
	}

	running, err := proc.IsRunningWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check process %d: %w", pid, err)
	}
	if !running {
		return nil, fmt.Errorf("%w: process %d is not running", ErrUnhealthy, pid)
	}

	data := map[string]interface{}{"pid": pid}
	if status, err := proc.StatusWithContext(ctx); err == nil && len(status) > 0 {
		if status[0] == process.Zombie {
			return nil, fmt.Errorf("%w: process %d is a zombie", ErrUnhealthy, pid)
		}
		data["state"] = status[0]
	}
	if name, err := proc.NameWithContext(ctx); err == nil {
		data["name"] = name
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		data["rss_bytes"] = mem.RSS
	} else {
		p.logger.Debug("Failed to read process memory", zap.Int64("pid", pid), zap.Error(err))
	}
	return &heartbeat.Response{Data: data}, nil
}

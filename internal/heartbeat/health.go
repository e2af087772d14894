package heartbeat

import (
	"time"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

const (
	slowResponseRatio  = 0.8
	healthySuccessRate = 90.0
)

// Classify derives an agent's status from the latest probe outcome and its updated metrics.
// No state other than the metrics is consulted.
func Classify(probeOK bool, responseTime, timeout time.Duration, m model.AgentMetrics) model.AgentStatus {
	if !probeOK {
		return model.AgentStatusFailed
	}
	if float64(responseTime) > slowResponseRatio*float64(timeout) ||
		m.SuccessRate < healthySuccessRate ||
		m.ConsecutiveFailures > 0 {
		return model.AgentStatusDegraded
	}
	return model.AgentStatusHealthy
}

// isRecovery reports whether a status change counts as a recovery
func isRecovery(previous, current model.AgentStatus) bool {
	if current != model.AgentStatusHealthy {
		return false
	}
	return previous == model.AgentStatusDegraded || previous == model.AgentStatusFailed
}

func successRate(m model.AgentMetrics) float64 {
	if m.Sent == 0 {
		return 0
	}
	rate := float64(m.Received) / float64(m.Sent) * 100
	if rate > 100 {
		return 100
	}
	return rate
}

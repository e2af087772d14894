package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

func TestClassify(t *testing.T) {
	timeout := 500 * time.Millisecond
	good := model.AgentMetrics{Sent: 10, Received: 10, SuccessRate: 100}

	tests := []struct {
		name     string
		ok       bool
		response time.Duration
		metrics  model.AgentMetrics
		want     model.AgentStatus
	}{
		{name: "failed probe", ok: false, response: time.Millisecond, metrics: good, want: model.AgentStatusFailed},
		{name: "fast and reliable", ok: true, response: 100 * time.Millisecond, metrics: good, want: model.AgentStatusHealthy},
		{name: "exactly at slow threshold", ok: true, response: 400 * time.Millisecond, metrics: good, want: model.AgentStatusHealthy},
		{name: "slow response", ok: true, response: 401 * time.Millisecond, metrics: good, want: model.AgentStatusDegraded},
		{
			name:     "success rate at threshold",
			ok:       true,
			response: time.Millisecond,
			metrics:  model.AgentMetrics{Sent: 10, Received: 9, SuccessRate: 90},
			want:     model.AgentStatusHealthy,
		},
		{
			name:     "success rate below threshold",
			ok:       true,
			response: time.Millisecond,
			metrics:  model.AgentMetrics{Sent: 10, Received: 8, SuccessRate: 80},
			want:     model.AgentStatusDegraded,
		},
		{
			name:     "outstanding failures",
			ok:       true,
			response: time.Millisecond,
			metrics:  model.AgentMetrics{Sent: 10, Received: 10, SuccessRate: 100, ConsecutiveFailures: 1},
			want:     model.AgentStatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ok, tt.response, timeout, tt.metrics))
		})
	}
}

func TestIsRecovery(t *testing.T) {
	assert.True(t, isRecovery(model.AgentStatusFailed, model.AgentStatusHealthy))
	assert.True(t, isRecovery(model.AgentStatusDegraded, model.AgentStatusHealthy))
	assert.False(t, isRecovery(model.AgentStatusUnknown, model.AgentStatusHealthy))
	assert.False(t, isRecovery(model.AgentStatusHealthy, model.AgentStatusHealthy))
	assert.False(t, isRecovery(model.AgentStatusFailed, model.AgentStatusDegraded))
}

func TestSuccessRate(t *testing.T) {
	assert.Zero(t, successRate(model.AgentMetrics{}))
	assert.Equal(t, 50.0, successRate(model.AgentMetrics{Sent: 4, Received: 2}))
	assert.Equal(t, 100.0, successRate(model.AgentMetrics{Sent: 1, Received: 3}))
}

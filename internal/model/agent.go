package model

import "time"

// AgentStatus represents the health status of a monitored agent
type AgentStatus string

const (
	AgentStatusUnknown  AgentStatus = "unknown"
	AgentStatusHealthy  AgentStatus = "healthy"
	AgentStatusDegraded AgentStatus = "degraded"
	AgentStatusFailed   AgentStatus = "failed"
)

// AgentStatuses lists every status in classification order
var AgentStatuses = []AgentStatus{
	AgentStatusUnknown,
	AgentStatusHealthy,
	AgentStatusDegraded,
	AgentStatusFailed,
}

// AgentRecord represents the last known state of a monitored agent
type AgentRecord struct {
	AgentID       string        `json:"agent_id"`
	Endpoint      string        `json:"endpoint"`
	Status        AgentStatus   `json:"status"`
	LastSeen      time.Time     `json:"last_seen"`
	ResponseTime  time.Duration `json:"response_time"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// AgentMetrics represents heartbeat counters for a monitored agent
type AgentMetrics struct {
	Sent                int64         `json:"sent"`
	Received            int64         `json:"received"`
	Failed              int64         `json:"failed"`
	Retries             int64         `json:"retries"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Uptime              time.Duration `json:"uptime"`
	SuccessRate         float64       `json:"success_rate"`
}

// Overview represents aggregate health across all tracked agents
type Overview struct {
	Total           int                 `json:"total"`
	ByStatus        map[AgentStatus]int `json:"by_status"`
	AvgResponseTime time.Duration       `json:"avg_response_time"`
	AvgUptime       time.Duration       `json:"avg_uptime"`
	GeneratedAt     time.Time           `json:"generated_at"`
}

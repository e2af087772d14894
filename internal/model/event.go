package model

import "time"

// EventType represents the kind of a heartbeat event
type EventType string

const (
	EventHeartbeatSent     EventType = "heartbeat_sent"
	EventHeartbeatReceived EventType = "heartbeat_received"
	EventHeartbeatFailed   EventType = "heartbeat_failed"
	EventHeartbeatTimeout  EventType = "heartbeat_timeout"
	EventAgentRecovered    EventType = "agent_recovered"
	EventMonitoringStarted EventType = "monitoringStarted"
	EventMonitoringStopped EventType = "monitoringStopped"
	EventStaleEntryRemoved EventType = "staleEntryRemoved"
)

// EventTypes is the closed set of event types emitted by the monitor
var EventTypes = []EventType{
	EventHeartbeatSent,
	EventHeartbeatReceived,
	EventHeartbeatFailed,
	EventHeartbeatTimeout,
	EventAgentRecovered,
	EventMonitoringStarted,
	EventMonitoringStopped,
	EventStaleEntryRemoved,
}

// Valid reports whether t belongs to the closed set of event types
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event represents a heartbeat event delivered to subscribers
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	AgentID   string                 `json:"agent_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

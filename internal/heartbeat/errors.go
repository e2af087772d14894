package heartbeat

import "errors"

var (
	// ErrInvalidConfig is returned when a heartbeat configuration fails validation
	ErrInvalidConfig = errors.New("invalid heartbeat config")

	// ErrAgentNotMonitored is returned when an operation targets an agent that is not being monitored
	ErrAgentNotMonitored = errors.New("agent not monitored")

	// ErrAgentNotFound is returned when no record exists for an agent
	ErrAgentNotFound = errors.New("agent not found")

	// ErrEmptyAgentID is returned when an agent ID is blank
	ErrEmptyAgentID = errors.New("agent id is empty")

	// ErrProbeTimeout is recorded when a probe does not resolve before its deadline
	ErrProbeTimeout = errors.New("heartbeat timed out")

	// ErrNoTransport is returned when a monitor is created without a transport
	ErrNoTransport = errors.New("transport is required")

	// ErrMonitorClosed is returned when the monitor has been shut down
	ErrMonitorClosed = errors.New("monitor closed")
)

package events

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

// LogSink writes every event to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

// Handle logs the event at a level matching its type
func (s *LogSink) Handle(evt model.Event) {
	fields := []zap.Field{
		zap.String("event_id", evt.ID),
		zap.String("agent_id", evt.AgentID),
		zap.Time("timestamp", evt.Timestamp),
	}
	if len(evt.Data) > 0 {
		fields = append(fields, zap.Any("data", evt.Data))
	}

	if ce := s.logger.Check(levelFor(evt.Type), string(evt.Type)); ce != nil {
		ce.Write(fields...)
	}
}

func levelFor(t model.EventType) zapcore.Level {
	switch t {
	case model.EventHeartbeatFailed, model.EventHeartbeatTimeout:
		return zapcore.WarnLevel
	case model.EventAgentRecovered, model.EventMonitoringStarted,
		model.EventMonitoringStopped, model.EventStaleEntryRemoved:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

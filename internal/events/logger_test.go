package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

func TestLogSink_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	sink.Handle(model.Event{ID: "1", Type: model.EventHeartbeatFailed, AgentID: "a1", Data: map[string]interface{}{"attempt": 1}})
	sink.Handle(model.Event{ID: "2", Type: model.EventAgentRecovered, AgentID: "a1"})
	sink.Handle(model.Event{ID: "3", Type: model.EventHeartbeatSent, AgentID: "a1"})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, string(model.EventHeartbeatFailed), entries[0].Message)
	assert.Equal(t, "a1", entries[0].ContextMap()["agent_id"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
}

func TestLogSink_RespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	sink.Handle(model.Event{Type: model.EventHeartbeatSent, AgentID: "a1"})
	assert.Zero(t, logs.Len())
}

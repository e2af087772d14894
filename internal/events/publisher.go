package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

const (
	// DefaultStreamName is the JetStream stream holding heartbeat events
	DefaultStreamName = "HEARTBEAT_EVENTS"

	// DefaultSubjectPrefix is prepended to the event type to form the subject
	DefaultSubjectPrefix = "heartbeat.events"
)

// PublisherConfig configures the JetStream publisher
type PublisherConfig struct {
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Publisher publishes events to JetStream on <prefix>.<event type>
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	config PublisherConfig
}

// NewPublisher creates a JetStream event publisher
func NewPublisher(js nats.JetStreamContext, config PublisherConfig, logger *zap.Logger) *Publisher {
	if config.Stream == "" {
		config.Stream = DefaultStreamName
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultSubjectPrefix
	}
	return &Publisher{
		logger: logger.Named("event-publisher"),
		js:     js,
		config: config,
	}
}

// EnsureStream creates the events stream if it does not exist yet
func (p *Publisher) EnsureStream() error {
	stream, err := p.js.StreamInfo(p.config.Stream)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     p.config.Stream,
		Subjects: []string{p.config.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   p.config.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("Event stream created",
		zap.String("stream", p.config.Stream),
		zap.String("subjects", p.config.SubjectPrefix+".>"))
	return nil
}

// Subject returns the subject an event type is published on
func (p *Publisher) Subject(t model.EventType) string {
	return p.config.SubjectPrefix + "." + string(t)
}

// Publish sends one event. The event ID doubles as the JetStream message ID.
func (p *Publisher) Publish(evt model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(p.Subject(evt.Type), data, nats.MsgId(evt.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Handle publishes the event and logs failures
func (p *Publisher) Handle(evt model.Event) {
	if err := p.Publish(evt); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("event_id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.String("agent_id", evt.AgentID),
			zap.Error(err))
	}
}

package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
	"github.com/t77yq/agent-heartbeat/internal/model"
)

// Sink consumes heartbeat events. Handle is called from a single goroutine.
type Sink interface {
	Handle(evt model.Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(evt model.Event)

// Handle calls f(evt)
func (f SinkFunc) Handle(evt model.Event) {
	f(evt)
}

// Dispatcher forwards notifier events to a set of sinks
type Dispatcher struct {
	logger   *zap.Logger
	notifier *heartbeat.Notifier
	sinks    []Sink
	buffer   int

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. buffer is the subscription capacity.
func NewDispatcher(notifier *heartbeat.Notifier, buffer int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("event-dispatcher"),
		notifier: notifier,
		sinks:    sinks,
		buffer:   buffer,
	}
}

// Start subscribes to the notifier and forwards events until ctx is done or Stop is called
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil {
		return
	}

	ch, cancel := d.notifier.Subscribe(d.buffer)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func(done chan struct{}) {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}(d.done)

	go func(done chan struct{}) {
		defer close(done)
		for evt := range ch {
			for _, sink := range d.sinks {
				d.deliver(sink, evt)
			}
		}
	}(d.done)

	d.logger.Info("Event dispatcher started", zap.Int("sinks", len(d.sinks)))
}

// Stop cancels the subscription and waits until buffered events are delivered
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Dispatcher) deliver(sink Sink, evt model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event sink panicked",
				zap.String("type", string(evt.Type)),
				zap.String("agent_id", evt.AgentID),
				zap.Any("panic", r))
		}
	}()
	sink.Handle(evt)
}

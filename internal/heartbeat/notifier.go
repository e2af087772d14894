package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

// DefaultSubscriptionBuffer is the channel capacity used when Subscribe is given a non-positive buffer
const DefaultSubscriptionBuffer = 256

type subscriber struct {
	ch    chan model.Event
	types map[model.EventType]struct{}
}

func (s *subscriber) wants(t model.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Notifier fans heartbeat events out to subscribers.
// Delivery never blocks the emitter: an event is dropped for a subscriber whose buffer is full.
type Notifier struct {
	logger   *zap.Logger
	metadata map[string]string

	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
	dropped atomic.Int64
}

// NewNotifier creates a notifier. metadata is attached to every emitted event.
func NewNotifier(logger *zap.Logger, metadata map[string]string) *Notifier {
	return &Notifier{
		logger:   logger.Named("notifier"),
		metadata: metadata,
		subs:     make(map[uint64]*subscriber),
	}
}

// Subscribe returns a channel receiving events of the given types, or all types when none are given.
// The returned function cancels the subscription and closes the channel.
func (n *Notifier) Subscribe(buffer int, types ...model.EventType) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}

	sub := &subscriber{ch: make(chan model.Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[model.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if s, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(s.ch)
			}
		})
	}
}

// Emit builds an event and delivers it to all interested subscribers
func (n *Notifier) Emit(eventType model.EventType, agentID string, data map[string]interface{}) model.Event {
	evt := model.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now(),
		Data:      data,
	}
	if len(n.metadata) > 0 {
		evt.Metadata = make(map[string]string, len(n.metadata))
		for k, v := range n.metadata {
			evt.Metadata[k] = v
		}
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			n.dropped.Add(1)
			n.logger.Warn("Subscriber buffer full, event dropped",
				zap.String("type", string(eventType)),
				zap.String("agent_id", agentID))
		}
	}
	return evt
}

// Dropped returns the number of events dropped because a subscriber was full
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close closes every subscription channel; later subscriptions receive a closed channel
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for id, sub := range n.subs {
		close(sub.ch)
		delete(n.subs, id)
	}
}

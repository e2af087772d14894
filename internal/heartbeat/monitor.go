package heartbeat

import (
	"context"
	"errors"
	"fmt"
	rand "math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

// agentTask is the per-agent scheduling state. The cycle semaphore guarantees at
// most one probe in flight, and every state mutation for the agent happens while
// it is held and after checking ctx.
type agentTask struct {
	id       string
	endpoint string
	config   Config

	ctx    context.Context
	cancel context.CancelFunc
	cycle  chan struct{}

	scheduled timerSlot
	retry     timerSlot
}

func newAgentTask(parent context.Context, id, endpoint string, cfg Config) *agentTask {
	ctx, cancel := context.WithCancel(parent)
	return &agentTask{
		id:       id,
		endpoint: endpoint,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		cycle:    make(chan struct{}, 1),
	}
}

func (t *agentTask) acquire(ctx context.Context) error {
	select {
	case t.cycle <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrAgentNotMonitored
	}
	if t.ctx.Err() != nil {
		t.release()
		return ErrAgentNotMonitored
	}
	return nil
}

func (t *agentTask) release() {
	<-t.cycle
}

// shutdown cancels the task and returns once no cycle is running and no timer is armed
func (t *agentTask) shutdown() {
	t.cancel()
	t.cycle <- struct{}{}
	t.scheduled.stop()
	t.retry.stop()
	<-t.cycle
}

// Option configures a Monitor
type Option func(*Monitor)

// WithStore makes the monitor use an existing store
func WithStore(store *Store) Option {
	return func(m *Monitor) {
		m.store = store
	}
}

// WithNotifier makes the monitor emit on an existing notifier. The caller keeps ownership.
func WithNotifier(notifier *Notifier) Option {
	return func(m *Monitor) {
		m.notifier = notifier
	}
}

// WithRandom replaces the jitter source. rnd must return values in [0,1).
func WithRandom(rnd func() float64) Option {
	return func(m *Monitor) {
		m.rnd = rnd
	}
}

// WithRetryStrategy replaces the backoff used between retries
func WithRetryStrategy(strategy StrategyFunc) Option {
	return func(m *Monitor) {
		m.strategy = strategy
	}
}

// Monitor schedules adaptive heartbeats for many agents
type Monitor struct {
	logger    *zap.Logger
	config    Config
	store     *Store
	notifier  *Notifier
	processor *Processor
	rnd       func() float64
	strategy  StrategyFunc

	ownsNotifier bool
	ctx          context.Context
	cancel       context.CancelFunc

	mu     sync.Mutex
	agents map[string]*agentTask
	closed bool
}

// New creates a monitor. An invalid config fails construction.
func New(cfg Config, transport Transport, logger *zap.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNoTransport
	}

	m := &Monitor{
		logger: logger.Named("heartbeat-monitor"),
		config: cfg,
		rnd:    rand.Float64,
		agents: make(map[string]*agentTask),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewStore()
	}
	if m.notifier == nil {
		m.notifier = NewNotifier(logger, nil)
		m.ownsNotifier = true
	}
	m.processor = NewProcessor(m.store, m.notifier, transport, NewRetryController(m.strategy, logger), logger)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m, nil
}

// Config returns the default heartbeat configuration
func (m *Monitor) Config() Config {
	return m.config
}

// Store returns the monitor's status store
func (m *Monitor) Store() *Store {
	return m.store
}

// Notifier returns the monitor's event notifier
func (m *Monitor) Notifier() *Notifier {
	return m.notifier
}

// StartMonitoring begins heartbeats for an agent with the default configuration.
// Starting an agent that is already monitored restarts it.
func (m *Monitor) StartMonitoring(agentID, endpoint string) error {
	return m.start(agentID, endpoint, m.config)
}

// StartMonitoringWithConfig begins heartbeats for an agent with overrides merged onto the default configuration
func (m *Monitor) StartMonitoringWithConfig(agentID, endpoint string, overrides PartialConfig) error {
	cfg := m.config.Merge(overrides)
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.start(agentID, endpoint, cfg)
}

func (m *Monitor) start(agentID, endpoint string, cfg Config) error {
	if agentID == "" {
		return ErrEmptyAgentID
	}

	task := newAgentTask(m.ctx, agentID, endpoint, cfg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMonitorClosed
	}
	prev := m.agents[agentID]
	m.agents[agentID] = task
	m.mu.Unlock()

	if prev != nil {
		prev.shutdown()
	}

	m.store.Ensure(agentID, endpoint, time.Now())
	next := m.scheduleNext(task)

	m.notifier.Emit(model.EventMonitoringStarted, agentID, map[string]interface{}{
		"endpoint":    endpoint,
		"interval_ms": cfg.Interval.Milliseconds(),
		"restarted":   prev != nil,
	})
	m.logger.Info("Monitoring started",
		zap.String("agent_id", agentID),
		zap.String("endpoint", endpoint),
		zap.Duration("first_heartbeat_in", next),
		zap.Bool("restarted", prev != nil))

	return nil
}

// StopMonitoring cancels the agent's scheduled heartbeat, pending retry and in-flight probe.
// Once it returns no further state change happens for the agent. Metrics are kept.
func (m *Monitor) StopMonitoring(agentID string) error {
	m.mu.Lock()
	task, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotMonitored, agentID)
	}

	task.shutdown()

	m.notifier.Emit(model.EventMonitoringStopped, agentID, map[string]interface{}{
		"endpoint": task.endpoint,
	})
	m.logger.Info("Monitoring stopped", zap.String("agent_id", agentID))
	return nil
}

// ForceHeartbeat runs an out-of-band heartbeat cycle and returns the resulting status.
// A failed probe is reported through the status, not as an error.
func (m *Monitor) ForceHeartbeat(ctx context.Context, agentID string) (model.AgentStatus, error) {
	task, err := m.lookup(agentID)
	if err != nil {
		return model.AgentStatusUnknown, err
	}

	if err := task.acquire(ctx); err != nil {
		if errors.Is(err, ErrAgentNotMonitored) {
			return model.AgentStatusUnknown, fmt.Errorf("%w: %s", ErrAgentNotMonitored, agentID)
		}
		return model.AgentStatusUnknown, err
	}
	out := m.processor.perform(task, cycleForced, m.retryFunc(task))
	m.afterCycle(task, out)
	task.release()

	if out.canceled {
		return model.AgentStatusUnknown, fmt.Errorf("%w: %s", ErrAgentNotMonitored, agentID)
	}
	return out.status, nil
}

// UpdateConfig merges overrides onto the agent's configuration and restarts its monitoring
func (m *Monitor) UpdateConfig(agentID string, overrides PartialConfig) error {
	task, err := m.lookup(agentID)
	if err != nil {
		return err
	}

	cfg := task.config.Merge(overrides)
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.logger.Info("Updating heartbeat config",
		zap.String("agent_id", agentID),
		zap.Duration("interval", cfg.Interval),
		zap.Duration("timeout", cfg.Timeout))
	return m.start(agentID, task.endpoint, cfg)
}

// AgentConfig returns the effective configuration of a monitored agent
func (m *Monitor) AgentConfig(agentID string) (Config, error) {
	task, err := m.lookup(agentID)
	if err != nil {
		return Config{}, err
	}
	return task.config, nil
}

// IsMonitored reports whether the agent currently has an active schedule
func (m *Monitor) IsMonitored(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.agents[agentID]
	return ok
}

// Monitored returns the IDs of all monitored agents
func (m *Monitor) Monitored() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// GetStatus returns a snapshot of the agent's record
func (m *Monitor) GetStatus(agentID string) (model.AgentRecord, error) {
	return m.store.Status(agentID)
}

// GetMetrics returns a snapshot of the agent's metrics
func (m *Monitor) GetMetrics(agentID string) (model.AgentMetrics, error) {
	return m.store.Metrics(agentID)
}

// GetOverview aggregates health across all tracked agents
func (m *Monitor) GetOverview() model.Overview {
	return m.store.Overview()
}

// PendingHeartbeats returns the number of in-flight probes for the agent
func (m *Monitor) PendingHeartbeats(agentID string) int {
	return m.processor.Pending(agentID)
}

// Close stops every agent. The notifier is closed when the monitor created it.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tasks := make([]*agentTask, 0, len(m.agents))
	for id, task := range m.agents {
		tasks = append(tasks, task)
		delete(m.agents, id)
	}
	m.mu.Unlock()

	for _, task := range tasks {
		task.shutdown()
	}
	m.cancel()

	if m.ownsNotifier {
		m.notifier.Close()
	}
	m.logger.Info("Heartbeat monitor closed", zap.Int("agents", len(tasks)))
}

func (m *Monitor) lookup(agentID string) (*agentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotMonitored, agentID)
	}
	return task, nil
}

// scheduleNext arms the agent's regular cycle from its current metrics and disarms any retry
func (m *Monitor) scheduleNext(task *agentTask) time.Duration {
	if task.ctx.Err() != nil {
		return 0
	}

	metrics, err := m.store.Metrics(task.id)
	if err != nil {
		metrics = model.AgentMetrics{}
	}

	next := NextInterval(task.config, metrics, m.rnd)
	task.retry.stop()
	task.scheduled.arm(next, func(seq uint64) {
		m.runCycle(task, cycleScheduled, &task.scheduled, seq)
	})
	return next
}

func (m *Monitor) retryFunc(task *agentTask) func(seq uint64) {
	return func(seq uint64) {
		m.runCycle(task, cycleRetry, &task.retry, seq)
	}
}

// runCycle is the timer entry point for scheduled and retry cycles. A timer that
// fired while another cycle held the lock is dropped if its slot was re-armed or
// stopped in the meantime.
func (m *Monitor) runCycle(task *agentTask, kind cycleKind, slot *timerSlot, seq uint64) {
	if err := task.acquire(task.ctx); err != nil {
		return
	}
	defer task.release()

	if !slot.current(seq) {
		m.logger.Debug("Superseded heartbeat timer dropped",
			zap.String("agent_id", task.id),
			zap.String("kind", kind.String()))
		return
	}

	out := m.processor.perform(task, kind, m.retryFunc(task))
	m.afterCycle(task, out)
}

// afterCycle hands the agent's wake-up either to the pending retry or back to the regular cadence
func (m *Monitor) afterCycle(task *agentTask, out outcome) {
	if out.canceled || task.ctx.Err() != nil {
		return
	}
	if out.retryScheduled {
		task.scheduled.stop()
		return
	}

	next := m.scheduleNext(task)
	m.logger.Debug("Heartbeat cycle complete",
		zap.String("agent_id", task.id),
		zap.Bool("ok", out.ok),
		zap.String("status", string(out.status)),
		zap.Duration("next_in", next))
}

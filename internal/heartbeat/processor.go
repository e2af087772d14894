package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

type cycleKind int

const (
	cycleScheduled cycleKind = iota
	cycleForced
	cycleRetry
)

func (k cycleKind) String() string {
	switch k {
	case cycleForced:
		return "forced"
	case cycleRetry:
		return "retry"
	default:
		return "scheduled"
	}
}

// outcome summarises a resolved heartbeat cycle for the scheduler
type outcome struct {
	canceled            bool
	ok                  bool
	status              model.AgentStatus
	consecutiveFailures int
	retryScheduled      bool
}

// pendingHeartbeat is an in-flight probe racing its deadline
type pendingHeartbeat struct {
	startedAt time.Time
	deadline  *time.Timer
}

type probeResult struct {
	resp *Response
	err  error
}

// Processor performs heartbeat probes and folds their outcomes into the store
type Processor struct {
	logger    *zap.Logger
	store     *Store
	notifier  *Notifier
	transport Transport
	retries   *RetryController

	mu      sync.Mutex
	pending map[string]*pendingHeartbeat
}

// NewProcessor creates a new outcome processor
func NewProcessor(store *Store, notifier *Notifier, transport Transport, retries *RetryController, logger *zap.Logger) *Processor {
	return &Processor{
		logger:    logger.Named("processor"),
		store:     store,
		notifier:  notifier,
		transport: transport,
		retries:   retries,
		pending:   make(map[string]*pendingHeartbeat),
	}
}

// Pending returns the number of in-flight probes for an agent (0 or 1)
func (p *Processor) Pending(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[agentID]; ok {
		return 1
	}
	return 0
}

func (p *Processor) begin(agentID string, timeout time.Duration) (*pendingHeartbeat, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pending[agentID]; exists {
		return nil, false
	}
	ph := &pendingHeartbeat{
		startedAt: time.Now(),
		deadline:  time.NewTimer(timeout),
	}
	p.pending[agentID] = ph
	return ph, true
}

func (p *Processor) finish(agentID string, ph *pendingHeartbeat) {
	ph.deadline.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[agentID] == ph {
		delete(p.pending, agentID)
	}
}

// perform runs one heartbeat attempt for the task. The caller must hold the task's cycle lock.
// retry is armed on the task's retry slot when the failure is still within the retry budget.
func (p *Processor) perform(task *agentTask, kind cycleKind, retry func(seq uint64)) outcome {
	if task.ctx.Err() != nil {
		return outcome{canceled: true}
	}

	cfg := task.config
	attempt := 1
	if err := p.store.Update(task.id, func(rec *model.AgentRecord, m *model.AgentMetrics) {
		if kind == cycleRetry {
			m.Retries++
			attempt = m.ConsecutiveFailures + 1
		} else {
			m.Sent++
		}
	}); err != nil {
		p.logger.Warn("Heartbeat skipped, agent has no record",
			zap.String("agent_id", task.id),
			zap.Error(err))
		return outcome{canceled: true}
	}

	p.notifier.Emit(model.EventHeartbeatSent, task.id, map[string]interface{}{
		"endpoint": task.endpoint,
		"attempt":  attempt,
		"kind":     kind.String(),
	})

	ph, ok := p.begin(task.id, cfg.Timeout)
	if !ok {
		p.logger.Error("Heartbeat already in flight",
			zap.String("agent_id", task.id))
		return outcome{canceled: true}
	}
	result, elapsed, canceled := p.probe(task, ph, cfg.Timeout)
	p.finish(task.id, ph)

	if canceled || task.ctx.Err() != nil {
		return outcome{canceled: true}
	}

	if result.err != nil {
		return p.recordFailure(task, attempt, result.err, retry)
	}
	return p.recordSuccess(task, kind, elapsed, result.resp)
}

// probe races the transport against the pending heartbeat's deadline
func (p *Processor) probe(task *agentTask, ph *pendingHeartbeat, timeout time.Duration) (probeResult, time.Duration, bool) {
	probeCtx, cancel := context.WithCancel(task.ctx)
	defer cancel()

	resCh := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- probeResult{err: fmt.Errorf("transport panic: %v", r)}
			}
		}()
		resp, err := p.transport.Send(probeCtx, task.endpoint)
		resCh <- probeResult{resp: resp, err: err}
	}()

	select {
	case res := <-resCh:
		return res, time.Since(ph.startedAt), false
	case <-ph.deadline.C:
		return probeResult{err: fmt.Errorf("%w after %s", ErrProbeTimeout, timeout)}, timeout, false
	case <-task.ctx.Done():
		return probeResult{}, 0, true
	}
}

func (p *Processor) recordSuccess(task *agentTask, kind cycleKind, elapsed time.Duration, resp *Response) outcome {
	now := time.Now()
	var previous, current model.AgentStatus
	var snapshot model.AgentMetrics

	_ = p.store.Update(task.id, func(rec *model.AgentRecord, m *model.AgentMetrics) {
		previous = rec.Status
		if previous == model.AgentStatusHealthy || previous == model.AgentStatusDegraded {
			m.Uptime += now.Sub(rec.LastSeen)
		}

		m.Received++
		m.ConsecutiveFailures = 0
		n := time.Duration(m.Received)
		m.AvgResponseTime = (m.AvgResponseTime*(n-1) + elapsed) / n
		m.SuccessRate = successRate(*m)

		current = Classify(true, elapsed, task.config.Timeout, *m)
		rec.Status = current
		rec.LastSeen = now
		rec.ResponseTime = elapsed
		rec.FailureReason = ""
		snapshot = *m
	})

	data := map[string]interface{}{
		"endpoint":         task.endpoint,
		"kind":             kind.String(),
		"status":           string(current),
		"previous_status":  string(previous),
		"response_time_ms": elapsed.Milliseconds(),
		"success_rate":     snapshot.SuccessRate,
	}
	if resp != nil {
		for k, v := range resp.Data {
			if _, reserved := data[k]; !reserved {
				data[k] = v
			}
		}
	}
	p.notifier.Emit(model.EventHeartbeatReceived, task.id, data)

	if isRecovery(previous, current) {
		p.notifier.Emit(model.EventAgentRecovered, task.id, map[string]interface{}{
			"previous_status":  string(previous),
			"response_time_ms": elapsed.Milliseconds(),
		})
		p.logger.Info("Agent recovered",
			zap.String("agent_id", task.id),
			zap.String("previous_status", string(previous)))
	}

	return outcome{ok: true, status: current}
}

func (p *Processor) recordFailure(task *agentTask, attempt int, probeErr error, retry func(seq uint64)) outcome {
	var consecutive int

	_ = p.store.Update(task.id, func(rec *model.AgentRecord, m *model.AgentMetrics) {
		m.Failed++
		m.ConsecutiveFailures++
		m.SuccessRate = successRate(*m)
		consecutive = m.ConsecutiveFailures

		rec.Status = model.AgentStatusFailed
		rec.FailureReason = probeErr.Error()
	})

	out := outcome{status: model.AgentStatusFailed, consecutiveFailures: consecutive}
	data := map[string]interface{}{
		"endpoint":             task.endpoint,
		"attempt":              attempt,
		"error":                probeErr.Error(),
		"consecutive_failures": consecutive,
	}

	if consecutive <= task.config.RetryAttempts {
		delay := p.retries.Schedule(&task.retry, task.id, task.config, consecutive, retry)
		data["retry_delay_ms"] = delay.Milliseconds()
		out.retryScheduled = true
	}

	p.notifier.Emit(model.EventHeartbeatFailed, task.id, data)
	p.logger.Warn("Heartbeat failed",
		zap.String("agent_id", task.id),
		zap.Int("attempt", attempt),
		zap.Int("consecutive_failures", consecutive),
		zap.Error(probeErr))

	if !out.retryScheduled {
		p.notifier.Emit(model.EventHeartbeatTimeout, task.id, map[string]interface{}{
			"consecutive_failures": consecutive,
			"retry_attempts":       task.config.RetryAttempts,
			"error":                probeErr.Error(),
		})
	}
	return out
}

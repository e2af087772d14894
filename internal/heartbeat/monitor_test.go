package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

var errUnreachable = errors.New("connection refused")

// scriptedTransport fails the calls whose index is listed in failures and succeeds otherwise
type scriptedTransport struct {
	delay    time.Duration
	failures map[int]bool

	mu    sync.Mutex
	calls int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *scriptedTransport) Send(ctx context.Context, endpoint string) (*Response, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.failures[idx] {
		return nil, errUnreachable
	}
	return &Response{Data: map[string]interface{}{"version": "1.0.0"}}, nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// manualConfig never fires a regular cycle during a test, so cycles are driven by ForceHeartbeat
func manualConfig() Config {
	return Config{
		Interval:           time.Hour,
		Timeout:            200 * time.Millisecond,
		RetryAttempts:      0,
		BackoffMultiplier:  2,
		MaxBackoffInterval: 2 * time.Hour,
		AdaptiveInterval:   false,
		JitterPercentage:   0,
	}
}

func newTestMonitor(t *testing.T, cfg Config, transport Transport, opts ...Option) (*Monitor, <-chan model.Event) {
	t.Helper()

	m, err := New(cfg, transport, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	events, _ := m.Notifier().Subscribe(4096)
	return m, events
}

func ofType(events []model.Event, eventType model.EventType) []model.Event {
	var out []model.Event
	for _, evt := range events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// recorder drains a subscription in the background for tests driven by real timers
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func record(ch <-chan model.Event) *recorder {
	r := &recorder{}
	go func() {
		for evt := range ch {
			r.mu.Lock()
			r.events = append(r.events, evt)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) Of(eventType model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ofType(r.events, eventType)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := manualConfig()
	cfg.Timeout = cfg.Interval

	_, err := New(cfg, &scriptedTransport{}, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(manualConfig(), nil, zaptest.NewLogger(t))
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestMonitor_StartStop(t *testing.T) {
	m, events := newTestMonitor(t, manualConfig(), &scriptedTransport{})

	require.ErrorIs(t, m.StartMonitoring("", "http://x"), ErrEmptyAgentID)
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))
	assert.True(t, m.IsMonitored("a1"))
	assert.Equal(t, []string{"a1"}, m.Monitored())

	rec, err := m.GetStatus("a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusUnknown, rec.Status)
	assert.Equal(t, "http://a1", rec.Endpoint)

	require.NoError(t, m.StartMonitoring("a1", "http://a1"))
	require.NoError(t, m.StopMonitoring("a1"))
	assert.False(t, m.IsMonitored("a1"))
	require.ErrorIs(t, m.StopMonitoring("a1"), ErrAgentNotMonitored)

	_, err = m.GetMetrics("a1")
	require.NoError(t, err, "metrics are kept after stop")

	got := drain(events)
	started := ofType(got, model.EventMonitoringStarted)
	require.Len(t, started, 2)
	assert.Equal(t, false, started[0].Data["restarted"])
	assert.Equal(t, true, started[1].Data["restarted"])
	assert.Len(t, ofType(got, model.EventMonitoringStopped), 1)
}

func TestMonitor_UnmonitoredAgent(t *testing.T) {
	m, _ := newTestMonitor(t, manualConfig(), &scriptedTransport{})

	_, err := m.ForceHeartbeat(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrAgentNotMonitored)

	require.ErrorIs(t, m.UpdateConfig("ghost", PartialConfig{}), ErrAgentNotMonitored)

	_, err = m.GetStatus("ghost")
	require.ErrorIs(t, err, ErrAgentNotFound)
	_, err = m.GetMetrics("ghost")
	require.ErrorIs(t, err, ErrAgentNotFound)

	overview := m.GetOverview()
	assert.Zero(t, overview.Total)
}

func TestMonitor_ForceHeartbeat(t *testing.T) {
	transport := &scriptedTransport{failures: map[int]bool{1: true}}
	m, events := newTestMonitor(t, manualConfig(), transport)
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))
	ctx := context.Background()

	status, err := m.ForceHeartbeat(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusHealthy, status)

	status, err = m.ForceHeartbeat(ctx, "a1")
	require.NoError(t, err, "probe failures are not errors")
	assert.Equal(t, model.AgentStatusFailed, status)

	rec, err := m.GetStatus("a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, errUnreachable.Error())

	metrics, err := m.GetMetrics("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), metrics.Sent)
	assert.Equal(t, int64(1), metrics.Received)
	assert.Equal(t, int64(1), metrics.Failed)
	assert.Equal(t, 1, metrics.ConsecutiveFailures)
	assert.Equal(t, 50.0, metrics.SuccessRate)

	got := drain(events)
	assert.Len(t, ofType(got, model.EventHeartbeatSent), 2)
	received := ofType(got, model.EventHeartbeatReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "1.0.0", received[0].Data["version"])
	assert.Len(t, ofType(got, model.EventHeartbeatFailed), 1)
	assert.Len(t, ofType(got, model.EventHeartbeatTimeout), 1, "no retry budget left")
	assert.Equal(t, 0, m.PendingHeartbeats("a1"))
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	m, _ := newTestMonitor(t, manualConfig(), &scriptedTransport{delay: time.Second})
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))

	start := time.Now()
	status, err := m.ForceHeartbeat(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusFailed, status)
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	rec, err := m.GetStatus("a1")
	require.NoError(t, err)
	assert.Contains(t, rec.FailureReason, ErrProbeTimeout.Error())
}

func TestMonitor_RecoveryEmittedOnce(t *testing.T) {
	transport := &scriptedTransport{failures: map[int]bool{0: true}}
	m, events := newTestMonitor(t, manualConfig(), transport)
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))
	ctx := context.Background()

	var statuses []model.AgentStatus
	for i := 0; i < 12; i++ {
		status, err := m.ForceHeartbeat(ctx, "a1")
		require.NoError(t, err)
		statuses = append(statuses, status)
	}

	assert.Equal(t, model.AgentStatusFailed, statuses[0])
	for i := 1; i < 9; i++ {
		assert.Equal(t, model.AgentStatusDegraded, statuses[i], "cycle %d", i)
	}
	// 9 of 10 received
	assert.Equal(t, model.AgentStatusHealthy, statuses[9])
	assert.Equal(t, model.AgentStatusHealthy, statuses[11])

	recovered := ofType(drain(events), model.EventAgentRecovered)
	require.Len(t, recovered, 1)
	assert.Equal(t, string(model.AgentStatusDegraded), recovered[0].Data["previous_status"])
}

func TestMonitor_FirstContactIsNotRecovery(t *testing.T) {
	m, events := newTestMonitor(t, manualConfig(), &scriptedTransport{})
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))

	for i := 0; i < 3; i++ {
		status, err := m.ForceHeartbeat(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, model.AgentStatusHealthy, status)
	}
	assert.Empty(t, ofType(drain(events), model.EventAgentRecovered))
}

func TestMonitor_AtMostOneInFlight(t *testing.T) {
	transport := &scriptedTransport{delay: 30 * time.Millisecond}
	m, _ := newTestMonitor(t, manualConfig(), transport)
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))

	stop := make(chan struct{})
	var sampled atomic.Int32
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if p := int32(m.PendingHeartbeats("a1")); p > sampled.Load() {
					sampled.Store(p)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ForceHeartbeat(context.Background(), "a1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(stop)

	assert.Equal(t, 8, transport.Calls())
	assert.Equal(t, int32(1), transport.maxInFlight.Load())
	assert.LessOrEqual(t, sampled.Load(), int32(1))

	metrics, err := m.GetMetrics("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), metrics.Sent)
	assert.Equal(t, int64(8), metrics.Received)
}

func TestMonitor_StopCancelsInFlight(t *testing.T) {
	cfg := manualConfig()
	cfg.Timeout = 30 * time.Minute
	transport := &scriptedTransport{delay: time.Hour}
	m, events := newTestMonitor(t, cfg, transport)
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.ForceHeartbeat(context.Background(), "a1")
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return m.PendingHeartbeats("a1") == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.StopMonitoring("a1"))
	assert.Equal(t, 0, m.PendingHeartbeats("a1"))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrAgentNotMonitored)
	case <-time.After(2 * time.Second):
		t.Fatal("forced heartbeat did not return after stop")
	}

	metrics, err := m.GetMetrics("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Sent)
	assert.Zero(t, metrics.Received)
	assert.Zero(t, metrics.Failed)

	got := drain(events)
	assert.Empty(t, ofType(got, model.EventHeartbeatFailed))
	assert.Empty(t, ofType(got, model.EventHeartbeatReceived))
}

func TestMonitor_UpdateConfig(t *testing.T) {
	m, events := newTestMonitor(t, manualConfig(), &scriptedTransport{})
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))

	bad := 2 * time.Hour
	require.ErrorIs(t, m.UpdateConfig("a1", PartialConfig{Timeout: &bad}), ErrInvalidConfig)

	interval := 30 * time.Minute
	retries := 5
	require.NoError(t, m.UpdateConfig("a1", PartialConfig{Interval: &interval, RetryAttempts: &retries}))

	cfg, err := m.AgentConfig("a1")
	require.NoError(t, err)
	assert.Equal(t, interval, cfg.Interval)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, m.Config().Timeout, cfg.Timeout)
	assert.Equal(t, time.Hour, m.Config().Interval, "defaults are untouched")

	started := ofType(drain(events), model.EventMonitoringStarted)
	require.Len(t, started, 2)
	assert.Equal(t, interval.Milliseconds(), started[1].Data["interval_ms"])
	assert.Equal(t, true, started[1].Data["restarted"])
}

func TestMonitor_StartWithOverrides(t *testing.T) {
	m, _ := newTestMonitor(t, manualConfig(), &scriptedTransport{})

	jitter := 150.0
	require.ErrorIs(t, m.StartMonitoringWithConfig("a1", "http://a1", PartialConfig{JitterPercentage: &jitter}), ErrInvalidConfig)
	assert.False(t, m.IsMonitored("a1"))

	retries := 4
	require.NoError(t, m.StartMonitoringWithConfig("a1", "http://a1", PartialConfig{RetryAttempts: &retries}))
	cfg, err := m.AgentConfig("a1")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.RetryAttempts)
}

func TestMonitor_ConvergesToHealthy(t *testing.T) {
	cfg := Config{
		Interval:           300 * time.Millisecond,
		Timeout:            200 * time.Millisecond,
		RetryAttempts:      0,
		BackoffMultiplier:  1,
		MaxBackoffInterval: time.Second,
		AdaptiveInterval:   false,
	}
	m, events := newTestMonitor(t, cfg, &scriptedTransport{delay: cfg.Timeout / 2})
	rec := record(events)
	require.NoError(t, m.StartMonitoring("a1", "http://a1"))

	require.Eventually(t, func() bool {
		return len(rec.Of(model.EventHeartbeatReceived)) >= 3
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, m.StopMonitoring("a1"))

	status, err := m.GetStatus("a1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusHealthy, status.Status)

	metrics, err := m.GetMetrics("a1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, metrics.SuccessRate)
	assert.Zero(t, metrics.ConsecutiveFailures)
	assert.Greater(t, metrics.Uptime, time.Duration(0))

	for _, evt := range rec.Of(model.EventHeartbeatSent) {
		assert.Equal(t, "scheduled", evt.Data["kind"])
	}
	assert.Empty(t, rec.Of(model.EventAgentRecovered))
}

func TestMonitor_RetryThenRecover(t *testing.T) {
	cfg := Config{
		Interval:           time.Second,
		Timeout:            500 * time.Millisecond,
		RetryAttempts:      2,
		BackoffMultiplier:  2,
		MaxBackoffInterval: 8 * time.Second,
		AdaptiveInterval:   true,
		JitterPercentage:   0,
	}
	transport := &scriptedTransport{failures: map[int]bool{0: true, 1: true}}
	m, events := newTestMonitor(t, cfg, transport)
	rec := record(events)
	require.NoError(t, m.StartMonitoring("agent-1", "http://agent-1"))

	require.Eventually(t, func() bool {
		return len(rec.Of(model.EventAgentRecovered)) == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, m.StopMonitoring("agent-1"))

	failed := rec.Of(model.EventHeartbeatFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, 1, failed[0].Data["consecutive_failures"])
	assert.Equal(t, 2, failed[1].Data["consecutive_failures"])
	assert.Equal(t, int64(1000), failed[0].Data["retry_delay_ms"])
	assert.Equal(t, int64(2000), failed[1].Data["retry_delay_ms"])
	assert.Empty(t, rec.Of(model.EventHeartbeatTimeout))

	sent := rec.Of(model.EventHeartbeatSent)
	require.Len(t, sent, 3)
	assert.Equal(t, "scheduled", sent[0].Data["kind"])
	assert.Equal(t, "retry", sent[1].Data["kind"])
	assert.Equal(t, "retry", sent[2].Data["kind"])

	status, err := m.GetStatus("agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusHealthy, status.Status)
	assert.Empty(t, status.FailureReason)

	metrics, err := m.GetMetrics("agent-1")
	require.NoError(t, err)
	assert.Zero(t, metrics.ConsecutiveFailures)
	assert.Equal(t, int64(1), metrics.Sent)
	assert.Equal(t, int64(1), metrics.Received)
	assert.Equal(t, int64(2), metrics.Failed)
	assert.Equal(t, int64(2), metrics.Retries)
	assert.Len(t, rec.Of(model.EventAgentRecovered), 1)
}

func TestMonitor_Close(t *testing.T) {
	m, err := New(manualConfig(), &scriptedTransport{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	events, _ := m.Notifier().Subscribe(16)

	require.NoError(t, m.StartMonitoring("a1", "http://a1"))
	require.NoError(t, m.StartMonitoring("a2", "http://a2"))

	m.Close()
	m.Close()

	assert.Empty(t, m.Monitored())
	require.ErrorIs(t, m.StartMonitoring("a3", "http://a3"), ErrMonitorClosed)

	for range events {
	}
}

func TestMonitor_ForcedCycleSupersedesPendingRetry(t *testing.T) {
	cfg := manualConfig()
	cfg.RetryAttempts = 1
	cfg.MaxBackoffInterval = 100 * time.Millisecond

	transport := &scriptedTransport{delay: 150 * time.Millisecond, failures: map[int]bool{0: true}}
	m, events := newTestMonitor(t, cfg, transport)
	rec := record(events)
	require.NoError(t, m.StartMonitoring("agent-1", "http://agent-1"))

	status, err := m.ForceHeartbeat(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, model.AgentStatusFailed, status)

	// the retry is due at 100ms and fires while this cycle holds the lock
	status, err = m.ForceHeartbeat(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusDegraded, status)

	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 2, transport.Calls())
	metrics, err := m.GetMetrics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.Retries)
	assert.Equal(t, int64(2), metrics.Sent)
	assert.Equal(t, 0, metrics.ConsecutiveFailures)

	sent := rec.Of(model.EventHeartbeatSent)
	require.Len(t, sent, 2)
	assert.Equal(t, "forced", sent[0].Data["kind"])
	assert.Equal(t, "forced", sent[1].Data["kind"])
}

func TestMonitor_ForcedCycleSupersedesScheduledTimer(t *testing.T) {
	cfg := Config{
		Interval:           400 * time.Millisecond,
		Timeout:            350 * time.Millisecond,
		RetryAttempts:      0,
		BackoffMultiplier:  2,
		MaxBackoffInterval: time.Hour,
	}

	transport := &scriptedTransport{delay: 300 * time.Millisecond}
	m, events := newTestMonitor(t, cfg, transport)
	rec := record(events)
	require.NoError(t, m.StartMonitoring("agent-1", "http://agent-1"))

	// the scheduled cycle is due at 400ms and fires while the forced cycle holds the lock
	time.Sleep(200 * time.Millisecond)
	_, err := m.ForceHeartbeat(context.Background(), "agent-1")
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, transport.Calls())
	metrics, err := m.GetMetrics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Sent)

	// the regular cadence resumes from the forced cycle
	require.Eventually(t, func() bool {
		return len(rec.Of(model.EventHeartbeatSent)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	sent := rec.Of(model.EventHeartbeatSent)
	assert.Equal(t, "forced", sent[0].Data["kind"])
	assert.Equal(t, "scheduled", sent[1].Data["kind"])
}

type fixedDelay time.Duration

func (d fixedDelay) NextRetry(int) time.Duration {
	return time.Duration(d)
}

func TestMonitor_WithRetryStrategy(t *testing.T) {
	cfg := manualConfig()
	cfg.RetryAttempts = 2

	transport := &scriptedTransport{failures: map[int]bool{0: true}}
	m, events := newTestMonitor(t, cfg, transport, WithRetryStrategy(func(Config) RetryStrategy {
		return fixedDelay(50 * time.Millisecond)
	}))
	rec := record(events)
	require.NoError(t, m.StartMonitoring("agent-1", "http://agent-1"))

	status, err := m.ForceHeartbeat(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, model.AgentStatusFailed, status)

	require.Eventually(t, func() bool {
		return len(rec.Of(model.EventHeartbeatReceived)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	failed := rec.Of(model.EventHeartbeatFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(50), failed[0].Data["retry_delay_ms"])

	metrics, err := m.GetMetrics("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Retries)
}

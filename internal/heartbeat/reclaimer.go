package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

const (
	// DefaultReclaimPeriod is how often the reclaimer sweeps
	DefaultReclaimPeriod = 5 * time.Minute

	// DefaultStaleThreshold is how long an unmonitored agent may go unseen before it is removed
	DefaultStaleThreshold = 30 * time.Minute
)

// ActivityChecker reports whether an agent still has an active schedule
type ActivityChecker interface {
	IsMonitored(agentID string) bool
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Reclaimer periodically removes records of agents that are no longer monitored
// and have not been seen within the staleness threshold
type Reclaimer struct {
	logger    *zap.Logger
	store     *Store
	notifier  *Notifier
	activity  ActivityChecker
	period    time.Duration
	threshold time.Duration
	cron      *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewReclaimer creates a reclaimer sweeping every period
func NewReclaimer(store *Store, notifier *Notifier, activity ActivityChecker, period, threshold time.Duration, logger *zap.Logger) (*Reclaimer, error) {
	if period <= 0 {
		return nil, fmt.Errorf("reclaim period must be positive, got %s", period)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive, got %s", threshold)
	}

	named := logger.Named("reclaimer")
	cl := &cronLogger{logger: named.Named("cron")}
	return &Reclaimer{
		logger:    named,
		store:     store,
		notifier:  notifier,
		activity:  activity,
		period:    period,
		threshold: threshold,
		cron:      cron.New(cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
	}, nil
}

// Start schedules the periodic sweep. The sweep stops when ctx is done or Stop is called.
func (r *Reclaimer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	spec := fmt.Sprintf("@every %s", r.period)
	if _, err := r.cron.AddFunc(spec, func() {
		r.Sweep(time.Now())
	}); err != nil {
		return fmt.Errorf("failed to schedule reclaimer: %w", err)
	}
	r.cron.Start()
	r.running = true

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	r.logger.Info("Reclaimer started",
		zap.Duration("period", r.period),
		zap.Duration("threshold", r.threshold))
	return nil
}

// Stop halts the periodic sweep and waits for a running sweep to finish
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.logger.Info("Reclaimer stopped")
}

// Sweep removes every stale, unmonitored agent as of now and returns the removed IDs
func (r *Reclaimer) Sweep(now time.Time) []string {
	cutoff := now.Add(-r.threshold)

	var removed []string
	for _, id := range r.store.StaleBefore(cutoff) {
		if !r.store.DeleteStale(id, cutoff, r.activity.IsMonitored) {
			continue
		}
		removed = append(removed, id)
		r.notifier.Emit(model.EventStaleEntryRemoved, id, map[string]interface{}{
			"threshold_ms": r.threshold.Milliseconds(),
		})
	}

	if len(removed) > 0 {
		r.logger.Info("Stale entries removed",
			zap.Int("count", len(removed)),
			zap.Strings("agent_ids", removed))
	}
	return removed
}

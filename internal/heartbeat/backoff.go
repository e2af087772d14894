package heartbeat

import (
	"time"

	"go.uber.org/zap"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given zero-based retry attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt && delay <= float64(s.MaxDelay); i++ {
		delay *= s.Multiplier
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// StrategyFunc builds the retry strategy for an agent's configuration
type StrategyFunc func(cfg Config) RetryStrategy

// DefaultStrategy is exponential backoff from BaseRetryDelay capped at MaxBackoffInterval
func DefaultStrategy(cfg Config) RetryStrategy {
	return &ExponentialBackoff{
		InitialDelay: BaseRetryDelay,
		MaxDelay:     cfg.MaxBackoffInterval,
		Multiplier:   cfg.BackoffMultiplier,
	}
}

// RetryController schedules bounded retries after consecutive heartbeat failures
type RetryController struct {
	logger   *zap.Logger
	strategy StrategyFunc
}

// NewRetryController creates a new retry controller. A nil strategy selects DefaultStrategy.
func NewRetryController(strategy StrategyFunc, logger *zap.Logger) *RetryController {
	if strategy == nil {
		strategy = DefaultStrategy
	}
	return &RetryController{
		logger:   logger.Named("retry-controller"),
		strategy: strategy,
	}
}

// Delay returns the strategy's delay before the retry following consecutiveFailures failures.
// With DefaultStrategy that is min(BaseRetryDelay * multiplier^(consecutiveFailures-1), MaxBackoffInterval).
func (rc *RetryController) Delay(cfg Config, consecutiveFailures int) time.Duration {
	attempt := consecutiveFailures - 1
	if attempt < 0 {
		attempt = 0
	}
	return rc.strategy(cfg).NextRetry(attempt)
}

// Schedule arms the agent's retry slot, superseding any retry already pending, and returns the delay used
func (rc *RetryController) Schedule(slot *timerSlot, agentID string, cfg Config, consecutiveFailures int, fire func(seq uint64)) time.Duration {
	delay := rc.Delay(cfg, consecutiveFailures)
	slot.arm(delay, fire)

	rc.logger.Debug("Retry scheduled",
		zap.String("agent_id", agentID),
		zap.Int("consecutive_failures", consecutiveFailures),
		zap.Duration("delay", delay))
	return delay
}

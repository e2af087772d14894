package heartbeat

import (
	"math"
	"time"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

// NextInterval computes the delay before the next regular heartbeat cycle.
// rnd must return a uniform value in [0,1).
func NextInterval(cfg Config, m model.AgentMetrics, rnd func() float64) time.Duration {
	interval := adaptInterval(cfg, m)

	if m.ConsecutiveFailures > 0 {
		interval *= math.Pow(cfg.BackoffMultiplier, float64(m.ConsecutiveFailures))
		interval = math.Min(interval, float64(cfg.MaxBackoffInterval))
	}

	interval = applyJitter(interval, cfg.JitterPercentage, rnd)

	if interval < float64(MinInterval) {
		return MinInterval
	}
	return time.Duration(interval)
}

// adaptInterval shrinks the base interval for unreliable agents and stretches it for reliable ones.
// Nothing is adapted before the first heartbeat has been sent.
func adaptInterval(cfg Config, m model.AgentMetrics) float64 {
	interval := float64(cfg.Interval)
	if !cfg.AdaptiveInterval || m.Sent == 0 {
		return interval
	}

	switch {
	case m.SuccessRate < adaptiveLowRate:
		floor := math.Min(float64(adaptiveFloor), interval)
		interval = math.Max(interval*adaptiveShrinkRatio, floor)
	case m.SuccessRate > adaptiveHighRate:
		interval = math.Min(interval*adaptiveGrowFactor, math.Max(float64(cfg.MaxBackoffInterval), interval))
	}
	return interval
}

func applyJitter(interval, percentage float64, rnd func() float64) float64 {
	if percentage <= 0 || rnd == nil {
		return interval
	}
	spread := interval * percentage / 100
	return interval + (rnd()*2-1)*spread
}

package heartbeat

import (
	"fmt"
	"time"
)

const (
	// MinInterval is the smallest accepted base interval and the hard floor of any computed interval
	MinInterval = 100 * time.Millisecond

	// BaseRetryDelay is the first retry delay before the backoff multiplier applies
	BaseRetryDelay = time.Second

	adaptiveFloor       = time.Second
	adaptiveLowRate     = 50.0
	adaptiveHighRate    = 95.0
	adaptiveGrowFactor  = 1.5
	adaptiveShrinkRatio = 0.5
)

// Config defines the heartbeat behaviour for a monitored agent.
// A Config is treated as immutable once it has passed Validate.
type Config struct {
	Interval           time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts" yaml:"retry_attempts" json:"retry_attempts"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxBackoffInterval time.Duration `mapstructure:"max_backoff_interval" yaml:"max_backoff_interval" json:"max_backoff_interval"`
	AdaptiveInterval   bool          `mapstructure:"adaptive_interval" yaml:"adaptive_interval" json:"adaptive_interval"`
	JitterPercentage   float64       `mapstructure:"jitter_percentage" yaml:"jitter_percentage" json:"jitter_percentage"`
}

// DefaultConfig returns the configuration used when nothing else is supplied
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		RetryAttempts:      3,
		BackoffMultiplier:  2,
		MaxBackoffInterval: 5 * time.Minute,
		AdaptiveInterval:   true,
		JitterPercentage:   10,
	}
}

// Validate checks every field and returns an error wrapping ErrInvalidConfig
func (c Config) Validate() error {
	switch {
	case c.Interval < MinInterval:
		return fmt.Errorf("%w: interval %s is below %s", ErrInvalidConfig, c.Interval, MinInterval)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	case c.Timeout >= c.Interval:
		return fmt.Errorf("%w: timeout %s must be less than interval %s", ErrInvalidConfig, c.Timeout, c.Interval)
	case c.RetryAttempts < 0:
		return fmt.Errorf("%w: retry attempts must not be negative", ErrInvalidConfig)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff multiplier %.2f is below 1", ErrInvalidConfig, c.BackoffMultiplier)
	case c.MaxBackoffInterval <= 0:
		return fmt.Errorf("%w: max backoff interval must be positive", ErrInvalidConfig)
	case c.JitterPercentage < 0 || c.JitterPercentage > 100:
		return fmt.Errorf("%w: jitter percentage %.2f outside [0,100]", ErrInvalidConfig, c.JitterPercentage)
	}
	return nil
}

// PartialConfig carries optional overrides merged onto a Config
type PartialConfig struct {
	Interval           *time.Duration `mapstructure:"interval" yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout            *time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryAttempts      *int           `mapstructure:"retry_attempts" yaml:"retry_attempts,omitempty" json:"retry_attempts,omitempty"`
	BackoffMultiplier  *float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
	MaxBackoffInterval *time.Duration `mapstructure:"max_backoff_interval" yaml:"max_backoff_interval,omitempty" json:"max_backoff_interval,omitempty"`
	AdaptiveInterval   *bool          `mapstructure:"adaptive_interval" yaml:"adaptive_interval,omitempty" json:"adaptive_interval,omitempty"`
	JitterPercentage   *float64       `mapstructure:"jitter_percentage" yaml:"jitter_percentage,omitempty" json:"jitter_percentage,omitempty"`
}

// IsZero reports whether no override is set
func (p PartialConfig) IsZero() bool {
	return p == PartialConfig{}
}

// Merge returns a copy of c with every set field of p applied. The result is not validated.
func (c Config) Merge(p PartialConfig) Config {
	if p.Interval != nil {
		c.Interval = *p.Interval
	}
	if p.Timeout != nil {
		c.Timeout = *p.Timeout
	}
	if p.RetryAttempts != nil {
		c.RetryAttempts = *p.RetryAttempts
	}
	if p.BackoffMultiplier != nil {
		c.BackoffMultiplier = *p.BackoffMultiplier
	}
	if p.MaxBackoffInterval != nil {
		c.MaxBackoffInterval = *p.MaxBackoffInterval
	}
	if p.AdaptiveInterval != nil {
		c.AdaptiveInterval = *p.AdaptiveInterval
	}
	if p.JitterPercentage != nil {
		c.JitterPercentage = *p.JitterPercentage
	}
	return c
}

// With returns a copy of p with every set field of o applied
func (p PartialConfig) With(o PartialConfig) PartialConfig {
	if o.Interval != nil {
		p.Interval = o.Interval
	}
	if o.Timeout != nil {
		p.Timeout = o.Timeout
	}
	if o.RetryAttempts != nil {
		p.RetryAttempts = o.RetryAttempts
	}
	if o.BackoffMultiplier != nil {
		p.BackoffMultiplier = o.BackoffMultiplier
	}
	if o.MaxBackoffInterval != nil {
		p.MaxBackoffInterval = o.MaxBackoffInterval
	}
	if o.AdaptiveInterval != nil {
		p.AdaptiveInterval = o.AdaptiveInterval
	}
	if o.JitterPercentage != nil {
		p.JitterPercentage = o.JitterPercentage
	}
	return p
}

package poller

import (
	"errors"
	"time"
)

// ErrSchedulerClosed is returned when starting a session on a closed Scheduler.
var ErrSchedulerClosed = errors.New("poller: scheduler is closed")

// Config holds the cadence settings of a polling session.
type Config struct {
	// BaseInterval is the cadence while polls succeed.
	BaseInterval time.Duration `yaml:"base_interval"`
	// HiddenInterval is the cadence while the host is hidden and
	// PauseWhenHidden is set. Zero pauses polling entirely while hidden.
	HiddenInterval time.Duration `yaml:"hidden_interval"`
	// MaxBackoff caps the interval after consecutive failures.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// PauseWhenHidden switches to HiddenInterval while the host is hidden.
	PauseWhenHidden bool `yaml:"pause_when_hidden"`

	// MaxIdleInterval caps how far an adaptive session stretches its
	// interval while the polled data is unchanged.
	MaxIdleInterval time.Duration `yaml:"max_idle_interval"`
	// UnchangedThreshold is the number of consecutive unchanged polls after
	// which an adaptive session doubles its interval.
	UnchangedThreshold int `yaml:"unchanged_threshold"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseInterval:       5 * time.Second,
		HiddenInterval:     60 * time.Second,
		MaxBackoff:         60 * time.Second,
		PauseWhenHidden:    true,
		MaxIdleInterval:    2 * time.Minute,
		UnchangedThreshold: 3,
	}
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 12 * c.BaseInterval
	}
	if c.MaxBackoff < c.BaseInterval {
		c.MaxBackoff = c.BaseInterval
	}
	if c.UnchangedThreshold <= 0 {
		c.UnchangedThreshold = 3
	}
	if c.MaxIdleInterval < c.BaseInterval {
		c.MaxIdleInterval = c.BaseInterval
	}
	return c
}

// backoffInterval returns min(base * 2^(errorStreak-1), maxBackoff), so the
// first failure retries at the base cadence and each further one doubles it.
func backoffInterval(base, maxBackoff time.Duration, errorStreak int) time.Duration {
	d := base
	for i := 1; i < errorStreak; i++ {
		if d >= maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	return min(d, maxBackoff)
}

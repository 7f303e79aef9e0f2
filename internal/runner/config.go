package runner

import "time"

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 300 * time.Second
	DefaultMultiplier     = 2.0
	DefaultMinDelay       = time.Second
	DefaultPollInterval   = 500 * time.Millisecond
)

// Config controls reconnect pacing. Zero fields take the defaults above.
// MaxRetries <= 0 retries forever.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxRetries     int
	MinDelay       time.Duration
	PollInterval   time.Duration
}

func DefaultConfig() Config { return Config{}.withDefaults() }

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

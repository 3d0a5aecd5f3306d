package executor

import "time"

// Config defines the executor limits.
type Config struct {
	// MaxConcurrent is the maximum number of jobs in the Running state.
	MaxConcurrent int `yaml:"max_concurrent"`
	// CancelGrace is how long a cancelled job may take to exit before it
	// is killed.
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent: 2,
		CancelGrace:   10 * time.Second,
	}
}

func (c *Config) normalized() *Config {
	out := *DefaultConfig()
	if c == nil {
		return &out
	}
	if c.MaxConcurrent > 0 {
		out.MaxConcurrent = c.MaxConcurrent
	}
	if c.CancelGrace > 0 {
		out.CancelGrace = c.CancelGrace
	}
	return &out
}

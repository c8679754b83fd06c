package txqueue

import "time"

const (
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 5 * time.Minute
	DefaultReapInterval = time.Minute
)

type Config struct {
	// Debug enables per-cycle diagnostic logging.
	Debug bool
	// PollInterval is the cadence of the reconciliation worker.
	PollInterval time.Duration
	// Timeout is the age after which an unresolved pending transaction is
	// moved to timeout instead of being polled forever.
	Timeout time.Duration
	// MaxRetries, when non-zero, forces a timeout once a transaction has been
	// polled unsuccessfully that many times, even inside the Timeout window.
	MaxRetries uint32
	// RetentionPeriod keeps terminal records around before the reaper removes
	// them. Zero disables reaping entirely.
	RetentionPeriod time.Duration
	ReapInterval    time.Duration
	// ChainIDFilter restricts the queue to a single chain. Zero tracks all.
	ChainIDFilter uint64
	// Clock is overridable for testing.
	Clock Clock
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
}

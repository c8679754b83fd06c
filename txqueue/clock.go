package txqueue

import "time"

// Clock abstracts time for the worker so reconciliation policy is testable
// without real delays.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

var SystemClock Clock = systemClock{}

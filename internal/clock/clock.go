package clock

import "time"

// Clock abstracts wall time so lifecycle thresholds can be driven in tests.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

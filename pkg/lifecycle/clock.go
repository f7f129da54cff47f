package lifecycle

import "time"

// Clock supplies the current time. Injecting it keeps backoff scheduling
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

package retry

import "time"

// Policy maps a record's attempt count to a backoff delay and decides when
// retries are exhausted. It is a total function: Delay saturates at the
// last table entry for any attempt count beyond it.
type Policy struct {
	Backoff     []time.Duration
	MaxAttempts int
}

// Default is the stock policy: 1m, 5m, 15m, 30m with a cap of 4 attempts.
func Default() Policy {
	return Policy{
		Backoff:     []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute},
		MaxAttempts: 4,
	}
}

// Delay returns the minimum wait after the given attempt before the record
// becomes re-claimable. Attempt counts below 1 map to the first entry.
func (p Policy) Delay(attempts int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

// Exhausted reports whether a record with the given attempt count has no
// retries left; the next failure is terminal.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

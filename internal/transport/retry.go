package transport

import "time"

type RetryContext struct {
	PreviousRetryCount int
	ElapsedTime        time.Duration
	RetryReason        error
}

// RetryPolicy decides how long to wait before the next reconnect
// attempt. Returning false stops reconnecting and closes the connection.
type RetryPolicy interface {
	NextRetryDelay(RetryContext) (time.Duration, bool)
}

// DelaySchedule retries forever, using the last delay once the schedule
// is exhausted.
type DelaySchedule []time.Duration

func (s DelaySchedule) NextRetryDelay(rc RetryContext) (time.Duration, bool) {
	if len(s) == 0 {
		return 0, false
	}
	i := rc.PreviousRetryCount
	if i >= len(s) {
		i = len(s) - 1
	}
	if i < 0 {
		i = 0
	}
	return s[i], true
}

var DefaultReconnectDelays = DelaySchedule{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
}

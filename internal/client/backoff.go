package client

import "time"

// Backoff returns the wait before reconnect attempt n (1-indexed): base doubled n-1 times,
// capped at maxDelay.
func Backoff(n int, base, maxDelay time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := base
	for i := 1; i < n; i++ {
		if delay >= maxDelay {
			return maxDelay
		}
		delay *= 2
	}
	return min(delay, maxDelay)
}

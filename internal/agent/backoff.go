package agent

import "time"

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// connectBackoff returns the reconnect delay for a given retry count,
// doubling from baseDelay and capped at maxDelay.
func connectBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		return baseDelay
	}
	if retryCount > 30 {
		return maxDelay
	}
	backoff := baseDelay * time.Duration(1<<retryCount)
	if backoff > maxDelay {
		return maxDelay
	}
	return backoff
}

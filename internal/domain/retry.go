package domain

import "time"

// DefaultRetryMaxAttempts is the attempt cap after which a retry item is
// marked exhausted.
const DefaultRetryMaxAttempts = 10

// retryDelays is the fixed backoff ladder for webhook redelivery. Attempts
// beyond the ladder stay capped at the final value.
var retryDelays = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
	600 * time.Second,
}

// RetryDelay returns the wait before the next delivery attempt given how
// many attempts have already been made (1-based). The schedule is
// non-decreasing: 30s, 60s, 120s, 240s, then 600s capped.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(retryDelays) {
		attempts = len(retryDelays)
	}
	return retryDelays[attempts-1]
}

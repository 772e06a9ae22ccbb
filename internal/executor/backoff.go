package executor

import "time"

// ComputeBackoff returns the delay before retry attempt (0-based) under
// the given strategy, mirroring experiment_executor.py's
// _calculate_retry_delay exactly: linear always returns base; exponential
// returns base*2^attempt capped at 30 minutes (§4.E). This does not
// reuse internal/notify's jittered RetryPolicy — the vendor retry loop
// needs these exact, non-jittered values.
func ComputeBackoff(strategy string, retryDelayMinutes, attempt int) time.Duration {
	base := time.Duration(retryDelayMinutes) * time.Minute
	if strategy != "exponential" {
		return base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	const maxDelay = 30 * time.Minute
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

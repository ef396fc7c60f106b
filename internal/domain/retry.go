package domain

import "time"

// MaxAttempts bounds queue deliveries per job and retries per provider call.
const MaxAttempts = 3

// RetryDelay returns the wait before retry n (1-based): base × 2^(n−1).
func RetryDelay(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base << (n - 1)
}

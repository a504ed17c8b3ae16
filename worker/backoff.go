package worker

import "time"

// Backoff returns the delay before retry number attempt: base doubled for
// every earlier attempt and capped at max. It is deterministic.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift >= 62 {
		return max
	}
	d := base << shift
	if d <= 0 || d > max || d>>shift != base {
		return max
	}
	return d
}

// Package reliability provides the retry policies used to reconnect to the
// broker.
//
// A RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. FixedDelay and ExponentialBackoff retry forever when their
// limit is zero or less; RetryableError marks an error as final.
//
// Example usage:
//
//	policy := NewFixedDelay(5*time.Second, 0)
//	err := Retry(ctx, policy, func(attempt int) error {
//	    return dial()
//	}, nil)
package reliability

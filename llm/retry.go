package llm

import "time"

// RetryConfig holds retry configuration for LLM requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per endpoint.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry defaults: 3 attempts, 2s doubling
// up to 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// NoRetryConfig makes a single attempt per endpoint. The judge uses it so
// a slow provider degrades to a failed verdict quickly.
func NoRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 1, BackoffBase: time.Second, BackoffMultiplier: 1, MaxBackoff: time.Second}
}

package ports

import "time"

const (
	// MirrorRetryBaseDelay is the first backoff step for mirror reads.
	MirrorRetryBaseDelay = 1 * time.Second
	// MirrorRetryFactor doubles the delay between attempts.
	MirrorRetryFactor = 2
	// MirrorMaxAttempts bounds retries within one reconciliation cycle.
	MirrorMaxAttempts = 3
)

package models

import "time"

// DefaultMaxRetryDelay caps the backoff computed for any single retry.
const DefaultMaxRetryDelay = 1 * time.Hour

// RetryPolicy computes retry delays and node deadlines from a node's retry
// configuration.
type RetryPolicy struct {
	// MaxDelay caps the computed backoff. Zero means DefaultMaxRetryDelay.
	MaxDelay time.Duration
}

// NextAttempt returns the delay before the given attempt number may run and
// whether the node's retry budget is exhausted. Attempt numbers start at 1
// for the first execution; attempt N+1 is the Nth retry.
func (p RetryPolicy) NextAttempt(node *WorkflowNode, attempt int) (time.Duration, bool) {
	if attempt > node.RetryCount {
		return 0, true
	}

	delay := time.Duration(node.RetryDelaySeconds) * time.Second
	if node.UseExponentialBackoff {
		for i := 1; i < attempt; i++ {
			delay *= 2

			if delay >= p.maxDelay() {
				break
			}
		}
	}

	if delay > p.maxDelay() {
		delay = p.maxDelay()
	}

	return delay, false
}

// TimeoutDeadline returns the absolute deadline for one visit to the node, or
// nil when the node has no timeout configured.
func (p RetryPolicy) TimeoutDeadline(node *WorkflowNode, enteredAt time.Time) *time.Time {
	if node.TimeoutMinutes <= 0 {
		return nil
	}

	deadline := enteredAt.Add(time.Duration(node.TimeoutMinutes) * time.Minute)

	return &deadline
}

func (p RetryPolicy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}

	return DefaultMaxRetryDelay
}

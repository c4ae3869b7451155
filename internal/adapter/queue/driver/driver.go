// Package driver holds helpers shared by the queue driver implementations:
// attempt stamping and per-driver retry backoff schedules.
package driver

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxAttempts is the delivery budget used when an enqueue does not set
// one.
const DefaultMaxAttempts = 3

// StampAttempt returns payload with its `__attempt` field set to the 1-based
// delivery counter. Non-object payloads are rejected; they would be
// undeliverable anyway since every envelope is a JSON object.
func StampAttempt(payload json.RawMessage, attempt int) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("op=queue.stamp_attempt: payload is not a JSON object: %w", err)
	}
	m["__attempt"] = attempt
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("op=queue.stamp_attempt: %w", err)
	}
	return out, nil
}

// BackoffFunc maps the number of failed deliveries so far to the delay before
// the next one. Schedules are monotonically non-decreasing and capped.
type BackoffFunc func(failures int) time.Duration

// Exponential returns base·2^(failures-1) capped at max.
func Exponential(base, max time.Duration) BackoffFunc {
	return func(failures int) time.Duration {
		if failures < 1 {
			failures = 1
		}
		d := base
		for i := 1; i < failures; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// Fixed returns the delay at index failures-1, repeating the last entry once
// the schedule is exhausted.
func Fixed(delays ...time.Duration) BackoffFunc {
	return func(failures int) time.Duration {
		if len(delays) == 0 {
			return 0
		}
		i := failures - 1
		if i < 0 {
			i = 0
		}
		if i >= len(delays) {
			i = len(delays) - 1
		}
		return delays[i]
	}
}

// Package retry executes operations with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/conclave-ai/conclave/pkg/logging"
)

// Policy controls retry behavior.
type Policy struct {
	MaximumAttempts    int32
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// RetryIf decides whether an error is retriable. Nil retries everything.
	RetryIf func(error) bool
}

// Executor handles the execution of operations with retries
type Executor struct {
	policy *Policy
	logger logging.Logger
}

// NewExecutor creates a new retry executor with the given policy
func NewExecutor(policy *Policy) *Executor {
	return &Executor{
		policy: policy,
		logger: logging.New(),
	}
}

// Execute executes the given operation with retries based on the policy
func (e *Executor) Execute(ctx context.Context, operation func() error) error {
	var lastErr error
	attempt := int32(0)
	currentInterval := e.policy.InitialInterval

	for attempt < e.policy.MaximumAttempts {
		select {
		case <-ctx.Done():
			e.logger.Debug(ctx, "Context cancelled during retry", map[string]interface{}{
				"attempt": attempt,
				"error":   ctx.Err(),
			})
			return ctx.Err()
		default:
			if err := operation(); err == nil {
				return nil
			} else {
				lastErr = err
				attempt++

				if e.policy.RetryIf != nil && !e.policy.RetryIf(err) {
					e.logger.Debug(ctx, "Error not retriable", map[string]interface{}{
						"attempt": attempt,
						"error":   err.Error(),
					})
					return err
				}

				if attempt >= e.policy.MaximumAttempts {
					e.logger.Debug(ctx, "Maximum attempts reached", map[string]interface{}{
						"attempt": attempt,
						"error":   err.Error(),
					})
					break
				}

				// Calculate next backoff interval
				nextInterval := time.Duration(float64(currentInterval) * e.policy.BackoffCoefficient)
				if nextInterval > e.policy.MaximumInterval {
					nextInterval = e.policy.MaximumInterval
				}

				e.logger.Debug(ctx, "Operation failed, scheduling retry", map[string]interface{}{
					"attempt":          attempt,
					"error":            err.Error(),
					"current_interval": currentInterval,
					"next_interval":    nextInterval,
				})

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(currentInterval):
					currentInterval = nextInterval
				}
			}
		}
	}

	return lastErr
}

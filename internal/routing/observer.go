package routing

import (
	"context"
	"time"

	"github.com/vnmchuo/chatgate/internal/failure"
)

// AttemptResult describes one finished provider attempt.
type AttemptResult struct {
	// Model is the requested model id, the key availability is tracked by.
	Model    string
	Attempt  Attempt
	Stream   bool
	Duration time.Duration
	// Outcome is nil when the attempt succeeded.
	Outcome *failure.Outcome
	// FailedOver is set when the gateway moved on to another provider
	// after this attempt.
	FailedOver bool
}

func (r AttemptResult) Succeeded() bool { return r.Outcome == nil }

// AttemptObserver is notified after every provider attempt. Implementations
// must be safe for concurrent use and must not block.
type AttemptObserver interface {
	ObserveAttempt(ctx context.Context, r AttemptResult)
}

// Observers fans one result out to several observers.
type Observers []AttemptObserver

func (o Observers) ObserveAttempt(ctx context.Context, r AttemptResult) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveAttempt(ctx, r)
		}
	}
}

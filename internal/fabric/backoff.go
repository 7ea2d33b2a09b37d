package fabric

import (
	"context"
	"time"
)

// Backoff is a fixed retry schedule. The fabric has exactly two uses: the
// anchor confirmation schedule and the store correlation slices; both are
// documented constants, not tunables.
type Backoff struct {
	steps []time.Duration
}

func NewBackoff(steps ...time.Duration) Backoff {
	return Backoff{steps: steps}
}

// AnchorConfirmBackoff is the on-chain confirmation schedule: total budget
// just under 20 seconds.
func AnchorConfirmBackoff() Backoff {
	return NewBackoff(2*time.Second, 3*time.Second, 5*time.Second, 5*time.Second, 5*time.Second)
}

// Steps returns the number of waits in the schedule.
func (b Backoff) Steps() int { return len(b.steps) }

// Wait sleeps for step i, honoring context cancellation.
func (b Backoff) Wait(ctx context.Context, i int) error {
	if i < 0 || i >= len(b.steps) {
		return nil
	}
	t := time.NewTimer(b.steps[i])
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Timings groups every time constant of the fabric. Tests shrink these;
// production uses the defaults.
type Timings struct {
	// Poll cadence. Minimum intervals keep the process comfortably under
	// the mirror node's rate ceiling.
	InboundPollInterval    time.Duration
	ConnectionPollInterval time.Duration

	// Correlation: how long to wait for the off-bus copy after observing
	// an anchor, and the slice between store checks.
	StoreWaitTotal time.Duration
	StoreWaitSlice time.Duration

	// On-chain anchor confirmation schedule.
	ConfirmBackoff Backoff

	// Accepted skew between an anchor's sender timestamp and local wall
	// clock when matching a candidate anchor.
	ClockSkewTolerance time.Duration

	// Message store policy.
	StoreRetention     time.Duration
	StoreSweepInterval time.Duration

	// How long an anchor without a payload stays eligible for bus-side
	// reconciliation.
	PendingAnchorTTL time.Duration
}

// DefaultTimings returns the documented production schedule.
func DefaultTimings() Timings {
	return Timings{
		InboundPollInterval:    10 * time.Second,
		ConnectionPollInterval: 15 * time.Second,
		StoreWaitTotal:         2 * time.Second,
		StoreWaitSlice:         200 * time.Millisecond,
		ConfirmBackoff:         AnchorConfirmBackoff(),
		ClockSkewTolerance:     5 * time.Minute,
		StoreRetention:         time.Hour,
		StoreSweepInterval:     5 * time.Minute,
		PendingAnchorTTL:       5 * time.Minute,
	}
}

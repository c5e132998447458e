package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Outcome is how a single offer ended.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimedOut Outcome = "timed_out"
)

type RideSubscriber interface {
	SubscribeRide(ctx context.Context, rideID string) (storage.Subscription, error)
}

// Waiter blocks on a ride's change feed until the offered driver answers or
// the offer window closes.
type Waiter struct {
	Rides RideSubscriber
}

// Await resolves Accepted or Rejected on a decision addressed to driverID and
// TimedOut once timeout has elapsed since the call. Snapshots for another
// driver are ignored. The subscription is released on every return path.
func (w *Waiter) Await(ctx context.Context, rideID, driverID string, timeout time.Duration) (Outcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sub, err := w.Rides.SubscribeRide(ctx, rideID)
	if err != nil {
		return "", fmt.Errorf("subscribe ride %s: %w", rideID, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case r, ok := <-sub.Updates():
			if !ok {
				if err := sub.Err(); err != nil {
					return "", fmt.Errorf("%w: %w", ErrSubscriptionClosed, err)
				}
				return "", ErrSubscriptionClosed
			}
			switch r.DecisionFor(driverID) {
			case models.DecisionAccepted:
				return OutcomeAccepted, nil
			case models.DecisionRejected:
				return OutcomeRejected, nil
			}
		case <-timer.C:
			return OutcomeTimedOut, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

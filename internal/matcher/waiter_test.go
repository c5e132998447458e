package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func offeredRide(t *testing.T, driverID string) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	require.NoError(t, s.CreateRide(context.Background(), &models.Ride{ID: "r1", Origin: origin}))
	_, err := s.RecordOffer(context.Background(), "r1", driverID)
	require.NoError(t, err)
	return s
}

func TestAwaitTimesOutWithinBound(t *testing.T) {
	s := offeredRide(t, "d1")
	w := &Waiter{Rides: s}

	start := time.Now()
	out, err := w.Await(context.Background(), "r1", "d1", 60*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, out)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, s.Subscribers("r1"))
}

func TestAwaitResolvesOnDecision(t *testing.T) {
	for _, tc := range []struct {
		decision models.Decision
		want     Outcome
	}{
		{models.DecisionAccepted, OutcomeAccepted},
		{models.DecisionRejected, OutcomeRejected},
	} {
		t.Run(string(tc.decision), func(t *testing.T) {
			s := offeredRide(t, "d1")
			w := &Waiter{Rides: s}
			go func() {
				time.Sleep(10 * time.Millisecond)
				_ = s.RecordDecision(context.Background(), "r1", "d1", tc.decision)
			}()

			out, err := w.Await(context.Background(), "r1", "d1", time.Second)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
			assert.Equal(t, 0, s.Subscribers("r1"))
		})
	}
}

func TestAwaitSeesDecisionRecordedBeforeSubscribe(t *testing.T) {
	s := offeredRide(t, "d1")
	require.NoError(t, s.RecordDecision(context.Background(), "r1", "d1", models.DecisionAccepted))

	out, err := (&Waiter{Rides: s}).Await(context.Background(), "r1", "d1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out)
}

func TestAwaitIgnoresDecisionForAnotherDriver(t *testing.T) {
	s := offeredRide(t, "d2")
	require.NoError(t, s.RecordDecision(context.Background(), "r1", "d2", models.DecisionAccepted))

	out, err := (&Waiter{Rides: s}).Await(context.Background(), "r1", "d1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, out)
}

func TestAwaitHonoursCancel(t *testing.T) {
	s := offeredRide(t, "d1")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := (&Waiter{Rides: s}).Await(ctx, "r1", "d1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Subscribers("r1"))
}

type brokenSub struct {
	ch   chan models.Ride
	err  error
	stop int
}

func (b *brokenSub) Updates() <-chan models.Ride { return b.ch }
func (b *brokenSub) Err() error                  { return b.err }
func (b *brokenSub) Unsubscribe()                { b.stop++ }

type brokenFeed struct{ sub *brokenSub }

func (f brokenFeed) SubscribeRide(context.Context, string) (storage.Subscription, error) {
	return f.sub, nil
}

func TestAwaitReportsClosedSubscription(t *testing.T) {
	sub := &brokenSub{ch: make(chan models.Ride), err: errors.New("listener lost")}
	close(sub.ch)

	_, err := (&Waiter{Rides: brokenFeed{sub}}).Await(context.Background(), "r1", "d1", time.Second)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	assert.ErrorContains(t, err, "listener lost")
	assert.Equal(t, 1, sub.stop)
}

func TestAwaitUnknownRide(t *testing.T) {
	_, err := (&Waiter{Rides: storage.NewMemoryStore()}).Await(context.Background(), "nope", "d1", time.Second)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func seedRide(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	require.NoError(t, s.CreateRide(context.Background(), &models.Ride{ID: id, Origin: models.Coord{Lat: 1, Lon: 1}}))
}

func TestCreateRideRejectsDuplicate(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	err := s.CreateRide(context.Background(), &models.Ride{ID: "r1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	r, err := s.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Empty(t, r.AttemptedDrivers)
}

func TestRecordOfferAppendsWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "r1")

	r, err := s.RecordOffer(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, r.AttemptedDrivers)
	assert.Equal(t, "d1", r.OfferedDriverID)
	assert.Equal(t, models.StatusAwaitingDriver, r.Status)

	require.NoError(t, s.RecordDecision(ctx, "r1", "d1", models.DecisionRejected))
	r, err = s.RecordOffer(ctx, "r1", "d2")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, r.AttemptedDrivers)
	assert.Equal(t, models.DecisionNone, r.Decision, "a new offer clears the previous decision")

	_, err = s.RecordOffer(ctx, "r1", "d1")
	assert.ErrorIs(t, err, ErrDuplicateAttempt)
}

func TestTerminalRideIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	_, err := s.RecordOffer(ctx, "r1", "d1")
	require.NoError(t, err)
	require.NoError(t, s.SetRideStatus(ctx, "r1", models.StatusMatched))

	assert.ErrorIs(t, s.SetRideStatus(ctx, "r1", models.StatusNoDriversAvailable), ErrTerminal)
	_, err = s.RecordOffer(ctx, "r1", "d2")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, s.RecordDecision(ctx, "r1", "d1", models.DecisionRejected), ErrStaleDecision)
}

func TestSetRideStatusRejectsSkippingOffer(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	assert.ErrorIs(t, s.SetRideStatus(context.Background(), "r1", models.StatusMatched), ErrInvalidTransition)
	assert.ErrorIs(t, s.SetRideStatus(context.Background(), "missing", models.StatusMatched), ErrNotFound)
}

func TestRecordDecisionOnlyForOfferedDriver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	assert.ErrorIs(t, s.RecordDecision(ctx, "r1", "d1", models.DecisionAccepted), ErrStaleDecision)

	_, err := s.RecordOffer(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.ErrorIs(t, s.RecordDecision(ctx, "r1", "d2", models.DecisionAccepted), ErrStaleDecision)
	require.NoError(t, s.RecordDecision(ctx, "r1", "d1", models.DecisionAccepted))
	assert.ErrorIs(t, s.RecordDecision(ctx, "r1", "d1", models.DecisionRejected), ErrStaleDecision)
}

func TestExpireOfferClosesUnansweredOffer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	_, err := s.ExpireOffer(ctx, "r1", "d1")
	assert.ErrorIs(t, err, ErrStaleDecision, "nothing offered yet")

	_, err = s.RecordOffer(ctx, "r1", "d1")
	require.NoError(t, err)
	_, err = s.ExpireOffer(ctx, "r1", "d2")
	assert.ErrorIs(t, err, ErrStaleDecision)

	dec, err := s.ExpireOffer(ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionExpired, dec)
	assert.ErrorIs(t, s.RecordDecision(ctx, "r1", "d1", models.DecisionAccepted), ErrStaleDecision)

	_, err = s.RecordOffer(ctx, "r1", "d2")
	require.NoError(t, err)
	require.NoError(t, s.RecordDecision(ctx, "r1", "d2", models.DecisionAccepted))
	dec, err = s.ExpireOffer(ctx, "r1", "d2")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAccepted, dec, "a recorded reply is kept")

	r, err := s.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAccepted, r.Decision)
}

func TestSubscribeDeliversCurrentThenLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "r1")

	sub, err := s.SubscribeRide(ctx, "r1")
	require.NoError(t, err)
	first := <-sub.Updates()
	assert.Equal(t, models.StatusPending, first.Status)

	_, err = s.RecordOffer(ctx, "r1", "d1")
	require.NoError(t, err)
	require.NoError(t, s.RecordDecision(ctx, "r1", "d1", models.DecisionAccepted))

	latest := <-sub.Updates()
	assert.Equal(t, models.DecisionAccepted, latest.Decision, "slow readers only see the newest snapshot")

	assert.Equal(t, 1, s.Subscribers("r1"))
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, s.Subscribers("r1"))
	_, open := <-sub.Updates()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}

func TestSubscribeUnknownRide(t *testing.T) {
	_, err := NewMemoryStore().SubscribeRide(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryDriversFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, d := range []models.Driver{
		{ID: "c", Online: true},
		{ID: "a", Online: true},
		{ID: "b", Online: false},
		{ID: "d", Online: true},
	} {
		d := d
		require.NoError(t, s.UpsertDriver(ctx, &d))
	}
	ok, err := s.ReserveDriver(ctx, "d")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.QueryDrivers(ctx, Eligible)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestUpsertDriverKeepsReservation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Online: true}))
	ok, err := s.ReserveDriver(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Online: true, Loc: models.Coord{Lat: 2}}))
	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.UnderConsideration)
	assert.Equal(t, 2.0, d.Loc.Lat)
}

func TestReserveDriverIsExclusive(t *testing.T) {
	ctx := context.Background()
	for run := 0; run < 200; run++ {
		s := NewMemoryStore()
		require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Online: true}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := s.ReserveDriver(ctx, "d1")
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int32(1), wins.Load(), "run %d", run)
	}
}

func TestReserveRequiresOnlineAndKnownDriver(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "off", Online: false}))
	ok, err := s.ReserveDriver(ctx, "off")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.ReserveDriver(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.UpsertDriver(ctx, &models.Driver{ID: "d1", Online: true}))

	require.NoError(t, s.ReleaseDriver(ctx, "d1"))
	require.NoError(t, s.ReleaseDriver(ctx, "ghost"))
	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.UnderConsideration)

	ok, err := s.ReserveDriver(ctx, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseDriver(ctx, "d1"))
	require.NoError(t, s.ReleaseDriver(ctx, "d1"))
	d, err = s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, d.UnderConsideration)
}

func TestSubscriptionDeliveryDoesNotBlockWriters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedRide(t, s, "r1")
	sub, err := s.SubscribeRide(ctx, "r1")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_, _ = s.RecordOffer(ctx, "r1", string(rune('a'+i%26))+string(rune('a'+i/26)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writers blocked on an unread subscription")
	}
}

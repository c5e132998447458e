package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const DefaultOfferTimeout = 15 * time.Second

type RideStore interface {
	RideSubscriber
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	RecordOffer(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	SetRideStatus(ctx context.Context, rideID string, status models.RideStatus) error
	ExpireOffer(ctx context.Context, rideID, driverID string) (models.Decision, error)
}

type DriverQuerier interface {
	QueryDrivers(ctx context.Context, f storage.DriverFilter) ([]models.Driver, error)
}

// Dispatcher pushes an offer to the driver's device. Delivery is best-effort.
type Dispatcher interface {
	Offer(ctx context.Context, d models.Driver, offer models.Offer) error
}

type EventPublisher interface {
	PublishDispatchEvent(ctx context.Context, ev models.DispatchEvent) error
}

// MatchHook runs once a ride is matched. Its failure does not undo the match.
type MatchHook interface {
	RideMatched(ctx context.Context, ride models.Ride, driverID string) error
}

type ETAEstimator interface {
	Estimate(from, to models.Coord) float64
}

// RunOutcome is the terminal business result of a dispatch run.
type RunOutcome string

const (
	RunMatched      RunOutcome = "matched"
	RunExhausted    RunOutcome = "exhausted"
	RunNoCandidates RunOutcome = "no_candidates"
)

type Result struct {
	RideID    string
	Outcome   RunOutcome
	DriverID  string
	Attempted []string
}

// Service drives one ride at a time through its ranked candidates. Rides,
// Drivers and Guard are required; the rest is optional.
type Service struct {
	Rides        RideStore
	Drivers      DriverQuerier
	Guard        Guard
	Dispatch     Dispatcher
	Events       EventPublisher
	OnMatch      MatchHook
	ETA          ETAEstimator
	OfferTimeout time.Duration
	Logger       *slog.Logger

	initOnce sync.Once
	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func (s *Service) init() {
	s.initOnce.Do(func() {
		s.base, s.stop = context.WithCancel(context.Background())
		s.inflight = make(map[string]struct{})
		if s.Logger == nil {
			s.Logger = logging.Discard()
		}
		if s.OfferTimeout <= 0 {
			s.OfferTimeout = DefaultOfferTimeout
		}
	})
}

// Start validates the request and launches the dispatch run in the
// background. Errors returned here happen before the run begins:
// ErrInvalidInput (including an unknown ride), ErrRideTerminal,
// ErrDispatchInProgress or a StoreError.
func (s *Service) Start(ctx context.Context, rideID string, origin models.Coord) error {
	s.init()
	if rideID == "" {
		return fmt.Errorf("%w: ride_id is required", ErrInvalidInput)
	}
	if err := geo.ValidateCoord(origin); err != nil {
		return fmt.Errorf("%w: origin: %w", ErrInvalidInput, err)
	}
	ride, err := s.Rides.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %w: %s", ErrInvalidInput, ErrRideNotFound, rideID)
	}
	if err != nil {
		return storeFailure("load ride", err)
	}
	if ride.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRideTerminal, rideID, ride.Status)
	}
	if !s.claim(rideID) {
		return fmt.Errorf("%w: %s", ErrDispatchInProgress, rideID)
	}
	if s.base.Err() != nil {
		s.unclaim(rideID)
		return fmt.Errorf("dispatcher is shutting down")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unclaim(rideID)
		_, _ = s.Run(s.base, rideID, origin)
	}()
	return nil
}

func (s *Service) claim(rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[rideID]; busy {
		return false
	}
	s.inflight[rideID] = struct{}{}
	return true
}

func (s *Service) unclaim(rideID string) {
	s.mu.Lock()
	delete(s.inflight, rideID)
	s.mu.Unlock()
}

// Shutdown cancels in-flight runs and waits for them to release their drivers.
func (s *Service) Shutdown(ctx context.Context) error {
	s.init()
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes a dispatch run synchronously. Business outcomes come back in
// Result; an error means the run was aborted and should be re-triggered.
func (s *Service) Run(ctx context.Context, rideID string, origin models.Coord) (Result, error) {
	s.init()
	start := time.Now()
	observability.DispatchActive.Inc()
	defer observability.DispatchActive.Dec()

	log := s.Logger.With("ride_id", rideID)
	res, err := s.run(ctx, log, rideID, origin)

	label := string(res.Outcome)
	switch {
	case err != nil && ctx.Err() != nil:
		label = "canceled"
	case err != nil:
		label = "error"
	}
	observability.DispatchRunsTotal.WithLabelValues(label).Inc()
	observability.DispatchRunDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		log.Error("dispatch run aborted", "error", err, "attempted", res.Attempted)
		return res, err
	}
	log.Info("dispatch run finished", "outcome", res.Outcome, "driver_id", res.DriverID, "attempted", res.Attempted)
	return res, nil
}

func (s *Service) run(ctx context.Context, log *slog.Logger, rideID string, origin models.Coord) (Result, error) {
	res := Result{RideID: rideID, Attempted: []string{}}

	drivers, err := s.Drivers.QueryDrivers(ctx, storage.Eligible)
	if err != nil {
		return res, storeFailure("query drivers", err)
	}
	observability.EligibleDrivers.Set(float64(len(drivers)))
	if len(drivers) == 0 {
		log.Info("no drivers available")
		if err := s.Rides.SetRideStatus(ctx, rideID, models.StatusNoDriversAvailable); err != nil {
			return res, storeFailure("mark no drivers", err)
		}
		res.Outcome = RunNoCandidates
		s.publish(ctx, models.EventNoCandidates, rideID, "", 0)
		return res, nil
	}

	ranked, err := geo.Rank(origin, drivers)
	if err != nil {
		return res, fmt.Errorf("rank candidates: %w", err)
	}

	for _, c := range ranked {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id := c.Driver.ID
		ok, err := s.Guard.Reserve(ctx, id)
		if err != nil {
			return res, storeFailure("reserve driver", err)
		}
		if !ok {
			observability.ReservationConflicts.Inc()
			log.Debug("driver reserved by another run, skipping", "driver_id", id)
			continue
		}

		outcome, attempted, err := s.offer(ctx, log, rideID, origin, c)
		if attempted != nil {
			res.Attempted = attempted
		}
		if errors.Is(err, storage.ErrDuplicateAttempt) {
			// Offered by an earlier, aborted run of this ride.
			log.Debug("driver already attempted, skipping", "driver_id", id)
			if err := s.Guard.Release(ctx, id); err != nil {
				return res, storeFailure("release driver", err)
			}
			continue
		}
		if err != nil {
			s.release(ctx, log, id)
			return res, err
		}

		if outcome == OutcomeAccepted {
			if err := s.Rides.SetRideStatus(ctx, rideID, models.StatusMatched); err != nil {
				s.release(ctx, log, id)
				return res, storeFailure("mark matched", err)
			}
			res.Outcome = RunMatched
			res.DriverID = id
			s.publish(ctx, models.EventMatched, rideID, id, c.DistanceMeters)
			s.matched(ctx, log, rideID, id)
			return res, nil
		}

		if err := s.Guard.Release(ctx, id); err != nil {
			return res, storeFailure("release driver", err)
		}
	}

	if err := s.Rides.SetRideStatus(ctx, rideID, models.StatusNoDriversAvailable); err != nil {
		return res, storeFailure("mark exhausted", err)
	}
	res.Outcome = RunExhausted
	s.publish(ctx, models.EventExhausted, rideID, "", 0)
	return res, nil
}

// offer records the attempt, notifies the driver and waits for their answer.
// It returns the ride's attempted list once the offer has been recorded. The
// offer window opens at that point and covers notification as well.
func (s *Service) offer(ctx context.Context, log *slog.Logger, rideID string, origin models.Coord, c models.Candidate) (Outcome, []string, error) {
	id := c.Driver.ID
	ride, err := s.Rides.RecordOffer(ctx, rideID, id)
	if errors.Is(err, storage.ErrDuplicateAttempt) {
		return "", nil, err
	}
	if err != nil {
		return "", nil, storeFailure("record offer", err)
	}
	deadline := time.Now().Add(s.OfferTimeout)
	log = log.With("driver_id", id, "distance_m", int64(c.DistanceMeters))
	log.Info("offering ride to driver")

	offer := models.Offer{
		RideID:         rideID,
		DriverID:       id,
		Origin:         origin,
		DistanceMeters: c.DistanceMeters,
		ExpiresAt:      deadline,
	}
	if s.ETA != nil {
		offer.ETA = s.ETA.Estimate(c.Driver.Loc, origin)
	}
	if s.Dispatch != nil {
		nctx, cancel := context.WithDeadline(ctx, deadline)
		if err := s.Dispatch.Offer(nctx, c.Driver, offer); err != nil {
			log.Warn("offer notification failed", "error", err)
		}
		cancel()
	}
	s.publish(ctx, models.EventOffered, rideID, id, c.DistanceMeters)

	waitStart := time.Now()
	w := &Waiter{Rides: s.Rides}
	outcome, err := w.Await(ctx, rideID, id, time.Until(deadline))
	observability.OfferWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		s.expire(ctx, log, rideID, id)
		if ctx.Err() != nil {
			return "", ride.AttemptedDrivers, ctx.Err()
		}
		return "", ride.AttemptedDrivers, storeFailure("await decision", err)
	}
	if outcome == OutcomeTimedOut {
		// A reply can land between the timer firing and this write; it wins.
		dec, err := s.Rides.ExpireOffer(ctx, rideID, id)
		if err != nil {
			return "", ride.AttemptedDrivers, storeFailure("expire offer", err)
		}
		switch dec {
		case models.DecisionAccepted:
			outcome = OutcomeAccepted
		case models.DecisionRejected:
			outcome = OutcomeRejected
		}
	}
	observability.OffersTotal.WithLabelValues(string(outcome)).Inc()

	switch outcome {
	case OutcomeAccepted:
		log.Info("driver accepted ride")
		s.publish(ctx, models.EventAccepted, rideID, id, c.DistanceMeters)
	case OutcomeRejected:
		log.Info("driver rejected ride")
		s.publish(ctx, models.EventRejected, rideID, id, c.DistanceMeters)
	case OutcomeTimedOut:
		log.Info("driver did not respond")
		s.publish(ctx, models.EventTimedOut, rideID, id, c.DistanceMeters)
	}
	return outcome, ride.AttemptedDrivers, nil
}

// expire closes an offer on an abort path so a reply arriving after the run
// gave up is refused instead of stored.
func (s *Service) expire(ctx context.Context, log *slog.Logger, rideID, driverID string) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.Rides.ExpireOffer(ectx, rideID, driverID); err != nil {
		log.Warn("expire offer failed", "error", err)
	}
}

// release frees a driver on an abort path. It runs even when ctx is done.
func (s *Service) release(ctx context.Context, log *slog.Logger, driverID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Guard.Release(rctx, driverID); err != nil {
		log.Error("release driver failed", "driver_id", driverID, "error", err)
	}
}

func (s *Service) matched(ctx context.Context, log *slog.Logger, rideID, driverID string) {
	if s.OnMatch == nil {
		return
	}
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		log.Error("load matched ride failed", "error", err)
		return
	}
	if err := s.OnMatch.RideMatched(ctx, *ride, driverID); err != nil {
		log.Error("match hook failed", "driver_id", driverID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, typ models.EventType, rideID, driverID string, distance float64) {
	if s.Events == nil {
		return
	}
	ev := models.DispatchEvent{Type: typ, RideID: rideID, DriverID: driverID, DistanceMeters: distance, At: time.Now().UTC()}
	if err := s.Events.PublishDispatchEvent(ctx, ev); err != nil {
		s.Logger.Warn("publish dispatch event failed", "ride_id", rideID, "type", typ, "error", err)
	}
}

package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrTerminal          = errors.New("ride is in a terminal state")
	ErrInvalidTransition = errors.New("invalid ride status transition")
	ErrDuplicateAttempt  = errors.New("driver already attempted for ride")
	ErrStaleDecision     = errors.New("decision is not addressed to the offered driver")
)

// RideStore persists rides and publishes their changes.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// RecordOffer appends driverID to the attempted list, makes it the offered
	// driver, clears any previous decision and moves the ride to awaiting_driver
	// in a single write.
	RecordOffer(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	SetRideStatus(ctx context.Context, rideID string, status models.RideStatus) error
	// RecordDecision stores a driver's reply. It fails with ErrStaleDecision
	// unless driverID is the offered driver and no decision is recorded yet.
	RecordDecision(ctx context.Context, rideID, driverID string, d models.Decision) error
	// ExpireOffer closes the current offer to driverID by writing
	// DecisionExpired when no reply has been recorded. It returns the decision
	// the offer ended with, so a reply that landed first wins. It fails with
	// ErrStaleDecision when the ride is no longer offered to driverID.
	ExpireOffer(ctx context.Context, rideID, driverID string) (models.Decision, error)
	// SubscribeRide delivers the current snapshot and then a snapshot after
	// every mutation until Unsubscribe is called.
	SubscribeRide(ctx context.Context, rideID string) (Subscription, error)
}

// DriverFilter selects drivers by their boolean flags.
type DriverFilter struct {
	Online             bool
	UnderConsideration bool
}

// Eligible is the filter used when ranking candidates.
var Eligible = DriverFilter{Online: true, UnderConsideration: false}

type DriverStore interface {
	// UpsertDriver writes location, online flag and push token. The
	// under-consideration flag is never touched by it.
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// QueryDrivers returns matching drivers ordered by id.
	QueryDrivers(ctx context.Context, f DriverFilter) ([]models.Driver, error)
	// ReserveDriver atomically flips under-consideration from false to true
	// for an online driver. It returns false when another run holds it, the
	// driver is offline or unknown.
	ReserveDriver(ctx context.Context, id string) (bool, error)
	// ReleaseDriver clears the flag. Releasing an unreserved or unknown driver is a no-op.
	ReleaseDriver(ctx context.Context, id string) error
}

type Store interface {
	RideStore
	DriverStore
	Close() error
}

// Subscription is a live feed of one ride's snapshots.
type Subscription interface {
	// Updates is closed after Unsubscribe or when the feed fails; Err
	// reports the failure, if any.
	Updates() <-chan models.Ride
	Err() error
	Unsubscribe()
}

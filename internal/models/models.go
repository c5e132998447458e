package models

import (
	"slices"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideStatus is the lifecycle state of a ride being matched.
type RideStatus string

const (
	StatusPending            RideStatus = "pending"
	StatusAwaitingDriver     RideStatus = "awaiting_driver"
	StatusMatched            RideStatus = "matched"
	StatusNoDriversAvailable RideStatus = "no_drivers_available"
)

// Terminal reports whether no further mutation may occur.
func (s RideStatus) Terminal() bool {
	return s == StatusMatched || s == StatusNoDriversAvailable
}

func (s RideStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingDriver, StatusMatched, StatusNoDriversAvailable:
		return true
	}
	return false
}

// CanTransition enforces pending -> awaiting_driver -> {awaiting_driver | matched | no_drivers_available}.
// A ride with no candidates at all goes straight from pending to no_drivers_available.
func (s RideStatus) CanTransition(to RideStatus) bool {
	return slices.Contains(AllowedFrom(to), s)
}

// AllowedFrom lists the states a ride may be in before moving to the given status.
func AllowedFrom(to RideStatus) []RideStatus {
	switch to {
	case StatusAwaitingDriver:
		return []RideStatus{StatusPending, StatusAwaitingDriver}
	case StatusMatched:
		return []RideStatus{StatusAwaitingDriver}
	case StatusNoDriversAvailable:
		return []RideStatus{StatusPending, StatusAwaitingDriver}
	}
	return nil
}

// Decision is written by the driver's client in reply to an offer.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
	// DecisionExpired is written by the dispatcher when the offer window
	// closes without a reply.
	DecisionExpired Decision = "expired"
)

type Ride struct {
	ID               string     `json:"ride_id"`
	Origin           Coord      `json:"origin"`
	Status           RideStatus `json:"status"`
	OfferedDriverID  string     `json:"offered_driver_id,omitempty"`
	AttemptedDrivers []string   `json:"attempted_drivers"`
	Decision         Decision   `json:"decision,omitempty"`
	FareCents        int64      `json:"fare_cents,omitempty"`
	CustomerID       string     `json:"customer_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r Ride) Clone() Ride {
	r.AttemptedDrivers = slices.Clone(r.AttemptedDrivers)
	if r.AttemptedDrivers == nil {
		r.AttemptedDrivers = []string{}
	}
	return r
}

// DecisionFor returns the decision recorded for driverID, or DecisionNone when
// the ride is currently offered to someone else.
func (r Ride) DecisionFor(driverID string) Decision {
	if r.OfferedDriverID != driverID {
		return DecisionNone
	}
	return r.Decision
}

type Driver struct {
	ID                 string    `json:"id"`
	Loc                Coord     `json:"loc"`
	Online             bool      `json:"online"`
	UnderConsideration bool      `json:"under_consideration"`
	PushToken          string    `json:"push_token,omitempty"`
	Updated            time.Time `json:"updated"`
}

// Candidate is a driver ranked against a ride origin. It only lives for one dispatch run.
type Candidate struct {
	Driver         Driver
	DistanceMeters float64
}

// Offer is pushed to a driver while the ride waits on their decision.
type Offer struct {
	RideID         string    `json:"ride_id"`
	DriverID       string    `json:"driver_id"`
	Origin         Coord     `json:"origin"`
	DistanceMeters float64   `json:"distance_m"`
	ETA            float64   `json:"eta_seconds"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type MatchDecision struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
	Accepted bool   `json:"accepted"`
}

type EventType string

const (
	EventOffered      EventType = "offered"
	EventAccepted     EventType = "accepted"
	EventRejected     EventType = "rejected"
	EventTimedOut     EventType = "timed_out"
	EventMatched      EventType = "matched"
	EventExhausted    EventType = "exhausted"
	EventNoCandidates EventType = "no_candidates"
)

// DispatchEvent is emitted for every step of a dispatch run.
type DispatchEvent struct {
	Type           EventType `json:"type"`
	RideID         string    `json:"ride_id"`
	DriverID       string    `json:"driver_id,omitempty"`
	DistanceMeters float64   `json:"distance_m,omitempty"`
	At             time.Time `json:"at"`
}

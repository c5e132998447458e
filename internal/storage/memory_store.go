package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps rides and drivers in process. It is the default backend
// for local runs and the fake the matcher tests run against.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	drivers map[string]*models.Driver
	subs    map[string]map[*rideSub]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		drivers: make(map[string]*models.Driver),
		subs:    make(map[string]map[*rideSub]struct{}),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrAlreadyExists
	}
	c := r.Clone()
	if c.Status == "" {
		c.Status = models.StatusPending
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.rides[r.ID] = &c
	m.notifyLocked(&c)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := r.Clone()
	return &c, nil
}

func (m *MemoryStore) RecordOffer(_ context.Context, rideID, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status.Terminal() {
		return nil, ErrTerminal
	}
	if slices.Contains(r.AttemptedDrivers, driverID) {
		return nil, ErrDuplicateAttempt
	}
	r.AttemptedDrivers = append(r.AttemptedDrivers, driverID)
	r.OfferedDriverID = driverID
	r.Decision = models.DecisionNone
	r.Status = models.StatusAwaitingDriver
	r.UpdatedAt = time.Now()
	m.notifyLocked(r)
	c := r.Clone()
	return &c, nil
}

func (m *MemoryStore) SetRideStatus(_ context.Context, rideID string, status models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(r.Status, status); err != nil {
		return err
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	m.notifyLocked(r)
	return nil
}

func (m *MemoryStore) RecordDecision(_ context.Context, rideID, driverID string, d models.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if err := checkDecision(r, driverID); err != nil {
		return err
	}
	r.Decision = d
	r.UpdatedAt = time.Now()
	m.notifyLocked(r)
	return nil
}

func (m *MemoryStore) ExpireOffer(_ context.Context, rideID, driverID string) (models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return "", ErrNotFound
	}
	if r.Status != models.StatusAwaitingDriver || r.OfferedDriverID != driverID {
		return "", ErrStaleDecision
	}
	if r.Decision != models.DecisionNone {
		return r.Decision, nil
	}
	r.Decision = models.DecisionExpired
	r.UpdatedAt = time.Now()
	m.notifyLocked(r)
	return r.Decision, nil
}

func (m *MemoryStore) SubscribeRide(_ context.Context, rideID string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	var sub *rideSub
	sub = newRideSub(rideID, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[rideID], sub)
		if len(m.subs[rideID]) == 0 {
			delete(m.subs, rideID)
		}
	})
	if m.subs[rideID] == nil {
		m.subs[rideID] = make(map[*rideSub]struct{})
	}
	m.subs[rideID][sub] = struct{}{}
	sub.deliver(*r)
	return sub, nil
}

// Subscribers reports how many live subscriptions a ride has.
func (m *MemoryStore) Subscribers(rideID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[rideID])
}

func (m *MemoryStore) notifyLocked(r *models.Ride) {
	for sub := range m.subs[r.ID] {
		sub.deliver(*r)
	}
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	c.Updated = time.Now()
	if cur, ok := m.drivers[d.ID]; ok {
		c.UnderConsideration = cur.UnderConsideration
	} else {
		c.UnderConsideration = false
	}
	m.drivers[d.ID] = &c
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *MemoryStore) QueryDrivers(_ context.Context, f DriverFilter) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Online == f.Online && d.UnderConsideration == f.UnderConsideration {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ReserveDriver(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok || !d.Online || d.UnderConsideration {
		return false, nil
	}
	d.UnderConsideration = true
	return true, nil
}

func (m *MemoryStore) ReleaseDriver(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drivers[id]; ok {
		d.UnderConsideration = false
	}
	return nil
}

func checkTransition(from, to models.RideStatus) error {
	if from.Terminal() {
		return ErrTerminal
	}
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	return nil
}

func checkDecision(r *models.Ride, driverID string) error {
	if r.Status != models.StatusAwaitingDriver || r.OfferedDriverID != driverID || r.Decision != models.DecisionNone {
		return ErrStaleDecision
	}
	return nil
}

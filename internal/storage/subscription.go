package storage

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// rideSub is a latest-wins feed: a slow reader only ever sees the newest snapshot.
type rideSub struct {
	rideID string

	mu     sync.Mutex
	ch     chan models.Ride
	closed bool
	err    error

	once   sync.Once
	onStop func()
}

func newRideSub(rideID string, onStop func()) *rideSub {
	return &rideSub{rideID: rideID, ch: make(chan models.Ride, 1), onStop: onStop}
}

func (s *rideSub) Updates() <-chan models.Ride { return s.ch }

func (s *rideSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *rideSub) deliver(r models.Ride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- r.Clone()
}

// fail closes the feed with err. Reads still drain a pending snapshot first.
func (s *rideSub) fail(err error) {
	s.mu.Lock()
	if !s.closed {
		s.err = err
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

func (s *rideSub) Unsubscribe() {
	s.once.Do(func() {
		s.fail(nil)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

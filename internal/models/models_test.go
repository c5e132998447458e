package models

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RideStatus
		ok       bool
	}{
		{StatusPending, StatusAwaitingDriver, true},
		{StatusAwaitingDriver, StatusAwaitingDriver, true},
		{StatusAwaitingDriver, StatusMatched, true},
		{StatusAwaitingDriver, StatusNoDriversAvailable, true},
		{StatusPending, StatusNoDriversAvailable, true},
		{StatusPending, StatusMatched, false},
		{StatusMatched, StatusAwaitingDriver, false},
		{StatusMatched, StatusNoDriversAvailable, false},
		{StatusNoDriversAvailable, StatusAwaitingDriver, false},
		{StatusNoDriversAvailable, StatusMatched, false},
		{StatusAwaitingDriver, StatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestDecisionForOtherDriverIsNone(t *testing.T) {
	r := Ride{OfferedDriverID: "d2", Decision: DecisionAccepted}
	if d := r.DecisionFor("d1"); d != DecisionNone {
		t.Fatalf("expected no decision for d1, got %q", d)
	}
	if d := r.DecisionFor("d2"); d != DecisionAccepted {
		t.Fatalf("expected accepted for d2, got %q", d)
	}
}

func TestCloneDetachesAttempted(t *testing.T) {
	r := Ride{AttemptedDrivers: []string{"a"}}
	c := r.Clone()
	c.AttemptedDrivers[0] = "b"
	if r.AttemptedDrivers[0] != "a" {
		t.Fatal("clone shares attempted slice")
	}
	if (Ride{}).Clone().AttemptedDrivers == nil {
		t.Fatal("clone of empty ride should have non-nil attempted list")
	}
}

package eta

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	origin := models.Coord{Lat: 1, Lon: 1}
	driver := geo.OffsetNorth(origin, 1000)
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, DefaultSpeedMps: 10}
	got := e.Estimate(driver, origin)
	if math.Abs(got-100) > 0.1 {
		t.Fatalf("expected ~100s, got %f", got)
	}
}

func TestEstimatorCachesClientResult(t *testing.T) {
	c := &fakeClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 1.01, Lon: 1}
	if v := e.Estimate(a, b); v != 42 {
		t.Fatalf("expected 42, got %f", v)
	}
	if v := e.Estimate(a, b); v != 42 {
		t.Fatalf("expected cached 42, got %f", v)
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	a, b := models.Coord{}, models.Coord{Lat: 1}
	c.Set(a, b, 5)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected entry to expire")
	}
}

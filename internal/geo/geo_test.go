package geo

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestOffsetNorthRoundTrip(t *testing.T) {
	origin := models.Coord{Lat: -23.5, Lon: -46.6}
	for _, m := range []float64{300, 500, 900, 5000} {
		got := Distance(origin, OffsetNorth(origin, m))
		if math.Abs(got-m) > 0.5 {
			t.Fatalf("offset %v: distance %v", m, got)
		}
	}
}

func TestRankAscending(t *testing.T) {
	origin := models.Coord{Lat: -23.5, Lon: -46.6}
	drivers := []models.Driver{
		{ID: "far", Loc: OffsetNorth(origin, 900)},
		{ID: "near", Loc: OffsetNorth(origin, 300)},
		{ID: "mid", Loc: OffsetNorth(origin, 500)},
	}
	got, err := Rank(origin, drivers)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	want := []string{"near", "mid", "far"}
	for i, c := range got {
		if c.Driver.ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, c.Driver.ID, want[i])
		}
	}
}

func TestRankStableOnTies(t *testing.T) {
	origin := models.Coord{Lat: 10, Lon: 10}
	loc := OffsetNorth(origin, 250)
	drivers := []models.Driver{{ID: "c", Loc: loc}, {ID: "a", Loc: loc}, {ID: "b", Loc: loc}}
	got, err := Rank(origin, drivers)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	for i, id := range []string{"c", "a", "b"} {
		if got[i].Driver.ID != id {
			t.Fatalf("tie order changed at %d: got %s, want %s", i, got[i].Driver.ID, id)
		}
	}
}

func TestRankIsSortedPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	origin := models.Coord{Lat: 48.85, Lon: 2.35}
	for run := 0; run < 50; run++ {
		n := rng.Intn(40)
		drivers := make([]models.Driver, n)
		for i := range drivers {
			drivers[i] = models.Driver{
				ID:  string(rune('A'+i%26)) + string(rune('a'+i/26)),
				Loc: models.Coord{Lat: origin.Lat + rng.Float64() - 0.5, Lon: origin.Lon + rng.Float64() - 0.5},
			}
		}
		got, err := Rank(origin, drivers)
		if err != nil {
			t.Fatalf("rank: %v", err)
		}
		if len(got) != n {
			t.Fatalf("expected %d candidates, got %d", n, len(got))
		}
		if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].DistanceMeters < got[j].DistanceMeters }) {
			t.Fatal("ranking not ascending")
		}
		seen := map[string]int{}
		for _, d := range drivers {
			seen[d.ID]++
		}
		for _, c := range got {
			seen[c.Driver.ID]--
		}
		for id, v := range seen {
			if v != 0 {
				t.Fatalf("driver %s count mismatch %d", id, v)
			}
		}
	}
}

func TestRankRejectsMalformedCoords(t *testing.T) {
	origin := models.Coord{Lat: 0, Lon: 0}
	bad := []models.Coord{
		{Lat: math.NaN(), Lon: 0},
		{Lat: 91, Lon: 0},
		{Lat: 0, Lon: -181},
		{Lat: 0, Lon: math.Inf(1)},
	}
	for _, c := range bad {
		_, err := Rank(origin, []models.Driver{{ID: "x", Loc: c}})
		if !errors.Is(err, ErrInvalidCoord) {
			t.Fatalf("coord %+v: expected ErrInvalidCoord, got %v", c, err)
		}
	}
	if _, err := Rank(models.Coord{Lat: 100}, nil); !errors.Is(err, ErrInvalidCoord) {
		t.Fatalf("bad origin: expected ErrInvalidCoord, got %v", err)
	}
}

package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func TestNilDriverAuthAllowsAll(t *testing.T) {
	var a *DriverAuth
	assert.Nil(t, NewDriverAuth(""))
	assert.NoError(t, a.Authorize(httptest.NewRequest(http.MethodGet, "/", nil), "d1"))
}

func TestDriverAuthChecksSubject(t *testing.T) {
	a := NewDriverAuth("s3cret")
	tok, err := a.Issue("d1", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws/d1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	assert.NoError(t, a.Authorize(req, "d1"))
	assert.ErrorIs(t, a.Authorize(req, "d2"), errUnauthorized)

	q := httptest.NewRequest(http.MethodGet, "/ws/d1?token="+tok, nil)
	assert.NoError(t, a.Authorize(q, "d1"))

	assert.ErrorIs(t, a.Authorize(httptest.NewRequest(http.MethodGet, "/ws/d1", nil), "d1"), errUnauthorized)
}

func TestDriverAuthRejectsForeignAndExpiredTokens(t *testing.T) {
	a := NewDriverAuth("s3cret")
	other, err := NewDriverAuth("other").Issue("d1", time.Minute)
	require.NoError(t, err)
	expired, err := a.Issue("d1", -time.Minute)
	require.NoError(t, err)

	for _, tok := range []string{other, expired, "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		assert.ErrorIs(t, a.Authorize(req, "d1"), errUnauthorized)
	}
}

func TestDecisionRequiresDriverToken(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateRide(ctx, &models.Ride{ID: "r1", Origin: models.Coord{Lat: 1, Lon: 1}}))
	_, err := store.RecordOffer(ctx, "r1", "d1")
	require.NoError(t, err)

	auth := NewDriverAuth("s3cret")
	s := NewServer(Deps{Rides: store, Drivers: store, Dispatcher: starterFunc(nil), DriverAuth: auth})

	body := `{"driver_id":"d1","accepted":true}`
	rec := do(t, s, http.MethodPost, "/api/v1/rides/r1/decision", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := auth.Issue("d1", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rides/r1/decision", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

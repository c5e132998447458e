package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const roleDriver = "driver"

var errUnauthorized = errors.New("unauthorized")

type DriverClaims struct {
	DriverID string `json:"driver_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// DriverAuth verifies HS256 driver tokens. A nil *DriverAuth accepts every
// request.
type DriverAuth struct {
	secret []byte
}

func NewDriverAuth(secret string) *DriverAuth {
	if secret == "" {
		return nil
	}
	return &DriverAuth{secret: []byte(secret)}
}

// Issue signs a token for driverID. Used by tooling and tests.
func (a *DriverAuth) Issue(driverID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &DriverClaims{
		DriverID: driverID,
		Role:     roleDriver,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   driverID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authorize checks that the request carries a valid token for driverID,
// either as a bearer header or, for websocket clients, a token query param.
func (a *DriverAuth) Authorize(r *http.Request, driverID string) error {
	if a == nil {
		return nil
	}
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return fmt.Errorf("%w: missing token", errUnauthorized)
	}
	claims := &DriverClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if claims.Role != roleDriver || claims.DriverID != driverID {
		return fmt.Errorf("%w: token is not for driver %s", errUnauthorized, driverID)
	}
	return nil
}

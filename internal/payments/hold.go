package payments

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

type HoldRequest struct {
	RideID      string
	DriverID    string
	CustomerID  string
	AmountCents int64
	Currency    string
}

type Holder interface {
	Hold(ctx context.Context, req HoldRequest) (string, error)
}

// MatchHold places a manual-capture hold for the fare once a ride is matched.
// Rides without a fare are skipped.
type MatchHold struct {
	Holder   Holder
	Currency string
	Logger   *slog.Logger
}

func NewMatchHold(h Holder, currency string, logger *slog.Logger) *MatchHold {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MatchHold{Holder: h, Currency: currency, Logger: logger}
}

func (m *MatchHold) RideMatched(ctx context.Context, ride models.Ride, driverID string) error {
	if ride.FareCents <= 0 {
		return nil
	}
	id, err := m.Holder.Hold(ctx, HoldRequest{
		RideID:      ride.ID,
		DriverID:    driverID,
		CustomerID:  ride.CustomerID,
		AmountCents: ride.FareCents,
		Currency:    m.Currency,
	})
	if err != nil {
		return err
	}
	m.Logger.Info("fare hold placed", "ride_id", ride.ID, "payment_intent", id, "amount_cents", ride.FareCents)
	return nil
}

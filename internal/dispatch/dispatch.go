package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier delivers an offer over one channel.
type Notifier interface {
	Offer(ctx context.Context, d models.Driver, offer models.Offer) error
}

// ErrUnreachable is returned by a notifier that has no way to reach the
// driver, e.g. no open session or no push token.
var ErrUnreachable = errors.New("driver unreachable on channel")

type Channel struct {
	Name     string
	Notifier Notifier
}

// Chain tries each channel in order and stops at the first delivery.
type Chain struct {
	Channels []Channel
	Logger   *slog.Logger
}

func NewChain(logger *slog.Logger, channels ...Channel) *Chain {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Chain{Channels: channels, Logger: logger}
}

func (c *Chain) Offer(ctx context.Context, d models.Driver, offer models.Offer) error {
	var errs []error
	for _, ch := range c.Channels {
		err := ch.Notifier.Offer(ctx, d, offer)
		if err == nil {
			c.Logger.Debug("offer delivered", "channel", ch.Name, "ride_id", offer.RideID, "driver_id", d.ID)
			return nil
		}
		if !errors.Is(err, ErrUnreachable) {
			observability.NotifyErrors.WithLabelValues(ch.Name).Inc()
		}
		errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
	}
	if len(errs) == 0 {
		return fmt.Errorf("driver %s: %w", d.ID, ErrUnreachable)
	}
	return errors.Join(errs...)
}

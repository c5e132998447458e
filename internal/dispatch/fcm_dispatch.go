package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"

	"github.com/example/ride-dispatch/internal/models"
)

// MessageSender is the part of *messaging.Client used for offers.
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMNotifier sends offers as high-priority FCM data messages to the
// driver's registered push token.
type FCMNotifier struct {
	Sender MessageSender
}

func NewFCMNotifier(sender MessageSender) *FCMNotifier {
	return &FCMNotifier{Sender: sender}
}

func (f *FCMNotifier) Offer(ctx context.Context, d models.Driver, offer models.Offer) error {
	if d.PushToken == "" {
		return fmt.Errorf("no push token for %s: %w", d.ID, ErrUnreachable)
	}
	ttl := time.Until(offer.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	msg := &messaging.Message{
		Token: d.PushToken,
		Data: map[string]string{
			"type":        "ride_offer",
			"ride_id":     offer.RideID,
			"driver_id":   offer.DriverID,
			"origin_lat":  strconv.FormatFloat(offer.Origin.Lat, 'f', 6, 64),
			"origin_lon":  strconv.FormatFloat(offer.Origin.Lon, 'f', 6, 64),
			"distance_m":  strconv.FormatFloat(offer.DistanceMeters, 'f', 0, 64),
			"eta_seconds": strconv.FormatFloat(offer.ETA, 'f', 0, 64),
			"expires_at":  offer.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Notification: &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("Pickup %.1f km away", offer.DistanceMeters/1000),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}
	if _, err := f.Sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM to %s: %w", d.ID, err)
	}
	return nil
}

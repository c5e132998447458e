package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// WebhookNotifier posts the offer to a provider endpoint that fans out to
// driver devices.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type webhookBody struct {
	RideID    string       `json:"ride_id"`
	DriverID  string       `json:"driver_id"`
	PushToken string       `json:"push_token,omitempty"`
	Offer     models.Offer `json:"offer"`
}

func (p *WebhookNotifier) Offer(ctx context.Context, d models.Driver, offer models.Offer) error {
	b, err := json.Marshal(webhookBody{RideID: offer.RideID, DriverID: d.ID, PushToken: d.PushToken, Offer: offer})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push webhook returned %s", resp.Status)
	}
	return nil
}

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

const writeWait = 5 * time.Second

// ErrNoSession means the driver has no open websocket.
var ErrNoSession = fmt.Errorf("no ws session: %w", ErrUnreachable)

// DecisionRecorder stores a driver's answer to an offer.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, rideID, driverID string, d models.Decision) error
}

// Envelope is the frame format on the driver socket in both directions.
type Envelope struct {
	Type     string                `json:"type"`
	Offer    *models.Offer         `json:"offer,omitempty"`
	Decision *models.MatchDecision `json:"decision,omitempty"`
	OK       bool                  `json:"ok,omitempty"`
	Error    string                `json:"error,omitempty"`
}

const (
	FrameOffer       = "offer"
	FrameDecision    = "decision"
	FrameDecisionAck = "decision_ack"
)

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver sessions. A later connection for the same driver
// replaces the earlier one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) add(driverID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

func (r *WSRegistry) remove(driverID string, s *WSSession) {
	r.mu.Lock()
	if r.sessions[driverID] == s {
		delete(r.sessions, driverID)
	}
	r.mu.Unlock()
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Offer(_ context.Context, d models.Driver, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[d.ID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(Envelope{Type: FrameOffer, Offer: &offer}); err != nil {
		r.logger.Warn("ws send error", "driver_id", d.ID, "error", err)
		return err
	}
	return nil
}

// Serve registers conn for driverID and reads decision frames until the
// socket closes or ctx is done. Each decision is acknowledged on the socket.
func (r *WSRegistry) Serve(ctx context.Context, driverID string, conn *websocket.Conn, rec DecisionRecorder) error {
	s := r.add(driverID, conn)
	defer func() {
		r.remove(driverID, s)
		_ = conn.Close()
	}()
	r.logger.Info("driver connected", "driver_id", driverID)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var in Envelope
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				r.logger.Info("driver disconnected", "driver_id", driverID)
				return nil
			}
			return fmt.Errorf("read frame from %s: %w", driverID, err)
		}
		if in.Type != FrameDecision || in.Decision == nil {
			_ = s.send(Envelope{Type: FrameDecisionAck, Error: "unsupported frame"})
			continue
		}
		dec := models.DecisionRejected
		if in.Decision.Accepted {
			dec = models.DecisionAccepted
		}
		ack := Envelope{Type: FrameDecisionAck, Decision: in.Decision, OK: true}
		if err := rec.RecordDecision(ctx, in.Decision.RideID, driverID, dec); err != nil {
			ack.OK = false
			ack.Error = err.Error()
			r.logger.Warn("decision not recorded", "driver_id", driverID, "ride_id", in.Decision.RideID, "error", err)
		}
		if err := s.send(ack); err != nil {
			return fmt.Errorf("ack %s: %w", driverID, err)
		}
	}
}

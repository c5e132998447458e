package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	RecordDecision(ctx context.Context, rideID, driverID string, d models.Decision) error
}

type DriverUpserter interface {
	UpsertDriver(ctx context.Context, d *models.Driver) error
}

// DispatchStarter is satisfied by *matcher.Service.
type DispatchStarter interface {
	Start(ctx context.Context, rideID string, origin models.Coord) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// Deps wires a Server. Locations and WS are optional.
type Deps struct {
	Rides      RideStore
	Drivers    DriverUpserter
	Dispatcher DispatchStarter
	Locations  LocationPublisher
	WS         *dispatch.WSRegistry
	Logger     *slog.Logger
	CORSOrigin string
	// DriverAuth guards driver-facing routes when set.
	DriverAuth *DriverAuth
	// BaseContext bounds websocket sessions; it defaults to context.Background.
	BaseContext context.Context
}

type Server struct {
	rides      RideStore
	drivers    DriverUpserter
	dispatcher DispatchStarter
	locations  LocationPublisher
	ws         *dispatch.WSRegistry
	logger     *slog.Logger
	corsOrigin string
	auth       *DriverAuth
	baseCtx    context.Context

	mux     *mux.Router
	handler http.Handler
}

func NewServer(d Deps) *Server {
	s := &Server{
		rides:      d.Rides,
		drivers:    d.Drivers,
		dispatcher: d.Dispatcher,
		locations:  d.Locations,
		ws:         d.WS,
		logger:     d.Logger,
		corsOrigin: d.CORSOrigin,
		auth:       d.DriverAuth,
		baseCtx:    d.BaseContext,
		mux:        mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	s.routes()
	s.registerMiddleware()
	s.handler = s.corsMiddleware(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/decision", s.handleDecision).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/dispatch", s.handleDispatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Debug("write health response", "error", err)
	}
}

type locationRequest struct {
	ID        string       `json:"id"`
	Loc       models.Coord `json:"loc"`
	Online    *bool        `json:"online"`
	PushToken string       `json:"push_token"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := geo.ValidateCoord(req.Loc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A location ping without an explicit flag means the driver is online.
	d := models.Driver{ID: req.ID, Loc: req.Loc, Online: req.Online == nil || *req.Online, PushToken: req.PushToken}
	if err := s.drivers.UpsertDriver(r.Context(), &d); err != nil {
		s.logger.Error("upsert driver failed", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("publish location failed", "driver_id", d.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRideRequest struct {
	RideID     string        `json:"ride_id"`
	Origin     *models.Coord `json:"origin"`
	FareCents  int64         `json:"fare_cents"`
	CustomerID string        `json:"customer_id"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Origin == nil {
		writeError(w, http.StatusBadRequest, "origin is required")
		return
	}
	if err := geo.ValidateCoord(*req.Origin); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FareCents < 0 {
		writeError(w, http.StatusBadRequest, "fare_cents must be >= 0")
		return
	}
	if req.RideID == "" {
		req.RideID = uuid.NewString()
	}
	ride := &models.Ride{ID: req.RideID, Origin: *req.Origin, FareCents: req.FareCents, CustomerID: req.CustomerID}
	if err := s.rides.CreateRide(r.Context(), ride); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "ride already exists")
			return
		}
		s.logger.Error("create ride failed", "ride_id", ride.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	created, err := s.rides.GetRide(r.Context(), ride.ID)
	if err != nil {
		created = ride
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, err := s.rides.GetRide(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "ride not found")
		return
	}
	if err != nil {
		s.logger.Error("get ride failed", "ride_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// dispatchRequest uses pointers so a missing field is distinguishable from zero.
type dispatchRequest struct {
	RideID string `json:"ride_id"`
	Origin *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"origin"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid parameters")
		return
	}
	if req.RideID == "" || req.Origin == nil || req.Origin.Latitude == nil || req.Origin.Longitude == nil {
		writeError(w, http.StatusBadRequest, "invalid parameters")
		return
	}
	origin := models.Coord{Lat: *req.Origin.Latitude, Lon: *req.Origin.Longitude}

	err := s.dispatcher.Start(r.Context(), req.RideID, origin)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "dispatch started", "ride_id": req.RideID})
	case errors.Is(err, matcher.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, matcher.ErrRideTerminal), errors.Is(err, matcher.ErrDispatchInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("dispatch start failed", "ride_id", req.RideID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type decisionRequest struct {
	DriverID string `json:"driver_id"`
	Accepted *bool  `json:"accepted"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DriverID == "" || req.Accepted == nil {
		writeError(w, http.StatusBadRequest, "driver_id and accepted are required")
		return
	}
	if err := s.auth.Authorize(r, req.DriverID); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	dec := models.DecisionRejected
	if *req.Accepted {
		dec = models.DecisionAccepted
	}
	err := s.rides.RecordDecision(r.Context(), rideID, req.DriverID, dec)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "ride not found")
	case errors.Is(err, storage.ErrStaleDecision), errors.Is(err, storage.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("record decision failed", "ride_id", rideID, "driver_id", req.DriverID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if err := s.auth.Authorize(r, id); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	if err := s.ws.Serve(ctx, id, conn, s.rides); err != nil {
		s.logger.Warn("ws session ended", "driver_id", id, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

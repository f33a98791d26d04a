// Package httpapi serves the local status API: the current ride snapshot,
// ride actions, match selection, feedback and a websocket snapshot feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/coordinator"
	"github.com/example/carpool-coordinator/internal/dispatch"
	"github.com/example/carpool-coordinator/internal/feedback"
	"github.com/example/carpool-coordinator/internal/geo"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
	"github.com/example/carpool-coordinator/internal/position"
)

type Ride interface {
	Snapshot() coordinator.Snapshot
	Start(ctx context.Context) error
	End(ctx context.Context) error
}

type Matches interface {
	LoadCandidates(ctx context.Context, rideID int64, viewer *models.Coord) ([]models.MatchCandidate, error)
	RequestMatch(ctx context.Context, rideID, candidateRideID int64) error
	IncomingRequests(ctx context.Context) ([]models.MatchRequest, error)
	Confirm(ctx context.Context, requestID int64) error
	Reject(ctx context.Context, requestID int64) error
}

type Feedback interface {
	Submit(ctx context.Context, rideID int64, comment string) (feedback.Outcome, error)
	Pending() []models.Ride
}

// History reads back recorded phase transitions for a ride.
type History interface {
	History(ctx context.Context, rideID int64) ([]coordinator.Transition, error)
}

// Deps wires the server. Positions, Hub and Journal are optional.
type Deps struct {
	Ride      Ride
	Matches   Matches
	Feedback  Feedback
	Positions *position.ManualSource
	Hub       *dispatch.WSHub
	Journal   History
	Logger    *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, logger: logging.OrDefault(deps.Logger), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/ride/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/ride/end", s.handleEnd).Methods("POST")
	s.mux.HandleFunc("/ride/history", s.handleHistory).Methods("GET")
	s.mux.HandleFunc("/ride/matches", s.handleMatches).Methods("GET")
	s.mux.HandleFunc("/ride/matches/request", s.handleRequestMatch).Methods("POST")
	s.mux.HandleFunc("/ride/requests", s.handleIncoming).Methods("GET")
	s.mux.HandleFunc("/ride/requests/{id:[0-9]+}/{action:confirm|reject}", s.handleRespond).Methods("POST")
	s.mux.HandleFunc("/feedback", s.handlePendingFeedback).Methods("GET")
	s.mux.HandleFunc("/feedback/{ride_id:[0-9]+}", s.handleFeedback).Methods("POST")
	s.mux.HandleFunc("/position", s.handlePosition).Methods("POST")
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Ride.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ride.Start(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Ride.Snapshot())
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Ride.End(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Ride.Snapshot())
}

// handleHistory lists the recorded transitions of the ride named by the
// ride query parameter, else of the current ride.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		http.Error(w, "transition journal disabled", http.StatusNotFound)
		return
	}
	var rideID int64
	if v := r.URL.Query().Get("ride"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "ride must be a positive integer", http.StatusBadRequest)
			return
		}
		rideID = id
	} else if snap := s.deps.Ride.Snapshot(); snap.Ride != nil {
		rideID = snap.Ride.ID
	} else {
		http.Error(w, "no active ride", http.StatusConflict)
		return
	}
	out, err := s.deps.Journal.History(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []coordinator.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rideId": rideID, "transitions": out})
}

// handleMatches loads candidates for the current ride. The viewer position
// comes from lat/lon query parameters, else the last known device fix.
func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Ride.Snapshot()
	if snap.Ride == nil {
		http.Error(w, "no active ride", http.StatusConflict)
		return
	}
	viewer, err := viewerFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if viewer == nil && snap.Position != nil {
		c := snap.Position.Coord
		viewer = &c
	}
	out, err := s.deps.Matches.LoadCandidates(r.Context(), snap.Ride.ID, viewer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func viewerFromQuery(r *http.Request) (*models.Coord, error) {
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lon") == "" {
		return nil, nil
	}
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err := errors.Join(err1, err2); err != nil {
		return nil, errors.New("lat and lon must both be numbers")
	}
	c := models.Coord{Lat: lat, Lon: lon}
	if err := models.ValidateCoord(c); err != nil {
		return nil, err
	}
	return &c, nil
}

type requestMatchBody struct {
	CandidateRideID int64 `json:"candidateRideId"`
}

func (s *Server) handleRequestMatch(w http.ResponseWriter, r *http.Request) {
	var body requestMatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CandidateRideID == 0 {
		http.Error(w, "candidateRideId is required", http.StatusBadRequest)
		return
	}
	snap := s.deps.Ride.Snapshot()
	if snap.Ride == nil {
		http.Error(w, "no active ride", http.StatusConflict)
		return
	}
	if err := s.deps.Matches.RequestMatch(r.Context(), snap.Ride.ID, body.CandidateRideID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Matches.IncomingRequests(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseInt(vars["id"], 10, 64)
	var err error
	if vars["action"] == "confirm" {
		err = s.deps.Matches.Confirm(r.Context(), id)
	} else {
		err = s.deps.Matches.Reject(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePendingFeedback(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Feedback.Pending())
}

type feedbackBody struct {
	Comment string `json:"comment"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	rideID, _ := strconv.ParseInt(mux.Vars(r)["ride_id"], 10, 64)
	var body feedbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.deps.Feedback.Submit(r.Context(), rideID, body.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rideId": rideID, "outcome": out})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if s.deps.Positions == nil {
		http.Error(w, "position push disabled", http.StatusNotFound)
		return
	}
	var sample models.PositionSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !geo.Valid(sample.Coord) {
		http.Error(w, "invalid coordinate", http.StatusBadRequest)
		return
	}
	s.deps.Positions.Push(sample)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		http.Error(w, "websocket feed disabled", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	s.deps.Hub.Add(conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Warn("request_failed", "route", routeTemplate(r), "error", err, "request_id", tagsFrom(r.Context()).RequestID)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": backend.Outcome(err)})
}

func statusFor(err error) int {
	var pe *coordinator.PhaseError
	switch {
	case errors.As(err, &pe), errors.Is(err, coordinator.ErrAwaitingPartner), errors.Is(err, coordinator.ErrBusy), errors.Is(err, backend.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, backend.ErrTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

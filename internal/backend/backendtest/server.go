// Package backendtest serves an in-memory carpool backend over httptest for
// package tests. It follows the two-party start/end and feedback rules of the
// real service closely enough to drive a coordinator end to end.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/carpool-coordinator/internal/models"
)

type match struct {
	req                models.MatchRequest
	startFrom, startTo bool
	endFrom, endTo     bool
}

type fault struct {
	remaining int
	code      int
}

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	nextID    int64
	tokens    map[string]int64
	users     map[int64]models.UserProfile
	rides     map[int64]*models.Ride
	matches   map[int64]*match
	clusters  map[int64][]models.ClusterMatch
	feedback  map[int64]map[int64]string
	locations map[int64][]models.Coord
	geocodes  map[string]models.Coord
	faults    map[string]*fault
	delays    map[string]time.Duration
	calls     map[string]int
	legacyEnd bool
}

func New() *Server {
	s := &Server{
		nextID:    100,
		tokens:    map[string]int64{},
		users:     map[int64]models.UserProfile{},
		rides:     map[int64]*models.Ride{},
		matches:   map[int64]*match{},
		clusters:  map[int64][]models.ClusterMatch{},
		feedback:  map[int64]map[int64]string{},
		locations: map[int64][]models.Coord{},
		geocodes:  map[string]models.Coord{},
		faults:    map[string]*fault{},
		delays:    map[string]time.Duration{},
		calls:     map[string]int{},
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rides/active", s.authed(s.activeRide)).Methods(http.MethodGet).Name("active_ride")
	api.HandleFunc("/rides/geocode", s.authed(s.geocode)).Methods(http.MethodGet).Name("geocode")
	api.HandleFunc("/rides/reverse-geocode", s.authed(s.reverseGeocode)).Methods(http.MethodGet).Name("reverse_geocode")
	api.HandleFunc("/rides/request", s.authed(s.createRide)).Methods(http.MethodPost).Name("create_ride")
	api.HandleFunc("/rides/requests/incoming", s.authed(s.incoming)).Methods(http.MethodGet).Name("incoming_requests")
	api.HandleFunc("/rides/matches/confirmed", s.authed(s.confirmed)).Methods(http.MethodGet).Name("confirmed_matches")
	api.HandleFunc("/rides/matches/{id:[0-9]+}", s.authed(s.candidateMatches)).Methods(http.MethodGet).Name("candidate_matches")
	api.HandleFunc("/rides/match/request", s.authed(s.requestMatch)).Methods(http.MethodPost).Name("match_request")
	api.HandleFunc("/rides/match/confirm/{id:[0-9]+}", s.authed(s.confirm)).Methods(http.MethodPost).Name("match_confirm")
	api.HandleFunc("/rides/match/reject/{id:[0-9]+}", s.authed(s.reject)).Methods(http.MethodPost).Name("match_reject")
	api.HandleFunc("/rides/match/start/{id:[0-9]+}", s.authed(s.start)).Methods(http.MethodPost).Name("match_start")
	api.HandleFunc("/rides/match/end/{id:[0-9]+}", s.authed(s.end)).Methods(http.MethodPost).Name("match_end")
	api.HandleFunc("/rides/match/{id:[0-9]+}", s.candidateRide).Methods(http.MethodGet).Name("candidate_ride")
	api.HandleFunc("/rides/{id:[0-9]+}/location", s.authed(s.location)).Methods(http.MethodPost).Name("location_update")
	api.HandleFunc("/rides/{id:[0-9]+}", s.authed(s.ride)).Methods(http.MethodGet).Name("ride_by_id")
	api.HandleFunc("/users/{id:[0-9]+}", s.authed(s.user)).Methods(http.MethodGet).Name("user_profile")
	api.HandleFunc("/feedback/{id:[0-9]+}", s.authed(s.submitFeedback)).Methods(http.MethodPost).Name("feedback")
	return r
}

// --- fixtures ---

// AddUser registers a user and returns its ID and session token.
func (s *Server) AddUser(name string, trust float64) (int64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	token := fmt.Sprintf("token-%s-%d", name, id)
	s.tokens[token] = id
	s.users[id] = models.UserProfile{ID: id, Name: name, TrustScore: trust, ImageRef: "https://img.example/" + name + ".png"}
	return id, token
}

func (s *Server) AddRide(userID int64, pickup, dropoff models.Coord, status models.RideStatus) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.rides[id] = &models.Ride{ID: id, UserID: userID, Pickup: pickup, Dropoff: dropoff, Status: status, GeoBucket: "8a2a1072b59ffff"}
	return id
}

func (s *Server) AddMatch(fromRideID, toRideID int64, status models.MatchStatus) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.matches[id] = &match{req: models.MatchRequest{ID: id, FromRideID: fromRideID, ToRideID: toRideID, Status: status}}
	return id
}

func (s *Server) SetClusters(rideID int64, clusters ...models.ClusterMatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters[rideID] = clusters
}

func (s *Server) SetGeocode(address string, c models.Coord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.geocodes[strings.ToLower(address)] = c
}

func (s *Server) SetRideStatus(rideID int64, status models.RideStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rides[rideID]; ok {
		r.Status = status
	}
}

// RevokeToken makes every further call with token answer 401.
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// LegacyEnd switches end-journey responses to the older shape without
// completion flags.
func (s *Server) LegacyEnd(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyEnd = on
}

// Fail makes the next n calls to the named route answer with code.
func (s *Server) Fail(route string, n, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[route] = &fault{remaining: n, code: code}
}

// Delay holds every call to the named route for d before serving it.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[route] = d
}

// --- inspection ---

func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

func (s *Server) Ride(rideID int64) models.Ride {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rides[rideID]; ok {
		return *r
	}
	return models.Ride{}
}

func (s *Server) Match(matchID int64) models.MatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.matches[matchID]; ok {
		return m.req
	}
	return models.MatchRequest{}
}

// Matches lists every match request, ordered by ID.
func (s *Server) Matches() []models.MatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.MatchRequest, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, m.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) Locations(rideID int64) []models.Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Coord(nil), s.locations[rideID]...)
}

func (s *Server) Feedback(rideID, userID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.feedback[rideID][userID]
	return c, ok
}

// --- plumbing ---

func (s *Server) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := ""
		if route := mux.CurrentRoute(r); route != nil {
			name = route.GetName()
		}
		s.mu.Lock()
		s.calls[name]++
		delay := s.delays[name]
		var code int
		if f, ok := s.faults[name]; ok && f.remaining > 0 {
			f.remaining--
			code = f.code
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if code != 0 {
			http.Error(w, "injected failure", code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID int64)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if c, err := r.Cookie("jwt"); err == nil {
			token = c.Value
		}
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r, userID)
	}
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type rideWire struct {
	ID             int64   `json:"id"`
	PickupLat      float64 `json:"pickupLat"`
	PickupLon      float64 `json:"pickupLon"`
	DropoffLat     float64 `json:"dropoffLat"`
	DropoffLon     float64 `json:"dropoffLon"`
	Status         string  `json:"status"`
	CarbonEstimate float64 `json:"carbonEstimate"`
	H3Index        string  `json:"h3Index"`
	UserID         int64   `json:"userId"`
	PickupAddress  string  `json:"pickupAddress"`
	DropoffAddress string  `json:"dropoffAddress"`
}

func rideOut(r *models.Ride) rideWire {
	status := string(r.Status)
	if r.Status == models.RideRequested {
		status = "PENDING"
	}
	return rideWire{
		ID: r.ID, UserID: r.UserID, Status: status,
		PickupLat: r.Pickup.Lat, PickupLon: r.Pickup.Lon,
		DropoffLat: r.Dropoff.Lat, DropoffLon: r.Dropoff.Lon,
		CarbonEstimate: r.CarbonEstimate, H3Index: r.GeoBucket,
		PickupAddress: r.PickupAddress, DropoffAddress: r.DropoffAddress,
	}
}

type matchWire struct {
	ID         int64  `json:"id"`
	FromRideID int64  `json:"fromRideId"`
	ToRideID   int64  `json:"toRideId"`
	Status     string `json:"status"`
}

func matchOut(m models.MatchRequest) matchWire {
	status := string(m.Status)
	switch m.Status {
	case models.MatchRejected:
		status = "CANCELLED"
	case models.MatchEnded:
		status = "COMPLETED"
	}
	return matchWire{ID: m.ID, FromRideID: m.FromRideID, ToRideID: m.ToRideID, Status: status}
}

package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/carpool-coordinator/internal/models"
)

func (s *Server) activeRide(w http.ResponseWriter, r *http.Request, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open, review *models.Ride
	for _, ride := range s.rides {
		if ride.UserID != userID {
			continue
		}
		switch ride.Status {
		case models.RideCancelled:
		case models.RideCompleted:
			if _, done := s.feedback[ride.ID][userID]; done {
				continue
			}
			if review == nil || ride.ID > review.ID {
				review = ride
			}
		default:
			if open == nil || ride.ID > open.ID {
				open = ride
			}
		}
	}
	switch {
	case open != nil:
		writeJSON(w, rideOut(open))
	case review != nil:
		writeJSON(w, rideOut(review))
	default:
		writeJSON(w, nil)
	}
}

func (s *Server) ride(w http.ResponseWriter, r *http.Request, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.rides[pathID(r)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if ride.UserID != userID {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	writeJSON(w, rideOut(ride))
}

func (s *Server) candidateRide(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.rides[pathID(r)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, rideOut(ride))
}

func (s *Server) createRide(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		PickupLat, PickupLon, DropoffLat, DropoffLon float64
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	ride := &models.Ride{
		ID:      id,
		UserID:  userID,
		Pickup:  models.Coord{Lat: body.PickupLat, Lon: body.PickupLon},
		Dropoff: models.Coord{Lat: body.DropoffLat, Lon: body.DropoffLon},
		Status:  models.RideRequested,
	}
	s.rides[id] = ride
	writeJSON(w, rideOut(ride))
}

func (s *Server) confirmed(w http.ResponseWriter, r *http.Request, userID int64) {
	s.listMatches(w, func(m *match) bool {
		return m.req.Status == models.MatchConfirmed && (s.owns(userID, m.req.FromRideID) || s.owns(userID, m.req.ToRideID))
	})
}

func (s *Server) incoming(w http.ResponseWriter, r *http.Request, userID int64) {
	s.listMatches(w, func(m *match) bool {
		return m.req.Status == models.MatchPending && s.owns(userID, m.req.ToRideID)
	})
}

func (s *Server) listMatches(w http.ResponseWriter, keep func(*match) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []matchWire{}
	for _, m := range s.matches {
		if keep(m) {
			out = append(out, matchOut(m.req))
		}
	}
	writeJSON(w, out)
}

// owns must be called with s.mu held.
func (s *Server) owns(userID, rideID int64) bool {
	ride, ok := s.rides[rideID]
	return ok && ride.UserID == userID
}

func (s *Server) candidateMatches(w http.ResponseWriter, r *http.Request, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rideID := pathID(r)
	if !s.owns(userID, rideID) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	out := s.clusters[rideID]
	if out == nil {
		out = []models.ClusterMatch{}
	}
	writeJSON(w, out)
}

func (s *Server) user(w http.ResponseWriter, r *http.Request, _ int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[pathID(r)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, u)
}

func (s *Server) requestMatch(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		RideID        int64 `json:"rideId"`
		MatchedRideID int64 `json:"matchedRideId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rides[body.MatchedRideID]; !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !s.owns(userID, body.RideID) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	for _, m := range s.matches {
		if m.req.FromRideID == body.RideID && m.req.ToRideID == body.MatchedRideID {
			http.Error(w, "Request already sent", http.StatusBadRequest)
			return
		}
	}
	id := s.id()
	s.matches[id] = &match{req: models.MatchRequest{ID: id, FromRideID: body.RideID, ToRideID: body.MatchedRideID, Status: models.MatchPending}}
	_, _ = w.Write([]byte("Request sent"))
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request, userID int64) {
	s.respond(w, r, userID, models.MatchConfirmed)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, userID int64) {
	s.respond(w, r, userID, models.MatchRejected)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, userID int64, status models.MatchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[pathID(r)]
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !s.owns(userID, m.req.ToRideID) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	m.req.Status = status
	_, _ = w.Write([]byte("ok"))
}

// side reports whether userID is on the from side of m. ok is false when the
// user owns neither ride.
func (s *Server) side(m *match, userID int64) (from, ok bool) {
	switch {
	case s.owns(userID, m.req.FromRideID):
		return true, true
	case s.owns(userID, m.req.ToRideID):
		return false, true
	default:
		return false, false
	}
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[pathID(r)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	from, ok := s.side(m, userID)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if m.req.Status != models.MatchConfirmed {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}
	if from {
		m.startFrom = true
	} else {
		m.startTo = true
	}
	if m.startFrom && m.startTo {
		s.rides[m.req.FromRideID].Status = models.RideInProgress
		s.rides[m.req.ToRideID].Status = models.RideInProgress
		_, _ = w.Write([]byte("Journey started for both!"))
		return
	}
	_, _ = w.Write([]byte("Start confirmed. Waiting for partner."))
}

func (s *Server) end(w http.ResponseWriter, r *http.Request, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[pathID(r)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	from, ok := s.side(m, userID)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	own := m.req.ToRideID
	if from {
		own = m.req.FromRideID
	}
	reply := func(both bool, msg string) {
		if s.legacyEnd {
			writeJSON(w, map[string]any{"rideId": own, "message": msg})
			return
		}
		writeJSON(w, map[string]any{"completedForBoth": both, "redirectToFeedback": both, "rideId": own, "message": msg})
	}
	if m.req.Status == models.MatchEnded {
		reply(true, "Ride already completed!")
		return
	}
	if m.req.Status != models.MatchConfirmed {
		http.Error(w, `{"error":"Invalid status"}`, http.StatusBadRequest)
		return
	}
	if from {
		m.endFrom = true
	} else {
		m.endTo = true
	}
	if m.endFrom && m.endTo {
		s.rides[m.req.FromRideID].Status = models.RideCompleted
		s.rides[m.req.ToRideID].Status = models.RideCompleted
		m.req.Status = models.MatchEnded
		reply(true, "Journey completed!")
		return
	}
	reply(false, "End confirmed. Waiting for partner.")
}

func (s *Server) location(w http.ResponseWriter, r *http.Request, _ int64) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lat and lon required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rideID := pathID(r)
	if _, ok := s.rides[rideID]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.locations[rideID] = append(s.locations[rideID], models.Coord{Lat: lat, Lon: lon})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		Comment string `json:"comment"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if strings.TrimSpace(body.Comment) == "" {
		http.Error(w, "Comment is required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rideID := pathID(r)
	if _, ok := s.rides[rideID]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if _, dup := s.feedback[rideID][userID]; dup {
		http.Error(w, "Feedback already submitted for this ride", http.StatusBadRequest)
		return
	}
	if s.feedback[rideID] == nil {
		s.feedback[rideID] = map[int64]string{}
	}
	s.feedback[rideID][userID] = body.Comment
	_, _ = w.Write([]byte("Feedback submitted"))
}

func (s *Server) geocode(w http.ResponseWriter, r *http.Request, _ int64) {
	s.mu.Lock()
	c, ok := s.geocodes[strings.ToLower(r.URL.Query().Get("address"))]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]float64{"lat": c.Lat, "lon": c.Lon})
}

func (s *Server) reverseGeocode(w http.ResponseWriter, r *http.Request, _ int64) {
	q := r.URL.Query()
	writeJSON(w, map[string]string{"display_name": fmt.Sprintf("near %s,%s", q.Get("lat"), q.Get("lon"))})
}

package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
	"github.com/example/carpool-coordinator/internal/observability"
)

type Backend interface {
	Ride(ctx context.Context, rideID int64) (models.Ride, error)
	CandidateMatches(ctx context.Context, rideID int64) ([]models.ClusterMatch, error)
	CandidateRide(ctx context.Context, rideID int64) (models.Ride, error)
	UserProfile(ctx context.Context, userID int64) (models.UserProfile, error)
	RequestMatch(ctx context.Context, fromRideID, toRideID int64) error
	IncomingRequests(ctx context.Context) ([]models.MatchRequest, error)
	ConfirmMatch(ctx context.Context, requestID int64) error
	RejectMatch(ctx context.Context, requestID int64) error
}

type Estimator interface {
	Estimate(ctx context.Context, origin, destination models.Coord) models.DistanceResult
}

// Service loads match candidates for a ride and sends match requests.
// Candidate sets are transient: each load replaces the previous one.
type Service struct {
	Backend     Backend
	Estimator   Estimator // optional; nil leaves distances unknown
	Concurrency int
	Logger      *slog.Logger

	mu     sync.Mutex
	loaded map[int64]map[int64]bool // source ride -> candidate rides from the last load
}

func (s *Service) logger() *slog.Logger { return logging.OrDefault(s.Logger) }

func (s *Service) limit() int {
	if s.Concurrency <= 0 {
		return 4
	}
	return s.Concurrency
}

// LoadCandidates returns the clusters offered for rideID with each candidate
// annotated by its owner's profile and, when viewer is known, the distance
// from viewer to the candidate's dropoff. Rides owned by the source ride's
// owner never appear. A candidate that cannot be fetched is skipped; a
// profile that cannot be fetched leaves Owner nil.
func (s *Service) LoadCandidates(ctx context.Context, rideID int64, viewer *models.Coord) ([]models.MatchCandidate, error) {
	source, err := s.Backend.Ride(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("load ride %d: %w", rideID, err)
	}
	clusters, err := s.Backend.CandidateMatches(ctx, rideID)
	if err != nil {
		return nil, fmt.Errorf("load clusters for ride %d: %w", rideID, err)
	}

	var ids []int64
	seen := map[int64]bool{rideID: true}
	for _, cl := range clusters {
		for _, id := range cl.MatchedRideIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	rides, err := s.fetchRides(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, r := range rides {
		if r.UserID == source.UserID {
			delete(rides, id)
		}
	}
	profiles := s.fetchProfiles(ctx, rides)
	distances := s.estimate(ctx, rides, viewer)

	loaded := make(map[int64]bool, len(rides))
	out := make([]models.MatchCandidate, 0, len(clusters))
	total := 0
	for _, cl := range clusters {
		mc := models.MatchCandidate{ClusterID: cl.ClusterID}
		for _, id := range cl.MatchedRideIDs {
			r, ok := rides[id]
			if !ok {
				continue
			}
			cr := models.CandidateRide{Ride: r, Distance: distances[id]}
			if p, ok := profiles[r.UserID]; ok {
				cr.Owner = &p
			}
			mc.Rides = append(mc.Rides, cr)
			loaded[id] = true
		}
		if len(mc.Rides) == 0 {
			continue
		}
		rank(mc.Rides)
		total += len(mc.Rides)
		out = append(out, mc)
	}

	s.mu.Lock()
	if s.loaded == nil {
		s.loaded = map[int64]map[int64]bool{}
	}
	s.loaded[rideID] = loaded
	s.mu.Unlock()

	observability.CandidatesLoaded.Observe(float64(total))
	s.logger().Info("candidates_loaded", "ride", rideID, "clusters", len(out), "rides", total)
	return out, nil
}

func (s *Service) fetchRides(ctx context.Context, ids []int64) (map[int64]models.Ride, error) {
	var mu sync.Mutex
	rides := make(map[int64]models.Ride, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit())
	for _, id := range ids {
		g.Go(func() error {
			r, err := s.Backend.CandidateRide(gctx, id)
			if err != nil {
				if errors.Is(err, backend.ErrAuthExpired) {
					return err
				}
				s.logger().Warn("candidate_ride_skipped", "ride", id, "error", err)
				return nil
			}
			mu.Lock()
			rides[id] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rides, nil
}

func (s *Service) fetchProfiles(ctx context.Context, rides map[int64]models.Ride) map[int64]models.UserProfile {
	users := map[int64]bool{}
	for _, r := range rides {
		users[r.UserID] = true
	}
	var mu sync.Mutex
	out := make(map[int64]models.UserProfile, len(users))
	var g errgroup.Group
	g.SetLimit(s.limit())
	for uid := range users {
		g.Go(func() error {
			p, err := s.Backend.UserProfile(ctx, uid)
			if err != nil {
				s.logger().Warn("profile_unavailable", "user", uid, "error", err)
				return nil
			}
			mu.Lock()
			out[uid] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Service) estimate(ctx context.Context, rides map[int64]models.Ride, viewer *models.Coord) map[int64]*models.DistanceResult {
	out := make(map[int64]*models.DistanceResult, len(rides))
	if viewer == nil || s.Estimator == nil {
		return out
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.limit())
	for id, r := range rides {
		g.Go(func() error {
			d := s.Estimator.Estimate(ctx, *viewer, r.Dropoff)
			mu.Lock()
			out[id] = &d
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// rank orders by distance, unknown last, then by owner trust score.
func rank(rides []models.CandidateRide) {
	trust := func(c models.CandidateRide) float64 {
		if c.Owner == nil {
			return 0
		}
		return c.Owner.TrustScore
	}
	sort.SliceStable(rides, func(i, j int) bool {
		di, dj := rides[i].Distance, rides[j].Distance
		switch {
		case di != nil && dj != nil && di.Meters != dj.Meters:
			return di.Meters < dj.Meters
		case di != nil && dj == nil:
			return true
		case di == nil && dj != nil:
			return false
		}
		return trust(rides[i]) > trust(rides[j])
	})
}

// RequestMatch proposes pairing rideID with candidateRideID. Pairing a ride
// with itself or with another ride of the same owner is rejected before the
// request is sent. Candidates outside the last load are looked up first.
func (s *Service) RequestMatch(ctx context.Context, rideID, candidateRideID int64) error {
	if rideID == candidateRideID {
		return backend.Validationf("ride %d cannot be matched with itself", rideID)
	}
	if err := s.checkOwners(ctx, rideID, candidateRideID); err != nil {
		return err
	}
	if err := s.Backend.RequestMatch(ctx, rideID, candidateRideID); err != nil {
		s.logger().Warn("match_request_failed", "ride", rideID, "candidate", candidateRideID, "error", err)
		return err
	}
	s.logger().Info("match_requested", "ride", rideID, "candidate", candidateRideID)
	return nil
}

func (s *Service) checkOwners(ctx context.Context, rideID, candidateRideID int64) error {
	// Loaded candidates were already filtered against the source owner.
	s.mu.Lock()
	known := s.loaded[rideID][candidateRideID]
	s.mu.Unlock()
	if known {
		return nil
	}
	source, err := s.Backend.Ride(ctx, rideID)
	if err != nil {
		return err
	}
	cand, err := s.Backend.CandidateRide(ctx, candidateRideID)
	if err != nil {
		return err
	}
	if source.UserID == cand.UserID {
		return backend.Validationf("ride %d belongs to the same rider as ride %d", candidateRideID, rideID)
	}
	return nil
}

func (s *Service) IncomingRequests(ctx context.Context) ([]models.MatchRequest, error) {
	return s.Backend.IncomingRequests(ctx)
}

func (s *Service) Confirm(ctx context.Context, requestID int64) error {
	if err := s.Backend.ConfirmMatch(ctx, requestID); err != nil {
		return err
	}
	s.logger().Info("match_confirmed", "request", requestID)
	return nil
}

func (s *Service) Reject(ctx context.Context, requestID int64) error {
	if err := s.Backend.RejectMatch(ctx, requestID); err != nil {
		return err
	}
	s.logger().Info("match_rejected", "request", requestID)
	return nil
}

// Package feedback collects one comment per completed ride.
package feedback

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
	"github.com/example/carpool-coordinator/internal/observability"
)

type Backend interface {
	SubmitFeedback(ctx context.Context, rideID int64, comment string) error
}

type Outcome string

const (
	Submitted Outcome = "SUBMITTED"
	// AlreadySubmitted is terminal like Submitted: the backend (or this
	// session) already holds feedback for the ride.
	AlreadySubmitted Outcome = "ALREADY_SUBMITTED"
)

// Submitter is safe for concurrent use. Concurrent submits for one ride share
// a single request.
type Submitter struct {
	backend Backend
	logger  *slog.Logger
	group   singleflight.Group

	mu      sync.Mutex
	done    map[int64]Outcome
	pending map[int64]models.Ride
}

func New(b Backend, logger *slog.Logger) *Submitter {
	return &Submitter{
		backend: b,
		logger:  logging.OrDefault(logger),
		done:    map[int64]Outcome{},
		pending: map[int64]models.Ride{},
	}
}

// Prompt records a completed ride as awaiting feedback.
func (s *Submitter) Prompt(ride models.Ride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[ride.ID]; ok {
		return
	}
	s.pending[ride.ID] = ride
	s.logger.Info("feedback_due", "ride", ride.ID)
}

// Pending lists rides awaiting feedback, oldest ID first.
func (s *Submitter) Pending() []models.Ride {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Ride, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Submitter) Submit(ctx context.Context, rideID int64, comment string) (Outcome, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		observability.FeedbackSubmissions.WithLabelValues("rejected").Inc()
		return "", backend.Validationf("comment is required")
	}
	s.mu.Lock()
	prev, ok := s.done[rideID]
	s.mu.Unlock()
	if ok {
		return prev, nil
	}

	v, err, _ := s.group.Do(strconv.FormatInt(rideID, 10), func() (any, error) {
		err := s.backend.SubmitFeedback(ctx, rideID, comment)
		switch {
		case err == nil:
			return Submitted, nil
		case errors.Is(err, backend.ErrDuplicate):
			return AlreadySubmitted, nil
		default:
			return Outcome(""), err
		}
	})
	if err != nil {
		observability.FeedbackSubmissions.WithLabelValues(backend.Outcome(err)).Inc()
		s.logger.Warn("feedback_failed", "ride", rideID, "error", err)
		return "", err
	}
	out := v.(Outcome)

	s.mu.Lock()
	if _, seen := s.done[rideID]; !seen {
		s.done[rideID] = out
		delete(s.pending, rideID)
		observability.FeedbackSubmissions.WithLabelValues(strings.ToLower(string(out))).Inc()
		s.logger.Info("feedback_recorded", "ride", rideID, "outcome", out)
	}
	s.mu.Unlock()
	return out, nil
}

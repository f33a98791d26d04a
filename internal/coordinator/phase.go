package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/models"
)

type Phase string

const (
	PhaseResolving              Phase = "RESOLVING"
	PhaseNoRide                 Phase = "NO_RIDE"
	PhaseAwaitingMatch          Phase = "AWAITING_MATCH"
	PhaseMatchedPendingConfirm  Phase = "MATCHED_PENDING_CONFIRM"
	PhaseConfirmedReady         Phase = "CONFIRMED_READY"
	PhaseJourneyActive          Phase = "JOURNEY_ACTIVE"
	PhaseJourneyAwaitingPartner Phase = "JOURNEY_AWAITING_PARTNER"
	PhaseCompleted              Phase = "COMPLETED"
)

// Terminal phases end the session's event loop.
func (p Phase) Terminal() bool { return p == PhaseNoRide || p == PhaseCompleted }

// Journey phases watch and report the device position.
func (p Phase) Journey() bool {
	return p == PhaseJourneyActive || p == PhaseJourneyAwaitingPartner
}

func (p Phase) waitingForMatch() bool {
	return p == PhaseAwaitingMatch || p == PhaseMatchedPendingConfirm
}

var (
	// ErrAwaitingPartner is returned by End after this side already ended.
	// Nothing is sent; polling picks up the partner's end.
	ErrAwaitingPartner = errors.New("journey end already sent, waiting for partner")

	// ErrBusy means a start or end request is still in flight.
	ErrBusy = errors.New("another ride action is in flight")

	ErrStopped = errors.New("coordinator stopped")
)

// PhaseError rejects an action that the current phase does not allow. It
// matches backend.ErrValidation.
type PhaseError struct {
	Op    string
	Phase Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s not allowed in %s", e.Op, e.Phase)
}

func (e *PhaseError) Unwrap() error { return backend.ErrValidation }

// Snapshot is a read-only copy of coordinator state for presentation.
type Snapshot struct {
	SessionID   string                 `json:"sessionId"`
	Phase       Phase                  `json:"phase"`
	Ride        *models.Ride           `json:"ride,omitempty"`
	MatchID     int64                  `json:"matchId,omitempty"`
	PartnerRide int64                  `json:"partnerRideId,omitempty"`
	Position    *models.PositionSample `json:"position,omitempty"`
	Distance    *models.DistanceResult `json:"distanceToDropoff,omitempty"`
	PositionErr string                 `json:"positionError,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// FeedbackDue reports whether the session should collect feedback.
func (s Snapshot) FeedbackDue() bool { return s.Phase == PhaseCompleted && s.Ride != nil }

// Transition is one phase change, as recorded by event sinks.
type Transition struct {
	SessionID string    `json:"sessionId"`
	RideID    int64     `json:"rideId"`
	MatchID   int64     `json:"matchId,omitempty"`
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

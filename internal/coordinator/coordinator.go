// Package coordinator tracks one rider's ride through its lifecycle and keeps
// it reconciled with the backend by polling.
//
// All state lives on a single event-loop goroutine started by Run. Network
// calls run in helper goroutines and post their results back to the loop, so
// no state is ever touched from two goroutines.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
	"github.com/example/carpool-coordinator/internal/observability"
	"github.com/example/carpool-coordinator/internal/position"
)

// Backend is the subset of backend.Client the coordinator drives.
type Backend interface {
	ActiveRide(ctx context.Context) (*models.Ride, error)
	Ride(ctx context.Context, rideID int64) (models.Ride, error)
	ConfirmedMatches(ctx context.Context) ([]models.MatchRequest, error)
	StartMatch(ctx context.Context, matchID int64) error
	EndMatch(ctx context.Context, matchID int64) (models.EndOutcome, error)
	ReportLocation(ctx context.Context, rideID int64, pos models.Coord) error
}

type Estimator interface {
	Estimate(ctx context.Context, origin, destination models.Coord) models.DistanceResult
}

// Observer receives every snapshot. Publish runs on the event loop and must
// not block.
type Observer interface {
	Publish(Snapshot)
}

// EventSink records phase transitions. Each sink gets its own goroutine and
// sees transitions in the order they happened.
type EventSink interface {
	Record(ctx context.Context, t Transition) error
}

// FeedbackPrompter is told about a completed ride that needs feedback.
type FeedbackPrompter interface {
	Prompt(ride models.Ride)
}

type Config struct {
	Backend        Backend
	Positions      position.Source // optional
	Estimator      Estimator       // optional
	Feedback       FeedbackPrompter
	Observers      []Observer
	Sinks          []EventSink
	PollInterval   time.Duration
	ReportInterval time.Duration
	SinkTimeout    time.Duration
	// SinkBuffer is how many transitions may queue per sink before new ones
	// are dropped.
	SinkBuffer int
	Logger     *slog.Logger
}

type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	sessionID string

	cmds   chan command
	events chan any
	done   chan struct{}
	snap   atomic.Pointer[Snapshot]
	queues []chan Transition

	// loop-owned state
	runCtx    context.Context
	phase     Phase
	ride      *models.Ride
	matchID   int64
	partner   int64
	sample    *models.PositionSample
	distance  *models.DistanceResult
	posErr    string
	lastErr   string
	polling   bool
	inflight  bool
	fatal     error
	watchCtx  context.Context
	watchStop context.CancelFunc
	samples   <-chan models.PositionSample
	reporter  *time.Ticker
}

func New(cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 20 * time.Second
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = 32
	}
	c := &Coordinator{
		cfg:       cfg,
		logger:    logging.OrDefault(cfg.Logger),
		sessionID: uuid.NewString(),
		cmds:      make(chan command),
		events:    make(chan any, 8),
		done:      make(chan struct{}),
		phase:     PhaseResolving,
	}
	c.logger = c.logger.With("session", c.sessionID)
	c.snap.Store(&Snapshot{SessionID: c.sessionID, Phase: PhaseResolving, UpdatedAt: time.Now()})
	return c
}

// Snapshot returns the last published state. Safe from any goroutine.
func (c *Coordinator) Snapshot() Snapshot { return *c.snap.Load() }

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run resolves the active ride and drives it until a terminal phase, an
// expired session, or ctx cancellation. Expired sessions and a failed
// initial lookup are returned as errors.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.runCtx = ctx
	defer c.stopSinks()
	c.startSinks()
	defer c.stopJourney()

	if err := c.resolve(ctx); err != nil {
		c.lastErr = err.Error()
		c.publish()
		return err
	}
	if c.phase.Terminal() {
		c.finish()
		return nil
	}

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	for {
		var reportC <-chan time.Time
		if c.reporter != nil {
			reportC = c.reporter.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			c.startPoll(ctx)
		case <-reportC:
			c.report()
		case s, ok := <-c.samples:
			if !ok {
				c.samples = nil
				continue
			}
			c.onSample(s)
		case cmd := <-c.cmds:
			c.onCommand(ctx, cmd)
		case ev := <-c.events:
			c.onEvent(ev)
		}
		if c.fatal != nil {
			c.publish()
			return c.fatal
		}
		if c.phase.Terminal() {
			c.finish()
			return nil
		}
	}
}

func (c *Coordinator) resolve(ctx context.Context) error {
	ride, err := c.cfg.Backend.ActiveRide(ctx)
	if err != nil {
		return fmt.Errorf("resolve active ride: %w", err)
	}
	switch {
	case ride == nil || ride.Status == models.RideCancelled:
		c.transition(PhaseNoRide, "no active ride")
		return nil
	case ride.Completed():
		c.ride = ride
		c.transition(PhaseCompleted, "ride already completed")
		return nil
	}
	c.ride = ride

	matches, err := c.cfg.Backend.ConfirmedMatches(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrAuthExpired) {
			return err
		}
		c.logger.Warn("confirmed_matches_failed", "ride", ride.ID, "error", err)
	}
	if c.adoptMatch(matches) {
		c.transition(PhaseConfirmedReady, "confirmed match found")
		return nil
	}
	if ride.Status == models.RideMatched {
		c.transition(PhaseMatchedPendingConfirm, "ride matched")
		return nil
	}
	c.transition(PhaseAwaitingMatch, "no confirmed match")
	return nil
}

// adoptMatch picks the confirmed match referencing the ride on either side.
func (c *Coordinator) adoptMatch(matches []models.MatchRequest) bool {
	for _, m := range matches {
		if m.Status == models.MatchConfirmed && m.References(c.ride.ID) {
			c.matchID = m.ID
			c.partner = m.Partner(c.ride.ID)
			return true
		}
	}
	return false
}

func (c *Coordinator) transition(to Phase, reason string) {
	from := c.phase
	if from == to {
		return
	}
	c.phase = to
	c.logger.Info("phase_transition", "from", from, "to", to, "reason", reason, "ride", c.rideID(), "match", c.matchID)
	observability.PhaseTransitions.WithLabelValues(string(from), string(to)).Inc()

	t := Transition{SessionID: c.sessionID, RideID: c.rideID(), MatchID: c.matchID, From: from, To: to, Reason: reason, At: time.Now().UTC()}
	for i, q := range c.queues {
		select {
		case q <- t:
		default:
			c.logger.Warn("transition_dropped", "sink", fmt.Sprintf("%T", c.cfg.Sinks[i]), "to", to)
		}
	}

	if to.Journey() {
		c.startJourney()
	} else {
		c.stopJourney()
	}
	c.publish()
}

func (c *Coordinator) startSinks() {
	c.queues = make([]chan Transition, len(c.cfg.Sinks))
	for i, sink := range c.cfg.Sinks {
		q := make(chan Transition, c.cfg.SinkBuffer)
		c.queues[i] = q
		go c.drain(sink, q)
	}
}

// stopSinks closes the queues. Workers finish what is already queued, so
// the final transition is recorded after Run returns.
func (c *Coordinator) stopSinks() {
	for _, q := range c.queues {
		close(q)
	}
	c.queues = nil
}

func (c *Coordinator) drain(sink EventSink, q <-chan Transition) {
	for t := range q {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SinkTimeout)
		if err := sink.Record(ctx, t); err != nil {
			c.logger.Warn("transition_sink_failed", "sink", fmt.Sprintf("%T", sink), "to", t.To, "error", err)
		}
		cancel()
	}
}

func (c *Coordinator) finish() {
	c.stopJourney()
	if c.phase == PhaseCompleted && c.ride != nil && c.cfg.Feedback != nil {
		c.cfg.Feedback.Prompt(*c.ride)
	}
	c.publish()
}

func (c *Coordinator) rideID() int64 {
	if c.ride == nil {
		return 0
	}
	return c.ride.ID
}

func (c *Coordinator) publish() {
	s := &Snapshot{
		SessionID:   c.sessionID,
		Phase:       c.phase,
		MatchID:     c.matchID,
		PartnerRide: c.partner,
		PositionErr: c.posErr,
		LastError:   c.lastErr,
		UpdatedAt:   time.Now(),
	}
	if c.ride != nil {
		r := *c.ride
		s.Ride = &r
	}
	if c.sample != nil {
		p := *c.sample
		s.Position = &p
	}
	if c.distance != nil {
		d := *c.distance
		s.Distance = &d
	}
	c.snap.Store(s)
	for _, o := range c.cfg.Observers {
		o.Publish(*s)
	}
}

// post hands a helper result to the loop, or drops it once Run has returned.
func (c *Coordinator) post(ctx context.Context, ev any) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/models"
	"github.com/example/carpool-coordinator/internal/observability"
	"github.com/example/carpool-coordinator/internal/position"
)

type op string

const (
	opStart op = "start"
	opEnd   op = "end"
)

type command struct {
	op    op
	reply chan error
}

type pollResult struct {
	ride    models.Ride
	matches []models.MatchRequest
	err     error
}

type startResult struct {
	cmd command
	err error
}

type endResult struct {
	cmd     command
	outcome models.EndOutcome
	err     error
}

type estimateResult struct {
	result models.DistanceResult
}

// Start posts match-start for the confirmed match. On success the journey is
// active and the position watch begins.
func (c *Coordinator) Start(ctx context.Context) error { return c.command(ctx, opStart) }

// End posts match-end. Once this side has ended and the partner has not,
// further calls return ErrAwaitingPartner without a network call.
func (c *Coordinator) End(ctx context.Context) error { return c.command(ctx, opEnd) }

func (c *Coordinator) command(ctx context.Context, o op) error {
	cmd := command{op: o, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return c.stopped(o)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return c.stopped(o)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) stopped(o op) error {
	if p := c.Snapshot().Phase; p.Terminal() {
		return &PhaseError{Op: string(o), Phase: p}
	}
	return ErrStopped
}

func (c *Coordinator) onCommand(ctx context.Context, cmd command) {
	switch cmd.op {
	case opStart:
		if c.phase != PhaseConfirmedReady || c.matchID == 0 {
			cmd.reply <- &PhaseError{Op: string(cmd.op), Phase: c.phase}
			return
		}
	case opEnd:
		if c.phase == PhaseJourneyAwaitingPartner {
			cmd.reply <- ErrAwaitingPartner
			return
		}
		if (c.phase != PhaseConfirmedReady && c.phase != PhaseJourneyActive) || c.matchID == 0 {
			cmd.reply <- &PhaseError{Op: string(cmd.op), Phase: c.phase}
			return
		}
	}
	if c.inflight {
		cmd.reply <- ErrBusy
		return
	}
	c.inflight = true
	matchID := c.matchID
	go func() {
		switch cmd.op {
		case opStart:
			err := c.cfg.Backend.StartMatch(ctx, matchID)
			c.post(ctx, startResult{cmd: cmd, err: err})
		case opEnd:
			out, err := c.cfg.Backend.EndMatch(ctx, matchID)
			c.post(ctx, endResult{cmd: cmd, outcome: out, err: err})
		}
	}()
}

func (c *Coordinator) onEvent(ev any) {
	switch ev := ev.(type) {
	case pollResult:
		c.onPoll(ev)
	case startResult:
		c.inflight = false
		if c.failed(string(opStart), ev.err) {
			ev.cmd.reply <- ev.err
			return
		}
		c.lastErr = ""
		// A poll may have completed the ride while the start was in flight.
		if c.phase == PhaseConfirmedReady {
			c.transition(PhaseJourneyActive, "journey started")
		}
		ev.cmd.reply <- nil
	case endResult:
		c.inflight = false
		if c.failed(string(opEnd), ev.err) {
			ev.cmd.reply <- ev.err
			return
		}
		c.lastErr = ""
		switch {
		case c.phase.Terminal():
		case ev.outcome.CompletedForBoth:
			if c.ride != nil {
				c.ride.Status = models.RideCompleted
			}
			c.transition(PhaseCompleted, "both parties ended")
		default:
			c.transition(PhaseJourneyAwaitingPartner, "waiting for partner to end")
		}
		ev.cmd.reply <- nil
	case estimateResult:
		if !c.phase.Journey() {
			return
		}
		d := ev.result
		c.distance = &d
		c.publish()
	}
}

// failed records a mutating-call error. State is left alone; an expired
// session stops the loop.
func (c *Coordinator) failed(action string, err error) bool {
	if err == nil {
		return false
	}
	c.logger.Warn("ride_action_failed", "action", action, "match", c.matchID, "error", err)
	c.lastErr = err.Error()
	if errors.Is(err, backend.ErrAuthExpired) {
		c.fatal = err
	}
	c.publish()
	return true
}

func (c *Coordinator) startPoll(ctx context.Context) {
	if c.polling || c.ride == nil {
		return
	}
	c.polling = true
	rideID := c.ride.ID
	refreshMatches := c.phase.waitingForMatch()
	go func() {
		var res pollResult
		res.ride, res.err = c.cfg.Backend.Ride(ctx, rideID)
		if res.err == nil && refreshMatches {
			matches, err := c.cfg.Backend.ConfirmedMatches(ctx)
			switch {
			case errors.Is(err, backend.ErrAuthExpired):
				res.err = err
			case err != nil:
				c.logger.Warn("confirmed_matches_failed", "ride", rideID, "error", err)
			default:
				res.matches = matches
			}
		}
		c.post(ctx, res)
	}()
}

func (c *Coordinator) onPoll(res pollResult) {
	c.polling = false
	if res.err != nil {
		observability.PollsTotal.WithLabelValues(backend.Outcome(res.err)).Inc()
		c.logger.Warn("poll_failed", "ride", c.rideID(), "error", res.err)
		if errors.Is(res.err, backend.ErrAuthExpired) {
			c.fatal = res.err
			c.lastErr = res.err.Error()
		}
		return
	}
	observability.PollsTotal.WithLabelValues("ok").Inc()
	if c.phase.Terminal() {
		return
	}

	prev := c.ride.Status
	r := res.ride
	c.ride = &r
	switch {
	case r.Completed():
		c.transition(PhaseCompleted, "backend reports ride completed")
	case r.Status == models.RideCancelled:
		c.transition(PhaseNoRide, "ride cancelled")
	case c.phase.waitingForMatch() && c.adoptMatch(res.matches):
		c.transition(PhaseConfirmedReady, "partner confirmed match")
	case c.phase == PhaseAwaitingMatch && r.Status == models.RideMatched:
		c.transition(PhaseMatchedPendingConfirm, "ride matched")
	default:
		if prev != r.Status {
			c.publish()
		}
	}
}

func (c *Coordinator) startJourney() {
	if c.watchStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	c.watchCtx, c.watchStop = ctx, cancel
	c.reporter = time.NewTicker(c.cfg.ReportInterval)
	if c.cfg.Positions == nil {
		return
	}
	ch, err := c.cfg.Positions.Watch(ctx)
	if err != nil {
		// No samples: position and distance stay unknown.
		c.posErr = err.Error()
		if errors.Is(err, position.ErrPermissionDenied) {
			c.logger.Info("position_unavailable", "reason", "permission denied")
		} else {
			c.logger.Warn("position_watch_failed", "error", err)
		}
		return
	}
	c.posErr = ""
	c.samples = ch
}

func (c *Coordinator) stopJourney() {
	if c.watchStop == nil {
		return
	}
	c.watchStop()
	c.watchCtx, c.watchStop = nil, nil
	c.samples = nil
	c.reporter.Stop()
	c.reporter = nil
}

// onSample keeps the newest fix and starts a fresh estimate for it. Nothing
// is queued; whichever estimate lands last is shown.
func (c *Coordinator) onSample(s models.PositionSample) {
	c.sample = &s
	c.publish()
	if c.cfg.Estimator == nil || c.ride == nil {
		return
	}
	ctx := c.watchCtx
	dropoff := c.ride.Dropoff
	go func() {
		res := c.cfg.Estimator.Estimate(ctx, s.Coord, dropoff)
		c.post(ctx, estimateResult{result: res})
	}()
}

// report sends the latest fix. Failures are logged and dropped; the next
// tick carries a newer fix anyway.
func (c *Coordinator) report() {
	if c.sample == nil || c.ride == nil || c.watchCtx == nil {
		return
	}
	ctx, rideID, pos := c.watchCtx, c.ride.ID, c.sample.Coord
	go func() {
		err := c.cfg.Backend.ReportLocation(ctx, rideID, pos)
		if ctx.Err() != nil {
			return
		}
		observability.LocationReports.WithLabelValues(backend.Outcome(err)).Inc()
		if err != nil {
			c.logger.Warn("location_report_failed", "ride", rideID, "error", err)
		}
	}()
}

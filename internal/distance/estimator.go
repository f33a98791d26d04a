package distance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/carpool-coordinator/internal/geo"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
	"github.com/example/carpool-coordinator/internal/observability"
)

type Options struct {
	Router  Router // nil means straight-line only
	Timeout time.Duration
	// RPS caps calls to the routing service. Zero disables the limit.
	RPS    float64
	Logger *slog.Logger
}

// Estimator is the one place that tries a route and falls back to the
// great-circle distance. It never returns an error and never caches.
type Estimator struct {
	router  Router
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewEstimator(opts Options) *Estimator {
	e := &Estimator{
		router:  opts.Router,
		timeout: opts.Timeout,
		logger:  logging.OrDefault(opts.Logger),
	}
	if e.timeout <= 0 {
		e.timeout = 5 * time.Second
	}
	if opts.RPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	return e
}

func (e *Estimator) Estimate(ctx context.Context, origin, destination models.Coord) models.DistanceResult {
	if e.router == nil {
		return e.fallback(origin, destination, "no_router")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if e.limiter != nil {
		// Wait fails fast when the reservation would outlive the deadline.
		if err := e.limiter.Wait(ctx); err != nil {
			return e.fallback(origin, destination, "rate_limited")
		}
	}
	res, panicked, err := e.route(ctx, origin, destination)
	if panicked {
		e.logger.Warn("router_panic", "error", err)
		return e.fallback(origin, destination, "router_panic")
	}
	if err == nil {
		err = checkMeters(res.Meters)
	}
	if err != nil {
		e.logger.Debug("route_fallback", "error", err)
		return e.fallback(origin, destination, "router_error")
	}
	res.Provenance = models.ProvenanceRouted
	observability.DistanceEstimates.WithLabelValues(string(models.ProvenanceRouted)).Inc()
	return res
}

// route calls the router, turning a panic into an error.
func (e *Estimator) route(ctx context.Context, origin, destination models.Coord) (res models.DistanceResult, panicked bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			res, panicked, err = models.DistanceResult{}, true, fmt.Errorf("router panicked: %v", v)
		}
	}()
	res, err = e.router.Route(ctx, origin, destination)
	return res, false, err
}

func (e *Estimator) fallback(origin, destination models.Coord, reason string) models.DistanceResult {
	observability.DistanceEstimates.WithLabelValues(string(models.ProvenanceFallback)).Inc()
	e.logger.Debug("distance_straight_line", "reason", reason)
	return StraightLine(origin, destination)
}

// StraightLine is the great-circle distance with a two-point polyline.
func StraightLine(origin, destination models.Coord) models.DistanceResult {
	return models.DistanceResult{
		Meters:     geo.Distance(origin, destination),
		Polyline:   []models.Coord{origin, destination},
		Provenance: models.ProvenanceFallback,
	}
}

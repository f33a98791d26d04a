// Package distance estimates road distance between two coordinates. A Router
// answers with a routed path when it can; the Estimator falls back to the
// great-circle distance when it cannot.
package distance

import (
	"context"
	"errors"
	"math"

	"github.com/example/carpool-coordinator/internal/models"
)

// Router asks a road-routing service for a driving route.
type Router interface {
	Route(ctx context.Context, origin, destination models.Coord) (models.DistanceResult, error)
}

var ErrNoRoute = errors.New("no route")

func checkMeters(m float64) error {
	if math.IsNaN(m) || math.IsInf(m, 0) || m < 0 {
		return errors.New("route distance out of range")
	}
	return nil
}

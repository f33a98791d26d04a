// Package position supplies device position samples to the coordinator.
// Consumers only ever see the most recent sample: a slow reader skips
// intermediate fixes instead of queueing them.
package position

import (
	"context"
	"errors"

	"github.com/example/carpool-coordinator/internal/models"
)

// ErrPermissionDenied means the device refused location access. No samples
// will ever arrive and callers treat the position as unknown.
var ErrPermissionDenied = errors.New("position permission denied")

// Source streams position samples until ctx is done, then closes the channel.
type Source interface {
	Watch(ctx context.Context) (<-chan models.PositionSample, error)
}

// offer puts s on a one-slot channel, replacing any sample the reader has not
// picked up yet. Callers serialize offers to the same channel.
func offer(ch chan models.PositionSample, s models.PositionSample) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Package storage keeps an append-only journal of ride lifecycle transitions.
package storage

import (
	"context"
	"sync"

	"github.com/example/carpool-coordinator/internal/coordinator"
)

// Journal is a coordinator.EventSink that can also be read back.
type Journal interface {
	Record(ctx context.Context, t coordinator.Transition) error
	// History returns a ride's transitions in the order they happened.
	History(ctx context.Context, rideID int64) ([]coordinator.Transition, error)
}

// MemoryJournal keeps transitions in arrival order. The coordinator feeds
// each sink from a single goroutine, so arrival order is transition order.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []coordinator.Transition
}

func NewMemoryJournal() *MemoryJournal { return &MemoryJournal{} }

func (m *MemoryJournal) Record(_ context.Context, t coordinator.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, t)
	return nil
}

func (m *MemoryJournal) History(_ context.Context, rideID int64) ([]coordinator.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []coordinator.Transition
	for _, t := range m.entries {
		if t.RideID == rideID {
			out = append(out, t)
		}
	}
	return out, nil
}

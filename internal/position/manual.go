package position

import (
	"context"
	"sync"
	"time"

	"github.com/example/carpool-coordinator/internal/geo"
	"github.com/example/carpool-coordinator/internal/models"
)

// ManualSource is fed by Push: the local status API, the CLI and tests.
type ManualSource struct {
	mu       sync.Mutex
	denied   bool
	watchers map[chan models.PositionSample]struct{}
	last     *models.PositionSample
}

func NewManualSource() *ManualSource {
	return &ManualSource{watchers: map[chan models.PositionSample]struct{}{}}
}

// Deny makes future Watch calls fail with ErrPermissionDenied.
func (m *ManualSource) Deny() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied = true
}

// Push delivers a sample to every active watcher. Invalid coordinates are
// dropped and reported as false.
func (m *ManualSource) Push(s models.PositionSample) bool {
	if !geo.Valid(s.Coord) {
		return false
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &s
	for ch := range m.watchers {
		offer(ch, s)
	}
	return true
}

// Watch replays the last pushed sample, if any, then follows Push.
func (m *ManualSource) Watch(ctx context.Context) (<-chan models.PositionSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied {
		return nil, ErrPermissionDenied
	}
	ch := make(chan models.PositionSample, 1)
	if m.last != nil {
		ch <- *m.last
	}
	m.watchers[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Watchers is the number of open watches.
func (m *ManualSource) Watchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

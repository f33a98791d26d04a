package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
)

func sample(lat, lon float64, at time.Time) models.PositionSample {
	return models.PositionSample{Coord: models.Coord{Lat: lat, Lon: lon}, CapturedAt: at, Accuracy: 5}
}

func TestManualSource_LatestWins(t *testing.T) {
	src := NewManualSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Watch(ctx)
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.True(t, src.Push(sample(17+float64(i)/100, 78, now.Add(time.Duration(i)*time.Second))))
	}
	got := <-ch
	assert.InDelta(t, 17.04, got.Lat, 1e-9)
	select {
	case extra := <-ch:
		t.Fatalf("stale sample queued: %+v", extra)
	default:
	}
}

func TestManualSource_RejectsInvalid(t *testing.T) {
	src := NewManualSource()
	assert.False(t, src.Push(sample(123, 0, time.Now())))
}

func TestManualSource_ReplaysLastAndCloses(t *testing.T) {
	src := NewManualSource()
	require.True(t, src.Push(sample(17.385, 78.4867, time.Time{})))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := src.Watch(ctx)
	require.NoError(t, err)
	got := <-ch
	assert.False(t, got.CapturedAt.IsZero())
	assert.Equal(t, 1, src.Watchers())

	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Eventually(t, func() bool { return src.Watchers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManualSource_Denied(t *testing.T) {
	src := NewManualSource()
	src.Deny()
	_, err := src.Watch(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
}

type fakeStore struct {
	mu      sync.Mutex
	reports map[string]DeviceReport
	err     error
}

func (f *fakeStore) Put(_ context.Context, r DeviceReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reports == nil {
		f.reports = map[string]DeviceReport{}
	}
	f.reports[r.DeviceID] = r
	return nil
}

func (f *fakeStore) Latest(_ context.Context, id string) (DeviceReport, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return DeviceReport{}, false, f.err
	}
	r, ok := f.reports[id]
	return r, ok, nil
}

func TestRedisSource_EmitsNewerFixes(t *testing.T) {
	store := &fakeStore{}
	now := time.Now()
	require.NoError(t, store.Put(context.Background(), DeviceReport{DeviceID: "phone-1", Lat: 17.385, Lon: 78.4867, CapturedAt: now}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := NewRedisSource(store, "phone-1", 10*time.Millisecond, logging.Discard())
	ch, err := src.Watch(ctx)
	require.NoError(t, err)

	first := <-ch
	assert.InDelta(t, 17.385, first.Lat, 1e-9)

	require.NoError(t, store.Put(context.Background(), DeviceReport{DeviceID: "phone-1", Lat: 17.39, Lon: 78.49, CapturedAt: now.Add(time.Second)}))
	select {
	case next := <-ch:
		assert.InDelta(t, 17.39, next.Lat, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no sample after update")
	}
}

func TestRedisSource_Denied(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, store.Put(context.Background(), DeviceReport{DeviceID: "phone-1", Denied: true}))
	_, err := NewRedisSource(store, "phone-1", time.Second, logging.Discard()).Watch(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestRedisSource_StoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	_, err := NewRedisSource(store, "phone-1", time.Second, logging.Discard()).Watch(context.Background())
	require.Error(t, err)
}

func TestRedisSource_NoFixYet(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewRedisSource(store, "phone-1", 5*time.Millisecond, logging.Discard()).Watch(ctx)
	require.NoError(t, err)
	cancel()
	for range ch {
		t.Fatal("unexpected sample")
	}
}

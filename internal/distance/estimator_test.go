package distance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-coordinator/internal/geo"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
)

var (
	origin = models.Coord{Lat: 17.385, Lon: 78.4867}
	dest   = models.Coord{Lat: 17.4401, Lon: 78.3489}
)

type fakeRouter struct {
	calls atomic.Int32
	res   models.DistanceResult
	err   error
	delay time.Duration
}

func (f *fakeRouter) Route(ctx context.Context, _, _ models.Coord) (models.DistanceResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.DistanceResult{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func newEstimator(r Router, timeout time.Duration, rps float64) *Estimator {
	return NewEstimator(Options{Router: r, Timeout: timeout, RPS: rps, Logger: logging.Discard()})
}

func assertStraightLine(t *testing.T, got models.DistanceResult) {
	t.Helper()
	assert.Equal(t, models.ProvenanceFallback, got.Provenance)
	assert.InDelta(t, geo.Distance(origin, dest), got.Meters, 1e-6)
	assert.Equal(t, []models.Coord{origin, dest}, got.Polyline)
}

func TestEstimate_Routed(t *testing.T) {
	r := &fakeRouter{res: models.DistanceResult{Meters: 18250, Polyline: []models.Coord{origin, {Lat: 17.41, Lon: 78.41}, dest}}}
	got := newEstimator(r, time.Second, 0).Estimate(context.Background(), origin, dest)
	assert.Equal(t, models.ProvenanceRouted, got.Provenance)
	assert.Equal(t, 18250.0, got.Meters)
	assert.Len(t, got.Polyline, 3)
}

func TestEstimate_RouterErrorFallsBack(t *testing.T) {
	r := &fakeRouter{err: errors.New("connection refused")}
	assertStraightLine(t, newEstimator(r, time.Second, 0).Estimate(context.Background(), origin, dest))
}

type panickyRouter struct{}

func (panickyRouter) Route(context.Context, models.Coord, models.Coord) (models.DistanceResult, error) {
	panic("decoder state corrupted")
}

func TestEstimate_RouterPanicFallsBack(t *testing.T) {
	e := newEstimator(panickyRouter{}, time.Second, 0)
	var got models.DistanceResult
	require.NotPanics(t, func() { got = e.Estimate(context.Background(), origin, dest) })
	assertStraightLine(t, got)

	// The estimator stays usable afterwards.
	assertStraightLine(t, e.Estimate(context.Background(), origin, dest))
}

func TestEstimate_TimeoutFallsBack(t *testing.T) {
	r := &fakeRouter{delay: time.Second, res: models.DistanceResult{Meters: 1}}
	start := time.Now()
	assertStraightLine(t, newEstimator(r, 50*time.Millisecond, 0).Estimate(context.Background(), origin, dest))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEstimate_BadDistanceFallsBack(t *testing.T) {
	r := &fakeRouter{res: models.DistanceResult{Meters: -4}}
	assertStraightLine(t, newEstimator(r, time.Second, 0).Estimate(context.Background(), origin, dest))
}

func TestEstimate_NoRouter(t *testing.T) {
	assertStraightLine(t, newEstimator(nil, time.Second, 0).Estimate(context.Background(), origin, dest))
}

func TestEstimate_RateLimitBeyondDeadlineFallsBack(t *testing.T) {
	r := &fakeRouter{res: models.DistanceResult{Meters: 18250}}
	e := newEstimator(r, 50*time.Millisecond, 0.1)

	first := e.Estimate(context.Background(), origin, dest)
	assert.Equal(t, models.ProvenanceRouted, first.Provenance)
	assertStraightLine(t, e.Estimate(context.Background(), origin, dest))
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestEstimate_NeverCaches(t *testing.T) {
	r := &fakeRouter{res: models.DistanceResult{Meters: 18250}}
	e := newEstimator(r, time.Second, 0)
	e.Estimate(context.Background(), origin, dest)
	e.Estimate(context.Background(), origin, dest)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestOSRMRouter(t *testing.T) {
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path + "?" + r.URL.RawQuery
		fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":18250.4,"geometry":{"type":"LineString","coordinates":[[78.4867,17.385],[78.41,17.41],[78.3489,17.4401]]}}]}`)
	}))
	defer ts.Close()

	got, err := NewOSRMRouter(ts.URL+"/").Route(context.Background(), origin, dest)
	require.NoError(t, err)
	assert.Equal(t, "/route/v1/driving/78.486700,17.385000;78.348900,17.440100?overview=full&geometries=geojson", path)
	assert.Equal(t, 18250.4, got.Meters)
	require.Len(t, got.Polyline, 3)
	assert.Equal(t, origin, got.Polyline[0])
	assert.Equal(t, models.ProvenanceRouted, got.Provenance)
}

func TestOSRMRouter_Failures(t *testing.T) {
	cases := map[string]string{
		"no route":  `{"code":"NoRoute","routes":[]}`,
		"malformed": `{"code":"Ok","routes":[{"distance":"far"}]}`,
		"bad point": `{"code":"Ok","routes":[{"distance":10,"geometry":{"coordinates":[[78.4]]}}]}`,
		"too short": `{"code":"Ok","routes":[{"distance":1200,"geometry":{"coordinates":[[78.4867,17.385],[78.41,17.41],[78.3489,17.4401]]}}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			}))
			defer ts.Close()
			_, err := NewOSRMRouter(ts.URL).Route(context.Background(), origin, dest)
			require.Error(t, err)

			// Through the estimator every failure is the straight line.
			assertStraightLine(t, newEstimator(NewOSRMRouter(ts.URL), time.Second, 0).Estimate(context.Background(), origin, dest))
		})
	}
}

func TestOSRMRouter_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()
	_, err := NewOSRMRouter(ts.URL).Route(context.Background(), origin, dest)
	require.Error(t, err)
}

func TestNewGoogleRouter_RequiresKey(t *testing.T) {
	_, err := NewGoogleRouter("")
	require.Error(t, err)
}

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/coordinator"
	"github.com/example/carpool-coordinator/internal/distance"
	"github.com/example/carpool-coordinator/internal/ingest"
	"github.com/example/carpool-coordinator/internal/matcher"
	"github.com/example/carpool-coordinator/internal/models"
	"github.com/example/carpool-coordinator/internal/position"
	"github.com/example/carpool-coordinator/internal/storage"
)

func (a *app) backend() *backend.Client {
	return backend.New(backend.Options{
		BaseURL:         a.cfg.BackendURL,
		SessionToken:    a.cfg.SessionToken,
		SessionCookie:   a.cfg.SessionCookie,
		ReadTimeout:     a.cfg.ReadTimeout,
		MutationTimeout: a.cfg.MutationTimeout,
		Attempts:        a.cfg.RetryAttempts,
		Backoff:         a.cfg.RetryBackoff,
		Logger:          a.logger,
	})
}

func (a *app) router() (distance.Router, error) {
	switch a.cfg.RoutingProvider {
	case "osrm":
		return distance.NewOSRMRouter(a.cfg.OSRMEndpoint), nil
	case "google":
		return distance.NewGoogleRouter(a.cfg.GoogleMapsAPIKey)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown routing provider %q", a.cfg.RoutingProvider)
	}
}

func (a *app) estimator() (*distance.Estimator, error) {
	r, err := a.router()
	if err != nil {
		return nil, err
	}
	return distance.NewEstimator(distance.Options{
		Router:  r,
		Timeout: a.cfg.RoutingTimeout,
		RPS:     a.cfg.RoutingRPS,
		Logger:  a.logger,
	}), nil
}

func (a *app) matcher(b *backend.Client, est *distance.Estimator) *matcher.Service {
	m := &matcher.Service{Backend: b, Logger: a.logger}
	if est != nil {
		m.Estimator = est
	}
	return m
}

// positions returns the configured source. The manual source is also
// returned on its own so the status API can push fixes into it.
func (a *app) positions() (position.Source, *position.ManualSource, func() error) {
	if a.cfg.PositionSource == "redis" {
		rc := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, Password: a.cfg.RedisPassword})
		store := position.NewRedisStore(rc, a.cfg.RedisGeoKey)
		return position.NewRedisSource(store, a.cfg.DeviceID, a.cfg.PositionPoll, a.logger), nil, rc.Close
	}
	m := position.NewManualSource()
	return m, m, func() error { return nil }
}

// sinks builds the transition sinks. The in-memory journal is always on so
// the current session's history can be inspected.
// sinks builds the transition sinks. The returned journal is also the one
// the status API reads history from: Postgres when configured, else memory.
func (a *app) sinks(ctx context.Context) ([]coordinator.EventSink, storage.Journal, func(), error) {
	var (
		journal storage.Journal = storage.NewMemoryJournal()
		closers []func() error
	)
	if a.cfg.PGDSN != "" {
		pj, err := storage.NewPostgresJournal(ctx, a.cfg.PGDSN, a.cfg.RunMigrations)
		if err != nil {
			return nil, nil, nil, err
		}
		journal = pj
		closers = append(closers, pj.Close)
	}
	out := []coordinator.EventSink{journal}
	if len(a.cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(a.cfg.KafkaBrokers, a.cfg.KafkaEventsTopic)
		out = append(out, kp)
		closers = append(closers, kp.Close)
	}
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.logger.Warn("sink_close_failed", "error", err)
			}
		}
	}
	return out, journal, closeAll, nil
}

// parseCoord reads "lat,lon".
func parseCoord(s string) (models.Coord, error) {
	lat, lon, ok := strings.Cut(s, ",")
	if !ok {
		return models.Coord{}, fmt.Errorf("coordinate %q: want lat,lon", s)
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("coordinate %q: %w", s, err)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("coordinate %q: %w", s, err)
	}
	c := models.Coord{Lat: la, Lon: lo}
	if err := models.ValidateCoord(c); err != nil {
		return models.Coord{}, err
	}
	return c, nil
}

package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
)

// DeviceReport is one fix published by a device to the location topic.
type DeviceReport struct {
	DeviceID   string    `json:"deviceId" validate:"required"`
	Lat        float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lon        float64   `json:"lon" validate:"gte=-180,lte=180"`
	Accuracy   float64   `json:"accuracy" validate:"gte=0"`
	CapturedAt time.Time `json:"capturedAt"`
	Denied     bool      `json:"permissionDenied"`
}

func (d DeviceReport) Sample() models.PositionSample {
	return models.PositionSample{Coord: models.Coord{Lat: d.Lat, Lon: d.Lon}, CapturedAt: d.CapturedAt, Accuracy: d.Accuracy}
}

// DeviceStore holds the latest report per device.
type DeviceStore interface {
	Put(ctx context.Context, r DeviceReport) error
	// Latest returns false when the device never reported.
	Latest(ctx context.Context, deviceID string) (DeviceReport, bool, error)
}

// RedisStore keeps positions in a GEO set and the rest in a per-device hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, geoKey string) *RedisStore {
	return &RedisStore{client: client, key: geoKey}
}

func metaKey(id string) string { return "device:meta:" + id }

func (s *RedisStore) Put(ctx context.Context, r DeviceReport) error {
	if !r.Denied {
		if err := s.client.GeoAdd(ctx, s.key, &redis.GeoLocation{Longitude: r.Lon, Latitude: r.Lat, Name: r.DeviceID}).Err(); err != nil {
			return fmt.Errorf("geoadd %s: %w", r.DeviceID, err)
		}
	}
	meta := map[string]interface{}{
		"accuracy":    strconv.FormatFloat(r.Accuracy, 'f', -1, 64),
		"captured_at": r.CapturedAt.UTC().Format(time.RFC3339Nano),
		"denied":      strconv.FormatBool(r.Denied),
	}
	if err := s.client.HSet(ctx, metaKey(r.DeviceID), meta).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", r.DeviceID, err)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context, deviceID string) (DeviceReport, bool, error) {
	r := DeviceReport{DeviceID: deviceID}
	meta, err := s.client.HGetAll(ctx, metaKey(deviceID)).Result()
	if err != nil {
		return r, false, err
	}
	if len(meta) == 0 {
		return r, false, nil
	}
	r.Denied = meta["denied"] == "true"
	r.Accuracy, _ = strconv.ParseFloat(meta["accuracy"], 64)
	r.CapturedAt, _ = time.Parse(time.RFC3339Nano, meta["captured_at"])
	if r.Denied {
		return r, true, nil
	}
	pos, err := s.client.GeoPos(ctx, s.key, deviceID).Result()
	if err != nil {
		return r, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return r, false, nil
	}
	r.Lat, r.Lon = pos[0].Latitude, pos[0].Longitude
	return r, true, nil
}

// RedisSource polls a DeviceStore for one device. cmd/relay keeps the store
// current from the device location topic.
type RedisSource struct {
	store    DeviceStore
	deviceID string
	interval time.Duration
	logger   *slog.Logger
}

func NewRedisSource(store DeviceStore, deviceID string, interval time.Duration, logger *slog.Logger) *RedisSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RedisSource{store: store, deviceID: deviceID, interval: interval, logger: logging.OrDefault(logger)}
}

func (s *RedisSource) Watch(ctx context.Context) (<-chan models.PositionSample, error) {
	first, found, err := s.store.Latest(ctx, s.deviceID)
	if err != nil {
		return nil, fmt.Errorf("read device %s: %w", s.deviceID, err)
	}
	if found && first.Denied {
		return nil, ErrPermissionDenied
	}

	ch := make(chan models.PositionSample, 1)
	var last time.Time
	if found {
		ch <- first.Sample()
		last = first.CapturedAt
	}
	go func() {
		defer close(ch)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			r, ok, err := s.store.Latest(ctx, s.deviceID)
			switch {
			case err != nil:
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("position_poll_failed", "device", s.deviceID, "error", err)
				}
				continue
			case !ok, r.Denied, !r.CapturedAt.After(last):
				continue
			}
			last = r.CapturedAt
			offer(ch, r.Sample())
		}
	}()
	return ch, nil
}

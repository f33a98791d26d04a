// Command relay moves device position reports from Kafka into Redis, where
// the ride client's redis position source picks them up.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-coordinator/internal/config"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/position"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total device location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

var errInvalidReport = errors.New("invalid device report")

type relay struct {
	store    position.DeviceStore
	validate *validator.Validate
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

// handle decodes one message and stores it. Malformed reports are counted
// and dropped; store failures are retried before giving up on the message.
func (r *relay) handle(ctx context.Context, value []byte) error {
	msgsConsumed.Inc()
	var rep position.DeviceReport
	if err := json.Unmarshal(value, &rep); err != nil {
		msgsInvalid.Inc()
		return fmt.Errorf("%w: %v", errInvalidReport, err)
	}
	if err := r.validate.Struct(rep); err != nil {
		msgsInvalid.Inc()
		return fmt.Errorf("%w: %v", errInvalidReport, err)
	}
	if rep.CapturedAt.IsZero() {
		rep.CapturedAt = time.Now().UTC()
	}
	if err := r.storeWithRetry(ctx, rep); err != nil {
		redisErrors.Inc()
		return err
	}
	redisUpdates.Inc()
	return nil
}

func (r *relay) storeWithRetry(ctx context.Context, rep position.DeviceReport) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.delay
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.store.Put(ctx, rep)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("redis_update_retry", "device", rep.DeviceID, "error", err, "next", next)
		}),
	)
	return err
}

func main() {
	cfg, err := config.LoadRelayConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid relay config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	r := &relay{
		store:    position.NewRedisStore(rc, cfg.RedisGeoKey),
		validate: validator.New(),
		attempts: uint(cfg.Attempts),
		delay:    cfg.RetryDelay,
		logger:   logger,
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kr := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = kr.Close()
		_ = rc.Close()
	}()

	logger.Info("relay listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	wait := time.Second
	const maxWait = 30 * time.Second
	for {
		m, err := kr.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down relay")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			wait = min(wait*2, maxWait)
			continue
		}
		wait = time.Second

		if err := r.handle(ctx, m.Value); err != nil {
			logger.Warn("device report dropped", "key", string(m.Key), "offset", m.Offset, "error", err)
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ClientConfig captures all tunable parameters for the ride client.
// Values come from an optional YAML file (CARPOOL_CONFIG) and are then
// overridden by environment variables, so the binary can run locally
// without a file.
type ClientConfig struct {
	BackendURL    string `yaml:"backend_url" validate:"required,url"`
	SessionToken  string `yaml:"session_token"`
	SessionCookie string `yaml:"session_cookie" validate:"required"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	MutationTimeout time.Duration `yaml:"mutation_timeout" validate:"gt=0"`
	RetryAttempts   int           `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" validate:"gt=0"`

	PollInterval           time.Duration `yaml:"poll_interval" validate:"gt=0"`
	LocationReportInterval time.Duration `yaml:"location_report_interval" validate:"gt=0"`

	RoutingProvider  string        `yaml:"routing_provider" validate:"oneof=osrm google none"`
	OSRMEndpoint     string        `yaml:"osrm_endpoint" validate:"required_if=RoutingProvider osrm"`
	GoogleMapsAPIKey string        `yaml:"google_maps_api_key" validate:"required_if=RoutingProvider google"`
	RoutingTimeout   time.Duration `yaml:"routing_timeout" validate:"gt=0"`
	RoutingRPS       float64       `yaml:"routing_rps" validate:"gte=0"`

	PositionSource string        `yaml:"position_source" validate:"oneof=manual redis"`
	RedisAddr      string        `yaml:"redis_addr" validate:"required_if=PositionSource redis"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisGeoKey    string        `yaml:"redis_geo_key"`
	DeviceID       string        `yaml:"device_id" validate:"required_if=PositionSource redis"`
	PositionPoll   time.Duration `yaml:"position_poll" validate:"gt=0"`

	KafkaBrokers     []string `yaml:"kafka_brokers"`
	KafkaEventsTopic string   `yaml:"kafka_events_topic"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"run_migrations"`

	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
	HTTPAddr   string `yaml:"http_addr"`

	LogLevel string `yaml:"log_level"`
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		BackendURL:             "http://localhost:8080",
		SessionCookie:          "jwt",
		ReadTimeout:            5 * time.Second,
		MutationTimeout:        10 * time.Second,
		RetryAttempts:          3,
		RetryBackoff:           500 * time.Millisecond,
		PollInterval:           5 * time.Second,
		LocationReportInterval: 20 * time.Second,
		RoutingProvider:        "osrm",
		OSRMEndpoint:           "https://router.project-osrm.org",
		RoutingTimeout:         5 * time.Second,
		RoutingRPS:             1,
		PositionSource:         "manual",
		RedisGeoKey:            "devices_geo",
		PositionPoll:           2 * time.Second,
		KafkaEventsTopic:       "ride-lifecycle",
		HTTPAddr:               ":8090",
		LogLevel:               "info",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CARPOOL_CONFIG")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.BackendURL, "CARPOOL_BACKEND_URL")
	if v := os.Getenv("CARPOOL_SESSION_TOKEN"); v != "" {
		cfg.SessionToken = v
	}
	setStringFromEnv(&cfg.SessionCookie, "CARPOOL_SESSION_COOKIE")

	setDurationFromEnv(&cfg.ReadTimeout, "CARPOOL_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.MutationTimeout, "CARPOOL_MUTATION_TIMEOUT", &errs)
	setIntFromEnv(&cfg.RetryAttempts, "CARPOOL_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CARPOOL_RETRY_BACKOFF", &errs)
	setDurationFromEnv(&cfg.PollInterval, "CARPOOL_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.LocationReportInterval, "CARPOOL_LOCATION_REPORT_INTERVAL", &errs)

	if v := os.Getenv("ROUTING_PROVIDER"); v != "" {
		cfg.RoutingProvider = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.GoogleMapsAPIKey, "GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.RoutingRPS, "ROUTING_RPS", &errs)

	if v := os.Getenv("POSITION_SOURCE"); v != "" {
		cfg.PositionSource = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.DeviceID, "DEVICE_ID")
	setDurationFromEnv(&cfg.PositionPoll, "POSITION_POLL_INTERVAL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	setStringFromEnv(&cfg.WebhookURL, "WEBHOOK_URL")
	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, err)
	}

	return cfg, errors.Join(errs...)
}

// RelayConfig configures cmd/relay, which moves device positions from Kafka
// into the Redis GEO set read by position.RedisSource.
type RelayConfig struct {
	KafkaBrokers []string `validate:"min=1"`
	KafkaTopic   string   `validate:"required"`
	KafkaGroup   string   `validate:"required"`
	RedisAddr    string   `validate:"required"`
	RedisGeoKey  string   `validate:"required"`
	MetricsAddr  string
	Attempts     int           `validate:"gte=1"`
	RetryDelay   time.Duration `validate:"gt=0"`
	LogLevel     string
}

func LoadRelayConfig() (RelayConfig, error) {
	cfg := RelayConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "device-locations",
		KafkaGroup:   "carpool-position-relay",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "devices_geo",
		MetricsAddr:  ":2112",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	if brokersEnv != "" {
		cfg.KafkaBrokers = splitAndTrim(brokersEnv)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.Attempts, "RELAY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "RELAY_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

func loadYAML(path string, cfg *ClientConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

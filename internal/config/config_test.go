package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClientConfigDefaults(t *testing.T) {
	t.Setenv("CARPOOL_CONFIG", "")
	cfg, err := LoadClientConfig()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.LocationReportInterval)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, "osrm", cfg.RoutingProvider)
	assert.Equal(t, "jwt", cfg.SessionCookie)
	assert.Less(t, cfg.ReadTimeout, cfg.MutationTimeout)
}

func TestLoadClientConfigEnvOverrides(t *testing.T) {
	t.Setenv("CARPOOL_BACKEND_URL", "https://carpool.example.org")
	t.Setenv("CARPOOL_POLL_INTERVAL", "2s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ROUTING_PROVIDER", "NONE")

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://carpool.example.org", cfg.BackendURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "none", cfg.RoutingProvider)
}

func TestLoadClientConfigYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carpool.yaml")
	body := "backend_url: https://from-file.example.org\npoll_interval: 7s\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CARPOOL_CONFIG", path)
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://from-file.example.org", cfg.BackendURL)
	assert.Equal(t, 7*time.Second, cfg.PollInterval)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadClientConfigErrors(t *testing.T) {
	t.Setenv("CARPOOL_POLL_INTERVAL", "soon")
	t.Setenv("ROUTING_PROVIDER", "google")
	t.Setenv("GOOGLE_MAPS_API_KEY", "")

	_, err := LoadClientConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CARPOOL_POLL_INTERVAL")
	assert.Contains(t, err.Error(), "GoogleMapsAPIKey")
}

func TestLoadRelayConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "single:9092")
	t.Setenv("RELAY_ATTEMPTS", "5")

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"single:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.Attempts)
	assert.Equal(t, "device-locations", cfg.KafkaTopic)
}

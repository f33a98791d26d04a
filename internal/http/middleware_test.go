package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-coordinator/internal/coordinator"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/models"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// records returns every JSON log line with the given message.
func (b *lockedBuffer) records(t *testing.T, msg string) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		if rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

func loggedServer(t *testing.T) (*Server, *lockedBuffer) {
	t.Helper()
	logs := &lockedBuffer{}
	ride := &fakeRide{snap: coordinator.Snapshot{SessionID: "sess-7", Phase: coordinator.PhaseJourneyActive, Ride: &models.Ride{ID: 42}}}
	return NewServer(Deps{Ride: ride, Logger: logging.NewLoggerTo(logs, "info")}), logs
}

func TestAccessLog_CarriesSessionAndPhase(t *testing.T) {
	s, logs := loggedServer(t)
	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "sess-7", rec.Header().Get("X-Carpool-Session"))

	got := logs.records(t, "status_api_request")
	require.Len(t, got, 1)
	assert.Equal(t, "/status", got[0]["route"])
	assert.Equal(t, float64(http.StatusOK), got[0]["status"])
	assert.Equal(t, "req-1", got[0]["request_id"])
	assert.Equal(t, "sess-7", got[0]["session"])
	assert.Equal(t, string(coordinator.PhaseJourneyActive), got[0]["phase"])
	assert.Equal(t, float64(42), got[0]["ride_id"])
}

func TestRecoverPanics_TagsTheFailure(t *testing.T) {
	s, logs := loggedServer(t)
	s.mux.HandleFunc("/explode", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/explode", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	minted := rec.Header().Get("X-Request-ID")
	require.NotEmpty(t, minted)

	got := logs.records(t, "panic_recovered")
	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0]["error"])
	assert.Equal(t, minted, got[0]["request_id"])
	assert.Equal(t, "sess-7", got[0]["session"])

	// The access log still sees the 500.
	access := logs.records(t, "status_api_request")
	require.Len(t, access, 1)
	assert.Equal(t, float64(http.StatusInternalServerError), access[0]["status"])
}

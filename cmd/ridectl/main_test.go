package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-coordinator/internal/backend"
	"github.com/example/carpool-coordinator/internal/backend/backendtest"
	"github.com/example/carpool-coordinator/internal/coordinator"
	"github.com/example/carpool-coordinator/internal/models"
)

var (
	hitech  = models.Coord{Lat: 17.4435, Lon: 78.3772}
	charmin = models.Coord{Lat: 17.3616, Lon: 78.4747}
)

func execute(t *testing.T, srv *backendtest.Server, token string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CARPOOL_CONFIG", "")
	t.Setenv("CARPOOL_BACKEND_URL", srv.URL)
	t.Setenv("CARPOOL_SESSION_TOKEN", token)
	t.Setenv("CARPOOL_RETRY_BACKOFF", "1ms")
	t.Setenv("ROUTING_PROVIDER", "none")
	t.Setenv("LOG_LEVEL", "error")

	var out, errOut bytes.Buffer
	cmd := newRootCmd(&app{})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseCoord(t *testing.T) {
	c, err := parseCoord(" 17.44, 78.37 ")
	require.NoError(t, err)
	assert.Equal(t, models.Coord{Lat: 17.44, Lon: 78.37}, c)

	for _, bad := range []string{"17.44", "a,b", "91,0", "0,181"} {
		_, err := parseCoord(bad)
		assert.Error(t, err, bad)
	}
}

func TestRouterSelection(t *testing.T) {
	a := &app{}
	for provider, wantNil := range map[string]bool{"osrm": false, "none": true} {
		a.cfg.RoutingProvider = provider
		a.cfg.OSRMEndpoint = "http://localhost:5000"
		r, err := a.router()
		require.NoError(t, err)
		assert.Equal(t, wantNil, r == nil, provider)
	}
	a.cfg.RoutingProvider = "carrier-pigeon"
	_, err := a.router()
	assert.Error(t, err)
}

func TestSinks_HistoryReadsWhatTheSinkRecorded(t *testing.T) {
	ctx := context.Background()
	a := &app{}
	sinks, journal, closeSinks, err := a.sinks(ctx)
	require.NoError(t, err)
	defer closeSinks()
	require.Len(t, sinks, 1)

	tr := coordinator.Transition{SessionID: "s", RideID: 3, From: coordinator.PhaseResolving, To: coordinator.PhaseAwaitingMatch}
	require.NoError(t, sinks[0].Record(ctx, tr))
	got, err := journal.History(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, coordinator.PhaseAwaitingMatch, got[0].To)
}

func TestDistanceCommand_FallsBackWithoutRouter(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	_, token := srv.AddUser("asha", 4)

	out, err := execute(t, srv, token, "distance", "--from", "17.4435,78.3772", "--to", "17.3616,78.4747")
	require.NoError(t, err)
	var d models.DistanceResult
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, models.ProvenanceFallback, d.Provenance)
	assert.InDelta(t, 13500, d.Meters, 1000)
}

func TestMatchesCommand_UsesActiveRide(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	asha, token := srv.AddUser("asha", 4)
	ravi, _ := srv.AddUser("ravi", 4.8)
	mine := srv.AddRide(asha, hitech, charmin, models.RideRequested)
	theirs := srv.AddRide(ravi, hitech, models.Coord{Lat: 17.37, Lon: 78.47}, models.RideRequested)
	srv.SetClusters(mine, models.ClusterMatch{RideID: mine, ClusterID: 1, MatchedRideIDs: []int64{mine, theirs}})

	out, err := execute(t, srv, token, "matches", "--from", "17.44,78.37")
	require.NoError(t, err)
	var got []models.MatchCandidate
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	require.Len(t, got[0].Rides, 1)
	assert.Equal(t, theirs, got[0].Rides[0].Ride.ID)
	require.NotNil(t, got[0].Rides[0].Distance)
	require.NotNil(t, got[0].Rides[0].Owner)
	assert.Equal(t, "ravi", got[0].Rides[0].Owner.Name)
}

func TestRequestConfirmFlow(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	asha, tokenA := srv.AddUser("asha", 4)
	ravi, tokenR := srv.AddUser("ravi", 4.8)
	mine := srv.AddRide(asha, hitech, charmin, models.RideRequested)
	theirs := srv.AddRide(ravi, hitech, charmin, models.RideRequested)

	out, err := execute(t, srv, tokenA, "request-match", fmt.Sprint(theirs))
	require.NoError(t, err)
	assert.Contains(t, out, "match requested")

	_, err = execute(t, srv, tokenA, "request-match", fmt.Sprint(theirs))
	require.ErrorIs(t, err, backend.ErrDuplicate)

	out, err = execute(t, srv, tokenR, "incoming")
	require.NoError(t, err)
	var reqs []models.MatchRequest
	require.NoError(t, json.Unmarshal([]byte(out), &reqs))
	require.Len(t, reqs, 1)
	assert.Equal(t, mine, reqs[0].FromRideID)

	out, err = execute(t, srv, tokenR, "confirm", fmt.Sprint(reqs[0].ID))
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed")
	assert.Equal(t, models.MatchConfirmed, srv.Match(reqs[0].ID).Status)
}

func TestFeedbackCommand(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	asha, token := srv.AddUser("asha", 4)
	ride := srv.AddRide(asha, hitech, charmin, models.RideCompleted)

	_, err := execute(t, srv, token, "feedback", fmt.Sprint(ride))
	require.ErrorIs(t, err, backend.ErrValidation)

	out, err := execute(t, srv, token, "feedback", fmt.Sprint(ride), "on", "time")
	require.NoError(t, err)
	assert.Contains(t, out, "SUBMITTED")
	comment, ok := srv.Feedback(ride, asha)
	require.True(t, ok)
	assert.Equal(t, "on time", comment)
}

func TestCreateRideCommand_GeocodesAddresses(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	_, token := srv.AddUser("asha", 4)
	srv.SetGeocode("Charminar", charmin)

	out, err := execute(t, srv, token, "create-ride", "--pickup", "17.4435,78.3772", "--dropoff", "Charminar")
	require.NoError(t, err)
	var r models.Ride
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, charmin, r.Dropoff)
	assert.Equal(t, models.RideRequested, r.Status)

	_, err = execute(t, srv, token, "create-ride", "--pickup", "17.4435,78.3772")
	require.ErrorIs(t, err, backend.ErrValidation)
}

func TestNoActiveRide(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	_, token := srv.AddUser("asha", 4)
	_, err := execute(t, srv, token, "matches")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active ride")
}

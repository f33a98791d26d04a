package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-coordinator/internal/coordinator"
)

func transitions(rideID int64, base time.Time) []coordinator.Transition {
	return []coordinator.Transition{
		{SessionID: "s", RideID: rideID, From: coordinator.PhaseResolving, To: coordinator.PhaseConfirmedReady, At: base},
		{SessionID: "s", RideID: rideID, MatchID: 9, From: coordinator.PhaseConfirmedReady, To: coordinator.PhaseJourneyActive, At: base.Add(time.Second)},
		{SessionID: "s", RideID: rideID, MatchID: 9, From: coordinator.PhaseJourneyActive, To: coordinator.PhaseCompleted, Reason: "both parties ended", At: base.Add(2 * time.Second)},
	}
}

func exerciseJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	rideID := base.UnixNano() % 1_000_000_000
	ts := transitions(rideID, base)

	for _, tr := range ts {
		require.NoError(t, j.Record(ctx, tr))
	}
	require.NoError(t, j.Record(ctx, coordinator.Transition{SessionID: "other", RideID: rideID + 1, To: coordinator.PhaseNoRide, At: base}))

	got, err := j.History(ctx, rideID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range ts {
		assert.Equal(t, ts[i].To, got[i].To)
		assert.Equal(t, ts[i].MatchID, got[i].MatchID)
		assert.True(t, ts[i].At.Equal(got[i].At))
	}
	assert.Equal(t, "both parties ended", got[2].Reason)
}

func TestMemoryJournal(t *testing.T) {
	exerciseJournal(t, NewMemoryJournal())

	got, err := NewMemoryJournal().History(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryJournal_KeepsArrivalOrderOnTiedTimestamps(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	at := time.Now().UTC()
	ts := transitions(7, at)
	for i := range ts {
		ts[i].At = at
		require.NoError(t, j.Record(ctx, ts[i]))
	}

	got, err := j.History(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, coordinator.PhaseConfirmedReady, got[0].To)
	assert.Equal(t, coordinator.PhaseJourneyActive, got[1].To)
	assert.Equal(t, coordinator.PhaseCompleted, got[2].To)
}

func TestPostgresJournal(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	j, err := NewPostgresJournal(context.Background(), dsn, true)
	require.NoError(t, err)
	defer j.Close()
	exerciseJournal(t, j)
}

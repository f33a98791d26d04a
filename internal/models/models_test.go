package models

import (
	"errors"
	"testing"
)

func TestParseRideStatus(t *testing.T) {
	cases := map[string]RideStatus{
		"PENDING":     RideRequested,
		"requested":   RideRequested,
		"IN_PROGRESS": RideInProgress,
		"COMPLETED":   RideCompleted,
		" matched ":   RideMatched,
	}
	for in, want := range cases {
		if got := ParseRideStatus(in); got != want {
			t.Errorf("ParseRideStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseMatchStatus(t *testing.T) {
	if got := ParseMatchStatus("CANCELLED"); got != MatchRejected {
		t.Fatalf("expected REJECTED, got %s", got)
	}
	if got := ParseMatchStatus("COMPLETED"); got != MatchEnded {
		t.Fatalf("expected ENDED, got %s", got)
	}
}

func TestMatchRequestPartner(t *testing.T) {
	m := MatchRequest{ID: 1, FromRideID: 10, ToRideID: 20}
	if !m.References(10) || !m.References(20) || m.References(30) {
		t.Fatal("References mismatch")
	}
	if m.Partner(10) != 20 || m.Partner(20) != 10 {
		t.Fatal("Partner mismatch")
	}
}

func TestRideDraftValidate(t *testing.T) {
	a := Coord{Lat: 17.38, Lon: 78.48}
	b := Coord{Lat: 17.44, Lon: 78.35}
	bad := Coord{Lat: 91, Lon: 0}

	if err := (RideDraft{Dropoff: &b}).Validate(); !errors.Is(err, ErrMissingPickup) {
		t.Fatalf("expected missing pickup, got %v", err)
	}
	if err := (RideDraft{Pickup: &a}).Validate(); !errors.Is(err, ErrMissingDropoff) {
		t.Fatalf("expected missing dropoff, got %v", err)
	}
	if err := (RideDraft{Pickup: &a, Dropoff: &a}).Validate(); !errors.Is(err, ErrSameEndpoints) {
		t.Fatalf("expected same endpoints, got %v", err)
	}
	if err := (RideDraft{Pickup: &bad, Dropoff: &b}).Validate(); err == nil {
		t.Fatal("expected range error")
	}
	if err := (RideDraft{Pickup: &a, Dropoff: &b}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

package models

import (
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" yaml:"lon" validate:"gte=-180,lte=180"`
}

type RideStatus string

const (
	RideRequested  RideStatus = "REQUESTED"
	RideMatched    RideStatus = "MATCHED"
	RideConfirmed  RideStatus = "CONFIRMED"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCancelled  RideStatus = "CANCELLED"
)

// ParseRideStatus maps backend spellings onto RideStatus. The backend stores
// freshly requested rides as PENDING.
func ParseRideStatus(s string) RideStatus {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "PENDING", "REQUESTED":
		return RideRequested
	case "INPROGRESS":
		return RideInProgress
	default:
		return RideStatus(v)
	}
}

type MatchStatus string

const (
	MatchPending       MatchStatus = "PENDING"
	MatchConfirmed     MatchStatus = "CONFIRMED"
	MatchRejected      MatchStatus = "REJECTED"
	MatchStartedByOne  MatchStatus = "STARTED_BY_ONE"
	MatchStartedByBoth MatchStatus = "STARTED_BY_BOTH"
	MatchEnded         MatchStatus = "ENDED"
)

func ParseMatchStatus(s string) MatchStatus {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "CANCELLED", "REJECTED":
		return MatchRejected
	case "COMPLETED", "ENDED":
		return MatchEnded
	case "IN_PROGRESS":
		return MatchStartedByBoth
	default:
		return MatchStatus(v)
	}
}

type Ride struct {
	ID             int64      `json:"id"`
	Pickup         Coord      `json:"pickup"`
	PickupAddress  string     `json:"pickupAddress"`
	Dropoff        Coord      `json:"dropoff"`
	DropoffAddress string     `json:"dropoffAddress"`
	UserID         int64      `json:"userId"`
	Status         RideStatus `json:"status"`
	CarbonEstimate float64    `json:"carbonEstimate"`
	GeoBucket      string     `json:"h3Index"` // opaque to the client
}

func (r Ride) Completed() bool { return r.Status == RideCompleted }

type MatchRequest struct {
	ID         int64       `json:"id"`
	FromRideID int64       `json:"fromRideId"`
	ToRideID   int64       `json:"toRideId"`
	Status     MatchStatus `json:"status"`
}

// References reports whether rideID is either side of the pairing.
func (m MatchRequest) References(rideID int64) bool {
	return m.FromRideID == rideID || m.ToRideID == rideID
}

// Partner returns the ride on the other side of the pairing.
func (m MatchRequest) Partner(rideID int64) int64 {
	if m.FromRideID == rideID {
		return m.ToRideID
	}
	return m.FromRideID
}

// ClusterMatch is the raw backend grouping before candidate rides are resolved.
type ClusterMatch struct {
	RideID         int64   `json:"rideId"`
	MatchedRideIDs []int64 `json:"matchedRideIds"`
	ClusterID      int64   `json:"clusterId"`
}

type UserProfile struct {
	ID         int64   `json:"id"`
	Name       string  `json:"username"`
	TrustScore float64 `json:"trustScore"`
	ImageRef   string  `json:"profilePictureUrl"`
}

// CandidateRide is one ride offered for matching, annotated for display.
// Distance is nil when the viewer position is unknown.
type CandidateRide struct {
	Ride     Ride            `json:"ride"`
	Owner    *UserProfile    `json:"owner,omitempty"`
	Distance *DistanceResult `json:"distance,omitempty"`
}

type MatchCandidate struct {
	ClusterID int64           `json:"clusterId"`
	Rides     []CandidateRide `json:"rides"`
}

type PositionSample struct {
	Coord
	CapturedAt time.Time `json:"capturedAt"`
	Accuracy   float64   `json:"accuracy"` // meters
}

type Provenance string

const (
	ProvenanceRouted   Provenance = "ROUTED"
	ProvenanceFallback Provenance = "FALLBACK_STRAIGHT_LINE"
)

type DistanceResult struct {
	Meters     float64    `json:"meters"`
	Polyline   []Coord    `json:"polyline,omitempty"`
	Provenance Provenance `json:"provenance"`
}

type EndOutcome struct {
	CompletedForBoth bool   `json:"completedForBoth"`
	RideID           int64  `json:"rideId"`
	Message          string `json:"message,omitempty"`
}

type Location struct {
	Coord
	Address string `json:"address"`
}

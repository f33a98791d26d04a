package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/example/carpool-coordinator/internal/models"
)

type rideDTO struct {
	ID             int64   `json:"id"`
	PickupLat      float64 `json:"pickupLat"`
	PickupLon      float64 `json:"pickupLon"`
	DropoffLat     float64 `json:"dropoffLat"`
	DropoffLon     float64 `json:"dropoffLon"`
	PickupAddress  string  `json:"pickupAddress"`
	DropoffAddress string  `json:"dropoffAddress"`
	Status         string  `json:"status"`
	CarbonEstimate float64 `json:"carbonEstimate"`
	H3Index        string  `json:"h3Index"`
	UserID         int64   `json:"userId"`
}

func (d rideDTO) model() models.Ride {
	return models.Ride{
		ID:             d.ID,
		Pickup:         models.Coord{Lat: d.PickupLat, Lon: d.PickupLon},
		PickupAddress:  d.PickupAddress,
		Dropoff:        models.Coord{Lat: d.DropoffLat, Lon: d.DropoffLon},
		DropoffAddress: d.DropoffAddress,
		UserID:         d.UserID,
		Status:         models.ParseRideStatus(d.Status),
		CarbonEstimate: d.CarbonEstimate,
		GeoBucket:      d.H3Index,
	}
}

type matchRequestDTO struct {
	ID         int64  `json:"id"`
	FromRideID int64  `json:"fromRideId"`
	ToRideID   int64  `json:"toRideId"`
	Status     string `json:"status"`
}

func (d matchRequestDTO) model() models.MatchRequest {
	return models.MatchRequest{ID: d.ID, FromRideID: d.FromRideID, ToRideID: d.ToRideID, Status: models.ParseMatchStatus(d.Status)}
}

// endDTO covers both revisions of the end-journey response. The older one
// carried only rideId and message.
type endDTO struct {
	CompletedForBoth   *bool  `json:"completedForBoth"`
	RedirectToFeedback *bool  `json:"redirectToFeedback"`
	RideID             int64  `json:"rideId"`
	Message            string `json:"message"`
}

type userDTO struct {
	ID                int64   `json:"id"`
	Username          string  `json:"username"`
	TrustScore        float64 `json:"trustScore"`
	ProfilePictureURL string  `json:"profilePictureUrl"`
}

// ActiveRide returns the session's in-progress ride, or its latest completed
// ride still awaiting feedback. nil means none.
func (c *Client) ActiveRide(ctx context.Context) (*models.Ride, error) {
	var raw []byte
	if err := c.do(ctx, call{endpoint: "active_ride", method: http.MethodGet, path: "/rides/active", raw: &raw}); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	var d rideDTO
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return nil, fmt.Errorf("decode active_ride: %w", err)
	}
	r := d.model()
	return &r, nil
}

// Ride fetches a ride owned by the session. Used for status polling.
func (c *Client) Ride(ctx context.Context, rideID int64) (models.Ride, error) {
	var d rideDTO
	err := c.do(ctx, call{endpoint: "ride_by_id", method: http.MethodGet, path: "/rides/" + id(rideID), out: &d})
	return d.model(), err
}

// CandidateRide fetches another user's ride offered for matching.
func (c *Client) CandidateRide(ctx context.Context, rideID int64) (models.Ride, error) {
	var d rideDTO
	err := c.do(ctx, call{endpoint: "candidate_ride", method: http.MethodGet, path: "/rides/match/" + id(rideID), out: &d})
	return d.model(), err
}

func (c *Client) CreateRide(ctx context.Context, draft models.RideDraft) (models.Ride, error) {
	if err := draft.Validate(); err != nil {
		return models.Ride{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	body := map[string]float64{
		"pickupLat":  draft.Pickup.Lat,
		"pickupLon":  draft.Pickup.Lon,
		"dropoffLat": draft.Dropoff.Lat,
		"dropoffLon": draft.Dropoff.Lon,
	}
	var d rideDTO
	err := c.do(ctx, call{endpoint: "create_ride", method: http.MethodPost, path: "/rides/request", body: body, out: &d, mutating: true, single: true})
	return d.model(), err
}

func (c *Client) ConfirmedMatches(ctx context.Context) ([]models.MatchRequest, error) {
	return c.matchRequests(ctx, "confirmed_matches", "/rides/matches/confirmed")
}

func (c *Client) IncomingRequests(ctx context.Context) ([]models.MatchRequest, error) {
	return c.matchRequests(ctx, "incoming_requests", "/rides/requests/incoming")
}

func (c *Client) matchRequests(ctx context.Context, endpoint, path string) ([]models.MatchRequest, error) {
	var ds []matchRequestDTO
	if err := c.do(ctx, call{endpoint: endpoint, method: http.MethodGet, path: path, out: &ds}); err != nil {
		return nil, err
	}
	out := make([]models.MatchRequest, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.model())
	}
	return out, nil
}

func (c *Client) CandidateMatches(ctx context.Context, rideID int64) ([]models.ClusterMatch, error) {
	var out []models.ClusterMatch
	err := c.do(ctx, call{endpoint: "candidate_matches", method: http.MethodGet, path: "/rides/matches/" + id(rideID), out: &out})
	return out, err
}

func (c *Client) UserProfile(ctx context.Context, userID int64) (models.UserProfile, error) {
	var d userDTO
	err := c.do(ctx, call{endpoint: "user_profile", method: http.MethodGet, path: "/users/" + id(userID), out: &d})
	return models.UserProfile{ID: d.ID, Name: d.Username, TrustScore: d.TrustScore, ImageRef: d.ProfilePictureURL}, err
}

// RequestMatch proposes pairing fromRideID with toRideID. The backend rejects
// repeats, so it is sent once.
func (c *Client) RequestMatch(ctx context.Context, fromRideID, toRideID int64) error {
	if fromRideID == toRideID {
		return Validationf("ride %d cannot be matched with itself", fromRideID)
	}
	body := map[string]int64{"rideId": fromRideID, "matchedRideId": toRideID}
	return c.do(ctx, call{endpoint: "match_request", method: http.MethodPost, path: "/rides/match/request", body: body, mutating: true, single: true})
}

func (c *Client) ConfirmMatch(ctx context.Context, requestID int64) error {
	return c.do(ctx, call{endpoint: "match_confirm", method: http.MethodPost, path: "/rides/match/confirm/" + id(requestID), mutating: true})
}

func (c *Client) RejectMatch(ctx context.Context, requestID int64) error {
	return c.do(ctx, call{endpoint: "match_reject", method: http.MethodPost, path: "/rides/match/reject/" + id(requestID), mutating: true})
}

func (c *Client) StartMatch(ctx context.Context, requestID int64) error {
	return c.do(ctx, call{endpoint: "match_start", method: http.MethodPost, path: "/rides/match/start/" + id(requestID), mutating: true})
}

// EndMatch posts end-journey. A response without completion flags is read as
// "partner pending"; polling settles the final state.
func (c *Client) EndMatch(ctx context.Context, requestID int64) (models.EndOutcome, error) {
	var d endDTO
	if err := c.do(ctx, call{endpoint: "match_end", method: http.MethodPost, path: "/rides/match/end/" + id(requestID), out: &d, mutating: true}); err != nil {
		return models.EndOutcome{}, err
	}
	done := (d.CompletedForBoth != nil && *d.CompletedForBoth) || (d.RedirectToFeedback != nil && *d.RedirectToFeedback)
	return models.EndOutcome{CompletedForBoth: done, RideID: d.RideID, Message: d.Message}, nil
}

// ReportLocation is fire-and-forget telemetry: one attempt, the next report
// supersedes it anyway.
func (c *Client) ReportLocation(ctx context.Context, rideID int64, pos models.Coord) error {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(pos.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(pos.Lon, 'f', 6, 64))
	return c.do(ctx, call{endpoint: "location_update", method: http.MethodPost, path: "/rides/" + id(rideID) + "/location", query: q, mutating: true, single: true})
}

func (c *Client) SubmitFeedback(ctx context.Context, rideID int64, comment string) error {
	if strings.TrimSpace(comment) == "" {
		return Validationf("comment is required")
	}
	body := map[string]string{"comment": comment}
	return c.do(ctx, call{endpoint: "feedback", method: http.MethodPost, path: "/feedback/" + id(rideID), body: body, mutating: true})
}

func (c *Client) Geocode(ctx context.Context, address string) (models.Coord, error) {
	if strings.TrimSpace(address) == "" {
		return models.Coord{}, Validationf("address is required")
	}
	q := url.Values{}
	q.Set("address", address)
	var out models.Coord
	err := c.do(ctx, call{endpoint: "geocode", method: http.MethodGet, path: "/rides/geocode", query: q, out: &out})
	return out, err
}

func (c *Client) ReverseGeocode(ctx context.Context, pos models.Coord) (string, error) {
	if err := models.ValidateCoord(pos); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(pos.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(pos.Lon, 'f', 6, 64))
	var out struct {
		DisplayName string `json:"display_name"`
	}
	err := c.do(ctx, call{endpoint: "reverse_geocode", method: http.MethodGet, path: "/rides/reverse-geocode", query: q, out: &out})
	return out.DisplayName, err
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

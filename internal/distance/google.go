package distance

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/carpool-coordinator/internal/models"
)

// GoogleRouter routes through the Google Directions API.
type GoogleRouter struct {
	client *maps.Client
}

func NewGoogleRouter(apiKey string, opts ...maps.ClientOption) (*GoogleRouter, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

func (g *GoogleRouter) Route(ctx context.Context, from, to models.Coord) (models.DistanceResult, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return models.DistanceResult{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return models.DistanceResult{}, ErrNoRoute
	}

	var meters float64
	for _, leg := range routes[0].Legs {
		meters += float64(leg.Distance.Meters)
	}
	res := models.DistanceResult{Meters: meters, Provenance: models.ProvenanceRouted}
	points, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return models.DistanceResult{}, fmt.Errorf("decode polyline: %w", err)
	}
	for _, p := range points {
		res.Polyline = append(res.Polyline, models.Coord{Lat: p.Lat, Lon: p.Lng})
	}
	return res, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

package distance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/example/carpool-coordinator/internal/geo"
	"github.com/example/carpool-coordinator/internal/models"
)

// geometrySlack tolerates rounding in the returned geometry. A road distance
// below this share of the polyline's own length means the two disagree.
const geometrySlack = 0.9

// OSRMRouter performs route lookups against an OSRM HTTP server.
type OSRMRouter struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMRouter(endpoint string) *OSRMRouter {
	return &OSRMRouter{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{}}
}

// Route queries /route with full GeoJSON geometry. OSRM takes lon,lat pairs.
func (o *OSRMRouter) Route(ctx context.Context, from, to models.Coord) (models.DistanceResult, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.DistanceResult{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.DistanceResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.DistanceResult{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.DistanceResult{}, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.DistanceResult{}, fmt.Errorf("%w: osrm code %q", ErrNoRoute, out.Code)
	}
	r := out.Routes[0]
	if err := checkMeters(r.Distance); err != nil {
		return models.DistanceResult{}, err
	}
	path := make([]models.Coord, 0, len(r.Geometry.Coordinates))
	for _, p := range r.Geometry.Coordinates {
		if len(p) < 2 {
			return models.DistanceResult{}, fmt.Errorf("osrm geometry point has %d values", len(p))
		}
		path = append(path, models.Coord{Lat: p[1], Lon: p[0]})
	}
	if along := geo.PathLength(path); r.Distance < along*geometrySlack {
		return models.DistanceResult{}, fmt.Errorf("osrm distance %.0fm is shorter than its geometry (%.0fm)", r.Distance, along)
	}
	return models.DistanceResult{Meters: r.Distance, Polyline: path, Provenance: models.ProvenanceRouted}, nil
}

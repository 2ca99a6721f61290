package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/golang/geo/s2"

	"github.com/darshi/darshi-backend/internal/models"
)

const (
	// DefaultRadiusM is the landmark search radius around a report.
	DefaultRadiusM = 500.0
	// DefaultLimit caps how many landmarks are attached to a report.
	DefaultLimit = 5

	earthRadiusM = 6371000.0
)

// LandmarkFinder returns named points of interest near a location.
type LandmarkFinder interface {
	Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]models.Landmark, error)
}

// PlacesClient queries an Overpass-style places endpoint returning raw POIs
// with coordinates; distance filtering, ordering and deduplication happen
// client-side.
type PlacesClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPlacesClient creates a landmark finder against the given base URL.
func NewPlacesClient(baseURL string, timeout time.Duration, logger *slog.Logger) *PlacesClient {
	return &PlacesClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type placesResponse struct {
	Elements []struct {
		Name string  `json:"name"`
		Type string  `json:"type"`
		Lat  float64 `json:"lat"`
		Lon  float64 `json:"lon"`
	} `json:"elements"`
}

// Nearby returns up to limit named landmarks within radiusM meters, closest
// first, deduplicated by name.
func (c *PlacesClient) Nearby(ctx context.Context, lat, lng, radiusM float64, limit int) ([]models.Landmark, error) {
	if radiusM <= 0 {
		radiusM = DefaultRadiusM
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	endpoint := fmt.Sprintf("%s/nearby?%s", c.baseURL, url.Values{
		"lat":    {fmt.Sprintf("%f", lat)},
		"lon":    {fmt.Sprintf("%f", lng)},
		"radius": {fmt.Sprintf("%.0f", radiusM)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build places request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("places request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("places service returned status %d", resp.StatusCode)
	}

	var parsed placesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode places response: %w", err)
	}

	landmarks := make([]models.Landmark, 0, len(parsed.Elements))
	for _, el := range parsed.Elements {
		if el.Name == "" {
			continue
		}
		d := DistanceMeters(lat, lng, el.Lat, el.Lon)
		if d > radiusM {
			continue
		}
		landmarks = append(landmarks, models.Landmark{
			Name:      el.Name,
			Type:      el.Type,
			DistanceM: d,
		})
	}

	return nearestUnique(landmarks, limit), nil
}

// nearestUnique sorts landmarks by distance, drops repeated names and caps
// the result at limit.
func nearestUnique(landmarks []models.Landmark, limit int) []models.Landmark {
	sort.Slice(landmarks, func(i, j int) bool {
		return landmarks[i].DistanceM < landmarks[j].DistanceM
	})

	seen := make(map[string]bool, len(landmarks))
	out := make([]models.Landmark, 0, limit)
	for _, lm := range landmarks {
		if seen[lm.Name] {
			continue
		}
		seen[lm.Name] = true
		out = append(out, lm)
		if len(out) == limit {
			break
		}
	}
	return out
}

// DistanceMeters returns the great-circle distance between two coordinates.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * earthRadiusM
}

// Package geo provides reverse geocoding and nearby-landmark lookup for
// report enrichment. Both are best-effort: callers absorb failures instead of
// flagging reports.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Geocoder resolves coordinates to a human-readable address. An empty string
// with a nil error means the location could not be resolved.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// NominatimGeocoder calls a Nominatim-compatible reverse geocoding endpoint.
// Responses are cached in memory; report coordinates cluster heavily around
// problem spots, so the cache saves most upstream calls.
type NominatimGeocoder struct {
	baseURL    string
	httpClient *http.Client
	cache      *gocache.Cache
	logger     *slog.Logger
}

// NewNominatimGeocoder creates a geocoder against the given base URL.
func NewNominatimGeocoder(baseURL string, timeout time.Duration, cacheTTL time.Duration, logger *slog.Logger) *NominatimGeocoder {
	return &NominatimGeocoder{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      gocache.New(cacheTTL, cacheTTL/2),
		logger:     logger,
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
}

// ReverseGeocode resolves lat/lng to an address string.
func (g *NominatimGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	key := cacheKey(lat, lng)
	if cached, found := g.cache.Get(key); found {
		return cached.(string), nil
	}

	endpoint := fmt.Sprintf("%s/reverse?%s", g.baseURL, url.Values{
		"format": {"jsonv2"},
		"lat":    {fmt.Sprintf("%f", lat)},
		"lon":    {fmt.Sprintf("%f", lng)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build geocode request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var parsed reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode geocode response: %w", err)
	}

	g.cache.Set(key, parsed.DisplayName, gocache.DefaultExpiration)
	return parsed.DisplayName, nil
}

// cacheKey rounds to ~1m precision so nearby submissions share entries.
func cacheKey(lat, lng float64) string {
	return fmt.Sprintf("%.5f,%.5f", lat, lng)
}

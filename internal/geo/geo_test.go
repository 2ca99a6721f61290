package geo

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darshi/darshi-backend/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReverseGeocode(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if r.URL.Path != "/reverse" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"display_name": "MG Road, Bengaluru, Karnataka, India"}`))
	}))
	defer srv.Close()

	g := NewNominatimGeocoder(srv.URL, 2*time.Second, time.Minute, discardLogger())

	addr, err := g.ReverseGeocode(context.Background(), 12.97, 77.59)
	if err != nil {
		t.Fatalf("reverse geocode failed: %v", err)
	}
	if addr != "MG Road, Bengaluru, Karnataka, India" {
		t.Errorf("unexpected address %q", addr)
	}

	// Second lookup for the same point is served from cache.
	if _, err := g.ReverseGeocode(context.Background(), 12.97, 77.59); err != nil {
		t.Fatalf("cached reverse geocode failed: %v", err)
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Errorf("expected 1 upstream call, got %d", n)
	}
}

func TestReverseGeocode_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewNominatimGeocoder(srv.URL, 2*time.Second, time.Minute, discardLogger())

	if _, err := g.ReverseGeocode(context.Background(), 12.97, 77.59); err == nil {
		t.Error("expected error on upstream failure")
	}
}

func TestNearby_SortsDedupesAndLimits(t *testing.T) {
	// POIs around (12.97, 77.59): two share a name, one is outside the
	// radius, one is unnamed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"elements": [
			{"name": "City Market", "type": "marketplace", "lat": 12.9705, "lon": 77.5905},
			{"name": "City Market", "type": "marketplace", "lat": 12.9706, "lon": 77.5906},
			{"name": "Town Hall", "type": "public_building", "lat": 12.9701, "lon": 77.5901},
			{"name": "Far Fort", "type": "historic", "lat": 13.05, "lon": 77.65},
			{"name": "", "type": "bench", "lat": 12.9702, "lon": 77.5902}
		]}`))
	}))
	defer srv.Close()

	c := NewPlacesClient(srv.URL, 2*time.Second, discardLogger())

	landmarks, err := c.Nearby(context.Background(), 12.97, 77.59, 500, 5)
	if err != nil {
		t.Fatalf("nearby failed: %v", err)
	}

	if len(landmarks) != 2 {
		t.Fatalf("expected 2 landmarks, got %d: %+v", len(landmarks), landmarks)
	}
	if landmarks[0].Name != "Town Hall" {
		t.Errorf("expected closest landmark first, got %s", landmarks[0].Name)
	}
	if landmarks[1].Name != "City Market" {
		t.Errorf("expected deduplicated City Market, got %s", landmarks[1].Name)
	}
	for _, lm := range landmarks {
		if lm.DistanceM <= 0 || lm.DistanceM > 500 {
			t.Errorf("landmark %s outside radius: %.1fm", lm.Name, lm.DistanceM)
		}
	}
}

func TestNearestUnique_Limit(t *testing.T) {
	in := []models.Landmark{
		{Name: "a", DistanceM: 30},
		{Name: "b", DistanceM: 10},
		{Name: "c", DistanceM: 20},
		{Name: "d", DistanceM: 40},
	}

	out := nearestUnique(in, 3)
	if len(out) != 3 {
		t.Fatalf("expected 3 landmarks, got %d", len(out))
	}
	if out[0].Name != "b" || out[1].Name != "c" || out[2].Name != "a" {
		t.Errorf("unexpected order: %+v", out)
	}
}

func TestDistanceMeters(t *testing.T) {
	// One degree of latitude is roughly 111km.
	d := DistanceMeters(12.0, 77.0, 13.0, 77.0)
	if math.Abs(d-111195) > 500 {
		t.Errorf("expected ~111195m, got %.0f", d)
	}

	if d := DistanceMeters(12.97, 77.59, 12.97, 77.59); d != 0 {
		t.Errorf("expected zero self-distance, got %f", d)
	}
}

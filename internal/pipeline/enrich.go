package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darshi/darshi-backend/internal/geo"
	"github.com/darshi/darshi-backend/internal/metrics"
	"github.com/darshi/darshi-backend/internal/models"
)

// GeocodeStage resolves the report location to a human-readable address.
// Best-effort: any failure leaves the address unset and is only logged, never
// flagged. It never touches status and may complete before or after
// classification.
type GeocodeStage struct {
	store     ReportStore
	geocoder  geo.Geocoder
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewGeocodeStage wires up the geocoding stage.
func NewGeocodeStage(store ReportStore, geocoder geo.Geocoder, collector *metrics.Collector, logger *slog.Logger) *GeocodeStage {
	return &GeocodeStage{store: store, geocoder: geocoder, collector: collector, logger: logger}
}

// Run executes the stage for one report.
func (s *GeocodeStage) Run(ctx context.Context, report models.Report) {
	start := time.Now()

	if skip, err := s.shouldSkip(ctx, report.ID); skip || err != nil {
		return
	}

	address, err := s.geocoder.ReverseGeocode(ctx, report.Latitude, report.Longitude)
	if err != nil || address == "" {
		s.logger.Debug("reverse geocode unavailable", "report_id", report.ID, "error", err)
		s.collector.ObserveStage("geocode", "skipped", time.Since(start))
		return
	}

	ok, err := s.store.Update(ctx, report.ID, models.ReportUpdate{Address: &address})
	if err != nil {
		s.logger.Error("geocode: failed to update report", "report_id", report.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	if terr := s.store.AppendTimeline(ctx, report.ID, models.EventAddressResolved, address); terr != nil {
		s.logger.Error("geocode: failed to append timeline", "report_id", report.ID, "error", terr)
	}
	s.collector.ObserveStage("geocode", "ok", time.Since(start))
}

func (s *GeocodeStage) shouldSkip(ctx context.Context, reportID string) (bool, error) {
	current, err := s.store.GetByID(ctx, reportID)
	if err != nil {
		s.logger.Error("geocode: failed to load report", "report_id", reportID, "error", err)
		return true, err
	}
	if current == nil || current.Status == models.StatusDuplicateLinked {
		return true, nil
	}
	return false, nil
}

// LandmarkStage attaches nearby named points of interest to the report.
// Same best-effort policy as geocoding.
type LandmarkStage struct {
	store     ReportStore
	finder    geo.LandmarkFinder
	radiusM   float64
	limit     int
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewLandmarkStage wires up the landmark lookup stage. Non-positive radius or
// limit fall back to the package defaults.
func NewLandmarkStage(store ReportStore, finder geo.LandmarkFinder, radiusM float64, limit int, collector *metrics.Collector, logger *slog.Logger) *LandmarkStage {
	if radiusM <= 0 {
		radiusM = geo.DefaultRadiusM
	}
	if limit <= 0 {
		limit = geo.DefaultLimit
	}
	return &LandmarkStage{
		store:     store,
		finder:    finder,
		radiusM:   radiusM,
		limit:     limit,
		collector: collector,
		logger:    logger,
	}
}

// Run executes the stage for one report.
func (s *LandmarkStage) Run(ctx context.Context, report models.Report) {
	start := time.Now()

	current, err := s.store.GetByID(ctx, report.ID)
	if err != nil {
		s.logger.Error("landmarks: failed to load report", "report_id", report.ID, "error", err)
		return
	}
	if current == nil || current.Status == models.StatusDuplicateLinked {
		return
	}

	landmarks, err := s.finder.Nearby(ctx, report.Latitude, report.Longitude, s.radiusM, s.limit)
	if err != nil {
		s.logger.Debug("landmark lookup unavailable", "report_id", report.ID, "error", err)
		s.collector.ObserveStage("landmarks", "skipped", time.Since(start))
		return
	}
	if len(landmarks) == 0 {
		s.collector.ObserveStage("landmarks", "empty", time.Since(start))
		return
	}

	ok, err := s.store.Update(ctx, report.ID, models.ReportUpdate{Landmarks: landmarks})
	if err != nil {
		s.logger.Error("landmarks: failed to update report", "report_id", report.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	message := fmt.Sprintf("%d landmarks within %.0fm", len(landmarks), s.radiusM)
	if terr := s.store.AppendTimeline(ctx, report.ID, models.EventLandmarksAdded, message); terr != nil {
		s.logger.Error("landmarks: failed to append timeline", "report_id", report.ID, "error", terr)
	}
	s.collector.ObserveStage("landmarks", "ok", time.Since(start))
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darshi/darshi-backend/internal/forwarding"
	"github.com/darshi/darshi-backend/internal/metrics"
	"github.com/darshi/darshi-backend/internal/models"
)

// ForwardingStage submits a verified report to the external municipal intake
// system. It is fire-and-forget: any failure is logged and counted but the
// report stays VERIFIED regardless, because forwarding is an auxiliary
// side-channel rather than part of the report's authoritative state.
type ForwardingStage struct {
	store     ReportStore
	forwarder *forwarding.Forwarder
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewForwardingStage wires up the forwarding stage.
func NewForwardingStage(store ReportStore, forwarder *forwarding.Forwarder, collector *metrics.Collector, logger *slog.Logger) *ForwardingStage {
	return &ForwardingStage{
		store:     store,
		forwarder: forwarder,
		collector: collector,
		logger:    logger,
	}
}

// Run executes the stage for one report. The caller guarantees the report was
// just verified; the status check here is a final guard against forwarding an
// unverified report.
func (s *ForwardingStage) Run(ctx context.Context, report models.Report) {
	start := time.Now()

	if !s.forwarder.Enabled() {
		return
	}
	if report.Status != models.StatusVerified {
		s.logger.Warn("forwarding refused for unverified report",
			"report_id", report.ID,
			"status", report.Status,
		)
		return
	}

	area, ok := s.forwarder.Eligible(report.Latitude, report.Longitude)
	if !ok {
		s.logger.Info("report outside all service areas, not forwarded", "report_id", report.ID)
		s.collector.ObserveStage("forwarding", "ineligible", time.Since(start))
		return
	}

	if err := s.forwarder.Submit(ctx, &report, area); err != nil {
		s.logger.Warn("forwarding failed, report status unaffected",
			"report_id", report.ID,
			"area", area.Code,
			"error", err,
		)
		s.collector.ObserveStage("forwarding", "error", time.Since(start))
		return
	}

	message := fmt.Sprintf("submitted to %s as %s", area.Name, forwarding.ProblemCode(report.Category))
	if terr := s.store.AppendTimeline(ctx, report.ID, models.EventForwarded, message); terr != nil {
		s.logger.Error("forwarding: failed to append timeline", "report_id", report.ID, "error", terr)
	}
	s.collector.ObserveStage("forwarding", "ok", time.Since(start))
}

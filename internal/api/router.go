package api

import (
	"database/sql"
	"net/http"

	"log/slog"

	"github.com/darshi/darshi-backend/internal/duplicate"
	"github.com/darshi/darshi-backend/internal/metrics"
	"github.com/darshi/darshi-backend/internal/ratelimit"
)

// SetupRoutes configures all API routes.
func SetupRoutes(
	mux *http.ServeMux,
	store ReportStore,
	duplicates *duplicate.Index,
	pipeline Pipeline,
	verifier CallbackVerifier,
	limiter ratelimit.Limiter,
	db *sql.DB,
	collector *metrics.Collector,
	logger *slog.Logger,
) {
	handler := NewHandler(store, duplicates, pipeline, verifier, limiter, db, collector, logger)

	mux.HandleFunc("/api/v1/reports", handler.HandleReports)
	mux.HandleFunc("/api/v1/reports/", handler.HandleReportByID)
	mux.HandleFunc("/api/v1/webhooks/forwarding", handler.HandleForwardingCallback)

	mux.HandleFunc("/healthz", handler.HealthHandler)
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}
}

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/darshi/darshi-backend/internal/database"
	"github.com/darshi/darshi-backend/internal/duplicate"
	"github.com/darshi/darshi-backend/internal/imagehash"
	"github.com/darshi/darshi-backend/internal/metrics"
	"github.com/darshi/darshi-backend/internal/models"
	"github.com/darshi/darshi-backend/internal/ratelimit"
)

// maxImageBytes caps the uploaded photo size.
const maxImageBytes = 10 << 20

// ReportStore is the slice of the repository the HTTP layer needs.
type ReportStore interface {
	Create(ctx context.Context, report *models.Report) (string, error)
	GetByID(ctx context.Context, id string) (*models.Report, error)
	AppendTimeline(ctx context.Context, id, eventType, message string) error
	SetTrackingRef(ctx context.Context, id, trackingRef string) (bool, error)
}

// Pipeline schedules background enrichment for reports.
type Pipeline interface {
	OnReportCreated(report models.Report)
	RunClassification(report models.Report)
}

// CallbackVerifier validates signed forwarding callbacks.
type CallbackVerifier interface {
	VerifyCallback(token string) (reportID, trackingID string, err error)
}

type Handler struct {
	store      ReportStore
	duplicates *duplicate.Index
	pipeline   Pipeline
	verifier   CallbackVerifier
	limiter    ratelimit.Limiter
	db         *sql.DB
	collector  *metrics.Collector
	logger     *slog.Logger
}

func NewHandler(
	store ReportStore,
	duplicates *duplicate.Index,
	pipeline Pipeline,
	verifier CallbackVerifier,
	limiter ratelimit.Limiter,
	db *sql.DB,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:      store,
		duplicates: duplicates,
		pipeline:   pipeline,
		verifier:   verifier,
		limiter:    limiter,
		db:         db,
		collector:  collector,
		logger:     logger,
	}
}

// HandleReports handles POST /api/v1/reports.
func (h *Handler) HandleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.createReportHandler(w, r)
}

// HandleReportByID handles GET /api/v1/reports/:id and
// POST /api/v1/reports/:id/reclassify.
func (h *Handler) HandleReportByID(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/reclassify") {
		h.reclassifyHandler(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.getReportHandler(w, r)
}

// createReportHandler handles POST /api/v1/reports.
//
// The image arrives in the multipart body so its fingerprint can be computed
// before any report exists; image_url points at where the client already
// uploaded it and is what the pipeline downloads later.
func (h *Handler) createReportHandler(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(r.Context(), callerKey(r)) {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		http.Error(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}

	lat, lng, err := parseCoordinates(r.FormValue("latitude"), r.FormValue("longitude"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	imageURL := r.FormValue("image_url")
	if imageURL == "" {
		http.Error(w, "Missing required field: image_url", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Missing required file: image", http.StatusBadRequest)
		return
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(io.LimitReader(file, maxImageBytes))
	if err != nil {
		http.Error(w, "Failed to read image", http.StatusBadRequest)
		return
	}

	fingerprint, err := imagehash.Hash(imageBytes)
	if err != nil {
		var decodeErr *imagehash.DecodeError
		if errors.As(err, &decodeErr) {
			http.Error(w, "Unsupported or corrupt image", http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to fingerprint image", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	report := models.Report{
		UserID:           r.FormValue("user_id"),
		Description:      r.FormValue("description"),
		ImageURL:         imageURL,
		ImageFingerprint: fingerprint,
		Latitude:         lat,
		Longitude:        lng,
	}

	original, distance, err := h.duplicates.FindCandidate(r.Context(), fingerprint)
	if err != nil {
		h.logger.Error("duplicate lookup failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if original != nil {
		h.createDuplicate(w, r, report, original, distance)
		return
	}

	report.Status = models.StatusPendingVerification
	id, err := h.store.Create(r.Context(), &report)
	if err != nil {
		h.logger.Error("failed to create report", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if terr := h.store.AppendTimeline(r.Context(), id, models.EventCreated, "report submitted"); terr != nil {
		h.logger.Error("failed to append timeline", "report_id", id, "error", terr)
	}

	h.pipeline.OnReportCreated(report)

	h.logger.Info("report created", "report_id", id, "fingerprint", fingerprint)
	writeJSON(w, http.StatusCreated, report)
}

// createDuplicate links a new submission to an earlier report of the same
// issue. The duplicate is stored for the reporter's history but never enters
// the verification pipeline.
func (h *Handler) createDuplicate(w http.ResponseWriter, r *http.Request, report models.Report, original *models.Report, distance int) {
	report.Status = models.StatusDuplicateLinked
	report.DuplicateOf = &original.ID

	id, err := h.store.Create(r.Context(), &report)
	if err != nil {
		h.logger.Error("failed to create duplicate report", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	message := fmt.Sprintf("linked to report %s (distance %d)", original.ID, distance)
	if terr := h.store.AppendTimeline(r.Context(), id, models.EventDuplicateLinked, message); terr != nil {
		h.logger.Error("failed to append timeline", "report_id", id, "error", terr)
	}

	h.collector.IncDuplicate()
	h.logger.Info("duplicate report linked",
		"report_id", id,
		"original_id", original.ID,
		"distance", distance,
	)

	writeJSON(w, http.StatusCreated, report)
}

// getReportHandler handles GET /api/v1/reports/:id.
func (h *Handler) getReportHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := reportIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "Report ID required", http.StatusBadRequest)
		return
	}

	report, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get report", "report_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// reclassifyHandler handles POST /api/v1/reports/:id/reclassify. Only FLAGGED
// reports may be re-queued; everything else already has an authoritative
// verdict.
func (h *Handler) reclassifyHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := reportIDFromPath(strings.TrimSuffix(r.URL.Path, "/reclassify"))
	if !ok {
		http.Error(w, "Report ID required", http.StatusBadRequest)
		return
	}

	report, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get report", "report_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}
	if report.Status != models.StatusFlagged {
		http.Error(w, "Only flagged reports can be re-classified", http.StatusConflict)
		return
	}

	if terr := h.store.AppendTimeline(r.Context(), id, models.EventReclassifyQueued, "manual re-classification requested"); terr != nil {
		h.logger.Error("failed to append timeline", "report_id", id, "error", terr)
	}
	h.pipeline.RunClassification(*report)

	h.logger.Info("re-classification queued", "report_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"report_id": id,
		"status":    "queued",
	})
}

// HandleForwardingCallback handles POST /api/v1/webhooks/forwarding. The
// municipal system acknowledges a forwarded report with a signed token
// carrying our report ID and its tracking reference.
func (h *Handler) HandleForwardingCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reportID, trackingID, err := h.verifier.VerifyCallback(body.Token)
	if err != nil {
		h.logger.Warn("rejected forwarding callback", "error", err)
		http.Error(w, "Invalid callback token", http.StatusUnauthorized)
		return
	}

	ok, err := h.store.SetTrackingRef(r.Context(), reportID, trackingID)
	if err != nil {
		h.logger.Error("failed to record tracking reference", "report_id", reportID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Report not found", http.StatusNotFound)
		return
	}

	message := fmt.Sprintf("acknowledged as %s", trackingID)
	if terr := h.store.AppendTimeline(r.Context(), reportID, models.EventForwardingAcked, message); terr != nil {
		h.logger.Error("failed to append timeline", "report_id", reportID, "error", terr)
	}

	h.logger.Info("forwarding acknowledged", "report_id", reportID, "tracking_id", trackingID)
	writeJSON(w, http.StatusOK, map[string]string{
		"report_id":   reportID,
		"tracking_id": trackingID,
	})
}

// HealthHandler handles GET /healthz. The database is pinged on every probe
// so an orchestrator sees the service as degraded when its store is gone,
// not just when the process is dead.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := database.HealthCheck(r.Context(), h.db); err != nil {
			h.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"time":   time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
	}

	payload := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if h.db != nil {
		payload["database"] = database.Stats(h.db)
	}
	writeJSON(w, http.StatusOK, payload)
}

func parseCoordinates(latStr, lngStr string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, errors.New("Invalid latitude")
	}
	lng, err := strconv.ParseFloat(lngStr, 64)
	if err != nil {
		return 0, 0, errors.New("Invalid longitude")
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, errors.New("Coordinates out of range")
	}
	return lat, lng, nil
}

// reportIDFromPath extracts the ID from /api/v1/reports/:id.
func reportIDFromPath(path string) (string, bool) {
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) < 5 || parts[4] == "" {
		return "", false
	}
	return parts[4], true
}

// callerKey identifies the caller for rate limiting by network origin. It
// must not consult the form: the limit is decided before the body is parsed,
// so a throttled caller never costs a multipart parse.
func callerKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

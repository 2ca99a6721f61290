package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/darshi/darshi-backend/internal/imagehash"
	"github.com/darshi/darshi-backend/internal/models"
)

// ReportRepository persists reports and their append-only timelines in
// PostgreSQL. Updates are field-level merges so concurrent pipeline stages
// writing disjoint fields never overwrite each other.
type ReportRepository struct {
	db *sql.DB
}

// NewReportRepository creates a new PostgreSQL report repository.
func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

const reportColumns = `id, status, user_id, description, image_url, image_fingerprint,
	fingerprint_bucket, latitude, longitude, address, landmarks, category,
	severity, rejection_reason, duplicate_of, tracking_ref, created_at, updated_at`

// Create inserts a new report. The ID is assigned here if unset, the status
// defaults to PENDING_VERIFICATION unless the intake path short-circuited to
// DUPLICATE_LINKED, and the fingerprint bucket is always derived from the
// fingerprint, never taken from the caller.
func (r *ReportRepository) Create(ctx context.Context, report *models.Report) (string, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.Status == "" {
		report.Status = models.StatusPendingVerification
	}
	if report.Category == "" {
		report.Category = models.DefaultCategory
	}
	if report.Severity == "" {
		report.Severity = models.DefaultSeverity
	}
	report.FingerprintBucket = imagehash.Bucket(report.ImageFingerprint)

	now := time.Now().UTC()
	report.CreatedAt = now
	report.UpdatedAt = now

	landmarksJSON, err := marshalLandmarks(report.Landmarks)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO reports (
			id, status, user_id, description, image_url, image_fingerprint,
			fingerprint_bucket, latitude, longitude, address, landmarks,
			category, severity, rejection_reason, duplicate_of, tracking_ref,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = r.db.ExecContext(ctx, query,
		report.ID,
		report.Status,
		report.UserID,
		report.Description,
		report.ImageURL,
		report.ImageFingerprint,
		report.FingerprintBucket,
		report.Latitude,
		report.Longitude,
		report.Address,
		landmarksJSON,
		report.Category,
		report.Severity,
		report.RejectionReason,
		report.DuplicateOf,
		report.TrackingRef,
		report.CreatedAt,
		report.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert report: %w", err)
	}

	return report.ID, nil
}

// GetByID retrieves a report with its timeline. Returns (nil, nil) when the
// report does not exist.
func (r *ReportRepository) GetByID(ctx context.Context, id string) (*models.Report, error) {
	query := fmt.Sprintf(`SELECT %s FROM reports WHERE id = $1`, reportColumns)

	report, err := scanReport(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}

	timeline, err := r.timeline(ctx, id)
	if err != nil {
		return nil, err
	}
	report.Timeline = timeline

	return report, nil
}

// Update merges the set fields of u into the report row. It returns false
// with no error when the report no longer exists; a stage writing to a
// deleted report is a benign no-op.
func (r *ReportRepository) Update(ctx context.Context, id string, u models.ReportUpdate) (bool, error) {
	return r.update(ctx, id, u, nil)
}

// UpdateStatusFrom applies the update only when the report's current status
// is one of from. This is how pipeline stages keep status transitions
// monotonic: a verdict only lands on a report still awaiting one, and a
// terminal report is never pulled back.
func (r *ReportRepository) UpdateStatusFrom(ctx context.Context, id string, from []models.ReportStatus, u models.ReportUpdate) (bool, error) {
	return r.update(ctx, id, u, from)
}

func (r *ReportRepository) update(ctx context.Context, id string, u models.ReportUpdate, from []models.ReportStatus) (bool, error) {
	if u.IsZero() {
		return r.exists(ctx, id)
	}

	set := make([]string, 0, 8)
	args := []interface{}{id}

	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.Address != nil {
		add("address", *u.Address)
	}
	if u.Landmarks != nil {
		landmarksJSON, err := marshalLandmarks(u.Landmarks)
		if err != nil {
			return false, err
		}
		add("landmarks", landmarksJSON)
	}
	if u.Category != nil {
		add("category", *u.Category)
	}
	if u.Severity != nil {
		add("severity", *u.Severity)
	}
	if u.RejectionReason != nil {
		add("rejection_reason", *u.RejectionReason)
	}
	if u.DuplicateOf != nil {
		add("duplicate_of", *u.DuplicateOf)
	}
	if u.TrackingRef != nil {
		add("tracking_ref", *u.TrackingRef)
	}
	add("updated_at", time.Now().UTC())

	query := "UPDATE reports SET " + strings.Join(set, ", ") + " WHERE id = $1"
	if len(from) > 0 {
		args = append(args, pq.Array(statusStrings(from)))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update report: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result: %w", err)
	}
	return affected > 0, nil
}

// AppendTimeline appends one audit entry to a report's timeline. Appending to
// a vanished report is a no-op. Entries are never rewritten or reordered.
func (r *ReportRepository) AppendTimeline(ctx context.Context, id, eventType, message string) error {
	query := `
		INSERT INTO report_timeline (report_id, event_type, message)
		SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM reports WHERE id = $1)
	`
	if _, err := r.db.ExecContext(ctx, query, id, eventType, message); err != nil {
		return fmt.Errorf("failed to append timeline event: %w", err)
	}
	return nil
}

// ListByBucket returns all reports sharing a fingerprint bucket, oldest
// first, without timelines. This is the duplicate-candidate lookup; the
// bucket column is indexed so it never scans the whole table.
func (r *ReportRepository) ListByBucket(ctx context.Context, bucket string) ([]models.Report, error) {
	query := fmt.Sprintf(`SELECT %s FROM reports WHERE fingerprint_bucket = $1 ORDER BY created_at`, reportColumns)

	rows, err := r.db.QueryContext(ctx, query, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket: %w", err)
	}
	defer rows.Close()

	return collectReports(rows)
}

// ListStalePending returns reports still in PENDING_VERIFICATION created
// before the cutoff, oldest first. Used by the backfill sweeper to re-trigger
// classification for reports orphaned by a crash.
func (r *ReportRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Report, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM reports
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, reportColumns)

	rows, err := r.db.QueryContext(ctx, query, models.StatusPendingVerification, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale pending reports: %w", err)
	}
	defer rows.Close()

	return collectReports(rows)
}

// SetTrackingRef records the external intake system's tracking reference,
// delivered out-of-band via webhook after forwarding.
func (r *ReportRepository) SetTrackingRef(ctx context.Context, id, trackingRef string) (bool, error) {
	return r.update(ctx, id, models.ReportUpdate{TrackingRef: &trackingRef}, nil)
}

func (r *ReportRepository) exists(ctx context.Context, id string) (bool, error) {
	var found int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM reports WHERE id = $1`, id).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check report existence: %w", err)
	}
	return true, nil
}

func (r *ReportRepository) timeline(ctx context.Context, id string) ([]models.TimelineEvent, error) {
	query := `
		SELECT seq, report_id, event_type, message, created_at
		FROM report_timeline WHERE report_id = $1 ORDER BY seq
	`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	var events []models.TimelineEvent
	for rows.Next() {
		var ev models.TimelineEvent
		if err := rows.Scan(&ev.Seq, &ev.ReportID, &ev.EventType, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*models.Report, error) {
	var report models.Report
	var address, rejectionReason, duplicateOf, trackingRef sql.NullString
	var landmarksJSON []byte

	err := row.Scan(
		&report.ID,
		&report.Status,
		&report.UserID,
		&report.Description,
		&report.ImageURL,
		&report.ImageFingerprint,
		&report.FingerprintBucket,
		&report.Latitude,
		&report.Longitude,
		&address,
		&landmarksJSON,
		&report.Category,
		&report.Severity,
		&rejectionReason,
		&duplicateOf,
		&trackingRef,
		&report.CreatedAt,
		&report.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if address.Valid {
		report.Address = &address.String
	}
	if rejectionReason.Valid {
		report.RejectionReason = &rejectionReason.String
	}
	if duplicateOf.Valid {
		report.DuplicateOf = &duplicateOf.String
	}
	if trackingRef.Valid {
		report.TrackingRef = &trackingRef.String
	}
	if len(landmarksJSON) > 0 {
		if err := json.Unmarshal(landmarksJSON, &report.Landmarks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal landmarks: %w", err)
		}
	}

	return &report, nil
}

func collectReports(rows *sql.Rows) ([]models.Report, error) {
	var reports []models.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, *report)
	}
	return reports, rows.Err()
}

func marshalLandmarks(landmarks []models.Landmark) ([]byte, error) {
	if landmarks == nil {
		return nil, nil
	}
	data, err := json.Marshal(landmarks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal landmarks: %w", err)
	}
	return data, nil
}

func statusStrings(statuses []models.ReportStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

package models

import (
	"time"
)

// ReportStatus represents the lifecycle state of a citizen report.
type ReportStatus string

const (
	StatusPendingVerification ReportStatus = "PENDING_VERIFICATION"
	StatusVerified            ReportStatus = "VERIFIED"
	StatusRejected            ReportStatus = "REJECTED"
	StatusFlagged             ReportStatus = "FLAGGED"
	StatusDuplicateLinked     ReportStatus = "DUPLICATE_LINKED"
	StatusInProgress          ReportStatus = "IN_PROGRESS"
	StatusResolved            ReportStatus = "RESOLVED"
)

// Terminal reports whether the pipeline is done with a report in this state.
// REJECTED and DUPLICATE_LINKED reports are never touched by the pipeline
// again; FLAGGED reports wait for manual re-classification.
func (s ReportStatus) Terminal() bool {
	return s == StatusRejected || s == StatusDuplicateLinked
}

// Timeline event types appended by the pipeline and the intake path.
const (
	EventCreated          = "CREATED"
	EventVerified         = "VERIFIED"
	EventAIRejected       = "AI_REJECTED"
	EventAIError          = "AI_ERROR"
	EventSystemError      = "SYSTEM_ERROR"
	EventDuplicateLinked  = "DUPLICATE_LINKED"
	EventForwarded        = "FORWARDED"
	EventForwardingAcked  = "FORWARDING_ACKED"
	EventAddressResolved  = "ADDRESS_RESOLVED"
	EventLandmarksAdded   = "LANDMARKS_ADDED"
	EventReclassifyQueued = "RECLASSIFY_QUEUED"
)

// Severity buckets derived from the classifier's 1-10 score.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Defaults applied at report creation, overwritten by classification.
const (
	DefaultCategory = "Uncategorized"
	DefaultSeverity = SeverityMedium
)

// SeverityFromScore maps the classifier's integer severity onto a coarse bucket.
func SeverityFromScore(score int) string {
	switch {
	case score >= 9:
		return SeverityCritical
	case score >= 7:
		return SeverityHigh
	case score >= 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// TimelineEvent is one append-only audit entry on a report. Entries are never
// rewritten or reordered; sequence numbers are assigned by the store.
type TimelineEvent struct {
	Seq       int64     `json:"seq"`
	ReportID  string    `json:"report_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Landmark is a named point of interest near a report location.
type Landmark struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	DistanceM float64 `json:"distance_m"`
}

// Report is the unit of work flowing through the enrichment pipeline.
type Report struct {
	ID                string       `json:"id"`
	Status            ReportStatus `json:"status"`
	UserID            string       `json:"user_id,omitempty"`
	Description       string       `json:"description,omitempty"`
	ImageURL          string       `json:"image_url"`
	ImageFingerprint  string       `json:"image_fingerprint"`
	FingerprintBucket string       `json:"fingerprint_bucket"`
	Latitude          float64      `json:"latitude"`
	Longitude         float64      `json:"longitude"`
	Address           *string      `json:"address,omitempty"`
	Landmarks         []Landmark   `json:"landmarks,omitempty"`
	Category          string       `json:"category"`
	Severity          string       `json:"severity"`
	RejectionReason   *string      `json:"rejection_reason,omitempty"`
	DuplicateOf       *string      `json:"duplicate_of,omitempty"`
	TrackingRef       *string      `json:"tracking_ref,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Timeline          []TimelineEvent `json:"timeline,omitempty"`
}

// ReportUpdate is a field-level partial update. Only non-nil fields are
// written; the store merges them into the existing row so concurrent stages
// touching disjoint fields never clobber each other.
type ReportUpdate struct {
	Status          *ReportStatus
	Address         *string
	Landmarks       []Landmark
	Category        *string
	Severity        *string
	RejectionReason *string
	DuplicateOf     *string
	TrackingRef     *string
}

// IsZero reports whether the update carries no fields at all.
func (u ReportUpdate) IsZero() bool {
	return u.Status == nil && u.Address == nil && u.Landmarks == nil &&
		u.Category == nil && u.Severity == nil && u.RejectionReason == nil &&
		u.DuplicateOf == nil && u.TrackingRef == nil
}

// StatusPtr is a convenience for building updates.
func StatusPtr(s ReportStatus) *ReportStatus { return &s }

// StringPtr is a convenience for building updates.
func StringPtr(s string) *string { return &s }

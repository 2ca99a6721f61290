package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darshi/darshi-backend/internal/forwarding"
	"github.com/darshi/darshi-backend/internal/models"
	"github.com/darshi/darshi-backend/internal/vision"
)

// fakeStore is an in-memory ReportStore with the same merge and guard
// semantics as the PostgreSQL repository.
type fakeStore struct {
	mu       sync.Mutex
	reports  map[string]*models.Report
	timeline map[string][]models.TimelineEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reports:  make(map[string]*models.Report),
		timeline: make(map[string][]models.TimelineEvent),
	}
}

func (s *fakeStore) add(report models.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if report.Category == "" {
		report.Category = models.DefaultCategory
	}
	if report.Severity == "" {
		report.Severity = models.DefaultSeverity
	}
	s.reports[report.ID] = &report
}

func (s *fakeStore) get(id string) models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.reports[id]
}

func (s *fakeStore) events(id string) []models.TimelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TimelineEvent, len(s.timeline[id]))
	copy(out, s.timeline[id])
	return out
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[id]
	if !ok {
		return nil, nil
	}
	cp := *report
	return &cp, nil
}

func (s *fakeStore) Update(_ context.Context, id string, u models.ReportUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(id, u, nil), nil
}

func (s *fakeStore) UpdateStatusFrom(_ context.Context, id string, from []models.ReportStatus, u models.ReportUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(id, u, from), nil
}

func (s *fakeStore) apply(id string, u models.ReportUpdate, from []models.ReportStatus) bool {
	report, ok := s.reports[id]
	if !ok {
		return false
	}
	if len(from) > 0 {
		allowed := false
		for _, st := range from {
			if report.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if u.Status != nil {
		report.Status = *u.Status
	}
	if u.Address != nil {
		report.Address = u.Address
	}
	if u.Landmarks != nil {
		report.Landmarks = u.Landmarks
	}
	if u.Category != nil {
		report.Category = *u.Category
	}
	if u.Severity != nil {
		report.Severity = *u.Severity
	}
	if u.RejectionReason != nil {
		report.RejectionReason = u.RejectionReason
	}
	if u.DuplicateOf != nil {
		report.DuplicateOf = u.DuplicateOf
	}
	if u.TrackingRef != nil {
		report.TrackingRef = u.TrackingRef
	}
	return true
}

func (s *fakeStore) AppendTimeline(_ context.Context, id, eventType, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[id]; !ok {
		return nil
	}
	s.timeline[id] = append(s.timeline[id], models.TimelineEvent{
		ReportID:  id,
		EventType: eventType,
		Message:   message,
		CreatedAt: time.Now(),
	})
	return nil
}

type fakeFetcher struct {
	data  []byte
	err   error
	calls int64
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type countingClassifier struct {
	verdict *vision.Verdict
	err     error
	calls   int64
}

func (c *countingClassifier) Classify(_ context.Context, _ []byte) (*vision.Verdict, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	v := *c.verdict
	return &v, nil
}

type fakeGeocoder struct {
	address string
	err     error
}

func (g *fakeGeocoder) ReverseGeocode(_ context.Context, _, _ float64) (string, error) {
	return g.address, g.err
}

type fakeFinder struct {
	landmarks []models.Landmark
	err       error
}

func (f *fakeFinder) Nearby(_ context.Context, _, _, _ float64, _ int) ([]models.Landmark, error) {
	return f.landmarks, f.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(_ context.Context, _, title, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, title)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

var testAreas = []forwarding.ServiceArea{
	{Name: "Bengaluru Central", Code: "BLR-C", Lat: 12.97, Lng: 77.59, RadiusM: 10000},
}

// forwardingTarget is an external intake endpoint counting submissions.
func forwardingTarget(t *testing.T) (*httptest.Server, *int64) {
	t.Helper()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func pendingReport() models.Report {
	return models.Report{
		ID:               "r-1",
		Status:           models.StatusPendingVerification,
		UserID:           "u-1",
		ImageURL:         "https://img.example/r-1.jpg",
		ImageFingerprint: "a1b2c3d4e5f60708",
		Latitude:         12.97,
		Longitude:        77.59,
	}
}

func newClassification(store ReportStore, fetcher ImageFetcher, classifier vision.Classifier, fwd *ForwardingStage, notifier Notifier) *ClassificationStage {
	return NewClassificationStage(
		store, fetcher, classifier, fwd, notifier,
		NewBreaker(5, time.Minute), fastRetry(), nil, discardLogger(),
	)
}

func TestClassification_CleanVerification(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	srv, hits := forwardingTarget(t)
	fwd := NewForwardingStage(store,
		forwarding.New(forwarding.Config{Endpoint: srv.URL, Areas: testAreas}, discardLogger()),
		nil, discardLogger())

	notifier := &fakeNotifier{}
	classifier := &countingClassifier{verdict: &vision.Verdict{
		IsValid:     true,
		Category:    "Pothole",
		Severity:    7,
		Description: "deep pothole in left lane",
	}}

	stage := newClassification(store, &fakeFetcher{data: []byte("img")}, classifier, fwd, notifier)
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Status != models.StatusVerified {
		t.Errorf("expected VERIFIED, got %s", got.Status)
	}
	if got.Category != "Pothole" {
		t.Errorf("expected category Pothole, got %s", got.Category)
	}
	if got.Severity != models.SeverityHigh {
		t.Errorf("expected severity high, got %s", got.Severity)
	}

	events := store.events("r-1")
	if !hasEvent(events, models.EventVerified) {
		t.Error("expected VERIFIED timeline event")
	}
	if !hasEvent(events, models.EventForwarded) {
		t.Error("expected FORWARDED timeline event")
	}
	if atomic.LoadInt64(hits) != 1 {
		t.Errorf("expected 1 forwarding submission, got %d", *hits)
	}
	if len(notifier.calls) == 0 {
		t.Error("expected a notification")
	}
}

func TestClassification_InvalidImageContent(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	srv, hits := forwardingTarget(t)
	fwd := NewForwardingStage(store,
		forwarding.New(forwarding.Config{Endpoint: srv.URL, Areas: testAreas}, discardLogger()),
		nil, discardLogger())

	classifier := &countingClassifier{verdict: &vision.Verdict{
		IsValid:     false,
		Category:    "Other",
		Severity:    1,
		Description: "indoor selfie, not a civic issue",
	}}

	stage := newClassification(store, &fakeFetcher{data: []byte("img")}, classifier, fwd, nil)
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Status != models.StatusRejected {
		t.Errorf("expected REJECTED, got %s", got.Status)
	}
	if got.RejectionReason == nil || *got.RejectionReason == "" {
		t.Error("expected rejection reason to be persisted")
	}
	if !hasEvent(store.events("r-1"), models.EventAIRejected) {
		t.Error("expected AI_REJECTED timeline event")
	}
	if atomic.LoadInt64(hits) != 0 {
		t.Error("forwarding must never fire for a rejected report")
	}
}

func TestClassification_ClassifierFailure(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	classifier := &countingClassifier{err: errors.New("upstream timeout")}
	stage := newClassification(store, &fakeFetcher{data: []byte("img")}, classifier, nil, nil)
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Status != models.StatusFlagged {
		t.Errorf("expected FLAGGED, got %s", got.Status)
	}
	if got.Category != models.DefaultCategory {
		t.Errorf("category must not be overwritten on failure, got %s", got.Category)
	}
	if !hasEvent(store.events("r-1"), models.EventSystemError) {
		t.Error("expected SYSTEM_ERROR timeline event")
	}
	// Transient errors are retried before degrading.
	if classifier.calls != 2 {
		t.Errorf("expected 2 classifier attempts, got %d", classifier.calls)
	}
}

func TestClassification_MalformedResponse(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	classifier := &countingClassifier{
		err: fmt.Errorf("%w: not json", vision.ErrMalformedResponse),
	}
	stage := newClassification(store, &fakeFetcher{data: []byte("img")}, classifier, nil, nil)
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Status != models.StatusFlagged {
		t.Errorf("expected FLAGGED, got %s", got.Status)
	}
	if !hasEvent(store.events("r-1"), models.EventAIError) {
		t.Error("expected AI_ERROR timeline event")
	}
	// Schema violations are permanent, no retry.
	if classifier.calls != 1 {
		t.Errorf("expected 1 classifier attempt, got %d", classifier.calls)
	}
}

func TestClassification_ImageDownloadFailure(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	classifier := &countingClassifier{verdict: &vision.Verdict{IsValid: true, Category: "Pothole", Severity: 5}}
	stage := newClassification(store, &fakeFetcher{err: errors.New("connection refused")}, classifier, nil, nil)
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Status != models.StatusFlagged {
		t.Errorf("expected FLAGGED, got %s", got.Status)
	}
	events := store.events("r-1")
	if !hasEvent(events, models.EventSystemError) {
		t.Error("expected SYSTEM_ERROR timeline event")
	}
	if classifier.calls != 0 {
		t.Error("classifier must not be called when the image download fails")
	}
}

func TestClassification_DuplicateShortCircuit(t *testing.T) {
	store := newFakeStore()
	report := pendingReport()
	report.Status = models.StatusDuplicateLinked
	report.DuplicateOf = models.StringPtr("r-0")
	store.add(report)

	classifier := &countingClassifier{verdict: &vision.Verdict{IsValid: true, Category: "Pothole", Severity: 5}}
	fetcher := &fakeFetcher{data: []byte("img")}
	stage := newClassification(store, fetcher, classifier, nil, nil)
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Status != models.StatusDuplicateLinked {
		t.Errorf("duplicate report must stay DUPLICATE_LINKED, got %s", got.Status)
	}
	if fetcher.calls != 0 || classifier.calls != 0 {
		t.Error("no external work may happen for a duplicate report")
	}
	if len(store.events("r-1")) != 0 {
		t.Error("no stage writes may be observed for a duplicate report")
	}
}

func TestClassification_BreakerOpen(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	breaker := NewBreaker(1, time.Hour)
	breaker.Failure() // trip it

	classifier := &countingClassifier{verdict: &vision.Verdict{IsValid: true, Category: "Pothole", Severity: 5}}
	stage := NewClassificationStage(
		store, &fakeFetcher{data: []byte("img")}, classifier, nil, nil,
		breaker, fastRetry(), nil, discardLogger(),
	)
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Status != models.StatusFlagged {
		t.Errorf("expected FLAGGED, got %s", got.Status)
	}
	if classifier.calls != 0 {
		t.Error("classifier must not be called while the breaker is open")
	}
}

func TestClassification_TerminalStatusNeverRegresses(t *testing.T) {
	store := newFakeStore()
	report := pendingReport()
	report.Status = models.StatusRejected
	store.add(report)

	classifier := &countingClassifier{verdict: &vision.Verdict{IsValid: true, Category: "Pothole", Severity: 5}}
	stage := newClassification(store, &fakeFetcher{data: []byte("img")}, classifier, nil, nil)
	stage.Run(context.Background(), store.get("r-1"))

	if got := store.get("r-1"); got.Status != models.StatusRejected {
		t.Errorf("terminal status must not change, got %s", got.Status)
	}
}

func TestGeocodeStage(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	stage := NewGeocodeStage(store, &fakeGeocoder{address: "MG Road, Bengaluru"}, nil, discardLogger())
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Address == nil || *got.Address != "MG Road, Bengaluru" {
		t.Errorf("expected address set, got %v", got.Address)
	}
	if got.Status != models.StatusPendingVerification {
		t.Errorf("geocoding must never change status, got %s", got.Status)
	}
	if !hasEvent(store.events("r-1"), models.EventAddressResolved) {
		t.Error("expected ADDRESS_RESOLVED timeline event")
	}
}

func TestGeocodeStage_FailureIsSilent(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	stage := NewGeocodeStage(store, &fakeGeocoder{err: errors.New("geocoder 502")}, nil, discardLogger())
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if got.Address != nil {
		t.Error("address must stay unset on geocoder failure")
	}
	if got.Status != models.StatusPendingVerification {
		t.Errorf("geocoder failure must never flag the report, got %s", got.Status)
	}
	if len(store.events("r-1")) != 0 {
		t.Error("geocoder failure must not appear in the timeline")
	}
}

func TestLandmarkStage(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	landmarks := []models.Landmark{
		{Name: "Town Hall", Type: "public_building", DistanceM: 120},
		{Name: "City Market", Type: "marketplace", DistanceM: 340},
	}
	stage := NewLandmarkStage(store, &fakeFinder{landmarks: landmarks}, 500, 5, nil, discardLogger())
	stage.Run(context.Background(), store.get("r-1"))

	got := store.get("r-1")
	if len(got.Landmarks) != 2 {
		t.Fatalf("expected 2 landmarks, got %d", len(got.Landmarks))
	}
	if !hasEvent(store.events("r-1"), models.EventLandmarksAdded) {
		t.Error("expected LANDMARKS_ADDED timeline event")
	}
}

func TestForwardingStage_RefusesUnverified(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	srv, hits := forwardingTarget(t)
	stage := NewForwardingStage(store,
		forwarding.New(forwarding.Config{Endpoint: srv.URL, Areas: testAreas}, discardLogger()),
		nil, discardLogger())

	stage.Run(context.Background(), store.get("r-1"))

	if atomic.LoadInt64(hits) != 0 {
		t.Error("forwarding must never fire for an unverified report")
	}
}

func TestForwardingStage_FailureLeavesStatusVerified(t *testing.T) {
	store := newFakeStore()
	report := pendingReport()
	report.Status = models.StatusVerified
	report.Category = "Pothole"
	store.add(report)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	stage := NewForwardingStage(store,
		forwarding.New(forwarding.Config{Endpoint: srv.URL, Areas: testAreas}, discardLogger()),
		nil, discardLogger())
	stage.Run(context.Background(), store.get("r-1"))

	if got := store.get("r-1"); got.Status != models.StatusVerified {
		t.Errorf("forwarding failure must not change status, got %s", got.Status)
	}
}

func newTestOrchestrator(store *fakeStore, classifier vision.Classifier) *Orchestrator {
	classification := newClassification(store, &fakeFetcher{data: []byte("img")}, classifier, nil, nil)
	geocode := NewGeocodeStage(store, &fakeGeocoder{address: "MG Road"}, nil, discardLogger())
	landmarks := NewLandmarkStage(store, &fakeFinder{landmarks: []models.Landmark{{Name: "Town Hall", DistanceM: 100}}}, 500, 5, nil, discardLogger())
	return NewOrchestrator(classification, geocode, landmarks, time.Minute, discardLogger())
}

func TestOrchestrator_RunsAllStages(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	classifier := &countingClassifier{verdict: &vision.Verdict{IsValid: true, Category: "Pothole", Severity: 9}}
	orch := newTestOrchestrator(store, classifier)

	orch.OnReportCreated(store.get("r-1"))
	orch.Drain()

	got := store.get("r-1")
	if got.Status != models.StatusVerified {
		t.Errorf("expected VERIFIED, got %s", got.Status)
	}
	if got.Severity != models.SeverityCritical {
		t.Errorf("expected severity critical, got %s", got.Severity)
	}
	if got.Address == nil {
		t.Error("expected address from geocode stage")
	}
	if len(got.Landmarks) == 0 {
		t.Error("expected landmarks from landmark stage")
	}

	// Timeline only ever grows and existing entries are immutable.
	events := store.events("r-1")
	if len(events) < 3 {
		t.Errorf("expected at least 3 timeline events, got %d", len(events))
	}
}

type panickyClassifier struct{}

func (panickyClassifier) Classify(_ context.Context, _ []byte) (*vision.Verdict, error) {
	panic("classifier exploded")
}

func TestOrchestrator_PanicInOneStageDoesNotAffectOthers(t *testing.T) {
	store := newFakeStore()
	store.add(pendingReport())

	orch := newTestOrchestrator(store, panickyClassifier{})

	orch.OnReportCreated(store.get("r-1"))
	orch.Drain()

	got := store.get("r-1")
	if got.Address == nil {
		t.Error("geocode stage must complete despite classification panic")
	}
	if len(got.Landmarks) == 0 {
		t.Error("landmark stage must complete despite classification panic")
	}
}

func hasEvent(events []models.TimelineEvent, eventType string) bool {
	for _, ev := range events {
		if ev.EventType == eventType {
			return true
		}
	}
	return false
}

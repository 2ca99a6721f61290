package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/darshi/darshi-backend/internal/metrics"
	"github.com/darshi/darshi-backend/internal/models"
	"github.com/darshi/darshi-backend/internal/vision"
)

// ReportStore is the slice of the report repository the pipeline mutates
// reports through.
type ReportStore interface {
	GetByID(ctx context.Context, id string) (*models.Report, error)
	Update(ctx context.Context, id string, u models.ReportUpdate) (bool, error)
	UpdateStatusFrom(ctx context.Context, id string, from []models.ReportStatus, u models.ReportUpdate) (bool, error)
	AppendTimeline(ctx context.Context, id, eventType, message string) error
}

// Notifier delivers fire-and-forget status notifications to the reporter.
// Implementations must never return; failures stay inside the notifier.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message, reportID string)
}

// verdictStates are the statuses a classification verdict may land on.
// PENDING_VERIFICATION is the normal case; FLAGGED covers manual
// re-classification. Anything else means another writer got there first and
// the verdict is dropped, keeping status transitions monotonic.
var verdictStates = []models.ReportStatus{
	models.StatusPendingVerification,
	models.StatusFlagged,
}

// ClassificationStage downloads the report image, asks the vision classifier
// for a verdict and applies it. On success it triggers external forwarding as
// a continuation; forwarding never fires for an unverified report.
type ClassificationStage struct {
	store      ReportStore
	fetcher    ImageFetcher
	classifier vision.Classifier
	forwarding *ForwardingStage
	notifier   Notifier
	breaker    *Breaker
	retry      RetryPolicy
	collector  *metrics.Collector
	logger     *slog.Logger
}

// NewClassificationStage wires up the classification stage. forwarding and
// notifier may be nil.
func NewClassificationStage(
	store ReportStore,
	fetcher ImageFetcher,
	classifier vision.Classifier,
	forwarding *ForwardingStage,
	notifier Notifier,
	breaker *Breaker,
	retry RetryPolicy,
	collector *metrics.Collector,
	logger *slog.Logger,
) *ClassificationStage {
	return &ClassificationStage{
		store:      store,
		fetcher:    fetcher,
		classifier: classifier,
		forwarding: forwarding,
		notifier:   notifier,
		breaker:    breaker,
		retry:      retry,
		collector:  collector,
		logger:     logger,
	}
}

// Run executes the stage for one report.
func (s *ClassificationStage) Run(ctx context.Context, report models.Report) {
	start := time.Now()

	current, err := s.store.GetByID(ctx, report.ID)
	if err != nil {
		s.logger.Error("classification: failed to load report", "report_id", report.ID, "error", err)
		return
	}
	if current == nil {
		return
	}
	if !awaitingVerdict(current.Status) {
		// Duplicates and already-settled reports get no classification writes.
		s.logger.Debug("classification skipped", "report_id", report.ID, "status", current.Status)
		return
	}

	imageBytes, err := s.fetchImage(ctx, current.ImageURL)
	if err != nil {
		s.flag(ctx, report.ID, models.EventSystemError, fmt.Sprintf("image download failed: %v", err))
		s.collector.ObserveStage("classification", "download_error", time.Since(start))
		return
	}

	verdict, err := s.classify(ctx, imageBytes)
	if err != nil {
		eventType := models.EventSystemError
		message := fmt.Sprintf("classifier unavailable: %v", err)
		switch {
		case errors.Is(err, vision.ErrMalformedResponse):
			eventType = models.EventAIError
			message = fmt.Sprintf("classifier returned invalid response: %v", err)
		case errors.Is(err, ErrBreakerOpen):
			message = "classifier circuit open, call skipped"
		}
		s.flag(ctx, report.ID, eventType, message)
		s.collector.ObserveStage("classification", "error", time.Since(start))
		return
	}

	if !verdict.IsValid {
		s.reject(ctx, current, verdict)
		s.collector.ObserveStage("classification", "rejected", time.Since(start))
		return
	}

	s.verify(ctx, current, verdict)
	s.collector.ObserveStage("classification", "verified", time.Since(start))
}

func awaitingVerdict(status models.ReportStatus) bool {
	return status == models.StatusPendingVerification || status == models.StatusFlagged
}

func (s *ClassificationStage) fetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	var imageBytes []byte
	err := Retry(ctx, s.retry, func() error {
		data, ferr := s.fetcher.Fetch(ctx, imageURL)
		if ferr != nil {
			return Retryable(ferr)
		}
		imageBytes = data
		return nil
	})
	return imageBytes, err
}

func (s *ClassificationStage) classify(ctx context.Context, imageBytes []byte) (*vision.Verdict, error) {
	var verdict *vision.Verdict
	err := Retry(ctx, s.retry, func() error {
		return s.breaker.Do(func() error {
			v, cerr := s.classifier.Classify(ctx, imageBytes)
			if cerr != nil {
				if errors.Is(cerr, vision.ErrMalformedResponse) {
					// Schema violations won't heal on retry.
					return cerr
				}
				return Retryable(cerr)
			}
			verdict = v
			return nil
		})
	})
	return verdict, err
}

func (s *ClassificationStage) reject(ctx context.Context, report *models.Report, verdict *vision.Verdict) {
	reason := verdict.Description
	if reason == "" {
		reason = "image does not show a civic issue"
	}

	ok, err := s.store.UpdateStatusFrom(ctx, report.ID, verdictStates, models.ReportUpdate{
		Status:          models.StatusPtr(models.StatusRejected),
		RejectionReason: &reason,
	})
	if err != nil {
		s.logger.Error("classification: failed to reject report", "report_id", report.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	if terr := s.store.AppendTimeline(ctx, report.ID, models.EventAIRejected, reason); terr != nil {
		s.logger.Error("classification: failed to append timeline", "report_id", report.ID, "error", terr)
	}
	s.notify(ctx, report, "Report rejected", reason)

	s.logger.Info("report rejected by classifier", "report_id", report.ID, "reason", reason)
}

func (s *ClassificationStage) verify(ctx context.Context, report *models.Report, verdict *vision.Verdict) {
	category := verdict.Category
	severity := models.SeverityFromScore(verdict.Severity)

	ok, err := s.store.UpdateStatusFrom(ctx, report.ID, verdictStates, models.ReportUpdate{
		Status:   models.StatusPtr(models.StatusVerified),
		Category: &category,
		Severity: &severity,
	})
	if err != nil {
		s.logger.Error("classification: failed to verify report", "report_id", report.ID, "error", err)
		return
	}
	if !ok {
		s.logger.Info("classification verdict dropped, report already settled", "report_id", report.ID)
		return
	}

	message := fmt.Sprintf("classified as %s, severity %s", category, severity)
	if verdict.Description != "" {
		message += ": " + verdict.Description
	}
	if terr := s.store.AppendTimeline(ctx, report.ID, models.EventVerified, message); terr != nil {
		s.logger.Error("classification: failed to append timeline", "report_id", report.ID, "error", terr)
	}
	s.notify(ctx, report, "Report verified", message)

	s.logger.Info("report verified",
		"report_id", report.ID,
		"category", category,
		"severity", severity,
	)

	// Forwarding is strictly a continuation of a successful verdict.
	if s.forwarding != nil {
		updated, gerr := s.store.GetByID(ctx, report.ID)
		if gerr != nil || updated == nil {
			return
		}
		s.forwarding.Run(ctx, *updated)
	}
}

func (s *ClassificationStage) flag(ctx context.Context, reportID, eventType, message string) {
	ok, err := s.store.UpdateStatusFrom(ctx, reportID, verdictStates, models.ReportUpdate{
		Status: models.StatusPtr(models.StatusFlagged),
	})
	if err != nil {
		s.logger.Error("classification: failed to flag report", "report_id", reportID, "error", err)
		return
	}
	if !ok {
		return
	}

	if terr := s.store.AppendTimeline(ctx, reportID, eventType, message); terr != nil {
		s.logger.Error("classification: failed to append timeline", "report_id", reportID, "error", terr)
	}

	s.logger.Warn("report flagged for manual review", "report_id", reportID, "reason", message)
}

func (s *ClassificationStage) notify(ctx context.Context, report *models.Report, title, message string) {
	if s.notifier == nil || report.UserID == "" {
		return
	}
	s.notifier.Notify(ctx, report.UserID, title, message, report.ID)
}

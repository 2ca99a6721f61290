package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/darshi/darshi-backend/internal/models"
)

// Orchestrator fires the enrichment stages for newly created reports. Stages
// run as detached background goroutines with their own timeout: the HTTP
// request that created the report never waits for them, and a stage panic or
// failure never affects its siblings.
//
// There is no durable queue behind this. If the process dies mid-pipeline the
// report stays in whatever state was last written; the backfill sweeper picks
// up reports stuck in PENDING_VERIFICATION.
type Orchestrator struct {
	classification *ClassificationStage
	geocode        *GeocodeStage
	landmarks      *LandmarkStage
	stageTimeout   time.Duration
	logger         *slog.Logger
	wg             sync.WaitGroup
}

// NewOrchestrator wires up the orchestrator.
func NewOrchestrator(
	classification *ClassificationStage,
	geocode *GeocodeStage,
	landmarks *LandmarkStage,
	stageTimeout time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if stageTimeout <= 0 {
		stageTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		classification: classification,
		geocode:        geocode,
		landmarks:      landmarks,
		stageTimeout:   stageTimeout,
		logger:         logger,
	}
}

// OnReportCreated schedules classification, geocoding and landmark lookup for
// a freshly created report. Geocoding and landmark lookup always run,
// independently of classification's outcome and in parallel with it.
// Forwarding is not scheduled here; it fires only as a continuation of a
// successful classification verdict.
func (o *Orchestrator) OnReportCreated(report models.Report) {
	o.spawn("classification", report, o.classification.Run)
	o.spawn("geocode", report, o.geocode.Run)
	o.spawn("landmarks", report, o.landmarks.Run)
}

// RunClassification re-fires only the classification stage. Used by the
// backfill sweeper for stuck reports and by manual re-classification of
// flagged reports.
func (o *Orchestrator) RunClassification(report models.Report) {
	o.spawn("classification", report, o.classification.Run)
}

func (o *Orchestrator) spawn(name string, report models.Report, fn func(context.Context, models.Report)) {
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("pipeline stage panicked",
					"stage", name,
					"report_id", report.ID,
					"panic", r,
				)
			}
		}()

		// Detached from the request context: the HTTP response returns while
		// stages are still running.
		ctx, cancel := context.WithTimeout(context.Background(), o.stageTimeout)
		defer cancel()

		fn(ctx, report)
	}()
}

// Drain blocks until all in-flight stages finish. Called on shutdown.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}

package backfill

import (
	"context"
	"log/slog"
	"time"

	"github.com/darshi/darshi-backend/internal/models"
)

// StaleLister finds reports stuck in PENDING_VERIFICATION.
type StaleLister interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Report, error)
}

// Trigger re-fires the classification stage for a report.
type Trigger interface {
	RunClassification(report models.Report)
}

// Config tunes the sweep loop.
type Config struct {
	Interval time.Duration
	MaxAge   time.Duration
	Batch    int
}

// DefaultConfig sweeps every 10 minutes for reports pending longer than 30
// minutes, at most 50 per pass.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Minute,
		MaxAge:   30 * time.Minute,
		Batch:    50,
	}
}

// Sweeper periodically re-queues reports whose classification never landed,
// typically because the process died mid-pipeline or the classifier was down
// long enough to exhaust retries. There is no durable queue; this loop is
// what makes the pipeline eventually complete.
type Sweeper struct {
	store   StaleLister
	trigger Trigger
	cfg     Config
	logger  *slog.Logger
}

// NewSweeper wires up the sweeper.
func NewSweeper(store StaleLister, trigger Trigger, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 || cfg.MaxAge <= 0 || cfg.Batch <= 0 {
		cfg = DefaultConfig()
	}
	return &Sweeper{store: store, trigger: trigger, cfg: cfg, logger: logger}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("backfill sweeper started",
		"interval", s.cfg.Interval,
		"max_age", s.cfg.MaxAge,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backfill sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-s.cfg.MaxAge)

	stale, err := s.store.ListStalePending(ctx, cutoff, s.cfg.Batch)
	if err != nil {
		s.logger.Error("backfill sweep failed", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	for _, report := range stale {
		s.trigger.RunClassification(report)
	}

	s.logger.Info("backfill sweep re-queued stale reports", "count", len(stale))
	return len(stale)
}

// Package duplicate implements approximate nearest-neighbor lookup of report
// image fingerprints, bucketed by hash prefix.
package duplicate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/darshi/darshi-backend/internal/imagehash"
	"github.com/darshi/darshi-backend/internal/models"
)

// DefaultThreshold is the maximum Hamming distance (out of 64 bits) at which
// two fingerprints are considered the same scene.
const DefaultThreshold = 5

// ReportLister is the slice of the report store the index needs.
type ReportLister interface {
	ListByBucket(ctx context.Context, bucket string) ([]models.Report, error)
}

// Index finds earlier reports whose image fingerprint is within a Hamming
// threshold of a new submission. Only reports sharing the fingerprint bucket
// are compared, so lookup cost is bounded by bucket size rather than table
// size. Near-duplicates falling in a different bucket are missed; that false
// negative is an accepted trade-off.
type Index struct {
	store     ReportLister
	threshold int
	logger    *slog.Logger
}

// NewIndex creates a duplicate index over the given store. A non-positive
// threshold falls back to DefaultThreshold.
func NewIndex(store ReportLister, threshold int, logger *slog.Logger) *Index {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Index{store: store, threshold: threshold, logger: logger}
}

// FindCandidate returns the closest existing report within the threshold and
// its distance, or (nil, 0, nil) when no candidate matches. Reports that are
// themselves duplicate links are skipped so chains always point at an
// original.
func (i *Index) FindCandidate(ctx context.Context, fingerprint string) (*models.Report, int, error) {
	bucket := imagehash.Bucket(fingerprint)

	candidates, err := i.store.ListByBucket(ctx, bucket)
	if err != nil {
		return nil, 0, fmt.Errorf("bucket lookup failed: %w", err)
	}

	var best *models.Report
	bestDistance := i.threshold + 1

	for idx := range candidates {
		candidate := &candidates[idx]
		if candidate.Status == models.StatusDuplicateLinked {
			continue
		}

		d, err := imagehash.Distance(fingerprint, candidate.ImageFingerprint)
		if err != nil {
			// A malformed stored fingerprint should not block intake.
			i.logger.Warn("skipping candidate with bad fingerprint",
				"report_id", candidate.ID,
				"error", err,
			)
			continue
		}

		if d <= i.threshold && d < bestDistance {
			best = candidate
			bestDistance = d
		}
	}

	if best == nil {
		return nil, 0, nil
	}

	i.logger.Info("duplicate candidate found",
		"bucket", bucket,
		"report_id", best.ID,
		"distance", bestDistance,
	)
	return best, bestDistance, nil
}

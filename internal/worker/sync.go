package worker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"content-curator/internal/models"
	"content-curator/internal/policy"
	"content-curator/internal/services"
	"content-curator/internal/storage"
)

// ArtifactLister lists stored artifact paths, for one run date or all.
type ArtifactLister interface {
	List(date string) ([]string, error)
}

// Sync reconciles stored artifacts into the table again. Rows that already
// hold every value are left untouched, so it is safe to repeat.
func Sync(ctx context.Context, artifacts ArtifactLister, reconciler RecordReconciler, date string) (*models.RunSummary, error) {
	summary := &models.RunSummary{RunID: uuid.NewString(), Disabled: []string{}}
	log := slog.With(slog.String("run_id", summary.RunID))

	paths, err := artifacts.List(date)
	if err != nil {
		return summary, err
	}
	log.Info("sync started", slog.Int("artifacts", len(paths)), slog.String("date", date))

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Total++

		a, err := storage.Load(path)
		if err != nil {
			log.Error("failed to load artifact", slog.String("path", path), slog.Any("error", err))
			summary.Failed++
			continue
		}

		result, err := reconciler.Reconcile(ctx, services.BuildLocalRecord(a))
		if err != nil {
			if policy.Classify(err) == policy.ActionAbortRun {
				return summary, err
			}
			log.Error("table sync failed", slog.String("video_id", a.Video.VideoID), slog.Any("error", err))
			summary.Failed++
			continue
		}
		if result == services.OutcomeUnchanged {
			summary.Skipped++
		} else {
			summary.Succeeded++
		}
	}

	log.Info("sync finished",
		slog.Int("total", summary.Total),
		slog.Int("updated", summary.Succeeded),
		slog.Int("unchanged", summary.Skipped),
		slog.Int("failed", summary.Failed))
	return summary, nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"content-curator/internal/config"
	"content-curator/internal/models"
	"content-curator/internal/policy"
	"content-curator/internal/repository"
	"content-curator/internal/retry"
	"content-curator/internal/services"
	"content-curator/internal/storage"
)

type Rewriter interface {
	Rewrite(ctx context.Context, v *models.VideoCandidate, transcript *models.TranscriptDocument) (*models.RewrittenDocument, error)
}

type ArtifactStore interface {
	Save(ctx context.Context, v *models.VideoCandidate, transcript *models.TranscriptDocument, rewritten *models.RewrittenDocument) (*storage.Artifact, error)
	DownloadCover(ctx context.Context, v *models.VideoCandidate) (string, error)
}

type RecordReconciler interface {
	Reconcile(ctx context.Context, local *models.LocalRecord) (services.ReconcileOutcome, error)
}

// RunOptions narrows a run to one platform and/or one video.
type RunOptions struct {
	Platform models.Platform
	VideoID  string
}

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeSucceeded
	outcomeSkipped
	outcomeFailed
)

// errPlatformDisabled stops the current platform without failing the run.
var errPlatformDisabled = errors.New("platform disabled")

// Pipeline runs every configured source through extract, rewrite, store and
// reconcile, one video at a time.
type Pipeline struct {
	registry   *config.Registry
	extractors services.Extractors
	ledger     repository.Ledger
	rewriter   Rewriter
	artifacts  ArtifactStore
	reconciler RecordReconciler

	// Retry governs listing and transcript calls.
	Retry retry.Config
}

func NewPipeline(
	registry *config.Registry,
	extractors services.Extractors,
	ledger repository.Ledger,
	rewriter Rewriter,
	artifacts ArtifactStore,
	reconciler RecordReconciler,
) *Pipeline {
	return &Pipeline{
		registry:   registry,
		extractors: extractors,
		ledger:     ledger,
		rewriter:   rewriter,
		artifacts:  artifacts,
		reconciler: reconciler,
		Retry:      retry.DefaultConfig,
	}
}

// Run processes every platform in order. It returns an error only when the
// run must abort; per-video failures are counted in the summary.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*models.RunSummary, error) {
	summary := &models.RunSummary{RunID: uuid.NewString(), Disabled: []string{}}
	log := slog.With(slog.String("run_id", summary.RunID))
	log.Info("run started", slog.Int("sources", p.registry.Count()))

	for _, platform := range models.Platforms {
		if opts.Platform != "" && opts.Platform != platform {
			continue
		}
		sources := p.registry.For(platform)
		if len(sources) == 0 {
			continue
		}

		ext, ok := p.extractors[platform]
		if !ok {
			log.Warn("platform disabled: credentials not configured", slog.String("platform", string(platform)))
			summary.Disabled = append(summary.Disabled, string(platform))
			continue
		}

		err := p.runPlatform(ctx, ext, sources, opts, summary)
		if errors.Is(err, errPlatformDisabled) {
			summary.Disabled = append(summary.Disabled, string(platform))
			continue
		}
		if err != nil {
			log.Error("run aborted", slog.Any("error", err))
			return summary, err
		}
	}

	log.Info("run finished",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Any("disabled", summary.Disabled))
	return summary, nil
}

func (p *Pipeline) runPlatform(ctx context.Context, ext services.Extractor, sources []models.Source, opts RunOptions, summary *models.RunSummary) error {
	platform := ext.Platform()

	for _, src := range sources {
		log := slog.With(slog.String("platform", string(platform)), slog.String("source", src.Name))

		videos, err := retry.Do(ctx, p.Retry, func(ctx context.Context) ([]models.VideoCandidate, error) {
			return ext.ListVideos(ctx, src)
		})
		if err != nil {
			switch policy.Classify(err) {
			case policy.ActionDisablePlatform:
				log.Error("platform disabled", slog.Any("error", err))
				return errPlatformDisabled
			case policy.ActionAbortRun:
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("failed to list videos", slog.Any("error", err))
			continue
		}
		log.Info("videos listed", slog.Int("count", len(videos)))

		for i := range videos {
			v := &videos[i]
			if opts.VideoID != "" && v.VideoID != opts.VideoID {
				continue
			}

			result, err := p.processVideo(ctx, ext, src, v)
			if err != nil {
				if ctx.Err() != nil {
					summary.Total++
					summary.Failed++
				}
				return err
			}
			switch result {
			case outcomeSucceeded:
				summary.Total++
				summary.Succeeded++
			case outcomeSkipped:
				summary.Total++
				summary.Skipped++
			case outcomeFailed:
				summary.Total++
				summary.Failed++
			}
		}
	}
	return nil
}

// processVideo carries one candidate to a terminal outcome. A returned error
// stops the platform (errPlatformDisabled) or the whole run.
func (p *Pipeline) processVideo(ctx context.Context, ext services.Extractor, src models.Source, v *models.VideoCandidate) (outcome, error) {
	log := slog.With(
		slog.String("platform", string(v.Platform)),
		slog.String("source", src.Name),
		slog.String("video_id", v.VideoID))

	done, err := p.ledger.Has(ctx, v.LedgerKey())
	if err != nil {
		return outcomeFailed, fmt.Errorf("ledger lookup failed: %w", err)
	}
	if done {
		log.Debug("already processed")
		return outcomeIgnored, nil
	}

	if v.Duration != nil && *v.Duration < src.Filters.MinDuration {
		log.Info("skipped: too short",
			slog.Int("duration", *v.Duration), slog.Int("min_duration", src.Filters.MinDuration))
		return outcomeSkipped, p.mark(ctx, v)
	}

	transcript, err := retry.Do(ctx, p.Retry, func(ctx context.Context) (*models.TranscriptDocument, error) {
		return ext.FetchTranscript(ctx, v, src.Filters.TranscriptLanguages)
	})
	if err != nil {
		if ctx.Err() != nil {
			return outcomeFailed, ctx.Err()
		}
		switch policy.Classify(err) {
		case policy.ActionDisablePlatform:
			log.Error("platform disabled", slog.Any("error", err))
			return outcomeFailed, errPlatformDisabled
		case policy.ActionAbortRun:
			return outcomeFailed, err
		case policy.ActionSkipAndRecord, policy.ActionRetry:
			log.Warn("skipped: transcript unavailable", slog.Any("error", err))
			return outcomeSkipped, p.mark(ctx, v)
		}
		if retry.IsRetryable(err) {
			log.Warn("skipped: transcript unavailable after retries", slog.Any("error", err))
			return outcomeSkipped, p.mark(ctx, v)
		}
		log.Error("transcript fetch failed", slog.Any("error", err))
		return outcomeFailed, nil
	}
	log.Info("transcript fetched", slog.String("language", transcript.Language), slog.Int("chars", len(transcript.Text)))

	// A cancelled run leaves the video out of the ledger so the next run
	// redoes it in full.
	interrupted := func(step string) error {
		if err := ctx.Err(); err != nil {
			log.Warn("run cancelled, video not recorded", slog.String("step", step))
			return err
		}
		return nil
	}

	rewritten, err := p.rewriter.Rewrite(ctx, v, transcript)
	if cerr := interrupted("rewrite"); cerr != nil {
		return outcomeFailed, cerr
	}
	if err != nil {
		log.Warn("rewrite failed, continuing with empty summary", slog.Any("error", err))
	}
	if rewritten == nil {
		rewritten = &models.RewrittenDocument{}
	}

	artifact, err := p.artifacts.Save(ctx, v, transcript, rewritten)
	if cerr := interrupted("save"); cerr != nil {
		return outcomeFailed, cerr
	}
	if err != nil {
		log.Error("failed to save artifact", slog.Any("error", err))
		return outcomeFailed, nil
	}

	if v.CoverURL != "" {
		coverPath, err := p.artifacts.DownloadCover(ctx, v)
		if cerr := interrupted("cover"); cerr != nil {
			return outcomeFailed, cerr
		}
		if err != nil {
			log.Warn("cover download failed", slog.Any("error", err))
		} else {
			artifact.CoverPath = coverPath
		}
	}

	if p.reconciler != nil {
		_, err := p.reconciler.Reconcile(ctx, services.BuildLocalRecord(artifact))
		if cerr := interrupted("reconcile"); cerr != nil {
			return outcomeFailed, cerr
		}
		if err != nil {
			if policy.Classify(err) == policy.ActionAbortRun {
				return outcomeFailed, err
			}
			log.Error("table sync failed; run `curator sync` to repair", slog.Any("error", err))
		}
	}

	if err := p.mark(ctx, v); err != nil {
		return outcomeFailed, err
	}
	log.Info("video processed", slog.String("artifact", artifact.Path))
	return outcomeSucceeded, nil
}

func (p *Pipeline) mark(ctx context.Context, v *models.VideoCandidate) error {
	if err := p.ledger.Mark(ctx, v.LedgerKey()); err != nil {
		return fmt.Errorf("ledger write failed for %s: %w", v.VideoID, err)
	}
	return nil
}

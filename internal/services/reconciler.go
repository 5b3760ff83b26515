package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"content-curator/internal/models"
	"content-curator/internal/policy"
	"content-curator/internal/storage"
)

// MaxFieldRunes is the largest text a single table cell accepts.
const MaxFieldRunes = 30000

// TableStore is the subset of the table API the reconciler needs.
type TableStore interface {
	FindByKey(ctx context.Context, key string) (*models.ExternalRecord, error)
	Create(ctx context.Context, fields map[string]any) (*models.ExternalRecord, error)
	Update(ctx context.Context, recordID string, fields map[string]any) error
	UploadImage(ctx context.Context, path string) (string, error)
}

type ReconcileOutcome string

const (
	OutcomeCreated   ReconcileOutcome = "created"
	OutcomeUpdated   ReconcileOutcome = "updated"
	OutcomeUnchanged ReconcileOutcome = "unchanged"
)

// Reconciler merges local records into the shared table without ever
// overwriting a value someone else filled in. The one exception is the
// quotes cell, which is renumbered when it holds unnumbered text.
type Reconciler struct {
	store TableStore
}

func NewReconciler(store TableStore) *Reconciler {
	return &Reconciler{store: store}
}

// BuildLocalRecord derives the table row of a stored artifact.
func BuildLocalRecord(a *storage.Artifact) *models.LocalRecord {
	v := a.Video
	return &models.LocalRecord{
		SourceLink: v.SourceLink,
		Platform:   strings.ToUpper(string(v.Platform)),
		Title:      v.Title,
		Author:     v.Author,
		CoverURL:   v.CoverURL,
		CoverPath:  a.CoverPath,
		UploadedAt: v.PublishedAt,
		Content:    a.Transcript.Text,
		Summary:    a.Rewritten.Markdown,
		Quotes:     NumberQuotes(ExtractQuotes(a.Rewritten.Markdown)),
	}
}

// Reconcile creates the row for local, or fills the gaps of the existing one.
func (r *Reconciler) Reconcile(ctx context.Context, local *models.LocalRecord) (ReconcileOutcome, error) {
	if local.SourceLink == "" {
		return "", fmt.Errorf("record has no source link")
	}
	log := slog.With(slog.String("source_link", local.SourceLink))

	existing, err := r.store.FindByKey(ctx, local.SourceLink)
	if err != nil {
		return "", fmt.Errorf("failed to look up record: %w", err)
	}

	if existing == nil {
		fields := localFields(local)
		if cover, ok := r.coverValue(ctx, local); ok {
			fields[models.FieldCover] = cover
		}
		rec, err := r.store.Create(ctx, fields)
		if err != nil {
			return "", fmt.Errorf("failed to create record: %w", err)
		}
		log.Info("table record created", slog.String("record_id", rec.RecordID))
		return OutcomeCreated, nil
	}

	plan := PlanMerge(existing, local)
	if plan.Empty() {
		log.Info("no update needed", slog.String("record_id", existing.RecordID))
		return OutcomeUnchanged, nil
	}

	fields := plan.Fields
	if plan.CoverPlanned {
		if cover, ok := r.coverValue(ctx, local); ok {
			fields[models.FieldCover] = cover
		}
	}
	if len(fields) == 0 {
		log.Info("no update needed", slog.String("record_id", existing.RecordID))
		return OutcomeUnchanged, nil
	}

	if err := r.store.Update(ctx, existing.RecordID, fields); err != nil {
		return "", fmt.Errorf("failed to update record %s: %w", existing.RecordID, err)
	}
	log.Info("table record updated",
		slog.String("record_id", existing.RecordID), slog.Any("fields", fieldNames(fields)))
	return OutcomeUpdated, nil
}

// coverValue uploads the local cover image, falling back to the raw URL as
// text when there is no file or the upload fails.
func (r *Reconciler) coverValue(ctx context.Context, local *models.LocalRecord) (any, bool) {
	if local.CoverPath != "" {
		token, err := r.store.UploadImage(ctx, local.CoverPath)
		if err == nil {
			return []map[string]any{{"file_token": token}}, true
		}
		err = policy.New(policy.AttachmentUploadFailure, "reconcile.cover", err)
		slog.Warn("cover upload failed, storing URL instead",
			slog.String("source_link", local.SourceLink), slog.Any("error", err))
	}
	if local.CoverURL != "" {
		return local.CoverURL, true
	}
	return nil, false
}

// localFields holds every non-empty field of local except the cover.
func localFields(local *models.LocalRecord) map[string]any {
	fields := map[string]any{
		models.FieldSourceLink: local.SourceLink,
	}
	setText := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fields[name] = truncateField(name, value, local.SourceLink)
	}
	setText(models.FieldPlatform, local.Platform)
	setText(models.FieldTitle, local.Title)
	setText(models.FieldAuthor, local.Author)
	setText(models.FieldContent, local.Content)
	setText(models.FieldSummary, local.Summary)
	setText(models.FieldQuotes, local.Quotes)
	if !local.UploadedAt.IsZero() {
		fields[models.FieldUploadedAt] = local.UploadedAt.UnixMilli()
	}
	return fields
}

// PlanMerge lists the fields of existing that local may fill. A field is
// planned only when the existing cell is empty. Quotes are also planned when
// the existing cell holds unnumbered text.
func PlanMerge(existing *models.ExternalRecord, local *models.LocalRecord) *models.FieldMergePlan {
	plan := &models.FieldMergePlan{
		RecordID: existing.RecordID,
		Fields:   make(map[string]any),
	}
	candidates := localFields(local)

	for name, value := range candidates {
		if name == models.FieldSourceLink {
			continue
		}
		current := existing.Fields[name]
		if name == models.FieldQuotes {
			if IsEmptyValue(current) || !IsNumbered(FieldText(current)) {
				plan.Fields[name] = value
			}
			continue
		}
		if IsEmptyValue(current) {
			plan.Fields[name] = value
		}
	}

	if IsEmptyValue(existing.Fields[models.FieldCover]) && (local.CoverPath != "" || local.CoverURL != "") {
		plan.CoverPlanned = true
	}
	return plan
}

func truncateField(name, value, sourceLink string) string {
	if utf8.RuneCountInString(value) <= MaxFieldRunes {
		return value
	}
	slog.Warn("field truncated to cell limit",
		slog.String("field", name),
		slog.String("source_link", sourceLink),
		slog.Int("runes", utf8.RuneCountInString(value)))
	return string([]rune(value)[:MaxFieldRunes])
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	return names
}

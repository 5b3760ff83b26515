package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-curator/internal/models"
	"content-curator/internal/storage"
)

type fakeTable struct {
	rows      map[string]*models.ExternalRecord
	creates   []map[string]any
	updates   []map[string]any
	uploads   []string
	uploadErr error
	createErr error
}

func newFakeTable(rows ...*models.ExternalRecord) *fakeTable {
	t := &fakeTable{rows: map[string]*models.ExternalRecord{}}
	for _, r := range rows {
		t.rows[FieldText(r.Fields[models.FieldSourceLink])] = r
	}
	return t
}

func (f *fakeTable) FindByKey(_ context.Context, key string) (*models.ExternalRecord, error) {
	return f.rows[key], nil
}

func (f *fakeTable) Create(_ context.Context, fields map[string]any) (*models.ExternalRecord, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, fields)
	return &models.ExternalRecord{RecordID: "recNEW", Fields: fields}, nil
}

func (f *fakeTable) Update(_ context.Context, _ string, fields map[string]any) error {
	f.updates = append(f.updates, fields)
	return nil
}

func (f *fakeTable) UploadImage(_ context.Context, path string) (string, error) {
	f.uploads = append(f.uploads, path)
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "tok-" + path, nil
}

func sampleLocal() *models.LocalRecord {
	return &models.LocalRecord{
		SourceLink: "https://youtu.be/abc",
		Platform:   "YOUTUBE",
		Title:      "Title",
		Author:     "Chan",
		CoverURL:   "https://img/abc.jpg",
		CoverPath:  "/out/youtube_abc.jpg",
		UploadedAt: time.UnixMilli(1700000000000),
		Content:    "[00:01] hi",
		Summary:    "### 核心金句\n- q1",
		Quotes:     "1. q1",
	}
}

func TestReconcileCreatesWithUploadedCover(t *testing.T) {
	table := newFakeTable()
	outcome, err := NewReconciler(table).Reconcile(context.Background(), sampleLocal())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	require.Len(t, table.creates, 1)
	fields := table.creates[0]
	assert.Equal(t, "https://youtu.be/abc", fields[models.FieldSourceLink])
	assert.Equal(t, "YOUTUBE", fields[models.FieldPlatform])
	assert.Equal(t, int64(1700000000000), fields[models.FieldUploadedAt])
	assert.Equal(t, "1. q1", fields[models.FieldQuotes])
	assert.Equal(t, []map[string]any{{"file_token": "tok-/out/youtube_abc.jpg"}}, fields[models.FieldCover])
}

func TestReconcileCreateFallsBackToCoverURL(t *testing.T) {
	table := newFakeTable()
	table.uploadErr = errors.New("upload refused")

	_, err := NewReconciler(table).Reconcile(context.Background(), sampleLocal())
	require.NoError(t, err)
	assert.Equal(t, "https://img/abc.jpg", table.creates[0][models.FieldCover])
}

func TestReconcileCreateFailureIsReturned(t *testing.T) {
	table := newFakeTable()
	table.createErr = errors.New("boom")

	_, err := NewReconciler(table).Reconcile(context.Background(), sampleLocal())
	assert.Error(t, err)
}

func TestReconcileFillsOnlyEmptyFields(t *testing.T) {
	existing := &models.ExternalRecord{RecordID: "rec1", Fields: map[string]any{
		models.FieldSourceLink: "https://youtu.be/abc",
		models.FieldTitle:      "Edited by hand",
		models.FieldAuthor:     "   ",
		models.FieldCover:      []any{map[string]any{"file_token": "old"}},
		models.FieldSummary:    []any{},
		models.FieldQuotes:     "1. curated",
	}}
	table := newFakeTable(existing)

	outcome, err := NewReconciler(table).Reconcile(context.Background(), sampleLocal())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	require.Len(t, table.updates, 1)
	update := table.updates[0]
	assert.NotContains(t, update, models.FieldTitle)
	assert.NotContains(t, update, models.FieldCover)
	assert.NotContains(t, update, models.FieldQuotes)
	assert.NotContains(t, update, models.FieldSourceLink)
	assert.Equal(t, "Chan", update[models.FieldAuthor])
	assert.Equal(t, "### 核心金句\n- q1", update[models.FieldSummary])
	assert.Equal(t, "[00:01] hi", update[models.FieldContent])
	assert.Empty(t, table.uploads, "cover already set, no upload")
}

func TestReconcileRenumbersUnnumberedQuotes(t *testing.T) {
	existing := &models.ExternalRecord{RecordID: "rec1", Fields: map[string]any{
		models.FieldSourceLink: "https://youtu.be/abc",
		models.FieldQuotes:     "a loose quote",
	}}
	plan := PlanMerge(existing, sampleLocal())
	assert.Equal(t, "1. q1", plan.Fields[models.FieldQuotes])
}

func TestReconcileLeavesNumberedQuotes(t *testing.T) {
	existing := &models.ExternalRecord{RecordID: "rec1", Fields: map[string]any{
		models.FieldSourceLink: "https://youtu.be/abc",
		models.FieldQuotes:     []any{map[string]any{"type": "text", "text": "12. kept"}},
	}}
	plan := PlanMerge(existing, sampleLocal())
	assert.NotContains(t, plan.Fields, models.FieldQuotes)
}

func TestReconcileEmptyPlanMakesNoCall(t *testing.T) {
	local := sampleLocal()
	existing := &models.ExternalRecord{RecordID: "rec1", Fields: map[string]any{
		models.FieldSourceLink: local.SourceLink,
		models.FieldPlatform:   "YOUTUBE",
		models.FieldTitle:      "t",
		models.FieldAuthor:     "a",
		models.FieldCover:      "https://cover",
		models.FieldUploadedAt: float64(1),
		models.FieldContent:    "c",
		models.FieldSummary:    "s",
		models.FieldQuotes:     "1. q",
	}}
	table := newFakeTable(existing)

	outcome, err := NewReconciler(table).Reconcile(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.Empty(t, table.updates)
	assert.Empty(t, table.uploads)
}

func TestReconcileUploadsCoverOnlyWhenPlanned(t *testing.T) {
	existing := &models.ExternalRecord{RecordID: "rec1", Fields: map[string]any{
		models.FieldSourceLink: "https://youtu.be/abc",
	}}
	table := newFakeTable(existing)

	_, err := NewReconciler(table).Reconcile(context.Background(), sampleLocal())
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/youtube_abc.jpg"}, table.uploads)
	require.Len(t, table.updates, 1)
	assert.Contains(t, table.updates[0], models.FieldCover)
}

func TestReconcileTruncatesLongFields(t *testing.T) {
	local := sampleLocal()
	local.Content = strings.Repeat("字", MaxFieldRunes+10)
	table := newFakeTable()

	_, err := NewReconciler(table).Reconcile(context.Background(), local)
	require.NoError(t, err)
	content := table.creates[0][models.FieldContent].(string)
	assert.Equal(t, MaxFieldRunes, len([]rune(content)))
}

func TestReconcileRequiresSourceLink(t *testing.T) {
	local := sampleLocal()
	local.SourceLink = ""
	_, err := NewReconciler(newFakeTable()).Reconcile(context.Background(), local)
	assert.Error(t, err)
}

func TestBuildLocalRecord(t *testing.T) {
	a := &storage.Artifact{
		Video: models.VideoCandidate{
			Platform:    models.PlatformBilibili,
			VideoID:     "BV1",
			Title:       "T",
			Author:      "U",
			CoverURL:    "https://c",
			SourceLink:  "https://www.bilibili.com/video/BV1",
			PublishedAt: time.UnixMilli(1700000000000),
		},
		Transcript: models.TranscriptDocument{Text: "[00:00] x"},
		Rewritten:  models.RewrittenDocument{Markdown: "### 核心金句\n- one\n- **two**\n\n### 深度摘要\nbody"},
		CoverPath:  "/tmp/bilibili_BV1.jpg",
	}

	local := BuildLocalRecord(a)
	assert.Equal(t, "BILIBILI", local.Platform)
	assert.Equal(t, "1. one\n2. two", local.Quotes)
	assert.Equal(t, "[00:00] x", local.Content)
	assert.Equal(t, "/tmp/bilibili_BV1.jpg", local.CoverPath)
	assert.Equal(t, int64(1700000000000), local.UploadedAt.UnixMilli())
}

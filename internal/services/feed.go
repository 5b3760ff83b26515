package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"content-curator/internal/models"
)

// RecordLister returns every row of the shared table.
type RecordLister interface {
	ListAll(ctx context.Context) ([]models.ExternalRecord, error)
}

var leadingOrdinalRe = regexp.MustCompile(`^\d+[、.\s]*`)

// FeedBuilder turns table rows into the public article feed.
type FeedBuilder struct {
	store      RecordLister
	previewURL string
	now        func() time.Time
}

// NewFeedBuilder takes the Feishu open API base, used to build preview URLs
// for attachment covers.
func NewFeedBuilder(store RecordLister, feishuBaseURL string) *FeedBuilder {
	return &FeedBuilder{
		store:      store,
		previewURL: strings.TrimRight(feishuBaseURL, "/") + "/drive/v1/preview/%s?format=jpg",
		now:        time.Now,
	}
}

func (b *FeedBuilder) Build(ctx context.Context) (*models.Feed, error) {
	records, err := b.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	articles := make([]models.Article, 0, len(records))
	for _, rec := range records {
		if a, ok := b.article(rec); ok {
			articles = append(articles, a)
		}
	}
	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].PublishedAt.After(articles[j].PublishedAt)
	})

	return &models.Feed{GeneratedAt: b.now().UTC(), Articles: articles}, nil
}

func (b *FeedBuilder) article(rec models.ExternalRecord) (models.Article, bool) {
	f := rec.Fields
	link := FieldText(f[models.FieldSourceLink])
	title := FieldText(f[models.FieldTitle])
	if link == "" && title == "" {
		return models.Article{}, false
	}

	platform := strings.ToLower(strings.TrimSpace(FieldText(f[models.FieldPlatform])))
	summary := FieldText(f[models.FieldSummary])

	quotes := dequote(FieldText(f[models.FieldQuotes]))
	if len(quotes) == 0 {
		quotes = ExtractQuotes(summary)
	}
	if quotes == nil {
		quotes = []string{}
	}

	tags := ExtractTags(summary)
	if platform != "" {
		tag := "#" + strings.ToUpper(platform)
		if !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}

	a := models.Article{
		ID:          rec.RecordID,
		Title:       title,
		Author:      FieldText(f[models.FieldAuthor]),
		Platform:    platform,
		Type:        ArticleType(platform),
		SourceLink:  link,
		CoverURL:    b.coverURL(f[models.FieldCover]),
		PublishedAt: millisField(f[models.FieldUploadedAt]),
		Summary:     summary,
		Quotes:      quotes,
		Tags:        tags,
	}
	if len(quotes) > 0 {
		a.PreviewQuote = quotes[0]
	}
	return a, true
}

func (b *FeedBuilder) coverURL(v any) string {
	if token := AttachmentToken(v); token != "" {
		return fmt.Sprintf(b.previewURL, token)
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// ArticleType classifies a platform name as video, podcast or article.
func ArticleType(platform string) string {
	p := strings.ToLower(platform)
	switch {
	case strings.Contains(p, "youtube"), strings.Contains(p, "bilibili"):
		return "video"
	case strings.Contains(p, "podcast"), strings.Contains(p, "xiaoyuzhou"), strings.Contains(p, "spotify"):
		return "podcast"
	default:
		return "article"
	}
}

// dequote splits a numbered quotes cell and drops the ordinals.
func dequote(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(leadingOrdinalRe.ReplaceAllString(strings.TrimSpace(line), ""))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func millisField(v any) time.Time {
	switch val := v.(type) {
	case float64:
		return time.UnixMilli(int64(val)).UTC()
	case int64:
		return time.UnixMilli(val).UTC()
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return time.UnixMilli(n).UTC()
		}
	}
	return time.Time{}
}

// WriteFeed writes feed as indented JSON, replacing path atomically.
func WriteFeed(path string, feed *models.Feed) error {
	data, err := json.MarshalIndent(feed, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create feed directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write feed: %w", err)
	}
	return os.Rename(tmp, path)
}

package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-curator/internal/models"
	"content-curator/internal/policy"
)

type fakeGenerator struct {
	out    string
	err    error
	prompt string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.out, g.err
}

func sampleCandidate() *models.VideoCandidate {
	d := 3723
	return &models.VideoCandidate{
		Platform:    models.PlatformYouTube,
		VideoID:     "abc",
		Title:       "How {things} work",
		Author:      "Chan",
		PublishedAt: time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
		Duration:    &d,
	}
}

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewrite.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRenderReplacesPlaceholders(t *testing.T) {
	path := writeTemplate(t, "{title}|{duration}|{channel_name}|{publish_date}|{platform}|{transcript}")
	r := NewRewriter(nil, path, 100)

	got := r.Render(sampleCandidate(), "hello")
	assert.Equal(t, "How {things} work|01:02:03|Chan|2025-03-04|YouTube|hello", got)
}

func TestRenderUnknownDurationAndDate(t *testing.T) {
	path := writeTemplate(t, "{duration} {publish_date}")
	v := sampleCandidate()
	v.Duration = nil
	v.PublishedAt = time.Time{}

	assert.Equal(t, "未知 未知", NewRewriter(nil, path, 100).Render(v, ""))
}

func TestRenderTruncatesTranscript(t *testing.T) {
	path := writeTemplate(t, "{transcript}")
	r := NewRewriter(nil, path, 5)

	assert.Equal(t, "你好世界啊...", r.Render(sampleCandidate(), "你好世界啊和更多内容"))
	assert.Equal(t, "短", r.Render(sampleCandidate(), "短"))
}

func TestMissingTemplateIsCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts", "rewrite.txt")
	r := NewRewriter(nil, path, 100)

	assert.Equal(t, DefaultPromptTemplate, r.Template())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPromptTemplate, string(data))
}

func TestRewriteSuccess(t *testing.T) {
	gen := &fakeGenerator{out: "  ### 核心金句\n- a  "}
	r := NewRewriter(gen, writeTemplate(t, "T: {transcript}"), 100)

	doc, err := r.Rewrite(context.Background(), sampleCandidate(), &models.TranscriptDocument{Text: "body"})
	require.NoError(t, err)
	assert.Equal(t, "### 核心金句\n- a", doc.Markdown)
	assert.Equal(t, "T: body", gen.prompt)
}

func TestRewriteFailureYieldsEmptyDocument(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota")}
	r := NewRewriter(gen, writeTemplate(t, "{transcript}"), 100)

	doc, err := r.Rewrite(context.Background(), sampleCandidate(), &models.TranscriptDocument{Text: "body"})
	require.Error(t, err)
	assert.Equal(t, policy.ActionContinueWithEmptySummary, policy.Classify(err))
	require.NotNil(t, doc)
	assert.True(t, doc.Empty())
}

func TestRewriteWithoutGenerator(t *testing.T) {
	r := NewRewriter(nil, writeTemplate(t, "{transcript}"), 100)
	doc, err := r.Rewrite(context.Background(), sampleCandidate(), &models.TranscriptDocument{Text: "x"})
	assert.Equal(t, policy.RewriteFailure, policy.KindOf(err))
	assert.True(t, doc.Empty())
}

const sampleRewrite = `## 标题

### 核心金句
- **第一条** 金句
- 第二条
  - 第三条

### 深度摘要
正文

### 主题标签
- AI
- #创业
---
`

func TestExtractQuotes(t *testing.T) {
	quotes := ExtractQuotes(sampleRewrite)
	assert.Equal(t, []string{"第一条 金句", "第二条", "第三条"}, quotes)
	assert.Equal(t, "1. 第一条 金句\n2. 第二条\n3. 第三条", NumberQuotes(quotes))
}

func TestExtractQuotesEnglishHeading(t *testing.T) {
	md := "### Golden Quotes\n- one\n- two\n\n## Next\n- not a quote"
	assert.Equal(t, []string{"one", "two"}, ExtractQuotes(md))
}

func TestExtractQuotesMissingSection(t *testing.T) {
	assert.Empty(t, ExtractQuotes("### 深度摘要\n- x"))
	assert.Equal(t, "", NumberQuotes(nil))
}

func TestExtractTags(t *testing.T) {
	assert.Equal(t, []string{"#AI", "#创业"}, ExtractTags(sampleRewrite))
}

func TestIsNumbered(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1. first", true},
		{"  12.second", true},
		{"first quote\n1. later", false},
		{"- dash", false},
		{"1) paren", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.in, "\n", `\n`), func(t *testing.T) {
			assert.Equal(t, tt.want, IsNumbered(tt.in))
		})
	}
}

func TestSplitNumbered(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitNumbered("1. a\n\n2. b\n"))
}

package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"content-curator/internal/models"
	"content-curator/internal/policy"
)

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// DefaultPromptTemplate is written to disk when no template exists yet.
const DefaultPromptTemplate = `# 视频信息
- 标题: {title}
- 作者: {channel_name}
- 平台: {platform}
- 发布日期: {publish_date}
- 时长: {duration}

# 原始字幕
{transcript}

# 输出要求

### 核心金句
提炼 3-5 条具有启发性的金句，每条以 "- " 开头单独一行。

### 深度摘要
对视频内容进行 2000 字左右的深度梳理：核心观点、关键概念、详细论述、实践启示。

### 主题标签
给出 1-2 个通用领域标签，每个以 "- " 开头单独一行。

# 风格要求
- 商业科技媒体风，简练有力，逻辑严密
- 关键结论使用 **加粗**，每段最多 2-3 处
- 使用小标题分隔不同部分
`

// Rewriter renders the prompt template and asks the Generator for a rewrite.
// Failures never stop the pipeline; they yield an empty document.
type Rewriter struct {
	gen          Generator
	templatePath string
	maxChars     int

	once     sync.Once
	template string
}

func NewRewriter(gen Generator, templatePath string, maxChars int) *Rewriter {
	if maxChars <= 0 {
		maxChars = 50000
	}
	return &Rewriter{gen: gen, templatePath: templatePath, maxChars: maxChars}
}

// Template returns the prompt template, creating the file with the default
// content when it does not exist.
func (r *Rewriter) Template() string {
	r.once.Do(func() {
		r.template = r.loadTemplate()
	})
	return r.template
}

func (r *Rewriter) loadTemplate() string {
	if r.templatePath == "" {
		return DefaultPromptTemplate
	}
	data, err := os.ReadFile(r.templatePath)
	if err == nil {
		return string(data)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read prompt template, using default", slog.String("path", r.templatePath), slog.Any("error", err))
		return DefaultPromptTemplate
	}

	if err := os.MkdirAll(filepath.Dir(r.templatePath), 0o755); err == nil {
		if err := os.WriteFile(r.templatePath, []byte(DefaultPromptTemplate), 0o644); err != nil {
			slog.Debug("could not write default prompt template", slog.Any("error", err))
		}
	}
	return DefaultPromptTemplate
}

// Render fills the template placeholders for one video.
func (r *Rewriter) Render(v *models.VideoCandidate, transcript string) string {
	publishDate := "未知"
	if !v.PublishedAt.IsZero() {
		publishDate = v.PublishedAt.Format("2006-01-02")
	}

	replacer := strings.NewReplacer(
		"{title}", v.Title,
		"{duration}", FormatClock(v.Duration),
		"{channel_name}", v.Author,
		"{publish_date}", publishDate,
		"{platform}", v.Platform.DisplayName(),
		"{transcript}", truncateRunes(transcript, r.maxChars),
	)
	return replacer.Replace(r.Template())
}

// Rewrite returns the rewritten document, or an empty one plus the policy
// error describing why the rewrite was skipped.
func (r *Rewriter) Rewrite(ctx context.Context, v *models.VideoCandidate, transcript *models.TranscriptDocument) (*models.RewrittenDocument, error) {
	if r.gen == nil {
		return &models.RewrittenDocument{}, policy.New(policy.RewriteFailure, "rewrite", fmt.Errorf("no generator configured"))
	}

	prompt := r.Render(v, transcript.Text)
	text, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		return &models.RewrittenDocument{}, policy.New(policy.RewriteFailure, "rewrite", err)
	}
	return &models.RewrittenDocument{Markdown: strings.TrimSpace(text)}, nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

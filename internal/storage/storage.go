// Package storage persists per-video artifacts under a run-dated directory.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"content-curator/internal/models"
)

const transcriptHeading = "## 原始字幕"

// Mirror receives a copy of every artifact written locally.
type Mirror interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

type Manager struct {
	root       string
	runDate    string
	httpClient *http.Client
	mirror     Mirror
}

// Artifact is one stored video: its metadata, transcript and rewrite.
type Artifact struct {
	Video      models.VideoCandidate
	Transcript models.TranscriptDocument
	Rewritten  models.RewrittenDocument
	Path       string
	CoverPath  string
}

type frontMatter struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Duration    *int   `yaml:"duration"`
	Thumbnail   string `yaml:"thumbnail"`
	PublishDate string `yaml:"publish_date"`
	PublishedAt string `yaml:"published_at,omitempty"`
	Channel     string `yaml:"channel"`
	Platform    string `yaml:"platform"`
	SourceLink  string `yaml:"source_link"`
	Language    string `yaml:"language,omitempty"`
}

func NewManager(root string, runDate time.Time, httpClient *http.Client, mirror Mirror) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		root:       root,
		runDate:    runDate.Format("2006-01-02"),
		httpClient: httpClient,
		mirror:     mirror,
	}
}

func (m *Manager) RunDir() string {
	return filepath.Join(m.root, m.runDate)
}

// FileName is <platform>_<videoId>_<publishDate>.md.
func FileName(v *models.VideoCandidate) string {
	return fmt.Sprintf("%s_%s_%s.md", v.Platform, v.VideoID, publishDate(v))
}

func publishDate(v *models.VideoCandidate) string {
	if v.PublishedAt.IsZero() {
		return "unknown"
	}
	return v.PublishedAt.Format("2006-01-02")
}

// Save writes the markdown artifact, overwriting any previous copy.
func (m *Manager) Save(ctx context.Context, v *models.VideoCandidate, transcript *models.TranscriptDocument, rewritten *models.RewrittenDocument) (*Artifact, error) {
	if err := os.MkdirAll(m.RunDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	if rewritten == nil {
		rewritten = &models.RewrittenDocument{}
	}
	data, err := Render(v, transcript, rewritten)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(m.RunDir(), FileName(v))
	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	m.mirrorFile(ctx, path, data, "text/markdown; charset=utf-8")

	return &Artifact{
		Video:      *v,
		Transcript: *transcript,
		Rewritten:  *rewritten,
		Path:       path,
	}, nil
}

// DownloadCover fetches the cover image next to the artifact and returns its path.
func (m *Manager) DownloadCover(ctx context.Context, v *models.VideoCandidate) (string, error) {
	if v.CoverURL == "" {
		return "", fmt.Errorf("video %s has no cover URL", v.VideoID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.CoverURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	if v.Platform == models.PlatformBilibili {
		req.Header.Set("Referer", "https://www.bilibili.com/")
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download cover: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download cover: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read cover: %w", err)
	}

	if err := os.MkdirAll(m.RunDir(), 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(m.RunDir(), fmt.Sprintf("%s_%s.jpg", v.Platform, v.VideoID))
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write cover: %w", err)
	}

	m.mirrorFile(ctx, path, data, "image/jpeg")
	return path, nil
}

func (m *Manager) mirrorFile(ctx context.Context, path string, data []byte, contentType string) {
	if m.mirror == nil {
		return
	}
	key := m.runDate + "/" + filepath.Base(path)
	if err := m.mirror.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		slog.Warn("artifact mirror failed", slog.String("key", key), slog.Any("error", err))
	}
}

// List returns stored artifact paths for one run date, or for every date
// when date is empty.
func (m *Manager) List(date string) ([]string, error) {
	pattern := filepath.Join(m.root, "*", "*.md")
	if date != "" {
		pattern = filepath.Join(m.root, date, "*.md")
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Render produces the artifact document: YAML front matter, the rewrite,
// then the raw transcript in a fenced block.
func Render(v *models.VideoCandidate, transcript *models.TranscriptDocument, rewritten *models.RewrittenDocument) ([]byte, error) {
	fm := frontMatter{
		ID:          v.VideoID,
		Title:       v.Title,
		Duration:    v.Duration,
		Thumbnail:   v.CoverURL,
		PublishDate: publishDate(v),
		Channel:     v.Author,
		Platform:    string(v.Platform),
		SourceLink:  v.SourceLink,
		Language:    transcript.Language,
	}
	if !v.PublishedAt.IsZero() {
		fm.PublishedAt = v.PublishedAt.Format(time.RFC3339)
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal front matter: %w", err)
	}

	fence := fenceFor(transcript.Text + "\n" + rewritten.Markdown)

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	if rewritten.Markdown != "" {
		b.WriteString(strings.TrimSpace(rewritten.Markdown))
		b.WriteString("\n\n")
	}
	b.WriteString(transcriptHeading)
	b.WriteString("\n\n")
	b.WriteString(fence)
	b.WriteString("text\n")
	b.WriteString(transcript.Text)
	b.WriteString("\n")
	b.WriteString(fence)
	b.WriteString("\n")
	return b.Bytes(), nil
}

// fenceFor returns a backtick fence longer than any backtick run in s.
func fenceFor(s string) string {
	longest, run := 0, 0
	for _, r := range s {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	n := 3
	if longest >= n {
		n = longest + 1
	}
	return strings.Repeat("`", n)
}

// Load parses an artifact written by Save.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.Path = path

	cover := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s_%s.jpg", a.Video.Platform, a.Video.VideoID))
	if _, err := os.Stat(cover); err == nil {
		a.CoverPath = cover
	}
	return a, nil
}

func Parse(data []byte) (*Artifact, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return nil, fmt.Errorf("missing front matter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return nil, fmt.Errorf("unterminated front matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &fm); err != nil {
		return nil, fmt.Errorf("invalid front matter: %w", err)
	}
	body := rest[end+len("\n---\n"):]

	platform, err := models.ParsePlatform(fm.Platform)
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		Video: models.VideoCandidate{
			Platform:   platform,
			VideoID:    fm.ID,
			Title:      fm.Title,
			Author:     fm.Channel,
			Duration:   fm.Duration,
			CoverURL:   fm.Thumbnail,
			SourceLink: fm.SourceLink,
		},
		Transcript: models.TranscriptDocument{VideoID: fm.ID, Language: fm.Language},
	}
	if t, err := time.Parse(time.RFC3339, fm.PublishedAt); err == nil {
		a.Video.PublishedAt = t
	} else if t, err := time.Parse("2006-01-02", fm.PublishDate); err == nil {
		a.Video.PublishedAt = t
	}

	// The closing fence is the last line; it is longer than any backtick run
	// in the content, so its opening line occurs exactly once.
	doc := "\n" + body
	trimmed := strings.TrimRight(doc, "\n")
	lastNL := strings.LastIndex(trimmed, "\n")
	fence := trimmed[lastNL+1:]
	if len(fence) < 3 || strings.Trim(fence, "`") != "" {
		return nil, fmt.Errorf("missing transcript fence")
	}
	opening := "\n" + transcriptHeading + "\n\n" + fence + "text\n"
	idx := strings.Index(doc, opening)
	if idx < 0 {
		return nil, fmt.Errorf("missing transcript section")
	}
	start := idx + len(opening)
	if start > lastNL {
		return nil, fmt.Errorf("unterminated transcript fence")
	}
	a.Rewritten.Markdown = strings.TrimSpace(doc[:idx])
	a.Transcript.Text = doc[start:lastNL]
	return a, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

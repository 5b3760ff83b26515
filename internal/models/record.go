package models

import "time"

type ProcessingRecord struct {
	ID          string    `json:"id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Column names of the shared bitable.
const (
	FieldSourceLink = "源链接"
	FieldPlatform   = "平台"
	FieldTitle      = "标题"
	FieldAuthor     = "作者"
	FieldCover      = "封面"
	FieldUploadedAt = "上传时间"
	FieldContent    = "完整内容"
	FieldSummary    = "深度摘要"
	FieldQuotes     = "金句"
)

// ExternalRecord is one row of the shared table. Fields holds raw values as
// returned by the store: strings, numbers, or lists of attachment objects.
type ExternalRecord struct {
	RecordID string         `json:"record_id"`
	Fields   map[string]any `json:"fields"`
}

// LocalRecord is what a processed video contributes to the shared table.
type LocalRecord struct {
	SourceLink string
	Platform   string
	Title      string
	Author     string
	CoverURL   string
	CoverPath  string // local image, uploaded as an attachment when set
	UploadedAt time.Time
	Content    string
	Summary    string
	Quotes     string // numbered "1. ..." lines
}

// FieldMergePlan is the set of fields that may be written to an existing row.
// CoverPlanned is tracked apart from Fields because its value is only known
// after the image upload.
type FieldMergePlan struct {
	RecordID     string
	Fields       map[string]any
	CoverPlanned bool
}

func (p *FieldMergePlan) Empty() bool {
	return len(p.Fields) == 0 && !p.CoverPlanned
}

// Article is one entry of the exported JSON feed.
type Article struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	Platform     string    `json:"platform"`
	Type         string    `json:"type"` // "video" | "podcast" | "article"
	SourceLink   string    `json:"source_link"`
	CoverURL     string    `json:"cover_url,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	Summary      string    `json:"summary"`
	Quotes       []string  `json:"quotes"`
	Tags         []string  `json:"tags"`
	PreviewQuote string    `json:"preview_quote,omitempty"`
}

type Feed struct {
	GeneratedAt time.Time `json:"generated_at"`
	Articles    []Article `json:"articles"`
}

// RunSummary counts the outcome of every candidate seen in one run.
type RunSummary struct {
	RunID     string   `json:"run_id"`
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Disabled  []string `json:"disabled"`
}

// ErrorResponse is the JSON error body of the HTTP API.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

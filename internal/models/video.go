package models

import (
	"fmt"
	"time"
)

type Platform string

const (
	PlatformYouTube  Platform = "youtube"
	PlatformBilibili Platform = "bilibili"
)

// Platforms lists every supported platform in processing order.
var Platforms = []Platform{PlatformYouTube, PlatformBilibili}

func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// DisplayName is the label written to the external store.
func (p Platform) DisplayName() string {
	switch p {
	case PlatformYouTube:
		return "YouTube"
	case PlatformBilibili:
		return "Bilibili"
	default:
		return string(p)
	}
}

type SourceFilters struct {
	MinDuration         int      `yaml:"min_duration" json:"min_duration"`
	TranscriptLanguages []string `yaml:"transcript_languages" json:"transcript_languages"`
}

// Source is one watched channel or uploader from the registry.
type Source struct {
	Platform Platform      `yaml:"-" json:"platform"`
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Filters  SourceFilters `yaml:"filters" json:"filters"`
}

type VideoCandidate struct {
	Platform    Platform  `json:"platform"`
	VideoID     string    `json:"video_id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	PublishedAt time.Time `json:"published_at"`
	Duration    *int      `json:"duration"` // seconds; nil when unknown
	CoverURL    string    `json:"cover_url"`
	SourceLink  string    `json:"source_link"`
}

// LedgerKey is the identifier recorded in the processing ledger.
func (v *VideoCandidate) LedgerKey() string {
	return v.VideoID
}

type TranscriptDocument struct {
	VideoID  string `json:"video_id"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

type RewrittenDocument struct {
	Markdown string `json:"markdown"`
}

func (d *RewrittenDocument) Empty() bool {
	return d == nil || d.Markdown == ""
}

package services

import (
	"context"

	"content-curator/internal/models"
)

// Extractor lists a source's videos and fetches their transcripts.
type Extractor interface {
	Platform() models.Platform
	ListVideos(ctx context.Context, src models.Source) ([]models.VideoCandidate, error)
	FetchTranscript(ctx context.Context, video *models.VideoCandidate, langs []string) (*models.TranscriptDocument, error)
}

// Extractors is the platform lookup table used by the pipeline.
type Extractors map[models.Platform]Extractor

func NewExtractors(list ...Extractor) Extractors {
	out := make(Extractors, len(list))
	for _, e := range list {
		if e != nil {
			out[e.Platform()] = e
		}
	}
	return out
}

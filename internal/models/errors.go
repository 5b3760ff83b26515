package models

import "errors"

// Transcript outcomes that end processing of a video for good.
var (
	ErrTranscriptDisabled = errors.New("transcript disabled")
	ErrTranscriptEmpty    = errors.New("transcript empty")
	ErrTranscriptNotFound = errors.New("no transcript in preferred languages")
)

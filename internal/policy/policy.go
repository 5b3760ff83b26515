// Package policy maps every failure the pipeline can meet to one action.
package policy

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	FatalConfig
	PlatformUnavailable
	TranscriptUnavailable
	Transient
	DurationUnparsable
	RewriteFailure
	AttachmentUploadFailure
	AlreadyProcessed
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	FatalConfig:             "fatal_config",
	PlatformUnavailable:     "platform_unavailable",
	TranscriptUnavailable:   "transcript_unavailable",
	Transient:               "transient",
	DurationUnparsable:      "duration_unparsable",
	RewriteFailure:          "rewrite_failure",
	AttachmentUploadFailure: "attachment_upload_failure",
	AlreadyProcessed:        "already_processed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Action int

const (
	// ActionFail counts the item as failed without recording it, so the next run retries it.
	ActionFail Action = iota
	ActionAbortRun
	ActionDisablePlatform
	ActionSkipAndRecord
	ActionRetry
	ActionContinueWithoutDuration
	ActionContinueWithEmptySummary
	ActionContinueWithURL
	ActionSkipSilently
)

func (a Action) String() string {
	switch a {
	case ActionAbortRun:
		return "abort_run"
	case ActionDisablePlatform:
		return "disable_platform"
	case ActionSkipAndRecord:
		return "skip_and_record"
	case ActionRetry:
		return "retry"
	case ActionContinueWithoutDuration:
		return "continue_without_duration"
	case ActionContinueWithEmptySummary:
		return "continue_with_empty_summary"
	case ActionContinueWithURL:
		return "continue_with_url"
	case ActionSkipSilently:
		return "skip_silently"
	default:
		return "fail"
	}
}

// Decide is the single dispatch point from error kind to action.
func Decide(k Kind) Action {
	switch k {
	case FatalConfig:
		return ActionAbortRun
	case PlatformUnavailable:
		return ActionDisablePlatform
	case TranscriptUnavailable:
		return ActionSkipAndRecord
	case Transient:
		return ActionRetry
	case DurationUnparsable:
		return ActionContinueWithoutDuration
	case RewriteFailure:
		return ActionContinueWithEmptySummary
	case AttachmentUploadFailure:
		return ActionContinueWithURL
	case AlreadyProcessed:
		return ActionSkipSilently
	default:
		return ActionFail
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Classify returns the action for err.
func Classify(err error) Action {
	return Decide(KindOf(err))
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}

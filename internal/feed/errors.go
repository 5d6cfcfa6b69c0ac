package feed

import (
	"errors"
	"strings"
	"time"
)

// Error kinds are flat string tags used for operator-facing reporting,
// never for control flow.
const (
	ErrKindFetch       = "FetchError"
	ErrKindParse       = "ParseError"
	ErrKindSummarize   = "SummarizeError"
	ErrKindSave        = "SaveError"
	ErrKindTimeout     = "TimeoutError"
	ErrKindCircuitOpen = "CircuitOpenError"
	ErrKindExport      = "ExportError"
)

// Sentinel errors surfaced before a run is created.
var (
	ErrFeedNotFound = errors.New("feed not found")
	ErrNoSources    = errors.New("feed has no enabled sources")
)

// SourceError is one structured per-source failure record attached to
// the run.
type SourceError struct {
	SourceID   string    `json:"source_id"`
	SourceName string    `json:"source_name"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// ClassifyError maps a raw error message to an error kind by keyword
// heuristics, falling back to the caller-supplied default.
func ClassifyError(msg, fallback string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"),
		strings.Contains(lower, "deadline exceeded"):
		return ErrKindTimeout
	case strings.Contains(lower, "connection"), strings.Contains(lower, "network"),
		strings.Contains(lower, "no such host"):
		return ErrKindFetch
	case strings.Contains(lower, "parse"), strings.Contains(lower, "malformed"),
		strings.Contains(lower, "invalid xml"), strings.Contains(lower, "unexpected eof"):
		return ErrKindParse
	default:
		return fallback
	}
}

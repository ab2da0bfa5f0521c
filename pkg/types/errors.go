package types

import (
	"errors"
	"fmt"
)

// Domain errors shared across the pipeline
var (
	// ErrFormat marks malformed geometry, stream or list text
	ErrFormat = errors.New("format error")
	// ErrMissingArtifact marks a file that should exist after a step but does not
	ErrMissingArtifact = errors.New("missing artifact")
	// ErrJobSubmission marks a scheduler submission without a parseable job id
	ErrJobSubmission = errors.New("job submission failed")
	// ErrNoDetectorShift is returned when no det_shift line exists in any stream
	ErrNoDetectorShift = errors.New("no predict_refine/det_shift entries found in stream files")
	// ErrJobsAbandoned is returned when the wait timeout expires with jobs still active
	ErrJobsAbandoned = errors.New("jobs abandoned after wait timeout")
	// ErrTooFewCandidates is returned when a scan has too few usable candidates to fit
	ErrTooFewCandidates = errors.New("too few usable scan candidates")

	// Validation errors
	ErrInvalidCell      = errors.New("unit cell parameters must be positive")
	ErrInvalidClen      = errors.New("camera length must be positive")
	ErrInvalidRunNumber = errors.New("run number must be positive")
)

// FormatError reports text that does not match an expected pattern
type FormatError struct {
	Source string // File path or logical document name
	Line   int    // 1-based line number, 0 when not line specific
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Reason)
}

// Unwrap lets errors.Is(err, ErrFormat) match
func (e *FormatError) Unwrap() error {
	return ErrFormat
}

// MissingArtifactError reports an expected file that is absent on disk
type MissingArtifactError struct {
	Path string
	Step string
}

func (e *MissingArtifactError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: expected artifact %s not on disk", e.Step, e.Path)
	}
	return fmt.Sprintf("expected artifact %s not on disk", e.Path)
}

func (e *MissingArtifactError) Unwrap() error {
	return ErrMissingArtifact
}

// JobSubmissionError carries the raw submission output that could not be parsed
type JobSubmissionError struct {
	Output string
	Err    error // Underlying command error, may be nil
}

func (e *JobSubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job submission failed: %v (output: %q)", e.Err, e.Output)
	}
	return fmt.Sprintf("job submission failed: unexpected output %q", e.Output)
}

func (e *JobSubmissionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrJobSubmission, e.Err}
	}
	return []error{ErrJobSubmission}
}

// FitWarning is a non-fatal diagnostic about a polynomial fit. It is logged and
// recorded, never returned as a failure.
type FitWarning struct {
	R2        float64
	Tolerance float64
}

func (w FitWarning) String() string {
	return fmt.Sprintf("R^2 worryingly low: %.4f (tolerance %.2f)", w.R2, w.Tolerance)
}

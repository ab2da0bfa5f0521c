// Package types provides shared type definitions for the sfxflow pipeline.
//
// This package defines domain types used across multiple components,
// including unit-cell samples, scan candidates, per-candidate statistics,
// detector shifts, job and run states, and the error taxonomy.
//
// # Core Types
//
// UnitCell is one indexed crystal's lattice parameters extracted from a stream:
//
//	cell := types.UnitCell{A: 8.322, B: 8.322, C: 8.997, Alpha: 90, Beta: 90, Gamma: 120}
//
// ScanCandidate ties a camera length to the artifacts and job that test it.
// Every artifact path is derived from ClenKey, the camera length formatted with
// five decimals:
//
//	key := types.ClenKey(0.12345) // "0.12345"
//	// <workdir>/0.12345/0.12345.geom
//	// <workdir>/0.12345/0.12345.stream
//
// CandidateStats summarises a candidate's sample of cells; Stat looks a value up
// by its summary column name ("std_c", "skew_a", ...).
//
// # States
//
// RunState follows the optimizer state machine:
//
//	PREPARING -> SCANNING -> AWAITING_JOBS -> ANALYZING -> SHIFTING -> DONE
//
// with FAILED and ABANDONED reachable from any non-terminal state. JobState
// records what the scheduler reported for a job. GONE means the job left the
// queue and no accounting data was available, so success cannot be confirmed.
//
// # Errors
//
// FormatError, MissingArtifactError and JobSubmissionError unwrap to the
// sentinels ErrFormat, ErrMissingArtifact and ErrJobSubmission:
//
//	var fe *types.FormatError
//	if errors.As(err, &fe) {
//	    log.Printf("bad line %d in %s", fe.Line, fe.Source)
//	}
//
// FitWarning is not an error. A poor polynomial fit is logged and recorded and
// the camera-length selection proceeds.
package types

package types

import (
	"fmt"
	"math"
	"strconv"
)

// ClenKey formats a camera length to the fixed precision used in every artifact
// path of a scan. It is the key tying a job, its geometry and its stream together.
func ClenKey(clen float64) string {
	return strconv.FormatFloat(clen, 'f', 5, 64)
}

// JobID is a scheduler job identifier
type JobID int64

func (id JobID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// JobState is the terminal (or active) state of a scheduler job as far as the
// orchestrator can observe it
type JobState string

const (
	JobActive    JobState = "ACTIVE"
	JobGone      JobState = "GONE" // absent from the queue, outcome unknown
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
	JobTimeout   JobState = "TIMEOUT"
	JobAbandoned JobState = "ABANDONED" // still active when the wait timed out
)

// Terminal reports whether the job will not change state any more
func (s JobState) Terminal() bool {
	return s != JobActive && s != ""
}

// Usable reports whether the job's output may be analyzed. Jobs that vanished
// from the queue without accounting data are assumed usable.
func (s JobState) Usable() bool {
	return s == JobCompleted || s == JobGone
}

// ScanCandidate is one camera length under test together with its artifacts
type ScanCandidate struct {
	Clen         float64
	GeometryPath string
	StreamPath   string
	JobID        JobID
	JobState     JobState
}

// Key returns the fixed-precision clen key of the candidate
func (c ScanCandidate) Key() string {
	return ClenKey(c.Clen)
}

// CandidateStats summarises the unit cells indexed for one candidate
type CandidateStats struct {
	Clen     float64
	Indexed  int
	StdA     float64
	StdB     float64
	StdC     float64
	StdAlpha float64
	StdBeta  float64
	StdGamma float64
	SkewA    float64
	SkewB    float64
	SkewC    float64
}

// Statistic names accepted by Stat
const (
	StatIndexed  = "indexed"
	StatStdA     = "std_a"
	StatStdB     = "std_b"
	StatStdC     = "std_c"
	StatStdAlpha = "std_alpha"
	StatStdBeta  = "std_beta"
	StatStdGamma = "std_gamma"
	StatSkewA    = "skew_a"
	StatSkewB    = "skew_b"
	StatSkewC    = "skew_c"
)

// StatNames lists every statistic in summary CSV column order
var StatNames = []string{
	StatIndexed, StatStdA, StatStdB, StatStdC, StatStdAlpha, StatStdBeta,
	StatStdGamma, StatSkewA, StatSkewB, StatSkewC,
}

// Stat returns the named statistic
func (s CandidateStats) Stat(name string) (float64, error) {
	switch name {
	case StatIndexed:
		return float64(s.Indexed), nil
	case StatStdA:
		return s.StdA, nil
	case StatStdB:
		return s.StdB, nil
	case StatStdC:
		return s.StdC, nil
	case StatStdAlpha:
		return s.StdAlpha, nil
	case StatStdBeta:
		return s.StdBeta, nil
	case StatStdGamma:
		return s.StdGamma, nil
	case StatSkewA:
		return s.SkewA, nil
	case StatSkewB:
		return s.SkewB, nil
	case StatSkewC:
		return s.SkewC, nil
	default:
		return math.NaN(), fmt.Errorf("unknown statistic %q", name)
	}
}

// DetectorShift is the mean x/y detector offset in millimetres
type DetectorShift struct {
	DX      float64
	DY      float64
	Samples int
}

// RunState is a step of the scan optimizer's state machine
type RunState string

const (
	StatePreparing    RunState = "PREPARING"
	StateScanning     RunState = "SCANNING"
	StateAwaitingJobs RunState = "AWAITING_JOBS"
	StateAnalyzing    RunState = "ANALYZING"
	StateShifting     RunState = "SHIFTING"
	StateDone         RunState = "DONE"
	StateFailed       RunState = "FAILED"
	StateAbandoned    RunState = "ABANDONED"
)

// RunStates lists every run state in state-machine order
var RunStates = []RunState{
	StatePreparing, StateScanning, StateAwaitingJobs, StateAnalyzing,
	StateShifting, StateDone, StateFailed, StateAbandoned,
}

// Terminal reports whether the run has finished, successfully or not
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAbandoned
}

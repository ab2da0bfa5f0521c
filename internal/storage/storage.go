package storage

import (
	"context"
	"time"

	"github.com/dshills/sfxflow/pkg/types"
)

// Ledger is the set of run-ledger operations available on both the database
// and a transaction
type Ledger interface {
	// Batch operations
	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	GetLatestRun(ctx context.Context, runNumber int) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Candidate operations
	UpsertCandidate(ctx context.Context, candidate *Candidate) error
	ListCandidates(ctx context.Context, runID int64) ([]*Candidate, error)

	// Job operations
	RecordJob(ctx context.Context, job *Job) error
	UpdateJobState(ctx context.Context, schedulerID int64, state types.JobState) error
	ListJobs(ctx context.Context, batchID string) ([]*Job, error)

	// Status operations
	GetSummary(ctx context.Context) (*Summary, error)
}

// Storage persists the run ledger
type Storage interface {
	Ledger
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Ledger
	Commit() error
	Rollback() error
}

// Batch kinds
const (
	BatchOptimize    = "optimize"
	BatchIndex       = "index"
	BatchMerge       = "merge"
	BatchCustomSplit = "custom-split"
)

// Batch groups the runs and jobs of one command invocation
type Batch struct {
	ID         string // UUID
	Kind       string
	ConfigPath string
	CreatedAt  time.Time
}

// Run is the ledger row of one optimization run
type Run struct {
	ID            int64
	BatchID       string
	RunNumber     int
	State         types.RunState
	WorkDir       string
	OptimumClen   *float64 // Nullable until ANALYZING succeeds
	R2            *float64 // Nullable until ANALYZING succeeds
	FinalGeometry string
	Error         string
	StartedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time // Nullable until terminal
}

// Candidate is the ledger row of one scan candidate. Statistics are NaN until
// the candidate has been analyzed.
type Candidate struct {
	ID           int64
	RunID        int64
	Clen         float64
	GeometryPath string
	StreamPath   string
	JobID        types.JobID
	JobState     types.JobState
	Stats        types.CandidateStats
	Analyzed     bool
	UpdatedAt    time.Time
}

// Job is a submitted indexing, merging or custom-split job outside a scan
type Job struct {
	ID          int64
	BatchID     string
	Kind        string
	RunNumber   int    // Zero for jobs spanning runs
	Label       string // Laser state or dataset name
	SchedulerID types.JobID
	State       types.JobState
	Script      string
	Output      string
	SubmittedAt time.Time
}

// RunFilter narrows ListRuns
type RunFilter struct {
	BatchID   string
	RunNumber int // Zero matches every run
	State     types.RunState
	Limit     int // Zero means no limit
}

// Summary contains ledger-wide counts
type Summary struct {
	Batches     int
	Runs        int
	RunsByState map[types.RunState]int
	Candidates  int
	Jobs        int
	LastUpdate  time.Time
	SizeMB      float64
	BuildMode   string
}

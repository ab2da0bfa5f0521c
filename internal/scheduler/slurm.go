// Package scheduler submits and tracks batch jobs on Slurm.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/sfxflow/internal/logging"
	"github.com/dshills/sfxflow/pkg/types"
)

// Scheduler submits batch jobs and reports their state
type Scheduler interface {
	Submit(ctx context.Context, job Job) (types.JobID, error)
	State(ctx context.Context, id types.JobID) (types.JobState, error)
}

// Job describes one batch submission
type Job struct {
	Script    string // Path of the job script
	Name      string // Job name shown in the queue
	Queue     string // Partition
	TimeLimit string // Slurm time limit, e.g. 23:00:00
	CPUs      int    // CPUs per task
	Exclusive bool
}

// Args renders the sbatch arguments for the job
func (j Job) Args() []string {
	args := []string{"-p", j.Queue}
	if j.CPUs > 0 {
		args = append(args, fmt.Sprintf("--cpus-per-task=%d", j.CPUs))
	}
	if j.Exclusive {
		args = append(args, "--exclusive")
	}
	if j.TimeLimit != "" {
		args = append(args, "--time="+j.TimeLimit)
	}
	if j.Name != "" {
		args = append(args, "-J", j.Name)
	}
	return append(args, j.Script)
}

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// ParseSubmission extracts the job id from sbatch output
func ParseSubmission(output string) (types.JobID, error) {
	m := submittedRe.FindStringSubmatch(output)
	if m == nil {
		return 0, &types.JobSubmissionError{Output: strings.TrimSpace(output)}
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, &types.JobSubmissionError{Output: strings.TrimSpace(output), Err: err}
	}
	return types.JobID(id), nil
}

// ParseAccountingState maps the first line of `sacct -n -X -P -o State` to a
// job state. Unknown or empty output maps to GONE.
func ParseAccountingState(output string) types.JobState {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return types.JobGone
	}
	switch strings.TrimSuffix(fields[0], "+") {
	case "COMPLETED":
		return types.JobCompleted
	case "FAILED", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE":
		return types.JobFailed
	case "CANCELLED", "PREEMPTED", "REVOKED":
		return types.JobCancelled
	case "TIMEOUT":
		return types.JobTimeout
	case "PENDING", "RUNNING", "REQUEUED", "RESIZING", "SUSPENDED", "COMPLETING", "CONFIGURING":
		return types.JobActive
	default:
		return types.JobGone
	}
}

// Slurm drives sbatch, squeue and optionally sacct
type Slurm struct {
	runner        Runner
	useAccounting bool
	retry         RetryConfig
	logger        *slog.Logger
}

// Option configures a Slurm scheduler
type Option func(*Slurm)

// WithRunner replaces the command runner
func WithRunner(r Runner) Option {
	return func(s *Slurm) { s.runner = r }
}

// WithAccounting refines terminal states through sacct
func WithAccounting(enabled bool) Option {
	return func(s *Slurm) { s.useAccounting = enabled }
}

// WithRetry sets the submission retry policy
func WithRetry(cfg RetryConfig) Option {
	return func(s *Slurm) { s.retry = cfg }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Slurm) { s.logger = logging.Module(l, "scheduler") }
}

// NewSlurm returns a Slurm scheduler running commands on the local host
func NewSlurm(opts ...Option) *Slurm {
	s := &Slurm{
		runner: ExecRunner{},
		retry:  DefaultRetryConfig(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit runs sbatch and returns the new job id. Failed sbatch invocations are
// retried; output without a job id is not, since the job may have been queued.
func (s *Slurm) Submit(ctx context.Context, job Job) (types.JobID, error) {
	args := job.Args()
	out, err := retryWithBackoff(ctx, s.retry, isCommandError, func() ([]byte, error) {
		return s.runner.Run(ctx, "sbatch", args...)
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &types.JobSubmissionError{Output: strings.TrimSpace(string(out)), Err: err}
	}

	id, err := ParseSubmission(string(out))
	if err != nil {
		return 0, err
	}
	s.logger.Info("submitted job", "job_id", id, "name", job.Name, "queue", job.Queue)
	return id, nil
}

// State reports ACTIVE while squeue lists the job. Once it is gone the state is
// GONE, or the sacct state when accounting is enabled.
func (s *Slurm) State(ctx context.Context, id types.JobID) (types.JobState, error) {
	out, err := s.runner.Run(ctx, "squeue", "-h", "-j", id.String())
	if err != nil {
		// squeue rejects ids it has already purged
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) || !strings.Contains(cmdErr.Stderr, "Invalid job id") {
			return "", fmt.Errorf("squeue for job %s: %w", id, err)
		}
		out = nil
	}
	if strings.TrimSpace(string(out)) != "" {
		return types.JobActive, nil
	}
	if !s.useAccounting {
		return types.JobGone, nil
	}

	acct, err := s.runner.Run(ctx, "sacct", "-n", "-X", "-P", "-j", id.String(), "-o", "State")
	if err != nil {
		s.logger.Warn("sacct failed, outcome unknown", "job_id", id, "error", err)
		return types.JobGone, nil
	}
	return ParseAccountingState(string(acct)), nil
}

func isCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}

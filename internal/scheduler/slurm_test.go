package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sfxflow/pkg/types"
)

type call struct {
	name string
	args []string
}

type response struct {
	out string
	err error
}

// fakeRunner answers commands from per-command queues. The last response of a
// queue repeats once the queue is drained.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     []call
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string][]response)}
}

func (f *fakeRunner) on(key string, rs ...response) {
	f.responses[key] = append(f.responses[key], rs...)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})

	key := name
	if name != "sbatch" {
		key = name + " " + args[len(args)-1]
		if name == "sacct" {
			key = "sacct " + args[4]
		}
	}
	q := f.responses[key]
	if len(q) == 0 {
		return nil, errors.New("unexpected command " + key)
	}
	r := q[0]
	if len(q) > 1 {
		f.responses[key] = q[1:]
	}
	return []byte(r.out), r.err
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestParseSubmission(t *testing.T) {
	id, err := ParseSubmission("Submitted batch job 123456\n")
	require.NoError(t, err)
	assert.Equal(t, types.JobID(123456), id)

	_, err = ParseSubmission("sbatch: error: invalid partition specified: dya")
	var subErr *types.JobSubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Contains(t, subErr.Output, "invalid partition")
	assert.ErrorIs(t, err, types.ErrJobSubmission)
}

func TestJobArgs(t *testing.T) {
	job := Job{Script: "/w/0.12150/run.sh", Name: "indexing", Queue: "day", TimeLimit: "23:00:00", CPUs: 36, Exclusive: true}
	assert.Equal(t,
		[]string{"-p", "day", "--cpus-per-task=36", "--exclusive", "--time=23:00:00", "-J", "indexing", "/w/0.12150/run.sh"},
		job.Args())

	assert.Equal(t, []string{"-p", "week", "merge.sh"}, Job{Script: "merge.sh", Queue: "week"}.Args())
}

func TestSubmit(t *testing.T) {
	r := newFakeRunner()
	r.on("sbatch", response{out: "Submitted batch job 42\n"})
	s := NewSlurm(WithRunner(r), WithRetry(fastRetry()))

	id, err := s.Submit(context.Background(), Job{Script: "run.sh", Queue: "day"})
	require.NoError(t, err)
	assert.Equal(t, types.JobID(42), id)
}

func TestSubmitRetriesCommandFailure(t *testing.T) {
	r := newFakeRunner()
	r.on("sbatch",
		response{err: &CommandError{Command: "sbatch", Stderr: "Socket timed out", Err: errors.New("exit status 1")}},
		response{out: "Submitted batch job 43"},
	)
	s := NewSlurm(WithRunner(r), WithRetry(fastRetry()))

	id, err := s.Submit(context.Background(), Job{Script: "run.sh", Queue: "day"})
	require.NoError(t, err)
	assert.Equal(t, types.JobID(43), id)
	assert.Equal(t, 2, r.count("sbatch"))
}

func TestSubmitDoesNotRetryUnparseableOutput(t *testing.T) {
	r := newFakeRunner()
	r.on("sbatch", response{out: "something odd"})
	s := NewSlurm(WithRunner(r), WithRetry(fastRetry()))

	_, err := s.Submit(context.Background(), Job{Script: "run.sh", Queue: "day"})
	assert.ErrorIs(t, err, types.ErrJobSubmission)
	assert.Equal(t, 1, r.count("sbatch"))
}

func TestSubmitGivesUp(t *testing.T) {
	r := newFakeRunner()
	r.on("sbatch", response{err: &CommandError{Command: "sbatch", Err: errors.New("exit status 1")}})
	s := NewSlurm(WithRunner(r), WithRetry(fastRetry()))

	_, err := s.Submit(context.Background(), Job{Script: "run.sh", Queue: "day"})
	assert.ErrorIs(t, err, types.ErrJobSubmission)
	assert.Equal(t, 3, r.count("sbatch"))
}

func TestStateFromQueue(t *testing.T) {
	r := newFakeRunner()
	r.on("squeue 7", response{out: "  7  day indexing  user R 1:00 1 node01\n"}, response{out: ""})
	r.on("squeue 8", response{err: &CommandError{Command: "squeue", Stderr: "slurm_load_jobs error: Invalid job id specified", Err: errors.New("exit status 1")}})
	r.on("squeue 9", response{err: errors.New("connection refused")})
	s := NewSlurm(WithRunner(r))
	ctx := context.Background()

	st, err := s.State(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.JobActive, st)

	st, err = s.State(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, types.JobGone, st)

	st, err = s.State(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, types.JobGone, st)

	_, err = s.State(ctx, 9)
	assert.Error(t, err)
	assert.Zero(t, r.count("sacct"))
}

func TestStateWithAccounting(t *testing.T) {
	r := newFakeRunner()
	r.on("squeue 5", response{out: ""})
	r.on("sacct 5", response{out: "TIMEOUT\n"})
	r.on("squeue 6", response{out: ""})
	r.on("sacct 6", response{err: errors.New("accounting disabled")})
	s := NewSlurm(WithRunner(r), WithAccounting(true))
	ctx := context.Background()

	st, err := s.State(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, types.JobTimeout, st)

	st, err = s.State(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, types.JobGone, st)
}

func TestParseAccountingState(t *testing.T) {
	tests := map[string]types.JobState{
		"COMPLETED\n":          types.JobCompleted,
		"FAILED":               types.JobFailed,
		"OUT_OF_MEMORY":        types.JobFailed,
		"CANCELLED by 1234":    types.JobCancelled,
		"TIMEOUT":              types.JobTimeout,
		"RUNNING":              types.JobActive,
		"":                     types.JobGone,
		"SOMETHING_NEW":        types.JobGone,
		"COMPLETED\nCOMPLETED": types.JobCompleted,
	}
	for in, want := range tests {
		t.Run(strings.TrimSpace(in), func(t *testing.T) {
			assert.Equal(t, want, ParseAccountingState(in))
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retryWithBackoff(ctx, RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}, nil,
		func() (int, error) {
			calls++
			cancel()
			return 0, errors.New("boom")
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

package optimizer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/dshills/sfxflow/internal/crystfel"
	"github.com/dshills/sfxflow/internal/geometry"
	"github.com/dshills/sfxflow/internal/scheduler"
	"github.com/dshills/sfxflow/internal/storage"
	"github.com/dshills/sfxflow/internal/stream"
	"github.com/dshills/sfxflow/pkg/types"
)

// MergeStates are the laser states merged by default
var MergeStates = []string{"dark", "light"}

// Submission is one submitted indexing, merging or custom-split job
type Submission struct {
	Kind   string
	Run    int    // Zero for jobs spanning runs
	Label  string // Laser state, dataset name or tag
	JobID  types.JobID
	Script string
	Output string // Stream, merge directory or split list
}

// IndexRuns submits indexing jobs for every run. A run whose geometry cannot
// be resolved is logged and skipped.
func (o *Optimizer) IndexRuns(ctx context.Context, runs []int) ([]Submission, error) {
	batchID, err := o.createBatch(ctx, storage.BatchIndex)
	if err != nil {
		return nil, err
	}

	var all []Submission
	var errs []error
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		subs, err := o.IndexRun(ctx, batchID, run)
		all = append(all, subs...)
		if err != nil {
			o.logger.Error("error indexing run, proceeding", "run", run, "error", err)
			errs = append(errs, fmt.Errorf("run %d: %w", run, err))
		}
	}
	return all, errors.Join(errs...)
}

// IndexRun submits one indexing job per allowed laser state of a run using
// the optimized geometry assigned to it by the geometry summary. A state
// without list files is empty work and is skipped.
func (o *Optimizer) IndexRun(ctx context.Context, batchID string, run int) ([]Submission, error) {
	if o.sched == nil {
		return nil, errors.New("optimizer has no scheduler")
	}
	if err := os.MkdirAll(o.cfg.StreamFileDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create stream dir: %w", err)
	}
	if err := os.MkdirAll(o.cfg.ListFileDirectoryPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create list dir: %w", err)
	}

	geom, err := geometry.ForRun(o.cfg.GeometrySummaryPath, o.cfg.GeometryOptimizationDirectory, run)
	if err != nil {
		return nil, err
	}

	outDir := filepath.Join(o.cfg.StreamFileDirectory, fmt.Sprintf("run%04d", run))
	var subs []Submission
	for _, state := range o.cfg.AllowedLaserStates {
		list := filepath.Join(o.cfg.ListFileDirectoryPath, fmt.Sprintf("combined_run%04d-%s.lst", run, state))
		n, err := o.layout.CombineRun(run, state, list)
		if err != nil {
			return subs, err
		}
		if n == 0 {
			o.logger.Warn("no list files, nothing to index", "run", run, "state", state)
			continue
		}

		streamPath := filepath.Join(outDir, fmt.Sprintf("run%04d-%s.stream", run, state))
		name := fmt.Sprintf("run%04d-%s_%s", run, state, crystfel.IndexingScriptName)
		script, err := crystfel.WriteScript(crystfel.NewIndexing(o.cfg, list, geom, streamPath), outDir, name)
		if err != nil {
			return subs, err
		}

		sub, err := o.submit(ctx, batchID, o.indexingJob(script), Submission{
			Kind:   KindIndex,
			Run:    run,
			Label:  state,
			Script: script,
			Output: streamPath,
		})
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// MergeRunset submits one partialator merge per laser state for a set of
// runs. Streams come from the per-run indexing output, or from the online
// indexing results when merging.use_online_streams is set.
func (o *Optimizer) MergeRunset(ctx context.Context, name string, runs []int, states []string) ([]Submission, error) {
	if o.sched == nil {
		return nil, errors.New("optimizer has no scheduler")
	}
	if name == "" {
		return nil, errors.New("merge needs a dataset name")
	}
	if len(states) == 0 {
		states = MergeStates
	}
	for _, state := range states {
		if !slices.Contains(o.cfg.AllowedLaserStates, state) {
			return nil, fmt.Errorf("laser state %q not in allowed_laser_states %v", state, o.cfg.AllowedLaserStates)
		}
	}

	batchID, err := o.createBatch(ctx, storage.BatchMerge)
	if err != nil {
		return nil, err
	}

	var subs []Submission
	for _, state := range states {
		streams, err := o.mergeStreams(runs, state)
		if err != nil {
			return subs, err
		}
		found := 0
		for _, p := range streams {
			if _, err := os.Stat(p); err == nil {
				found++
			}
		}
		o.logger.Info("merge streams", "name", name, "state", state, "wanted", len(streams), "found", found)

		m := crystfel.NewMerge(o.cfg, name, state, streams)
		script, err := crystfel.WriteScript(m, m.WorkDir, fmt.Sprintf("%s_%s_%s", name, state, crystfel.MergingScriptName))
		if err != nil {
			return subs, err
		}

		sub, err := o.submit(ctx, batchID, o.mergeJob(script, "merging"), Submission{
			Kind:   KindMerge,
			Label:  name + "_" + state,
			Script: script,
			Output: m.WorkDir,
		})
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (o *Optimizer) mergeStreams(runs []int, state string) ([]string, error) {
	var streams []string
	for _, run := range runs {
		if o.cfg.Merging.UseOnlineStreams {
			found, err := o.layout.OnlineStreamsForRun(run, state)
			if err != nil {
				return nil, err
			}
			streams = append(streams, found...)
			continue
		}
		streams = append(streams, filepath.Join(o.cfg.StreamFileDirectory,
			fmt.Sprintf("run%04d", run), fmt.Sprintf("run%04d-%s.stream", run, state)))
	}
	return streams, nil
}

// CustomSplit writes <merging_directory>/<tag>/custom-split.lst, listing
// every image and event of the tag's online streams with its laser state,
// and submits partialator with --custom-split.
func (o *Optimizer) CustomSplit(ctx context.Context, tag string) (Submission, error) {
	if o.sched == nil {
		return Submission{}, errors.New("optimizer has no scheduler")
	}
	if tag == "" {
		return Submission{}, errors.New("custom split needs a tag")
	}

	workDir := filepath.Join(o.cfg.MergingDirectory, tag)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Submission{}, fmt.Errorf("failed to create merge dir: %w", err)
	}

	listPath := filepath.Join(workDir, crystfel.CustomSplitListName)
	if err := o.writeSplitList(listPath, tag); err != nil {
		return Submission{}, err
	}

	script, err := crystfel.WriteScript(crystfel.NewCustomSplit(o.cfg, tag, workDir), workDir, crystfel.CustomSplitScriptName)
	if err != nil {
		return Submission{}, err
	}

	batchID, err := o.createBatch(ctx, storage.BatchCustomSplit)
	if err != nil {
		return Submission{}, err
	}
	return o.submit(ctx, batchID, o.mergeJob(script, "crystfel"), Submission{
		Kind:   KindCustomSplit,
		Label:  tag,
		Script: script,
		Output: listPath,
	})
}

// writeSplitList builds the custom-split list of a tag at path
func (o *Optimizer) writeSplitList(path, tag string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create split list: %w", err)
	}
	w := bufio.NewWriter(f)

	for _, state := range MergeStates {
		streams, err := o.layout.OnlineStreamsForTag(tag, state)
		if err != nil {
			_ = f.Close()
			return err
		}
		n := 0
		for _, p := range streams {
			events, err := imageEventsFromFile(p)
			if err != nil {
				_ = f.Close()
				return err
			}
			for _, ev := range events {
				if _, err := fmt.Fprintf(w, "%s %s %s\n", ev.Filename, ev.Event, state); err != nil {
					_ = f.Close()
					return fmt.Errorf("failed to write split list: %w", err)
				}
			}
			n += len(events)
		}
		o.logger.Info("custom split events", "tag", tag, "state", state, "streams", len(streams), "events", n)
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write split list: %w", err)
	}
	return f.Close()
}

func imageEventsFromFile(path string) ([]stream.ImageEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	events, err := stream.ImageEvents(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", path, err)
	}
	return events, nil
}

func (o *Optimizer) mergeJob(script, name string) scheduler.Job {
	sc := o.cfg.Scheduler
	return scheduler.Job{
		Script:    script,
		Name:      name,
		Queue:     sc.MergeQueue,
		TimeLimit: sc.MergeTimeLimit,
		CPUs:      sc.CPUsPerTask,
		Exclusive: true,
	}
}

// submit sends a job to the scheduler and records it in the ledger
func (o *Optimizer) submit(ctx context.Context, batchID string, job scheduler.Job, sub Submission) (Submission, error) {
	id, err := o.sched.Submit(ctx, job)
	o.metrics.RecordSubmission(sub.Kind, err)
	if err != nil {
		return sub, fmt.Errorf("failed to submit %s job %s: %w", sub.Kind, sub.Label, err)
	}
	sub.JobID = id
	o.logger.Info("job submitted", "kind", sub.Kind, "run", sub.Run, "label", sub.Label, "job_id", id)

	if o.ledger != nil {
		rec := &storage.Job{
			BatchID:     batchID,
			Kind:        sub.Kind,
			RunNumber:   sub.Run,
			Label:       sub.Label,
			SchedulerID: id,
			Script:      sub.Script,
			Output:      sub.Output,
		}
		if err := o.ledger.RecordJob(ctx, rec); err != nil {
			o.logger.Warn("failed to record job", "job_id", id, "error", err)
		}
	}
	return sub, nil
}

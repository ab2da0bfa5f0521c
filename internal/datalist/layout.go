package datalist

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
)

// Layout describes where the facility writes raw list files and online
// processing results for one experiment
type Layout struct {
	RawRoot       string   // e.g. /sf/alvra/data/p21958/raw
	ResRoot       string   // e.g. /sf/alvra/data/p21958/res
	Detector      string   // detector geometry name, e.g. JF06T08V07
	AllowedStates []string // laser states accepted by the glob helpers
}

func (l Layout) statePattern(state string) (string, error) {
	if !slices.Contains(l.AllowedStates, state) {
		return "", fmt.Errorf("laser state %q not in allowed states %v", state, l.AllowedStates)
	}
	if state == LaserStateAll {
		return "*", nil
	}
	return state, nil
}

// ListFilesForRun globs the acquisition list files of one run. No match yields
// an empty slice.
func (l Layout) ListFilesForRun(run int, state string) ([]string, error) {
	st, err := l.statePattern(state)
	if err != nil {
		return nil, err
	}
	pattern := filepath.Join(l.RawRoot, fmt.Sprintf("run%04d-*", run), "data",
		fmt.Sprintf("acq????.%s.%s.lst", l.Detector, st))
	return glob(pattern)
}

// ListFilesForTag globs the acquisition list files of every run carrying tag
func (l Layout) ListFilesForTag(tag, state string) ([]string, error) {
	st, err := l.statePattern(state)
	if err != nil {
		return nil, err
	}
	pattern := filepath.Join(l.RawRoot, "run????-"+tag, "data",
		fmt.Sprintf("acq????.%s.%s.lst", l.Detector, st))
	return glob(pattern)
}

// OnlineStreamsForRun globs the streams produced by online processing of a run
func (l Layout) OnlineStreamsForRun(run int, state string) ([]string, error) {
	st, err := l.statePattern(state)
	if err != nil {
		return nil, err
	}
	pattern := filepath.Join(l.ResRoot, fmt.Sprintf("run%04d-*", run), "index", st, "acq*.stream")
	return glob(pattern)
}

// OnlineStreamsForTag globs the online streams of every run carrying tag
func (l Layout) OnlineStreamsForTag(tag, state string) ([]string, error) {
	st, err := l.statePattern(state)
	if err != nil {
		return nil, err
	}
	pattern := filepath.Join(l.ResRoot, "run*-"+tag, "index", st, "acq*.stream")
	return glob(pattern)
}

// CombineRun concatenates every list file of a run and state into out. It
// returns the number of list files combined.
func (l Layout) CombineRun(run int, state, out string) (int, error) {
	files, err := l.ListFilesForRun(run, state)
	if err != nil {
		return 0, err
	}
	if err := Combine(files, out); err != nil {
		return 0, err
	}
	return len(files), nil
}

func glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad glob pattern %s: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

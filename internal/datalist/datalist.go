package datalist

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/dshills/sfxflow/pkg/types"
)

// LaserStateAll selects every laser state when globbing list files
const LaserStateAll = "all"

// columnSep splits a list line into the image path and the //-prefixed index
var columnSep = regexp.MustCompile(`\s//`)

// Entry is one row of a list file
type Entry struct {
	Path  string
	Image string // without the leading //
}

// String renders the entry in list-file form
func (e Entry) String() string {
	return e.Path + " //" + e.Image
}

// Read parses a two-column list. Blank lines are skipped; any other line that
// does not split into exactly two columns is a FormatError.
func Read(r io.Reader, source string) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := columnSep.Split(line, -1)
		if len(cols) != 2 || strings.TrimSpace(cols[0]) == "" || strings.TrimSpace(cols[1]) == "" {
			return nil, &types.FormatError{Source: source, Line: lineNo, Reason: fmt.Sprintf("expected 2 columns, got %q", line)}
		}
		entries = append(entries, Entry{Path: strings.TrimSpace(cols[0]), Image: strings.TrimSpace(cols[1])})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", source, err)
	}
	return entries, nil
}

// ReadFile parses a list file
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open list %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Read(f, path)
}

// Write renders entries in list-file form
func Write(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(e.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SamplePath returns the output path Sample uses for a list and sample size
func SamplePath(listPath string, size int) string {
	return filepath.Join(filepath.Dir(listPath), fmt.Sprintf("h5_%d_sample.lst", size))
}

// SampleEntries picks a uniform random subset of at most size entries without
// replacement, returned in original order. When len(entries) <= size the input
// is returned unchanged.
func SampleEntries(entries []Entry, size int, rng *rand.Rand) []Entry {
	if size < 0 {
		size = 0
	}
	if len(entries) <= size {
		return entries
	}
	picked := rng.Perm(len(entries))[:size]
	slices.Sort(picked)
	out := make([]Entry, 0, size)
	for _, i := range picked {
		out = append(out, entries[i])
	}
	return out
}

// Sample writes a subsample of the list at path to SamplePath(path, size). A nil
// rng draws from a randomly seeded source. The input file is not modified.
func Sample(path string, size int, rng *rand.Rand) (string, error) {
	entries, err := ReadFile(path)
	if err != nil {
		return "", err
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	sampled := SampleEntries(entries, size, rng)

	out := SamplePath(path, size)
	if err := writeFile(out, sampled); err != nil {
		return "", err
	}
	return out, nil
}

func writeFile(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create list %s: %w", path, err)
	}
	if err := Write(f, entries); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write list %s: %w", path, err)
	}
	return f.Close()
}

// Combine concatenates list files into out in the given order. A file whose
// last row lacks a newline gets one. On error out is removed.
func Combine(paths []string, out string) (err error) {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create combined list %s: %w", out, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close combined list %s: %w", out, cerr)
		}
		if err != nil {
			_ = os.Remove(out)
		}
	}()

	for _, p := range paths {
		if err := appendFile(f, p); err != nil {
			return err
		}
	}
	return nil
}

// lastByteWriter remembers the final byte written through it
type lastByteWriter struct {
	w    io.Writer
	last byte
	n    int64
}

func (lw *lastByteWriter) Write(p []byte) (int, error) {
	n, err := lw.w.Write(p)
	if n > 0 {
		lw.last = p[n-1]
		lw.n += int64(n)
	}
	return n, err
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open list %s: %w", path, err)
	}
	defer func() { _ = in.Close() }()

	lw := &lastByteWriter{w: w}
	if _, err := io.Copy(lw, in); err != nil {
		return fmt.Errorf("failed to copy list %s: %w", path, err)
	}
	if lw.n > 0 && lw.last != '\n' {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("failed to copy list %s: %w", path, err)
		}
	}
	return nil
}

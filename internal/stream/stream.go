// Package stream parses CrystFEL stream files.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/sfxflow/pkg/types"
)

// maxLineBytes bounds a single stream line; reflection lists stay well below it
const maxLineBytes = 4 * 1024 * 1024

var (
	cellRe = regexp.MustCompile(
		`Cell\sparameters\s(\d+\.\d+)\s(\d+\.\d+)\s(\d+\.\d+)\snm,\s` +
			`(\d+\.\d+)\s(\d+\.\d+)\s(\d+\.\d+)\sdeg`)
	shiftRe    = regexp.MustCompile(`^predict_refine/det_shift\sx\s=\s([0-9.\-]+)\sy\s=\s([0-9.\-]+)\smm$`)
	clenPathRe = regexp.MustCompile(`[\d.]+/([\d.]+)\.stream$`)
	imageRe    = regexp.MustCompile(`^Image filename:\s*(\S+)`)
	eventRe    = regexp.MustCompile(`^Event:\s*(\S+)`)
)

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return sc
}

// parseCell extracts a unit cell from a line, if it reports one
func parseCell(line string) (types.UnitCell, bool) {
	m := cellRe.FindStringSubmatch(line)
	if m == nil {
		return types.UnitCell{}, false
	}
	var v [6]float64
	for i := range v {
		// The pattern only admits well-formed decimals
		v[i], _ = strconv.ParseFloat(m[i+1], 64)
	}
	return types.UnitCell{A: v[0], B: v[1], C: v[2], Alpha: v[3], Beta: v[4], Gamma: v[5]}, true
}

// UnitCells lazily yields the unit cells reported in r, in file order, stopping
// after limit samples when limit > 0. A read error is yielded once and ends the
// sequence.
func UnitCells(r io.Reader, limit int) iter.Seq2[types.UnitCell, error] {
	return func(yield func(types.UnitCell, error) bool) {
		sc := newScanner(r)
		n := 0
		for sc.Scan() {
			cell, ok := parseCell(sc.Text())
			if !ok {
				continue
			}
			if !yield(cell, nil) {
				return
			}
			n++
			if limit > 0 && n >= limit {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(types.UnitCell{}, err)
		}
	}
}

// UnitCellsFromFile is UnitCells over a file. The file is reopened on every
// iteration so the sequence can be ranged over repeatedly.
func UnitCellsFromFile(path string, limit int) iter.Seq2[types.UnitCell, error] {
	return func(yield func(types.UnitCell, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(types.UnitCell{}, err)
			return
		}
		defer func() { _ = f.Close() }()
		for cell, err := range UnitCells(f, limit) {
			if !yield(cell, err) {
				return
			}
		}
	}
}

// Collect drains a unit-cell sequence into a slice
func Collect(seq iter.Seq2[types.UnitCell, error]) ([]types.UnitCell, error) {
	var cells []types.UnitCell
	for cell, err := range seq {
		if err != nil {
			return cells, err
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

// ReadUnitCells collects every unit cell of a stream file
func ReadUnitCells(path string, limit int) ([]types.UnitCell, error) {
	cells, err := Collect(UnitCellsFromFile(path, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", path, err)
	}
	return cells, nil
}

// DetectorShift averages every predict_refine/det_shift line across all given
// streams combined. Finding none is an error: a mean of zero samples is undefined.
func DetectorShift(paths []string) (types.DetectorShift, error) {
	var sumX, sumY float64
	n := 0
	for _, path := range paths {
		err := scanFile(path, func(line string) error {
			m := shiftRe.FindStringSubmatch(line)
			if m == nil {
				return nil
			}
			x, errX := strconv.ParseFloat(m[1], 64)
			y, errY := strconv.ParseFloat(m[2], 64)
			if errX != nil || errY != nil {
				return &types.FormatError{Source: path, Reason: fmt.Sprintf("invalid det_shift line %q", line)}
			}
			sumX += x
			sumY += y
			n++
			return nil
		})
		if err != nil {
			return types.DetectorShift{}, err
		}
	}
	if n == 0 {
		return types.DetectorShift{}, types.ErrNoDetectorShift
	}
	return types.DetectorShift{DX: sumX / float64(n), DY: sumY / float64(n), Samples: n}, nil
}

// CountCrystals counts the lines of a stream starting with "Cell"
func CountCrystals(path string) (int, error) {
	n := 0
	err := scanFile(path, func(line string) error {
		if strings.HasPrefix(line, "Cell") {
			n++
		}
		return nil
	})
	return n, err
}

// ClenFromPath recovers the camera length from a scan stream path of the form
// <clen>/<clen>.stream
func ClenFromPath(path string) (float64, error) {
	m := clenPathRe.FindStringSubmatch(filepath.ToSlash(path))
	if m == nil {
		return 0, &types.FormatError{Source: path, Reason: "could not parse clen from path"}
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, &types.FormatError{Source: path, Reason: fmt.Sprintf("invalid clen %q", m[1])}
	}
	return v, nil
}

// ImageEvent is one image filename / event pair from a chunk header
type ImageEvent struct {
	Filename string
	Event    string
}

// ImageEvents lists the image/event pairs of every chunk in a stream
func ImageEvents(r io.Reader) ([]ImageEvent, error) {
	var (
		out     []ImageEvent
		pending string
	)
	sc := newScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if m := imageRe.FindStringSubmatch(line); m != nil {
			pending = m[1]
			continue
		}
		if m := eventRe.FindStringSubmatch(line); m != nil && pending != "" {
			out = append(out, ImageEvent{Filename: pending, Event: m[1]})
			pending = ""
		}
	}
	return out, sc.Err()
}

func scanFile(path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open stream %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sc := newScanner(f)
	for sc.Scan() {
		if err := fn(strings.TrimRight(sc.Text(), "\r")); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read stream %s: %w", path, err)
	}
	return nil
}

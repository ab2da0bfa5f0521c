package geometry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dshills/sfxflow/pkg/types"
)

// VariantPath returns the geometry path for a camera length inside dir
func VariantPath(dir string, clen float64) string {
	return filepath.Join(dir, types.ClenKey(clen)+".geom")
}

// ShiftedPath returns the path of the shift-corrected copy of a geometry file
func ShiftedPath(src string) string {
	ext := filepath.Ext(src)
	stem := strings.TrimSuffix(filepath.Base(src), ext)
	return filepath.Join(filepath.Dir(src), stem+ShiftSuffix+".geom")
}

// WriteCameraLengthVariant writes a copy of src with clen replaced to
// <dir>/<clen>.geom and returns its path. src is never modified.
func WriteCameraLengthVariant(src string, clen float64, dir string) (string, error) {
	content, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("failed to read geometry %s: %w", src, err)
	}
	updated, err := SetCameraLength(string(content), clen)
	if err != nil {
		return "", withSource(err, src)
	}
	out := VariantPath(dir, clen)
	if err := os.WriteFile(out, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("failed to write geometry %s: %w", out, err)
	}
	return out, nil
}

// WriteShiftedGeometry writes the shift-corrected copy of src next to it and
// returns the new path along with the shift report.
func WriteShiftedGeometry(src string, shift types.DetectorShift) (string, ShiftReport, error) {
	content, err := os.ReadFile(src)
	if err != nil {
		return "", ShiftReport{}, fmt.Errorf("failed to read geometry %s: %w", src, err)
	}
	updated, report, err := ApplyDetectorShift(string(content), shift.DX, shift.DY)
	if err != nil {
		return "", ShiftReport{}, withSource(err, src)
	}
	out := ShiftedPath(src)
	if err := os.WriteFile(out, []byte(updated), 0o644); err != nil {
		return "", ShiftReport{}, fmt.Errorf("failed to write geometry %s: %w", out, err)
	}
	return out, report, nil
}

// ParseFile reads and parses a geometry file
func ParseFile(path string) (*Model, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read geometry %s: %w", path, err)
	}
	model, err := Parse(string(content))
	if err != nil {
		return nil, withSource(err, path)
	}
	return model, nil
}

// withSource replaces the logical source of a FormatError with a file path
func withSource(err error, path string) error {
	var fe *types.FormatError
	if errors.As(err, &fe) {
		return &types.FormatError{Source: path, Line: fe.Line, Reason: fe.Reason}
	}
	return err
}

// OptimizedPath returns the final optimized geometry path of a run inside the
// geometry optimization directory
func OptimizedPath(optimizationDir string, run int) string {
	return filepath.Join(optimizationDir, fmt.Sprintf("run%04d", run), fmt.Sprintf("%04d_optimized.geom", run))
}

// ForRun resolves the optimized geometry assigned to a run by the geometry
// summary CSV (columns run_number and geometry_run).
func ForRun(summaryPath, optimizationDir string, run int) (string, error) {
	f, err := os.Open(summaryPath)
	if err != nil {
		return "", fmt.Errorf("failed to open geometry summary: %w", err)
	}
	defer func() { _ = f.Close() }()

	geometryRun, err := lookupGeometryRun(f, summaryPath, run)
	if err != nil {
		return "", err
	}

	path := OptimizedPath(optimizationDir, geometryRun)
	if _, err := os.Stat(path); err != nil {
		return "", &types.MissingArtifactError{Path: path, Step: fmt.Sprintf("geometry for run %d", run)}
	}
	return path, nil
}

// SummaryRuns lists the run numbers present in a geometry summary CSV, in file order
func SummaryRuns(summaryPath string) ([]int, error) {
	rows, cols, err := readSummary(summaryPath)
	if err != nil {
		return nil, err
	}
	runs := make([]int, 0, len(rows))
	for i, row := range rows {
		n, err := strconv.Atoi(strings.TrimSpace(row[cols.run]))
		if err != nil {
			return nil, &types.FormatError{Source: summaryPath, Line: i + 2, Reason: fmt.Sprintf("invalid run_number %q", row[cols.run])}
		}
		runs = append(runs, n)
	}
	return runs, nil
}

type summaryColumns struct {
	run      int
	geometry int
}

func readSummary(path string) ([][]string, summaryColumns, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, summaryColumns{}, fmt.Errorf("failed to open geometry summary: %w", err)
	}
	defer func() { _ = f.Close() }()
	return parseSummary(f, path)
}

func parseSummary(r io.Reader, source string) ([][]string, summaryColumns, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, summaryColumns{}, &types.FormatError{Source: source, Line: 1, Reason: "missing header"}
	}
	cols := summaryColumns{run: -1, geometry: -1}
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "run_number":
			cols.run = i
		case "geometry_run":
			cols.geometry = i
		}
	}
	if cols.run < 0 || cols.geometry < 0 {
		return nil, summaryColumns{}, &types.FormatError{Source: source, Line: 1, Reason: "header must contain run_number and geometry_run"}
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, summaryColumns{}, &types.FormatError{Source: source, Reason: err.Error()}
	}
	for i, row := range rows {
		if len(row) <= cols.run || len(row) <= cols.geometry {
			return nil, summaryColumns{}, &types.FormatError{Source: source, Line: i + 2, Reason: "short row"}
		}
	}
	return rows, cols, nil
}

func lookupGeometryRun(r io.Reader, source string, run int) (int, error) {
	rows, cols, err := parseSummary(r, source)
	if err != nil {
		return 0, err
	}
	for i, row := range rows {
		n, err := strconv.Atoi(strings.TrimSpace(row[cols.run]))
		if err != nil || n != run {
			continue
		}
		g, err := strconv.ParseFloat(strings.TrimSpace(row[cols.geometry]), 64)
		if err != nil {
			return 0, &types.FormatError{Source: source, Line: i + 2, Reason: fmt.Sprintf("invalid geometry_run %q", row[cols.geometry])}
		}
		return int(g), nil
	}
	return 0, fmt.Errorf("no matching geometry found for run %d", run)
}

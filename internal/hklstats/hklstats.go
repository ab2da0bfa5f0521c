// Package hklstats joins the per-shell statistics written by check_hkl and
// compare_hkl into one table per merged dataset.
package hklstats

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dshills/sfxflow/internal/logging"
	"github.com/dshills/sfxflow/internal/stream"
	"github.com/dshills/sfxflow/pkg/types"
)

// Shell is one resolution shell. NaN marks values CrystFEL printed as nan.
type Shell struct {
	Center       float64 // 1/nm
	NumRefs      float64
	Possible     float64
	Completeness float64 // %
	Measured     float64
	Redundancy   float64
	SNR          float64
	StdDev       float64
	Mean         float64
	D            float64 // Angstrom
	MinInvRes    float64 // 1/nm
	MaxInvRes    float64 // 1/nm
	Rsplit       float64 // %
	CC           float64
	CCStar       float64
}

// Header is the CSV header written by WriteCSV
var Header = []string{
	"center_inv_nm", "n_refs", "possible", "completeness", "measured", "redundancy",
	"snr", "std_dev", "mean", "d_angstrom", "min_inv_nm", "max_inv_nm",
	"rsplit_pct", "cc", "ccstar",
}

func (s Shell) record() []string {
	vals := []float64{
		s.Center, s.NumRefs, s.Possible, s.Completeness, s.Measured, s.Redundancy,
		s.SNR, s.StdDev, s.Mean, s.D, s.MinInvRes, s.MaxInvRes,
		s.Rsplit, s.CC, s.CCStar,
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return out
}

// ShellFiles returns the four shell files of a tag in check, rsplit, cc,
// ccstar order
func ShellFiles(dir, tag string) []string {
	return []string{
		filepath.Join(dir, tag+"_check.dat"),
		filepath.Join(dir, tag+"_rsplit.dat"),
		filepath.Join(dir, tag+"_cc.dat"),
		filepath.Join(dir, tag+"_ccstar.dat"),
	}
}

// LoadShells reads the shell files of tag from dir and joins them on the
// shell centre. Only shells present in every file are returned, in check_hkl
// order.
func LoadShells(dir, tag string) ([]Shell, error) {
	files := ShellFiles(dir, tag)
	for _, p := range files {
		if _, err := os.Stat(p); err != nil {
			return nil, &types.MissingArtifactError{Path: p, Step: "merge statistics"}
		}
	}

	check, err := readTable(files[0], 12)
	if err != nil {
		return nil, err
	}
	extra := make([]map[string]float64, 3)
	for i, p := range files[1:] {
		rows, err := readTable(p, 2)
		if err != nil {
			return nil, err
		}
		extra[i] = make(map[string]float64, len(rows))
		for _, r := range rows {
			extra[i][centerKey(r[0])] = r[1]
		}
	}

	shells := make([]Shell, 0, len(check))
	for _, r := range check {
		key := centerKey(r[0])
		rsplit, ok1 := extra[0][key]
		cc, ok2 := extra[1][key]
		ccstar, ok3 := extra[2][key]
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		shells = append(shells, Shell{
			Center: r[0], NumRefs: r[1], Possible: r[2], Completeness: r[3],
			Measured: r[4], Redundancy: r[5], SNR: r[6], StdDev: r[7], Mean: r[8],
			D: r[9], MinInvRes: r[10], MaxInvRes: r[11],
			Rsplit: rsplit, CC: cc, CCStar: ccstar,
		})
	}
	return shells, nil
}

// centerKey normalises a shell centre for joining. CrystFEL prints centres
// with three decimals in every shell file.
func centerKey(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// readTable parses a whitespace table with a text header. Each data row must
// have at least minCols numeric columns; extra columns are ignored.
func readTable(path string, minCols int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return parseTable(f, path, minCols)
}

func parseTable(r io.Reader, source string, minCols int) ([][]float64, error) {
	var rows [][]float64
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if _, err := parseValue(fields[0]); err != nil {
			// header
			continue
		}
		if len(fields) < minCols {
			return nil, &types.FormatError{Source: source, Line: lineNo,
				Reason: fmt.Sprintf("expected at least %d columns, got %d", minCols, len(fields))}
		}
		row := make([]float64, minCols)
		for i := 0; i < minCols; i++ {
			v, err := parseValue(fields[i])
			if err != nil {
				return nil, &types.FormatError{Source: source, Line: lineNo, Reason: fmt.Sprintf("column %d: %v", i+1, err)}
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return rows, nil
}

func parseValue(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "nan", "-nan", "+nan":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// WriteCSV writes shells with Header. NaN values become empty cells.
func WriteCSV(w io.Writer, shells []Shell) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, s := range shells {
		if err := cw.Write(s.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVPath is where Compile writes the table of tag
func CSVPath(outDir, tag string) string {
	return filepath.Join(outDir, tag+"_stats_by_shell.csv")
}

// Dataset is one compiled merge
type Dataset struct {
	Tag      string // <name>_<state>
	Name     string
	State    string
	Crystals int // crystals in the combined stream, -1 when unreadable
	Shells   int
	CSV      string
}

// Compile walks <mergingDir>/<name>/stats for <name>_light and <name>_dark,
// writes one CSV per tag to outDir and logs the number of merged crystals.
// Datasets without a check_hkl file are skipped.
func Compile(mergingDir, outDir string, logger *slog.Logger) ([]Dataset, error) {
	logger = logging.Module(logger, "hklstats")
	dirs, err := filepath.Glob(filepath.Join(mergingDir, "*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", outDir, err)
	}

	var out []Dataset
	for _, dir := range dirs {
		name := filepath.Base(dir)
		statsDir := filepath.Join(dir, "stats")
		for _, state := range []string{"light", "dark"} {
			tag := name + "_" + state
			if _, err := os.Stat(filepath.Join(statsDir, tag+"_check.dat")); err != nil {
				continue
			}

			ds := Dataset{Tag: tag, Name: name, State: state, Crystals: -1, CSV: CSVPath(outDir, tag)}
			combined := filepath.Join(dir, fmt.Sprintf("%s_combined_%s.stream", name, state))
			if n, err := stream.CountCrystals(combined); err != nil {
				logger.Warn("cannot count merged crystals", "stream", combined, "error", err)
			} else {
				ds.Crystals = n
			}

			shells, err := LoadShells(statsDir, tag)
			if err != nil {
				return out, fmt.Errorf("dataset %s: %w", tag, err)
			}
			ds.Shells = len(shells)
			if err := writeCSVFile(ds.CSV, shells); err != nil {
				return out, err
			}
			logger.Info("compiled merge statistics", "tag", tag, "crystals", ds.Crystals, "shells", ds.Shells)
			out = append(out, ds)
		}
	}
	return out, nil
}

func writeCSVFile(path string, shells []Shell) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteCSV(f, shells); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

package hklstats

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sfxflow/pkg/types"
)

const checkDat = `Center 1/nm  # refs Possible  Compl       Meas   Red   SNR    Std dev       Mean     d(A)    Min 1/nm   Max 1/nm
     1.064      1424      1428   99.72     123456  86.7  23.45    1234.50    2345.60     9.40      0.555      1.572
     1.853      1398      1398  100.00     120011  85.8  14.02     812.20    1100.90     5.40      1.572      2.134
     2.300         0        40    0.00          0   0.0   -nan       -nan       -nan     4.35      2.134      2.466
`

const rsplitDat = `1/d centre   Rsplit/%       nref      d / A   Min 1/nm   Max 1/nm
     1.064      4.21       1424       9.40      0.555      1.572
     1.853      6.80       1398       5.40      1.572      2.134
     2.300      -nan          0       4.35      2.134      2.466
`

const ccDat = `1/d centre         CC       nref      d / A   Min 1/nm   Max 1/nm
     1.064  0.9950000       1424       9.40      0.555      1.572
     1.853  0.9800000       1398       5.40      1.572      2.134
`

const ccstarDat = `1/d centre        CC*       nref      d / A   Min 1/nm   Max 1/nm
     1.064  0.9987000       1424       9.40      0.555      1.572
     1.853  0.9949000       1398       5.40      1.572      2.134
     2.300       -nan          0       4.35      2.134      2.466
`

func writeStats(t *testing.T, dir, tag string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range map[string]string{
		"_check.dat": checkDat, "_rsplit.dat": rsplitDat, "_cc.dat": ccDat, "_ccstar.dat": ccstarDat,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, tag+name), []byte(content), 0o644))
	}
}

func TestLoadShellsInnerJoin(t *testing.T) {
	dir := t.TempDir()
	writeStats(t, dir, "apo_light")

	shells, err := LoadShells(dir, "apo_light")
	require.NoError(t, err)
	// 2.300 is missing from the cc file
	require.Len(t, shells, 2)

	s := shells[0]
	assert.InDelta(t, 1.064, s.Center, 1e-12)
	assert.InDelta(t, 1424, s.NumRefs, 0)
	assert.InDelta(t, 99.72, s.Completeness, 1e-12)
	assert.InDelta(t, 9.40, s.D, 1e-12)
	assert.InDelta(t, 4.21, s.Rsplit, 1e-12)
	assert.InDelta(t, 0.995, s.CC, 1e-12)
	assert.InDelta(t, 0.9987, s.CCStar, 1e-12)
	assert.InDelta(t, 1.853, shells[1].Center, 1e-12)
}

func TestLoadShellsMissingFile(t *testing.T) {
	dir := t.TempDir()
	writeStats(t, dir, "apo_dark")
	require.NoError(t, os.Remove(filepath.Join(dir, "apo_dark_ccstar.dat")))

	_, err := LoadShells(dir, "apo_dark")
	var missing *types.MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.True(t, strings.HasSuffix(missing.Path, "apo_dark_ccstar.dat"))
}

func TestParseTableNaNAndErrors(t *testing.T) {
	rows, err := parseTable(strings.NewReader(rsplitDat), "rsplit", 2)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, math.IsNaN(rows[2][1]))

	_, err = parseTable(strings.NewReader("h\n1.0\n"), "short", 2)
	assert.ErrorIs(t, err, types.ErrFormat)

	_, err = parseTable(strings.NewReader("h\n1.0 abc\n"), "bad", 2)
	assert.ErrorIs(t, err, types.ErrFormat)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, []Shell{{Center: 1.064, NumRefs: 10, Rsplit: math.NaN()}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1.064,10,"))
	assert.Contains(t, lines[1], ",,", "NaN is an empty cell")
}

func TestCompile(t *testing.T) {
	root := t.TempDir()
	merging := filepath.Join(root, "merging")
	out := filepath.Join(root, "final_stats")

	writeStats(t, filepath.Join(merging, "apo", "stats"), "apo_light")
	stream := "Cell parameters 8.3 8.3 9.0 nm, 90.0 90.0 120.0 deg\nCell parameters 8.3 8.3 9.0 nm, 90.0 90.0 120.0 deg\n"
	require.NoError(t, os.WriteFile(filepath.Join(merging, "apo", "apo_combined_light.stream"), []byte(stream), 0o644))
	// a dataset without statistics is skipped
	require.NoError(t, os.MkdirAll(filepath.Join(merging, "empty"), 0o755))

	datasets, err := Compile(merging, out, nil)
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	ds := datasets[0]
	assert.Equal(t, "apo_light", ds.Tag)
	assert.Equal(t, 2, ds.Crystals)
	assert.Equal(t, 2, ds.Shells)
	assert.Equal(t, filepath.Join(out, "apo_light_stats_by_shell.csv"), ds.CSV)

	_, err = os.Stat(ds.CSV)
	assert.NoError(t, err)
}

package geometry

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sfxflow/pkg/types"
)

const sampleGeometry = `; JF06T08V07 test geometry
photon_energy = /data/photon_energy_eV
clen = 0.09
adu_per_eV = 0.00105
res = 13333.3

p0/min_fs = 0
p0/corner_x = -520.5
p0/corner_y = 606.25
p0/fs = +1.0x +0.0y

p1/res = 10000
p1/corner_x = 12.0
p1/corner_y = -3.5

p2/corner_x = 1.0
p2/corner_y = 2.0
`

func TestApplyDetectorShiftScenario(t *testing.T) {
	doc := "res = 1000\npanelA/corner_x = 10.0\npanelA/corner_y = 5.0\n"

	out, report, err := ApplyDetectorShift(doc, 1.0, -2.0)
	require.NoError(t, err)

	assert.Equal(t, "res = 1000\npanelA/corner_x = 11.000000\npanelA/corner_y = 3.000000\n", out)
	assert.Equal(t, 2, report.CornersAdjusted)
	assert.Empty(t, report.Warnings())
}

func TestApplyDetectorShiftMillimetreConversion(t *testing.T) {
	// res = 1 pixel per mm: a 1 mm shift moves the corner by 1e-3 pixel
	doc := "res = 1\npanelA/corner_x = 10.0\npanelA/corner_y = 5.0\n"

	out, _, err := ApplyDetectorShift(doc, 1.0, -2.0)
	require.NoError(t, err)

	assert.Contains(t, out, "panelA/corner_x = 10.001000\n")
	assert.Contains(t, out, "panelA/corner_y = 4.998000\n")
}

func TestApplyDetectorShiftZeroIsIdentityExceptCorners(t *testing.T) {
	out, report, err := ApplyDetectorShift(sampleGeometry, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, report.CornersAdjusted)

	inLines := strings.Split(sampleGeometry, "\n")
	outLines := strings.Split(out, "\n")
	require.Len(t, outLines, len(inLines))

	for i := range inLines {
		if strings.Contains(inLines[i], "/corner_") {
			assert.NotEqual(t, "", outLines[i])
			continue
		}
		assert.Equal(t, inLines[i], outLines[i], "line %d changed", i+1)
	}
	assert.Contains(t, out, "p0/corner_x = -520.500000\n")
	assert.Contains(t, out, "p1/corner_y = -3.500000\n")
}

func TestApplyDetectorShiftSixDecimals(t *testing.T) {
	out, _, err := ApplyDetectorShift(sampleGeometry, 0.37, -1.2)
	require.NoError(t, err)

	six := regexp.MustCompile(`^.+/corner_[xy] = -?\d+\.\d{6}$`)
	for _, ln := range strings.Split(out, "\n") {
		if strings.Contains(ln, "/corner_") {
			assert.Regexp(t, six, ln)
		}
	}
}

func TestApplyDetectorShiftResolutionRegister(t *testing.T) {
	out, _, err := ApplyDetectorShift(sampleGeometry, 1.0, 1.0)
	require.NoError(t, err)

	// p0 uses the document default
	assert.Contains(t, out, "p0/corner_x = -507.166700\n")
	// p1 uses its own resolution
	assert.Contains(t, out, "p1/corner_x = 22.000000\n")
	// p2 follows the register, which p1/res updated last
	assert.Contains(t, out, "p2/corner_x = 11.000000\n")
}

func TestApplyDetectorShiftZeroResolutionWarns(t *testing.T) {
	doc := "p0/corner_x = 1.0\np0/corner_y = 2.0\n"

	out, report, err := ApplyDetectorShift(doc, 3, 3)
	require.NoError(t, err)

	assert.Equal(t, "p0/corner_x = 1.000000\np0/corner_y = 2.000000\n", out)
	assert.Equal(t, []string{"p0"}, report.ZeroResolution)
	assert.Len(t, report.Warnings(), 1)
}

func TestApplyDetectorShiftPreservesMissingTrailingNewline(t *testing.T) {
	out, _, err := ApplyDetectorShift("res = 1000\np0/corner_x = 1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "res = 1000\np0/corner_x = 2.000000", out)
}

func TestSetCameraLength(t *testing.T) {
	out, err := SetCameraLength(sampleGeometry, 0.12345)
	require.NoError(t, err)

	assert.Contains(t, out, "\nclen = 0.12345\n")
	assert.NotContains(t, out, "clen = 0.09")

	clen, err := CameraLength(out)
	require.NoError(t, err)
	assert.InDelta(t, 0.12345, clen, 1e-12)

	// Everything else untouched
	assert.Equal(t, strings.Replace(sampleGeometry, "clen = 0.09", "clen = 0.12345", 1), out)
}

func TestSetCameraLengthErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing", "res = 1000\np0/corner_x = 1\n"},
		{"non numeric", "clen = /LCLS/detector_1/EncoderValue\n"},
		{"conflict", "clen = 0.1\nres = 5\nclen = 0.2\n"},
		{"commented out", "; clen = 0.1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SetCameraLength(tt.doc, 0.1)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrFormat))
		})
	}
}

func TestSetCameraLengthRepeatedIdentical(t *testing.T) {
	out, err := SetCameraLength("clen = 0.1\nclen = 0.1\n", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "clen = 0.2\nclen = 0.2\n", out)
}

func TestSetCameraLengthRejectsNonPositive(t *testing.T) {
	_, err := SetCameraLength(sampleGeometry, 0)
	assert.ErrorIs(t, err, types.ErrInvalidClen)
}

func TestParse(t *testing.T) {
	model, err := Parse(sampleGeometry)
	require.NoError(t, err)

	assert.True(t, model.HasClen)
	assert.InDelta(t, 0.09, model.Clen, 1e-12)
	assert.InDelta(t, 13333.3, model.DefaultRes, 1e-9)
	require.Len(t, model.Panels, 3)

	p1, ok := model.Panel("p1")
	require.True(t, ok)
	assert.InDelta(t, 10000, p1.Res, 1e-9)
	assert.InDelta(t, 12.0, p1.CornerX, 1e-12)
	assert.InDelta(t, -3.5, p1.CornerY, 1e-12)

	_, ok = model.Panel("missing")
	assert.False(t, ok)
}

func TestParseUnresolvedCorner(t *testing.T) {
	_, err := Parse("p0/corner_x = 1\nres = 1000\n")
	var fe *types.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Line)
}

func TestFileHelpers(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "JF06T08V07.geom")
	require.NoError(t, os.WriteFile(src, []byte(sampleGeometry), 0o644))

	variantDir := filepath.Join(dir, "0.10000")
	require.NoError(t, os.MkdirAll(variantDir, 0o755))

	variant, err := WriteCameraLengthVariant(src, 0.1, variantDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(variantDir, "0.10000.geom"), variant)

	original, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, sampleGeometry, string(original), "source must not be modified")

	shifted, report, err := WriteShiftedGeometry(variant, types.DetectorShift{DX: 0.5, DY: -0.5})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(variantDir, "0.10000-predrefine.geom"), shifted)
	assert.Equal(t, 6, report.CornersAdjusted)

	model, err := ParseFile(shifted)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, model.Clen, 1e-12)
}

func TestWriteCameraLengthVariantReportsPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.geom")
	require.NoError(t, os.WriteFile(src, []byte("res = 1\n"), 0o644))

	_, err := WriteCameraLengthVariant(src, 0.1, dir)
	var fe *types.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, src, fe.Source)
}

func TestForRun(t *testing.T) {
	dir := t.TempDir()
	summary := filepath.Join(dir, "geometry_summary.csv")
	require.NoError(t, os.WriteFile(summary, []byte("run_number,geometry_run\n8,8\n9,8\n12,10\n"), 0o644))

	optDir := filepath.Join(dir, "geometry-optimization")
	final := OptimizedPath(optDir, 8)
	require.NoError(t, os.MkdirAll(filepath.Dir(final), 0o755))
	require.NoError(t, os.WriteFile(final, []byte(sampleGeometry), 0o644))

	path, err := ForRun(summary, optDir, 9)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(optDir, "run0008", "0008_optimized.geom"), path)

	_, err = ForRun(summary, optDir, 12)
	assert.ErrorIs(t, err, types.ErrMissingArtifact)

	_, err = ForRun(summary, optDir, 99)
	assert.Error(t, err)

	runs, err := SummaryRuns(summary)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 9, 12}, runs)
}

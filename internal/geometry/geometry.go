// Package geometry reads and rewrites CrystFEL detector geometry files.
package geometry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dshills/sfxflow/pkg/types"
)

// ShiftSuffix is appended to the input stem of a shift-corrected geometry file
const ShiftSuffix = "-predrefine"

var (
	clenRe    = regexp.MustCompile(`^(\s*clen\s*=\s*)([-+]?[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?)(.*)$`)
	resRe     = regexp.MustCompile(`^\s*res\s*=\s*([0-9.]+)(?:\s|$)`)
	panelRes  = regexp.MustCompile(`^\s*(.*)/res\s*=\s*([0-9.]+)(?:\s|$)`)
	cornerXRe = regexp.MustCompile(`^\s*(.*)/corner_x\s*=\s*([-+0-9.eE]+)(?:\s|$)`)
	cornerYRe = regexp.MustCompile(`^\s*(.*)/corner_y\s*=\s*([-+0-9.eE]+)(?:\s|$)`)
)

// Panel is one detector panel as declared in a geometry document
type Panel struct {
	Name    string
	Res     float64 // panel-scoped resolution, 0 when the panel declares none
	CornerX float64
	CornerY float64
}

// Model is the subset of a geometry document the pipeline cares about
type Model struct {
	Panels     []Panel
	DefaultRes float64 // last document-scoped res value
	Clen       float64
	HasClen    bool
}

// Panel returns the named panel
func (m *Model) Panel(name string) (Panel, bool) {
	for _, p := range m.Panels {
		if p.Name == name {
			return p, true
		}
	}
	return Panel{}, false
}

// ShiftReport describes what ApplyDetectorShift changed
type ShiftReport struct {
	CornersAdjusted int
	// ZeroResolution lists panels whose corners were adjusted with a resolution of
	// zero, which leaves them unshifted
	ZeroResolution []string
}

// Warnings renders the report's caller-visible warnings
func (r ShiftReport) Warnings() []string {
	var out []string
	for _, p := range r.ZeroResolution {
		out = append(out, fmt.Sprintf("panel %s: no resolution found before its corner offsets, shift applied with res = 0", p))
	}
	return out
}

// line is one document line split from its terminator
type line struct {
	text   string
	ending string
}

func splitLines(doc string) []line {
	var out []line
	for _, raw := range strings.SplitAfter(doc, "\n") {
		if raw == "" {
			continue
		}
		text := strings.TrimRight(raw, "\r\n")
		out = append(out, line{text: text, ending: raw[len(text):]})
	}
	return out
}

// CameraLength returns the numeric top-level clen of a document
func CameraLength(doc string) (float64, error) {
	var (
		value float64
		found int
	)
	for i, ln := range splitLines(doc) {
		m := clenRe.FindStringSubmatch(ln.text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return 0, &types.FormatError{Source: "geometry", Line: i + 1, Reason: fmt.Sprintf("invalid clen value %q", m[2])}
		}
		if found > 0 && v != value {
			return 0, &types.FormatError{Source: "geometry", Line: i + 1, Reason: fmt.Sprintf("conflicting clen assignments %v and %v", value, v)}
		}
		value = v
		found++
	}
	if found == 0 {
		return 0, &types.FormatError{Source: "geometry", Reason: "no numeric clen assignment"}
	}
	return value, nil
}

// SetCameraLength rewrites the value of the top-level clen assignment. Repeated
// identical assignments are all rewritten; differing ones are a conflict.
func SetCameraLength(doc string, clen float64) (string, error) {
	if clen <= 0 {
		return "", types.ErrInvalidClen
	}
	if _, err := CameraLength(doc); err != nil {
		return "", err
	}

	formatted := strconv.FormatFloat(clen, 'f', -1, 64)
	var b strings.Builder
	b.Grow(len(doc) + 16)
	for _, ln := range splitLines(doc) {
		if m := clenRe.FindStringSubmatch(ln.text); m != nil {
			b.WriteString(m[1])
			b.WriteString(formatted)
			b.WriteString(m[3])
		} else {
			b.WriteString(ln.text)
		}
		b.WriteString(ln.ending)
	}
	return b.String(), nil
}

// resolutionRegister tracks the resolution in force at each document position.
// Panel-scoped values win for their own panel and also become the register value
// for every later line, matching last-write-wins rendering.
type resolutionRegister struct {
	current float64
	panels  map[string]float64
}

func newResolutionRegister() *resolutionRegister {
	return &resolutionRegister{panels: make(map[string]float64)}
}

// observe updates the register from a resolution line. It reports whether the
// line was a resolution assignment.
func (r *resolutionRegister) observe(text string, lineNo int) (bool, error) {
	if m := resRe.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return true, &types.FormatError{Source: "geometry", Line: lineNo, Reason: fmt.Sprintf("invalid res value %q", m[1])}
		}
		r.current = v
		return true, nil
	}
	if m := panelRes.FindStringSubmatch(text); m != nil {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return true, &types.FormatError{Source: "geometry", Line: lineNo, Reason: fmt.Sprintf("invalid res value %q", m[2])}
		}
		r.current = v
		r.panels[m[1]] = v
		return true, nil
	}
	return false, nil
}

func (r *resolutionRegister) resolve(panel string) float64 {
	if v, ok := r.panels[panel]; ok {
		return v
	}
	return r.current
}

// ApplyDetectorShift adds a detector shift (mm) to every panel corner offset.
// Corner lines are rewritten with six decimals; every other line passes through
// unchanged.
func ApplyDetectorShift(doc string, dx, dy float64) (string, ShiftReport, error) {
	var (
		b      strings.Builder
		report ShiftReport
		reg    = newResolutionRegister()
		zero   = make(map[string]bool)
	)
	b.Grow(len(doc))

	for i, ln := range splitLines(doc) {
		isRes, err := reg.observe(ln.text, i+1)
		if err != nil {
			return "", ShiftReport{}, err
		}
		if isRes {
			b.WriteString(ln.text)
			b.WriteString(ln.ending)
			continue
		}

		axis, shift := "", 0.0
		m := cornerXRe.FindStringSubmatch(ln.text)
		if m != nil {
			axis, shift = "corner_x", dx
		} else if m = cornerYRe.FindStringSubmatch(ln.text); m != nil {
			axis, shift = "corner_y", dy
		}
		if m == nil {
			b.WriteString(ln.text)
			b.WriteString(ln.ending)
			continue
		}

		panel := m[1]
		corner, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return "", ShiftReport{}, &types.FormatError{Source: "geometry", Line: i + 1, Reason: fmt.Sprintf("invalid %s value %q", axis, m[2])}
		}
		res := reg.resolve(panel)
		if res == 0 && !zero[panel] {
			zero[panel] = true
			report.ZeroResolution = append(report.ZeroResolution, panel)
		}
		fmt.Fprintf(&b, "%s/%s = %.6f", panel, axis, corner+shift*res*1e-3)
		b.WriteString(ln.ending)
		report.CornersAdjusted++
	}
	return b.String(), report, nil
}

// Parse reads a geometry document into a Model. Every corner offset must resolve
// to a resolution declared earlier in the document.
func Parse(doc string) (*Model, error) {
	model := &Model{}
	reg := newResolutionRegister()
	index := make(map[string]int)

	panel := func(name string) *Panel {
		i, ok := index[name]
		if !ok {
			i = len(model.Panels)
			index[name] = i
			model.Panels = append(model.Panels, Panel{Name: name})
		}
		return &model.Panels[i]
	}

	for i, ln := range splitLines(doc) {
		lineNo := i + 1
		if m := panelRes.FindStringSubmatch(ln.text); m != nil {
			if _, err := reg.observe(ln.text, lineNo); err != nil {
				return nil, err
			}
			panel(m[1]).Res = reg.panels[m[1]]
			continue
		}
		if isRes, err := reg.observe(ln.text, lineNo); err != nil {
			return nil, err
		} else if isRes {
			model.DefaultRes = reg.current
			continue
		}

		var target *float64
		m := cornerXRe.FindStringSubmatch(ln.text)
		if m != nil {
			target = &panel(m[1]).CornerX
		} else if m = cornerYRe.FindStringSubmatch(ln.text); m != nil {
			target = &panel(m[1]).CornerY
		}
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, &types.FormatError{Source: "geometry", Line: lineNo, Reason: fmt.Sprintf("invalid corner value %q", m[2])}
		}
		if reg.resolve(m[1]) == 0 {
			return nil, &types.FormatError{Source: "geometry", Line: lineNo, Reason: fmt.Sprintf("panel %s has no resolution before its corner offset", m[1])}
		}
		*target = v
	}

	if clen, err := CameraLength(doc); err == nil {
		model.Clen = clen
		model.HasClen = true
	}
	return model, nil
}

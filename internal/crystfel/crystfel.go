// Package crystfel renders the shell scripts submitted to the batch scheduler
// for CrystFEL indexing and merging.
package crystfel

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/dshills/sfxflow/internal/config"
)

// Script file names written next to the job's outputs
const (
	IndexingScriptName    = "indexing_sbatch.sh"
	MergingScriptName     = "merging_sbatch.sh"
	CustomSplitScriptName = "custom_split_sbatch.sh"
	CustomSplitListName   = "custom-split.lst"
)

var funcs = template.FuncMap{
	"join": strings.Join,
}

var indexingTmpl = template.Must(template.New("indexing").Funcs(funcs).Parse(`#!/bin/sh

module purge
module load crystfel/{{.Version}}

indexamajig -i {{.ListFile}} \
  --output={{.OutputStream}} \
  --geometry={{.GeometryFile}} \
  --pdb={{.CellFile}} \
  -j {{.Idx.Threads}} \
  --peaks={{.Idx.PeakFindingMethod}} \
  --threshold={{.Idx.PeakThreshold}} \
  --min-snr={{.Idx.MinSNR}} \
  --min-pix-count={{.Idx.MinPixelCount}} \
  --min-res={{.Idx.MinResolution}} \
  --max-res={{.Idx.MaxResolution}} \
  --indexing={{.Idx.IndexingMethod}} \
{{- if .Idx.ExtraFlags}}
  {{join .Idx.ExtraFlags " "}} \
{{- end}}
  --int-radius={{.Idx.IntegrationRadius}} \
  --integration={{.Idx.IntegrationMethod}} \
  --local-bg-radius={{.Idx.LocalBgRadius}}
`))

// Indexing describes one indexamajig invocation
type Indexing struct {
	Version      string
	ListFile     string
	GeometryFile string
	CellFile     string
	OutputStream string
	Idx          config.IndexingConfig
}

// NewIndexing fills the version and indexing parameters from the config
func NewIndexing(cfg *config.Config, listFile, geometryFile, outputStream string) Indexing {
	return Indexing{
		Version:      cfg.CrystfelVersion,
		ListFile:     listFile,
		GeometryFile: geometryFile,
		CellFile:     cfg.CellFilePath,
		OutputStream: outputStream,
		Idx:          cfg.Indexing,
	}
}

// Render returns the job script text
func (i Indexing) Render() (string, error) {
	return render(indexingTmpl, i)
}

var mergeTmpl = template.Must(template.New("merge").Funcs(funcs).Parse(`#!/bin/sh

module purge
module load crystfel/{{.Version}}

WD={{.WorkDir}}
echo $WD
mkdir -p $WD
cd $WD

cat {{join .Streams " "}} > {{.Base}}_combined_{{.State}}.stream
{{$p := printf "-y %s -p %s --highres=%g" .Merge.Symmetry .CellFile .HighRes}}
partialator -j $(nproc) -i {{.Base}}_combined_{{.State}}.stream -o {{.Base}}_{{.State}}.hkl \
  -y {{.Merge.Symmetry}} --model={{.Merge.PartialityModel}} --iterations={{.Merge.PartialatorIterations}} \
  --push-res={{.Merge.PushRes}} --max-adu={{.Merge.MaxADU}} > partialator.log 2>&1

check_hkl {{.Base}}_{{.State}}.hkl {{$p}} --shell-file={{.Base}}_{{.State}}_check.dat
{{range .Foms}}
compare_hkl {{$.Base}}_{{$.State}}.hkl1 {{$.Base}}_{{$.State}}.hkl2 {{$p}} --fom={{.}} --shell-file={{$.Base}}_{{$.State}}_{{.}}.dat
{{- end}}

mkdir -p stats
mv {{.Base}}_{{.State}}_check.dat{{range .Foms}} {{$.Base}}_{{$.State}}_{{.}}.dat{{end}} stats/

get_hkl -i {{.Base}}_{{.State}}.hkl {{$p}} --output-format=mtz -o {{.Base}}_{{.State}}.mtz

cp {{.Base}}_{{.State}}.mtz {{.MtzDir}}
`))

// Merge describes one partialator merge of a set of streams for one laser state
type Merge struct {
	Version  string
	Name     string // dataset name
	State    string // laser state
	Streams  []string
	WorkDir  string // <merging_directory>/<name>
	CellFile string
	MtzDir   string
	HighRes  float64
	Merge    config.MergingConfig
}

// Base is the prefix of every output file, <name>
func (m Merge) Base() string {
	return m.Name
}

// Foms lists the compare_hkl figures of merit, in output order
func (m Merge) Foms() []string {
	return []string{"rsplit", "ccstar", "cc"}
}

// NewMerge fills the merge parameters from the config
func NewMerge(cfg *config.Config, name, state string, streams []string) Merge {
	return Merge{
		Version:  cfg.CrystfelVersion,
		Name:     name,
		State:    state,
		Streams:  streams,
		WorkDir:  filepath.Join(cfg.MergingDirectory, name),
		CellFile: cfg.CellFilePath,
		MtzDir:   cfg.MtzDirectory,
		HighRes:  cfg.Stats.StatsHighRes,
		Merge:    cfg.Merging,
	}
}

// Render returns the job script text
func (m Merge) Render() (string, error) {
	if len(m.Streams) == 0 {
		return "", fmt.Errorf("merge %s/%s: no streams", m.Name, m.State)
	}
	return render(mergeTmpl, m)
}

var customSplitTmpl = template.Must(template.New("custom-split").Parse(`#!/bin/bash
#SBATCH --job-name crystfel
#SBATCH -p {{.Queue}}
#SBATCH --time {{.TimeLimit}}
#SBATCH --exclusive

module purge
module load crystfel/{{.Version}}

cd {{.WorkDir}}

partialator -j $(nproc) -i {{.StreamGlob}} --custom-split={{.SplitList}} \
  -o {{.Tag}}.hkl -y {{.Merge.Symmetry}} --model={{.Merge.PartialityModel}} \
  --iterations={{.Merge.PartialatorIterations}} --push-res={{.Merge.PushRes}} \
  --max-adu={{.Merge.MaxADU}} > partialator_{{.Tag}}.log 2>&1
`))

// CustomSplit describes a partialator run split by laser state via a
// custom-split list
type CustomSplit struct {
	Version    string
	Tag        string
	StreamGlob string
	SplitList  string
	WorkDir    string
	Queue      string
	TimeLimit  string
	Merge      config.MergingConfig
}

// NewCustomSplit fills the merge parameters from the config
func NewCustomSplit(cfg *config.Config, tag, workDir string) CustomSplit {
	return CustomSplit{
		Version:    cfg.CrystfelVersion,
		Tag:        tag,
		StreamGlob: filepath.Join(cfg.Layout().ResRoot, "run*-"+tag, "index", "*", "acq*.stream"),
		SplitList:  filepath.Join(workDir, CustomSplitListName),
		WorkDir:    workDir,
		Queue:      cfg.Scheduler.MergeQueue,
		TimeLimit:  cfg.Scheduler.MergeTimeLimit,
		Merge:      cfg.Merging,
	}
}

// Render returns the job script text
func (c CustomSplit) Render() (string, error) {
	return render(customSplitTmpl, c)
}

// Renderer is any job script
type Renderer interface {
	Render() (string, error)
}

// WriteScript renders r to dir/name with execute permission and returns the
// path
func WriteScript(r Renderer, dir, name string) (string, error) {
	text, err := r.Render()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create script dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o755); err != nil {
		return "", fmt.Errorf("failed to write script %s: %w", path, err)
	}
	return path, nil
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s script: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// Package config loads sfxflow settings from YAML files and SFXFLOW_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dshills/sfxflow/internal/datalist"
	"github.com/dshills/sfxflow/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. SFXFLOW_SCHEDULER_QUEUE
const EnvPrefix = "SFXFLOW"

// Config is the validated pipeline configuration
type Config struct {
	Beamline             string   `mapstructure:"beamline" yaml:"beamline"`
	ExperimentID         string   `mapstructure:"experiment_id" yaml:"experiment_id"`
	DetectorGeometryName string   `mapstructure:"detector_geometry_name" yaml:"detector_geometry_name"`
	CrystfelVersion      string   `mapstructure:"crystfel_version" yaml:"crystfel_version"`
	AllowedLaserStates   []string `mapstructure:"allowed_laser_states" yaml:"allowed_laser_states"`
	DataRoot             string   `mapstructure:"data_root" yaml:"data_root"`

	ListFileDirectoryPath         string `mapstructure:"list_file_directory_path" yaml:"list_file_directory_path"`
	InitialGeometryFilePath       string `mapstructure:"initial_geometry_file_path" yaml:"initial_geometry_file_path"`
	CellFilePath                  string `mapstructure:"cell_file_path" yaml:"cell_file_path"`
	GeometrySummaryPath           string `mapstructure:"geometry_summary_path" yaml:"geometry_summary_path"`
	GeometryOptimizationDirectory string `mapstructure:"geometry_optimization_directory" yaml:"geometry_optimization_directory"`
	StreamFileDirectory           string `mapstructure:"stream_file_directory" yaml:"stream_file_directory"`
	MergingDirectory              string `mapstructure:"merging_directory" yaml:"merging_directory"`
	MtzDirectory                  string `mapstructure:"mtz_directory" yaml:"mtz_directory"`

	Indexing             IndexingConfig             `mapstructure:"indexing" yaml:"indexing"`
	GeometryOptimization GeometryOptimizationConfig `mapstructure:"geometry_optimization" yaml:"geometry_optimization"`
	Merging              MergingConfig              `mapstructure:"merging" yaml:"merging"`
	Stats                StatsConfig                `mapstructure:"stats" yaml:"stats"`
	Scheduler            SchedulerConfig            `mapstructure:"scheduler" yaml:"scheduler"`
	Ledger               LedgerConfig               `mapstructure:"ledger" yaml:"ledger"`
	Metrics              MetricsConfig              `mapstructure:"metrics" yaml:"metrics"`
	Log                  LogConfig                  `mapstructure:"log" yaml:"log"`
}

// IndexingConfig holds the indexamajig parameters
type IndexingConfig struct {
	PeakFindingMethod string   `mapstructure:"peak_finding_method" yaml:"peak_finding_method"`
	PeakThreshold     int      `mapstructure:"peak_threshold" yaml:"peak_threshold"`
	MinSNR            float64  `mapstructure:"min_snr" yaml:"min_snr"`
	MinPixelCount     int      `mapstructure:"min_pixel_count" yaml:"min_pixel_count"`
	MinResolution     int      `mapstructure:"min_resolution" yaml:"min_resolution"`
	MaxResolution     int      `mapstructure:"max_resolution" yaml:"max_resolution"`
	IndexingMethod    string   `mapstructure:"indexing_method" yaml:"indexing_method"`
	IntegrationRadius string   `mapstructure:"integration_radius" yaml:"integration_radius"`
	IntegrationMethod string   `mapstructure:"integration_method" yaml:"integration_method"`
	LocalBgRadius     int      `mapstructure:"local_bg_radius" yaml:"local_bg_radius"`
	Threads           int      `mapstructure:"threads" yaml:"threads"`
	ExtraFlags        []string `mapstructure:"extra_flags" yaml:"extra_flags"`
}

// GeometryOptimizationConfig drives the camera-length scan
type GeometryOptimizationConfig struct {
	SampleSize      int     `mapstructure:"sample_size" yaml:"sample_size"`
	StepSize        float64 `mapstructure:"step_size" yaml:"step_size"`
	ClenCenter      float64 `mapstructure:"clen_center" yaml:"clen_center"`
	ClenHalfRange   int     `mapstructure:"clen_half_range" yaml:"clen_half_range"`
	RunRange        []int   `mapstructure:"run_range" yaml:"run_range"`
	Statistic       string  `mapstructure:"statistic" yaml:"statistic"`
	R2Tolerance     float64 `mapstructure:"r2_tolerance" yaml:"r2_tolerance"`
	AnalysisWorkers int     `mapstructure:"analysis_workers" yaml:"analysis_workers"`
	SampleSeed      uint64  `mapstructure:"sample_seed" yaml:"sample_seed"`
}

// MergingConfig holds the partialator parameters
type MergingConfig struct {
	UseOnlineStreams      bool    `mapstructure:"use_online_streams" yaml:"use_online_streams"`
	Symmetry              string  `mapstructure:"symmetry" yaml:"symmetry"`
	PartialityModel       string  `mapstructure:"partiality_model" yaml:"partiality_model"`
	PartialatorIterations int     `mapstructure:"partialator_iterations" yaml:"partialator_iterations"`
	PushRes               float64 `mapstructure:"pushres" yaml:"pushres"`
	MaxADU                int     `mapstructure:"max_adu" yaml:"max_adu"`
}

// StatsConfig holds figure-of-merit parameters
type StatsConfig struct {
	StatsHighRes float64 `mapstructure:"stats_highres" yaml:"stats_highres"`
}

// SchedulerConfig holds batch-scheduler settings
type SchedulerConfig struct {
	Queue          string        `mapstructure:"queue" yaml:"queue"`
	MergeQueue     string        `mapstructure:"merge_queue" yaml:"merge_queue"`
	CPUsPerTask    int           `mapstructure:"cpus_per_task" yaml:"cpus_per_task"`
	TimeLimit      string        `mapstructure:"time_limit" yaml:"time_limit"`
	MergeTimeLimit string        `mapstructure:"merge_time_limit" yaml:"merge_time_limit"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	UseAccounting  bool          `mapstructure:"use_accounting" yaml:"use_accounting"`
	QueryRate      float64       `mapstructure:"query_rate" yaml:"query_rate"`
	SubmitRetries  int           `mapstructure:"submit_retries" yaml:"submit_retries"`
}

// LedgerConfig locates the SQLite run ledger
type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig controls the Prometheus textfile export. An empty path
// disables it.
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("beamline", "")
	v.SetDefault("experiment_id", "")
	v.SetDefault("detector_geometry_name", "")
	v.SetDefault("crystfel_version", "0.11.1")
	v.SetDefault("allowed_laser_states", []string{"dark", "light", datalist.LaserStateAll})
	v.SetDefault("data_root", "/sf")

	for _, key := range []string{
		"list_file_directory_path", "initial_geometry_file_path", "cell_file_path",
		"geometry_summary_path", "geometry_optimization_directory", "stream_file_directory",
		"merging_directory", "mtz_directory",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("indexing.peak_finding_method", "peakfinder8")
	v.SetDefault("indexing.peak_threshold", 50)
	v.SetDefault("indexing.min_snr", 5.0)
	v.SetDefault("indexing.min_pixel_count", 2)
	v.SetDefault("indexing.min_resolution", 85)
	v.SetDefault("indexing.max_resolution", 3000)
	v.SetDefault("indexing.indexing_method", "xgandalf-latt-cell")
	v.SetDefault("indexing.integration_radius", "2,3,6")
	v.SetDefault("indexing.integration_method", "rings-grad")
	v.SetDefault("indexing.local_bg_radius", 4)
	v.SetDefault("indexing.threads", 36)
	v.SetDefault("indexing.extra_flags", []string{"--multi", "--retry", "--check-peaks"})

	v.SetDefault("geometry_optimization.sample_size", 5000)
	v.SetDefault("geometry_optimization.step_size", 0.0005)
	v.SetDefault("geometry_optimization.clen_center", 0.1215)
	v.SetDefault("geometry_optimization.clen_half_range", 10)
	v.SetDefault("geometry_optimization.run_range", []int{1, 1})
	v.SetDefault("geometry_optimization.statistic", types.StatStdC)
	v.SetDefault("geometry_optimization.r2_tolerance", 0.1)
	v.SetDefault("geometry_optimization.analysis_workers", 4)
	v.SetDefault("geometry_optimization.sample_seed", 0)

	v.SetDefault("merging.use_online_streams", false)
	v.SetDefault("merging.symmetry", "6/mmm")
	v.SetDefault("merging.partiality_model", "xsphere")
	v.SetDefault("merging.partialator_iterations", 1)
	v.SetDefault("merging.pushres", 1.0)
	v.SetDefault("merging.max_adu", 10000)

	v.SetDefault("stats.stats_highres", 1.8)

	v.SetDefault("scheduler.queue", "day")
	v.SetDefault("scheduler.merge_queue", "week")
	v.SetDefault("scheduler.cpus_per_task", 36)
	v.SetDefault("scheduler.time_limit", "23:00:00")
	v.SetDefault("scheduler.merge_time_limit", "3-00:00:00")
	v.SetDefault("scheduler.poll_interval", 30*time.Second)
	v.SetDefault("scheduler.wait_timeout", time.Duration(0))
	v.SetDefault("scheduler.use_accounting", false)
	v.SetDefault("scheduler.query_rate", 10.0)
	v.SetDefault("scheduler.submit_retries", 3)

	v.SetDefault("ledger.path", "sfxflow.db")
	v.SetDefault("metrics.textfile_path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration from path (or, when path is empty, from
// sfxflow.yaml in the working directory or $HOME/.config/sfxflow), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sfxflow")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "sfxflow"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in defaults without reading any file or
// environment variable.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// defaults are well-typed, Unmarshal cannot fail on them
	_ = v.Unmarshal(cfg)
	return cfg
}

// Validate checks the settings every command depends on. Path settings are
// checked by RequirePaths where a command needs them.
func (c *Config) Validate() error {
	var errs []error

	if len(c.AllowedLaserStates) == 0 {
		errs = append(errs, errors.New("allowed_laser_states must not be empty"))
	}

	g := c.GeometryOptimization
	if g.SampleSize <= 0 {
		errs = append(errs, fmt.Errorf("geometry_optimization.sample_size must be positive, got %d", g.SampleSize))
	}
	if g.StepSize <= 0 {
		errs = append(errs, fmt.Errorf("geometry_optimization.step_size must be positive, got %g", g.StepSize))
	}
	if g.ClenCenter <= 0 {
		errs = append(errs, fmt.Errorf("geometry_optimization.clen_center must be positive, got %g", g.ClenCenter))
	}
	if g.ClenHalfRange < 1 {
		errs = append(errs, fmt.Errorf("geometry_optimization.clen_half_range must be at least 1, got %d", g.ClenHalfRange))
	} else if g.ClenCenter-float64(g.ClenHalfRange)*g.StepSize <= 0 {
		errs = append(errs, errors.New("geometry_optimization sweep reaches a non-positive camera length"))
	}
	if len(g.RunRange) != 2 || g.RunRange[0] > g.RunRange[1] || g.RunRange[0] < 0 {
		errs = append(errs, fmt.Errorf("geometry_optimization.run_range must be [first, last], got %v", g.RunRange))
	}
	if !slices.Contains(types.StatNames, g.Statistic) {
		errs = append(errs, fmt.Errorf("geometry_optimization.statistic %q is not one of %v", g.Statistic, types.StatNames))
	}
	if g.R2Tolerance < 0 || g.R2Tolerance > 1 {
		errs = append(errs, fmt.Errorf("geometry_optimization.r2_tolerance must be in [0, 1], got %g", g.R2Tolerance))
	}
	if g.AnalysisWorkers < 1 {
		errs = append(errs, fmt.Errorf("geometry_optimization.analysis_workers must be at least 1, got %d", g.AnalysisWorkers))
	}

	s := c.Scheduler
	if s.Queue == "" || s.MergeQueue == "" {
		errs = append(errs, errors.New("scheduler.queue and scheduler.merge_queue must be set"))
	}
	if s.CPUsPerTask < 1 {
		errs = append(errs, fmt.Errorf("scheduler.cpus_per_task must be at least 1, got %d", s.CPUsPerTask))
	}
	if s.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.poll_interval must be positive, got %s", s.PollInterval))
	}
	if s.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("scheduler.wait_timeout must not be negative, got %s", s.WaitTimeout))
	}
	if s.QueryRate <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.query_rate must be positive, got %g", s.QueryRate))
	}
	if s.SubmitRetries < 0 {
		errs = append(errs, fmt.Errorf("scheduler.submit_retries must not be negative, got %d", s.SubmitRetries))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// RequirePaths reports every named setting that is empty. Names are the YAML
// keys, e.g. "cell_file_path".
func (c *Config) RequirePaths(names ...string) error {
	values := map[string]string{
		"beamline":                        c.Beamline,
		"experiment_id":                   c.ExperimentID,
		"detector_geometry_name":          c.DetectorGeometryName,
		"list_file_directory_path":        c.ListFileDirectoryPath,
		"initial_geometry_file_path":      c.InitialGeometryFilePath,
		"cell_file_path":                  c.CellFilePath,
		"geometry_summary_path":           c.GeometrySummaryPath,
		"geometry_optimization_directory": c.GeometryOptimizationDirectory,
		"stream_file_directory":           c.StreamFileDirectory,
		"merging_directory":               c.MergingDirectory,
		"mtz_directory":                   c.MtzDirectory,
	}
	var missing []string
	for _, name := range names {
		v, ok := values[name]
		if !ok {
			return fmt.Errorf("unknown setting %q", name)
		}
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Layout returns the facility directory layout for this experiment
func (c *Config) Layout() datalist.Layout {
	base := filepath.Join(c.DataRoot, c.Beamline, "data", c.ExperimentID)
	return datalist.Layout{
		RawRoot:       filepath.Join(base, "raw"),
		ResRoot:       filepath.Join(base, "res"),
		Detector:      c.DetectorGeometryName,
		AllowedStates: c.AllowedLaserStates,
	}
}

// Runs expands the configured run range, inclusive on both ends
func (c *Config) Runs() []int {
	r := c.GeometryOptimization.RunRange
	if len(r) != 2 {
		return nil
	}
	runs := make([]int, 0, r[1]-r[0]+1)
	for run := r[0]; run <= r[1]; run++ {
		runs = append(runs, run)
	}
	return runs
}

// Render writes the effective configuration as YAML
func (c *Config) Render(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	return enc.Close()
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/sfxflow/internal/optimizer"
	"github.com/dshills/sfxflow/internal/storage"
	"github.com/dshills/sfxflow/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeRunNotFound        = -32001 // Run number has no ledger entry
	ErrorCodeAnalysisInProgress = -32002 // Another analysis is already running
	ErrorCodeScanNotFound       = -32003 // Scan directory missing
	ErrorCodeTooFewCandidates   = -32004 // Scan has too few usable candidates
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	timeFormat       = "2006-01-02T15:04:05Z07:00"
)

// handleListRuns handles the list_runs tool invocation
func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	filter := storage.RunFilter{Limit: getIntDefault(args, "limit", defaultListLimit)}
	if filter.Limit < 1 || filter.Limit > maxListLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be between 1 and 1000", map[string]interface{}{
			"param": "limit",
			"value": filter.Limit,
		})
	}

	if state := getStringDefault(args, "state", ""); state != "" {
		if !slices.Contains(types.RunStates, types.RunState(state)) {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid state", map[string]interface{}{
				"param":   "state",
				"value":   state,
				"allowed": runStateNames(),
			})
		}
		filter.State = types.RunState(state)
	}

	if run := getIntDefault(args, "run_number", 0); run != 0 {
		if run < 0 {
			return nil, invalidRunNumber(run)
		}
		filter.RunNumber = run
	}

	summary, err := s.ledger.GetSummary(ctx)
	if err != nil {
		return nil, internalError("failed to read ledger summary", err)
	}
	runs, err := s.ledger.ListRuns(ctx, filter)
	if err != nil {
		return nil, internalError("failed to list runs", err)
	}

	byState := make(map[string]int, len(summary.RunsByState))
	for state, n := range summary.RunsByState {
		byState[string(state)] = n
	}
	listed := make([]map[string]interface{}, 0, len(runs))
	for _, r := range runs {
		listed = append(listed, runJSON(r))
	}

	response := map[string]interface{}{
		"summary": map[string]interface{}{
			"batches":       summary.Batches,
			"runs":          summary.Runs,
			"runs_by_state": byState,
			"candidates":    summary.Candidates,
			"jobs":          summary.Jobs,
			"last_update":   formatTime(summary.LastUpdate),
			"size_mb":       fmt.Sprintf("%.2f", summary.SizeMB),
			"build_mode":    summary.BuildMode,
		},
		"runs": listed,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetRun handles the get_run tool invocation
func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	id := getIntDefault(args, "id", 0)
	run := getIntDefault(args, "run_number", 0)

	var rec *storage.Run
	switch {
	case id > 0:
		rec, err = s.ledger.GetRun(ctx, int64(id))
	case run > 0:
		rec, err = s.ledger.GetLatestRun(ctx, run)
	default:
		return nil, invalidRunNumber(run)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newMCPError(ErrorCodeRunNotFound, "run not in ledger", map[string]interface{}{
			"run_number": run,
			"id":         id,
			"message":    "Run has never been optimized. Use `sfxflow optimize` to scan it.",
		})
	}
	if err != nil {
		return nil, internalError("failed to get run", err)
	}

	batch, err := s.ledger.GetBatch(ctx, rec.BatchID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, internalError("failed to get batch", err)
	}

	cands, err := s.ledger.ListCandidates(ctx, rec.ID)
	if err != nil {
		return nil, internalError("failed to list candidates", err)
	}
	listed := make([]map[string]interface{}, 0, len(cands))
	for _, c := range cands {
		listed = append(listed, map[string]interface{}{
			"clen":      types.ClenKey(c.Clen),
			"job_id":    int64(c.JobID),
			"job_state": string(c.JobState),
			"analyzed":  c.Analyzed,
			"stats":     statsJSON(c.Stats),
		})
	}

	response := runJSON(rec)
	response["candidates"] = listed
	if batch != nil {
		response["batch"] = map[string]interface{}{
			"id":         batch.ID,
			"kind":       batch.Kind,
			"created_at": formatTime(batch.CreatedAt),
		}
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleAnalyzeScan handles the analyze_scan tool invocation
func (s *Server) handleAnalyzeScan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	dir := getStringDefault(args, "path", "")
	if dir == "" {
		run := getIntDefault(args, "run_number", 0)
		if run <= 0 {
			return nil, newMCPError(ErrorCodeInvalidParams, "path or run_number is required", map[string]interface{}{
				"param":  "path",
				"reason": "missing or empty",
			})
		}
		dir = filepath.Join(s.cfg.GeometryOptimizationDirectory, fmt.Sprintf("run%04d", run))
	}
	if err := validateScanDir(dir); err != nil {
		code := ErrorCodeInvalidParams
		if errors.Is(err, ErrPathNotFound) {
			code = ErrorCodeScanNotFound
		}
		return nil, newMCPError(code, "invalid scan directory", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}

	analyzer := s.analyzer
	if name := getStringDefault(args, "statistic", ""); name != "" {
		analyzer, err = s.analyzer.WithStatistic(name)
		if err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid statistic", map[string]interface{}{
				"param":   "statistic",
				"value":   name,
				"allowed": types.StatNames,
			})
		}
	}

	if !s.lock.TryAcquire() {
		return nil, newMCPError(ErrorCodeAnalysisInProgress, "another analysis is in progress", nil)
	}
	defer s.lock.Release()

	start := time.Now()
	analysis, err := analyzer.Analyze(ctx, dir)
	if errors.Is(err, types.ErrTooFewCandidates) {
		return nil, newMCPError(ErrorCodeTooFewCandidates, "too few usable candidates to fit", map[string]interface{}{
			"path":       dir,
			"used":       analysis.Used(),
			"candidates": len(analysis.Results),
			"minimum":    optimizer.MinFitPoints,
		})
	}
	if err != nil {
		return nil, internalError("analysis failed", err)
	}
	s.logger.Info("scan analyzed over mcp", "dir", dir, "clen", types.ClenKey(analysis.Optimum.Clen))

	cands := make([]map[string]interface{}, 0, len(analysis.Results))
	for _, r := range analysis.Results {
		c := map[string]interface{}{
			"clen":   r.Candidate.Key(),
			"parsed": r.Parsed,
		}
		if r.Parsed {
			c["stats"] = statsJSON(r.Stats)
		}
		if r.Skipped != "" {
			c["skipped"] = r.Skipped
		}
		cands = append(cands, c)
	}

	opt := analysis.Optimum
	response := map[string]interface{}{
		"path":        dir,
		"statistic":   analysis.Statistic,
		"optimum":     types.ClenKey(opt.Clen),
		"r2":          finite(opt.R2),
		"points":      opt.Points,
		"summary":     analysis.SummaryPath,
		"candidates":  cands,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if opt.Warning != nil {
		response["warning"] = opt.Warning.String()
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

func runJSON(r *storage.Run) map[string]interface{} {
	out := map[string]interface{}{
		"id":         r.ID,
		"batch_id":   r.BatchID,
		"run_number": r.RunNumber,
		"state":      string(r.State),
		"work_dir":   r.WorkDir,
		"started_at": formatTime(r.StartedAt),
		"updated_at": formatTime(r.UpdatedAt),
	}
	if r.OptimumClen != nil {
		out["optimum_clen"] = types.ClenKey(*r.OptimumClen)
	}
	if r.R2 != nil {
		out["r2"] = finite(*r.R2)
	}
	if r.FinalGeometry != "" {
		out["final_geometry"] = r.FinalGeometry
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.FinishedAt != nil {
		out["finished_at"] = formatTime(*r.FinishedAt)
	}
	return out
}

func statsJSON(st types.CandidateStats) map[string]interface{} {
	out := make(map[string]interface{}, len(types.StatNames))
	for _, name := range types.StatNames {
		v, _ := st.Stat(name)
		out[name] = finite(v)
	}
	return out
}

// finite maps NaN and infinities to JSON null
func finite(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeFormat)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

func invalidRunNumber(run int) error {
	return newMCPError(ErrorCodeInvalidParams, "run_number must be a positive integer", map[string]interface{}{
		"param": "run_number",
		"value": run,
	})
}

func internalError(message string, err error) error {
	return newMCPError(ErrorCodeInternalError, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// validateScanDir checks that path is an absolute, readable directory
func validateScanDir(path string) error {
	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()
	return nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// Validation helpers

var (
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)

package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/sfxflow/pkg/types"
)

// listRunsTool returns the tool definition for list_runs
func listRunsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_runs",
		Description: "Summarise the run ledger and list the latest optimization runs",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"state": map[string]interface{}{
					"type":        "string",
					"description": "Only list runs in this state",
					"enum":        runStateNames(),
				},
				"run_number": map[string]interface{}{
					"type":        "integer",
					"description": "Only list attempts of this run number",
					"minimum":     1,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of runs to return (1-1000)",
					"default":     50,
					"minimum":     1,
					"maximum":     1000,
				},
			},
		},
	}
}

// getRunTool returns the tool definition for get_run
func getRunTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_run",
		Description: "Show an optimization attempt of a run with its scan candidates. Without id the latest attempt of run_number is shown.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"run_number": map[string]interface{}{
					"type":        "integer",
					"description": "Run number",
					"minimum":     1,
				},
				"id": map[string]interface{}{
					"type":        "integer",
					"description": "Ledger id of a specific attempt, as returned by list_runs",
					"minimum":     1,
				},
			},
		},
	}
}

// analyzeScanTool returns the tool definition for analyze_scan
func analyzeScanTool() mcp.Tool {
	return mcp.Tool{
		Name: "analyze_scan",
		Description: "Re-analyze an existing camera-length scan directory and report the optimal camera length. " +
			"Nothing is submitted; the scan summary table is rewritten.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Absolute path to a scan directory holding <clen>/<clen>.stream",
				},
				"run_number": map[string]interface{}{
					"type":        "integer",
					"description": "Run whose scan directory under geometry_optimization_directory is analyzed, used when path is absent",
					"minimum":     1,
				},
				"statistic": map[string]interface{}{
					"type":        "string",
					"description": "Statistic to minimise",
					"enum":        types.StatNames,
				},
			},
		},
	}
}

func runStateNames() []string {
	names := make([]string, 0, len(types.RunStates))
	for _, s := range types.RunStates {
		names = append(names, string(s))
	}
	return names
}

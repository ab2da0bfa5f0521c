// Package mcp implements the Model Context Protocol (MCP) server for sfxflow.
//
// The MCP server exposes three read-mostly tools to assistants:
//   - list_runs: Summarise the run ledger and list optimization runs
//   - get_run: Show the latest attempt of a run (or one attempt by ledger id) with its scan candidates
//   - analyze_scan: Re-analyze an existing camera-length scan directory
//
// Nothing is ever submitted to the batch scheduler from this package.
//
// # Basic Usage
//
// The server is started via the serve command and speaks JSON-RPC 2.0 over
// stdin/stdout:
//
//	sfxflow serve --config sfxflow.yaml
//
// # Tool: analyze_scan
//
//	Request:
//	{
//	  "name": "analyze_scan",
//	  "arguments": {
//	    "run_number": 8,
//	    "statistic": "std_c"
//	  }
//	}
//
//	Response:
//	{
//	  "optimum": "0.12160",
//	  "r2": 0.93,
//	  "points": 21,
//	  "statistic": "std_c",
//	  "summary": "/work/geometry/run0008/lattice_stats_summary.csv",
//	  "candidates": [...]
//	}
//
// Only one analysis runs at a time; a concurrent call fails fast with
// -32002 instead of queueing.
//
// # Error Handling
//
// Errors are returned as *MCPError with JSON-RPC style codes:
//   - -32602: Invalid params (missing/invalid arguments)
//   - -32603: Internal error (ledger, filesystem, etc.)
//   - -32001: Run not in ledger
//   - -32002: Analysis in progress
//   - -32003: Scan directory not found
//   - -32004: Too few usable candidates to fit
//
// # Logging
//
// The server logs to stderr through slog. stdout is reserved for the
// protocol.
package mcp

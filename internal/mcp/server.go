package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/sfxflow/internal/config"
	"github.com/dshills/sfxflow/internal/logging"
	"github.com/dshills/sfxflow/internal/optimizer"
	"github.com/dshills/sfxflow/internal/storage"
)

// ServerName is the MCP server name
const ServerName = "sfxflow"

// Server wraps the MCP server with the pipeline's ledger and analyzer
type Server struct {
	mcp      *server.MCPServer
	cfg      *config.Config
	ledger   storage.Ledger
	analyzer *optimizer.Analyzer
	lock     optimizer.RunLock
	logger   *slog.Logger
}

// NewServer creates a new MCP server instance. The ledger stays owned by the
// caller.
func NewServer(cfg *config.Config, ledger storage.Ledger, analyzer *optimizer.Analyzer, logger *slog.Logger, version string) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("mcp server needs a config")
	}
	if ledger == nil {
		return nil, errors.New("mcp server needs a ledger")
	}
	if analyzer == nil {
		analyzer = optimizer.NewAnalyzer(cfg.GeometryOptimization, nil, nil, logger)
	}

	s := &Server{
		mcp:      server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
		cfg:      cfg,
		ledger:   ledger,
		analyzer: analyzer,
		logger:   logging.Module(logger, "mcp"),
	}

	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// Serve speaks MCP over in and out until ctx is cancelled or in is closed.
// Protocol errors go to the logger; out carries protocol messages only.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerTools registers all MCP tools
func (s *Server) registerTools() error {
	s.mcp.AddTool(listRunsTool(), s.handleListRuns)
	s.mcp.AddTool(getRunTool(), s.handleGetRun)
	s.mcp.AddTool(analyzeScanTool(), s.handleAnalyzeScan)
	return nil
}

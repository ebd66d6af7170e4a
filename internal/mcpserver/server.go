// Package mcpserver exposes the engine as MCP tools over stdio JSON-RPC so
// assistants can read fused scores and briefing callouts and report
// corrections back.
package mcpserver

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sells-group/signal-engine/internal/engine"
)

// Server holds the engine the tools call.
type Server struct {
	eng *engine.Engine
}

// NewServer creates an MCP server backed by eng.
func NewServer(eng *engine.Engine) *Server {
	return &Server{eng: eng}
}

// Tools lists every tool with its handler.
func (s *Server) Tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: recordSignalTool(), Handler: s.handleRecordSignal},
		{Tool: fusedScoreTool(), Handler: s.handleFusedScore},
		{Tool: resolveRecordTool(), Handler: s.handleResolveRecord},
		{Tool: correctAssignmentTool(), Handler: s.handleCorrectAssignment},
		{Tool: listCalloutsTool(), Handler: s.handleListCallouts},
		{Tool: surfaceCalloutTool(), Handler: s.handleSurfaceCallout},
		{Tool: dismissCalloutTool(), Handler: s.handleDismissCallout},
		{Tool: runDetectorsTool(), Handler: s.handleRunDetectors},
		{Tool: enqueueSyncTool(), Handler: s.handleEnqueueSync},
		{Tool: syncWarningsTool(), Handler: s.handleSyncWarnings},
	}
}

// Run serves the tools on in/out until ctx is cancelled or in is closed.
func (s *Server) Run(ctx context.Context, version string, in io.Reader, out io.Writer) error {
	mcpServer := server.NewMCPServer(
		"signal-engine",
		version,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(s.Tools()...)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(zap.L().Named("mcp")))

	zap.L().Info("mcp: serving on stdio", zap.Int("tools", len(s.Tools())))
	return stdio.Listen(ctx, in, out)
}

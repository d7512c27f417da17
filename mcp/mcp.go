// Package mcp exposes the pipeline as Model Context Protocol tools so an MCP
// client can start stages, poll progress and list rendered reports.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"dfirpipe/report"
	"dfirpipe/runner"
	"dfirpipe/status"
)

// Pipeline is the part of the coordinator the tools drive
type Pipeline interface {
	StartAnalysis(req runner.AnalysisRequest) (runner.PipelineRun, error)
	StartReport(req runner.ReportRequest) (runner.PipelineRun, error)
	Status() status.Record
}

// Server wraps the MCP server around a pipeline
type Server struct {
	mcpServer  *mcpserver.MCPServer
	pipeline   Pipeline
	reportsDir string
	logger     *slog.Logger
}

// New creates an MCP server with the pipeline tools registered
func New(pipeline Pipeline, reportsDir, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline:   pipeline,
		reportsDir: reportsDir,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"dfirpipe",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the tools over stdin/stdout until the client disconnects
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

// HTTPHandler returns the streamable HTTP transport, mounted at /mcp
func (s *Server) HTTPHandler() *mcpserver.StreamableHTTPServer {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("start_analysis",
			mcplib.WithDescription("Start the DFIR analysis stage on an evidence file. Returns immediately; poll get_status for progress."),
			mcplib.WithString("file_path", mcplib.Description("Evidence file to analyze, absolute or inside the upload directory"), mcplib.Required()),
			mcplib.WithString("user_prompt", mcplib.Description("What the analyst wants investigated")),
		),
		s.handleStartAnalysis,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("start_report",
			mcplib.WithDescription("Render the HTML incident report from the stored analysis. Requires a completed analysis."),
			mcplib.WithString("incident_title", mcplib.Description("Title used for the report and its file name")),
		),
		s.handleStartReport,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_status",
			mcplib.WithDescription("Current pipeline progress: running flag, step, progress text, errors and warnings"),
		),
		s.handleGetStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("list_reports",
			mcplib.WithDescription("Rendered HTML reports, newest first"),
		),
		s.handleListReports,
	)
}

func (s *Server) handleStartAnalysis(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filePath := request.GetString("file_path", "")
	if filePath == "" {
		return errorResult("file_path is required"), nil
	}

	run, err := s.pipeline.StartAnalysis(runner.AnalysisRequest{
		FilePath:   filePath,
		UserPrompt: request.GetString("user_prompt", ""),
	})
	if err != nil {
		return startError(err), nil
	}
	s.logger.Info("🚀 analysis triggered over mcp", "run_id", run.ID)
	return jsonResult(run)
}

func (s *Server) handleStartReport(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	run, err := s.pipeline.StartReport(runner.ReportRequest{
		IncidentTitle: request.GetString("incident_title", ""),
	})
	if err != nil {
		return startError(err), nil
	}
	s.logger.Info("🚀 report triggered over mcp", "run_id", run.ID)
	return jsonResult(run)
}

func (s *Server) handleGetStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.pipeline.Status())
}

func (s *Server) handleListReports(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	entries, err := report.List(s.reportsDir)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list reports: %v", err)), nil
	}
	return jsonResult(entries)
}

func startError(err error) *mcplib.CallToolResult {
	if errors.Is(err, runner.ErrStageBusy) {
		return errorResult("stage is already running; poll get_status until it finishes")
	}
	return errorResult(err.Error())
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

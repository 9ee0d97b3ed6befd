// Package mcp implements the Model Context Protocol server for tabsynth.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ajitpratap0/tabsynth/internal/generation"
	"github.com/ajitpratap0/tabsynth/internal/ingest"
	"github.com/ajitpratap0/tabsynth/internal/lifecycle"
)

// Defaults applies when a tool call leaves epochs or rows unset.
type Defaults struct {
	Epochs int
	Rows   int
}

// Server wraps an MCPServer with tabsynth dependencies.
type Server struct {
	mcp      *mcpserver.MCPServer
	ingester *ingest.Ingester
	manager  *lifecycle.Manager
	pipeline *generation.Pipeline
	defaults Defaults
	logger   *slog.Logger
}

// NewServer creates a new MCP server exposing ingest, train, generate and
// status tools.
func NewServer(in *ingest.Ingester, mgr *lifecycle.Manager, pipe *generation.Pipeline, defaults Defaults, logger *slog.Logger) *Server {
	s := &Server{
		ingester: in,
		manager:  mgr,
		pipeline: pipe,
		defaults: defaults,
		logger:   logger,
	}

	mcpSrv := mcpserver.NewMCPServer(
		"tabsynth",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)

	mcpSrv.AddTool(buildIngestTool(), s.handleIngest)
	mcpSrv.AddTool(buildTrainTool(), s.handleTrain)
	mcpSrv.AddTool(buildGenerateTool(), s.handleGenerate)
	mcpSrv.AddTool(buildStatusTool(), s.handleStatus)

	s.mcp = mcpSrv
	return s
}

// MCPServer returns the underlying mcp-go MCPServer for use with ServeStdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// HandleIngest is the exported handler for the "ingest_file" tool.
// It is exposed for direct testing without the mcp-go transport layer.
func (s *Server) HandleIngest(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleIngest(ctx, req)
}

// HandleTrain is the exported handler for the "train" tool.
func (s *Server) HandleTrain(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleTrain(ctx, req)
}

// HandleGenerate is the exported handler for the "generate" tool.
func (s *Server) HandleGenerate(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleGenerate(ctx, req)
}

// HandleStatus is the exported handler for the "status" tool.
func (s *Server) HandleStatus(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleStatus(ctx, req)
}

// --- helpers ---

// toolResultJSON marshals v to JSON and returns it as a tool text result.
func toolResultJSON(v any) (*mcpgo.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshaling result: %w", err)
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// intArg reads an optional whole-number argument. Fractional and
// non-numeric values are rejected rather than truncated.
func intArg(req mcpgo.CallToolRequest, name string, def int) (int, error) {
	raw, ok := req.GetArguments()[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
			return 0, fmt.Errorf("%s must be a whole number, got %v", name, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", name, raw)
	}
}

// --- tool definitions ---

func buildIngestTool() mcpgo.Tool {
	return mcpgo.NewTool("ingest_file",
		mcpgo.WithDescription("Ingest a local CSV file and make it the current training dataset."),
		mcpgo.WithString("path",
			mcpgo.Required(),
			mcpgo.Description("Path to a .csv file readable by the server"),
		),
	)
}

func buildTrainTool() mcpgo.Tool {
	return mcpgo.NewTool("train",
		mcpgo.WithDescription("Train a synthesizer on the current dataset and persist it."),
		mcpgo.WithNumber("epochs",
			mcpgo.Description("Training passes (default: 200)"),
		),
		mcpgo.WithBoolean("drop_duplicates",
			mcpgo.Description("Remove exact duplicate rows before training"),
		),
		mcpgo.WithBoolean("drop_nulls",
			mcpgo.Description("Remove rows with any missing value before training"),
		),
	)
}

func buildGenerateTool() mcpgo.Tool {
	return mcpgo.NewTool("generate",
		mcpgo.WithDescription("Sample synthetic rows from the trained model and write the synthetic CSV."),
		mcpgo.WithNumber("rows",
			mcpgo.Description("Number of rows to generate (default: 100)"),
		),
	)
}

func buildStatusTool() mcpgo.Tool {
	return mcpgo.NewTool("status",
		mcpgo.WithDescription("Report whether a model is trained, persisted, or busy."),
	)
}

// --- tool handlers ---

// handleIngest reads a CSV from the local filesystem into the upload directory.
func (s *Server) handleIngest(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	path := req.GetString("path", "")
	if strings.TrimSpace(path) == "" {
		return mcpgo.NewToolResultError("path is required and must not be empty"), nil
	}

	res, err := s.ingester.IngestFile(ctx, path)
	if err != nil {
		return mcpgo.NewToolResultErrorf("ingest failed: %s", err.Error()), nil
	}

	s.logger.Info("mcp: ingested dataset", "file", res.Filename, "rows", res.Rows)
	return toolResultJSON(res)
}

// handleTrain trains on the current dataset.
func (s *Server) handleTrain(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	epochs, err := intArg(req, "epochs", s.defaults.Epochs)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	res, err := s.manager.Train(ctx, lifecycle.TrainRequest{
		Epochs:         epochs,
		DropDuplicates: req.GetBool("drop_duplicates", false),
		DropNulls:      req.GetBool("drop_nulls", false),
	})
	if err != nil {
		return mcpgo.NewToolResultErrorf("training failed: %s", err.Error()), nil
	}
	return toolResultJSON(res)
}

// handleGenerate samples rows and writes the output file.
func (s *Server) handleGenerate(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	rows, err := intArg(req, "rows", s.defaults.Rows)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	res, err := s.pipeline.Generate(ctx, rows)
	if err != nil {
		return mcpgo.NewToolResultErrorf("generation failed: %s", err.Error()), nil
	}
	return toolResultJSON(res)
}

// handleStatus returns the lifecycle status.
func (s *Server) handleStatus(_ context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return toolResultJSON(s.manager.Status())
}

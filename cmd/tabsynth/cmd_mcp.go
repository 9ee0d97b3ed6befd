package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	tabmcp "github.com/ajitpratap0/tabsynth/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP (Model Context Protocol) server over stdio",
		Long: `Starts an MCP JSON-RPC 2.0 server that reads from stdin and writes to stdout.
All diagnostic logs go to stderr so that stdout remains exclusively MCP protocol traffic.

Tools exposed:
  ingest_file  make a local CSV the current dataset
  train        train and persist a synthesizer
  generate     sample synthetic rows into the output CSV
  status       report model state`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()

			svc, err := newService(logger)
			if err != nil {
				return fmt.Errorf("mcp: %w", err)
			}

			srv := tabmcp.NewServer(svc.ingester, svc.manager, svc.pipeline, tabmcp.Defaults{
				Epochs: cfg.Training.DefaultEpochs,
				Rows:   cfg.Generation.DefaultRows,
			}, logger)

			// Use a standard log.Logger pointing at stderr for the mcp-go error logger.
			errLogger := log.New(os.Stderr, "mcp: ", log.LstdFlags)

			logger.Info("mcp: tabsynth MCP server starting", "transport", "stdio")

			return mcpserver.ServeStdio(
				srv.MCPServer(),
				mcpserver.WithErrorLogger(errLogger),
			)
		},
	}

	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file.csv]",
		Short: "Copy a CSV into the data directory and make it the current dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			svc, err := newService(logger)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			res, err := svc.ingester.IngestFile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			fmt.Printf("Ingested %s: %d rows, %d columns\n", res.Filename, res.Rows, len(res.Columns))
			fmt.Printf("Stored at %s\n", res.Path)
			return nil
		},
	}
}

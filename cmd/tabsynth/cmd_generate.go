package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func generateCmd() *cobra.Command {
	var rows int

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample synthetic rows from the trained model",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			svc, err := newService(logger)
			if err != nil {
				return fmt.Errorf("generate: %w", err)
			}
			if !cmd.Flags().Changed("rows") {
				rows = cfg.Generation.DefaultRows
			}

			res, err := svc.pipeline.Generate(cmd.Context(), rows)
			if err != nil {
				return fmt.Errorf("generate: %w", err)
			}

			fmt.Printf("%s: %d rows written to %s\n", res.Message, res.Rows, res.OutputPath)
			return nil
		},
	}

	cmd.Flags().IntVar(&rows, "rows", 0, "number of rows (default: generation.default_rows)")
	return cmd
}

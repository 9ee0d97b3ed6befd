package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/tabsynth/internal/store"
)

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current dataset and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			svc, err := newService(logger)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			dataset, err := svc.datasets.ResolveCurrent()
			if err != nil && !errors.Is(err, store.ErrNoDataset) {
				return fmt.Errorf("status: %w", err)
			}

			// A fresh process has nothing resident; load the artifact so the
			// manifest can be shown.
			if _, loadErr := svc.manager.EnsureLoaded(cmd.Context()); loadErr != nil {
				logger.Debug("no model loaded", "error", loadErr)
			}
			st := svc.manager.Status()

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"dataset": dataset, "model": st})
			}

			if dataset == "" {
				fmt.Println("Dataset: none (ingest a CSV first)")
			} else {
				fmt.Printf("Dataset: %s\n", filepath.Base(dataset))
			}
			fmt.Printf("Model:   %s\n", st.State)
			if st.Model != nil {
				fmt.Printf("  run id:   %s\n", st.Model.RunID)
				fmt.Printf("  trained:  %s\n", st.Model.TrainedAt.Format("2006-01-02 15:04:05 MST"))
				fmt.Printf("  epochs:   %d\n", st.Model.Epochs)
				fmt.Printf("  rows:     %d\n", st.Model.TrainingRows)
				fmt.Println("  columns:")
				for _, c := range st.Model.Metadata.Columns {
					fmt.Printf("    %-24s %s\n", c.Name, c.Kind)
				}
			}
			if _, statErr := os.Stat(svc.pipeline.OutputPath()); statErr == nil {
				fmt.Printf("Output:  %s\n", svc.pipeline.OutputPath())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

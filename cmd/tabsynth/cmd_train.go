package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/tabsynth/internal/lifecycle"
)

func trainCmd() *cobra.Command {
	var (
		epochs         int
		dataset        string
		dropDuplicates bool
		dropNulls      bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a synthesizer on the current dataset",
		Long: `Trains on the most recently ingested dataset (or --dataset) and writes the
model artifact into the data directory, replacing the previous one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			svc, err := newService(logger)
			if err != nil {
				return fmt.Errorf("train: %w", err)
			}
			if !cmd.Flags().Changed("epochs") {
				epochs = cfg.Training.DefaultEpochs
			}

			res, err := svc.manager.Train(cmd.Context(), lifecycle.TrainRequest{
				DatasetPath:    dataset,
				Epochs:         epochs,
				DropDuplicates: dropDuplicates,
				DropNulls:      dropNulls,
			})
			if err != nil {
				return fmt.Errorf("train: %w", err)
			}

			fmt.Println(res.Message)
			fmt.Printf("  run id:        %s\n", res.RunID)
			fmt.Printf("  dataset:       %s\n", res.DatasetPath)
			fmt.Printf("  rows:          %d of %d used\n", res.TrainingRows, res.InputRows)
			fmt.Printf("  columns:       %s\n", strings.Join(res.Columns, ", "))
			fmt.Printf("  epochs:        %d\n", res.Epochs)
			fmt.Printf("  duration:      %s\n", res.Duration.Round(time.Millisecond))
			fmt.Printf("  model:         %s\n", res.ModelPath)
			return nil
		},
	}

	cmd.Flags().IntVar(&epochs, "epochs", 0, "training passes (default: training.default_epochs)")
	cmd.Flags().StringVar(&dataset, "dataset", "", "train on this CSV instead of the current dataset")
	cmd.Flags().BoolVar(&dropDuplicates, "drop-duplicates", false, "remove exact duplicate rows first")
	cmd.Flags().BoolVar(&dropNulls, "drop-nulls", false, "remove rows with missing values")
	return cmd
}

// Package generation samples synthetic rows from the resident model and
// writes them to the canonical output file.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
	"github.com/ajitpratap0/tabsynth/internal/metrics"
	"github.com/ajitpratap0/tabsynth/internal/synth"
)

const (
	DefaultMaxRows = 100000

	// PreviewRows is how many generated rows are echoed back in a Result.
	PreviewRows = 10
)

// ErrInvalidRowCount is returned for a row count outside 1..max.
var ErrInvalidRowCount = errors.New("invalid row count")

// ModelRunner gives exclusive access to the resident model.
type ModelRunner interface {
	WithModel(ctx context.Context, fn func(*synth.Trained) error) error
}

// Result summarizes a generation run.
type Result struct {
	Message    string              `json:"message"`
	Rows       int                 `json:"rows"`
	Columns    []string            `json:"columns"`
	OutputPath string              `json:"output_path"`
	RunID      string              `json:"run_id"`
	Preview    []map[string]string `json:"preview"`
}

// Pipeline produces synthetic datasets.
type Pipeline struct {
	models     ModelRunner
	outputPath string
	maxRows    int
	logger     *slog.Logger
}

// NewPipeline creates a pipeline writing to outputPath. maxRows <= 0 selects
// DefaultMaxRows.
func NewPipeline(models ModelRunner, outputPath string, maxRows int, logger *slog.Logger) *Pipeline {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Pipeline{models: models, outputPath: outputPath, maxRows: maxRows, logger: logger}
}

// OutputPath returns the canonical output location.
func (p *Pipeline) OutputPath() string { return p.outputPath }

// Generate samples rows rows and replaces the output file with them.
func (p *Pipeline) Generate(ctx context.Context, rows int) (*Result, error) {
	if rows < 1 || rows > p.maxRows {
		return nil, fmt.Errorf("%w: rows must be between 1 and %d, got %d", ErrInvalidRowCount, p.maxRows, rows)
	}

	var res *Result
	err := p.models.WithModel(ctx, func(t *synth.Trained) error {
		out, err := t.Model.Sample(ctx, rows)
		if err != nil {
			return fmt.Errorf("sampling: %w", err)
		}
		want := t.Metadata.Names()
		if out.NumRows() != rows {
			return fmt.Errorf("sampling returned %d rows, want %d", out.NumRows(), rows)
		}
		if !slices.Equal(out.Columns, want) {
			return fmt.Errorf("sampling returned columns %v, want %v", out.Columns, want)
		}
		if err := dataset.WriteFileAtomic(p.outputPath, out); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		res = &Result{
			Message:    "Synthetic dataset generated",
			Rows:       out.NumRows(),
			Columns:    out.Columns,
			OutputPath: p.outputPath,
			RunID:      t.RunID,
			Preview:    preview(out, PreviewRows),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Inc(metrics.GenerateTotal)
	metrics.Add(metrics.RowsGeneratedTotal, res.Rows)
	p.logger.Info("synthetic dataset generated", "rows", res.Rows, "run_id", res.RunID, "output", res.OutputPath)
	return res, nil
}

func preview(t *dataset.Table, n int) []map[string]string {
	n = min(n, t.NumRows())
	out := make([]map[string]string, n)
	for i := 0; i < n; i++ {
		row := make(map[string]string, len(t.Columns))
		for j, c := range t.Columns {
			row[c] = t.Rows[i][j]
		}
		out[i] = row
	}
	return out
}

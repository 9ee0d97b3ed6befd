// Package ingest accepts uploaded tabular files and makes them the current
// dataset. Content is validated in memory before anything reaches disk.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
	"github.com/ajitpratap0/tabsynth/internal/metrics"
	"github.com/ajitpratap0/tabsynth/internal/paths"
	"github.com/ajitpratap0/tabsynth/internal/store"
	"github.com/ajitpratap0/tabsynth/pkg/atomicfile"
)

// DefaultMaxBytes is the upload size limit used when none is configured.
const DefaultMaxBytes = 64 << 20

// ErrTooLarge is returned when an upload exceeds the configured size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Result describes an accepted upload.
type Result struct {
	Filename string   `json:"filename"`
	Path     string   `json:"path"`
	Rows     int      `json:"rows"`
	Columns  []string `json:"columns"`
}

// Ingester validates and stores uploads.
type Ingester struct {
	layout   *paths.Layout
	datasets *store.DatasetStore
	maxBytes int64
	logger   *slog.Logger
}

// New creates an Ingester. maxBytes <= 0 selects DefaultMaxBytes.
func New(layout *paths.Layout, datasets *store.DatasetStore, maxBytes int64, logger *slog.Logger) *Ingester {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Ingester{layout: layout, datasets: datasets, maxBytes: maxBytes, logger: logger}
}

// MaxBytes returns the upload size limit.
func (in *Ingester) MaxBytes() int64 { return in.maxBytes }

// Ingest reads an upload named filename from r. The extension is checked
// before any content is read; the content is parsed in full before it is
// written to the upload directory and recorded as the current dataset.
func (in *Ingester) Ingest(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		return nil, fmt.Errorf("%w: missing file name", dataset.ErrInvalid)
	}
	if !in.layout.HasUploadExt(name) {
		return nil, fmt.Errorf("%w: only %s files are accepted, got %q", dataset.ErrInvalid, in.layout.UploadExt(), name)
	}

	raw, err := io.ReadAll(io.LimitReader(r, in.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(raw)) > in.maxBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, name, in.maxBytes)
	}

	t, err := dataset.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := in.layout.UploadPath(name)
	if err := atomicfile.WriteBytes(path, raw); err != nil {
		return nil, fmt.Errorf("saving upload: %w", err)
	}
	in.datasets.RecordIngested(path)
	metrics.Inc(metrics.IngestTotal)

	in.logger.Info("dataset ingested", "file", name, "rows", t.NumRows(), "columns", t.NumColumns())
	return &Result{Filename: name, Path: path, Rows: t.NumRows(), Columns: t.Columns}, nil
}

// IngestFile ingests a file from the local filesystem under its base name.
func (in *Ingester) IngestFile(ctx context.Context, path string) (*Result, error) {
	if !in.layout.HasUploadExt(path) {
		return nil, fmt.Errorf("%w: only %s files are accepted, got %q", dataset.ErrInvalid, in.layout.UploadExt(), filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return in.Ingest(ctx, filepath.Base(path), f)
}

// Package synth defines the generative capability used by the model
// lifecycle and ships a Gaussian copula implementation of it.
//
// A Backend fits a Model to a table and its inferred schema; a Model samples
// new tables with the same columns. Models are persisted as an Artifact: a
// versioned JSON envelope holding the schema, the training manifest and the
// backend-specific parameters.
package synth

import (
	"context"
	"encoding/json"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
	"github.com/ajitpratap0/tabsynth/internal/schema"
)

// Backend is a pluggable generative capability.
type Backend interface {
	// Name identifies the backend inside persisted artifacts.
	Name() string

	// Fit trains a model on t, whose columns are described by md, running
	// the given number of training passes. Fit honours ctx cancellation.
	Fit(ctx context.Context, t *dataset.Table, md schema.Metadata, epochs int) (Model, error)

	// Restore rebuilds a model from parameters previously returned by Model.Params.
	Restore(md schema.Metadata, params json.RawMessage) (Model, error)
}

// Model is a fitted synthesizer.
type Model interface {
	// Sample draws exactly n rows whose columns are the schema's columns.
	Sample(ctx context.Context, n int) (*dataset.Table, error)

	// Params returns the fitted parameters for persistence.
	Params() (json.RawMessage, error)
}

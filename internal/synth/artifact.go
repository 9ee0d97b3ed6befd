package synth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ajitpratap0/tabsynth/internal/schema"
	"github.com/ajitpratap0/tabsynth/pkg/atomicfile"
)

// ArtifactVersion is the envelope version written by SaveArtifact.
const ArtifactVersion = 1

// ErrArtifactNotFound is returned by LoadArtifact when no artifact exists.
var ErrArtifactNotFound = errors.New("model artifact not found")

// Manifest describes a training run. It travels with the model in memory
// and inside the persisted artifact.
type Manifest struct {
	RunID        string          `json:"run_id"`
	Backend      string          `json:"backend"`
	TrainedAt    time.Time       `json:"trained_at"`
	Epochs       int             `json:"epochs"`
	TrainingRows int             `json:"training_rows"`
	Metadata     schema.Metadata `json:"metadata"`
}

// Trained couples a fitted model with its manifest.
type Trained struct {
	Manifest
	Model Model `json:"-"`
}

type artifactEnvelope struct {
	Version int `json:"version"`
	Manifest
	Params json.RawMessage `json:"params"`
}

// EncodeArtifact writes t as a versioned JSON envelope.
func EncodeArtifact(w io.Writer, t *Trained) error {
	params, err := t.Model.Params()
	if err != nil {
		return err
	}
	env := artifactEnvelope{Version: ArtifactVersion, Manifest: t.Manifest, Params: params}
	enc := json.NewEncoder(w)
	if err := enc.Encode(env); err != nil {
		return fmt.Errorf("encoding artifact: %w", err)
	}
	return nil
}

// DecodeArtifact reads an envelope and restores its model with b.
func DecodeArtifact(r io.Reader, b Backend) (*Trained, error) {
	var env artifactEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}
	if env.Version != ArtifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d (want %d)", env.Version, ArtifactVersion)
	}
	if env.Backend != b.Name() {
		return nil, fmt.Errorf("artifact was trained by backend %q, configured backend is %q", env.Backend, b.Name())
	}
	for _, col := range env.Metadata.Columns {
		if !col.Kind.IsValid() {
			return nil, fmt.Errorf("artifact column %q has unknown kind %q", col.Name, col.Kind)
		}
	}
	model, err := b.Restore(env.Metadata, env.Params)
	if err != nil {
		return nil, err
	}
	return &Trained{Manifest: env.Manifest, Model: model}, nil
}

// SaveArtifact atomically replaces the artifact at path.
func SaveArtifact(path string, t *Trained) error {
	return atomicfile.Write(path, func(w io.Writer) error {
		return EncodeArtifact(w, t)
	})
}

// LoadArtifact reads the artifact at path. A missing file yields
// ErrArtifactNotFound.
func LoadArtifact(path string, b Backend) (*Trained, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrArtifactNotFound, path)
		}
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()
	return DecodeArtifact(f, b)
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
	"github.com/ajitpratap0/tabsynth/internal/metrics"
	"github.com/ajitpratap0/tabsynth/internal/schema"
	"github.com/ajitpratap0/tabsynth/internal/synth"
)

// State is the lifecycle state of the resident model.
type State string

const (
	StateUntrained State = "untrained"
	StateTrained   State = "trained"
)

// BusyPolicy decides what happens when a job arrives while another runs.
type BusyPolicy string

const (
	// PolicyReject fails the new job with ErrBusy.
	PolicyReject BusyPolicy = "reject"
	// PolicyQueue waits for the running job, bounded by the queue timeout.
	PolicyQueue BusyPolicy = "queue"
)

const (
	DefaultMinEpochs = 1
	DefaultMaxEpochs = 1000
)

var (
	// ErrModelNotFound is returned when no model is resident and no artifact exists.
	ErrModelNotFound = errors.New("no trained model found; train a model first")

	// ErrBusy is returned when a training or generation job is already running.
	ErrBusy = errors.New("another training or generation job is in progress; try again later")

	// ErrInvalidEpochs is returned for an epoch count outside the configured bounds.
	ErrInvalidEpochs = errors.New("invalid epoch count")
)

// DataLoadError reports a dataset that could not be loaded for training.
type DataLoadError struct {
	Path string
	Err  error
}

func (e *DataLoadError) Error() string {
	return fmt.Sprintf("loading dataset %s: %v", e.Path, e.Err)
}

func (e *DataLoadError) Unwrap() error { return e.Err }

// PersistError reports a trained model that could not be written to disk.
// The model stays resident; the previous artifact on disk is untouched.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting model to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// DatasetResolver yields the path of the current dataset.
type DatasetResolver interface {
	ResolveCurrent() (string, error)
}

// Options configures a Manager.
type Options struct {
	ModelPath    string
	MinEpochs    int
	MaxEpochs    int
	Policy       BusyPolicy
	QueueTimeout time.Duration
}

// TrainRequest describes one training run. An empty DatasetPath trains on
// the current dataset.
type TrainRequest struct {
	DatasetPath    string
	Epochs         int
	DropDuplicates bool
	DropNulls      bool
}

// TrainingResult summarizes a completed training run.
type TrainingResult struct {
	RunID        string        `json:"run_id"`
	ModelPath    string        `json:"model_path"`
	Message      string        `json:"message"`
	Persisted    bool          `json:"persisted"`
	DatasetPath  string        `json:"dataset_path"`
	InputRows    int           `json:"input_rows"`
	TrainingRows int           `json:"training_rows"`
	Columns      []string      `json:"columns"`
	Epochs       int           `json:"epochs"`
	Duration     time.Duration `json:"duration_ns"`
}

// Status is a point-in-time view of the manager.
type Status struct {
	State             State           `json:"state"`
	Busy              bool            `json:"busy"`
	Persisted         bool            `json:"persisted"`
	ModelPath         string          `json:"model_path"`
	ArtifactAvailable bool            `json:"artifact_available"`
	Model             *synth.Manifest `json:"model,omitempty"`
}

// Manager owns the resident model. At most one training or generation job
// runs at a time.
type Manager struct {
	backend  synth.Backend
	datasets DatasetResolver
	opts     Options
	logger   *slog.Logger
	save     func(path string, t *synth.Trained) error

	sem  *semaphore.Weighted
	busy atomic.Bool

	mu        sync.RWMutex
	current   *synth.Trained
	persisted bool
}

// NewManager creates a lifecycle manager in the untrained state.
func NewManager(backend synth.Backend, datasets DatasetResolver, opts Options, logger *slog.Logger) *Manager {
	if opts.MinEpochs <= 0 {
		opts.MinEpochs = DefaultMinEpochs
	}
	if opts.MaxEpochs <= 0 {
		opts.MaxEpochs = DefaultMaxEpochs
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	return &Manager{
		backend:  backend,
		datasets: datasets,
		opts:     opts,
		logger:   logger,
		save:     synth.SaveArtifact,
		sem:      semaphore.NewWeighted(1),
	}
}

// ModelPath returns the canonical artifact location.
func (m *Manager) ModelPath() string { return m.opts.ModelPath }

// Train runs a training job and adopts the result as the resident model.
func (m *Manager) Train(ctx context.Context, req TrainRequest) (*TrainingResult, error) {
	if req.Epochs < m.opts.MinEpochs || req.Epochs > m.opts.MaxEpochs {
		return nil, fmt.Errorf("%w: epochs must be between %d and %d, got %d",
			ErrInvalidEpochs, m.opts.MinEpochs, m.opts.MaxEpochs, req.Epochs)
	}
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	res, err := m.train(ctx, req)
	if err != nil {
		metrics.Inc(metrics.TrainFailedTotal)
		m.logger.Error("training failed", "error", err)
		return nil, err
	}
	metrics.Inc(metrics.TrainTotal)
	return res, nil
}

func (m *Manager) train(ctx context.Context, req TrainRequest) (*TrainingResult, error) {
	start := time.Now()

	path := req.DatasetPath
	if path == "" {
		var err error
		if path, err = m.datasets.ResolveCurrent(); err != nil {
			return nil, err
		}
	}

	t, err := dataset.ReadFile(path)
	if err != nil {
		return nil, &DataLoadError{Path: path, Err: err}
	}
	inputRows := t.NumRows()
	t = t.Preprocess(req.DropDuplicates, req.DropNulls)
	if t.NumRows() == 0 {
		return nil, &DataLoadError{Path: path, Err: errors.New("no rows left to train on after preprocessing")}
	}

	md := schema.Infer(t)
	m.logger.Info("training started",
		"dataset", path, "input_rows", inputRows, "training_rows", t.NumRows(),
		"columns", t.NumColumns(), "epochs", req.Epochs, "backend", m.backend.Name())

	model, err := m.backend.Fit(ctx, t, md, req.Epochs)
	if err != nil {
		return nil, fmt.Errorf("training model: %w", err)
	}

	trained := &synth.Trained{
		Manifest: synth.Manifest{
			RunID:        uuid.NewString(),
			Backend:      m.backend.Name(),
			TrainedAt:    time.Now().UTC(),
			Epochs:       req.Epochs,
			TrainingRows: t.NumRows(),
			Metadata:     md,
		},
		Model: model,
	}

	// The new model is resident before it is durable.
	m.mu.Lock()
	m.current = trained
	m.persisted = false
	m.mu.Unlock()

	if err := m.save(m.opts.ModelPath, trained); err != nil {
		return nil, &PersistError{Path: m.opts.ModelPath, Err: err}
	}

	m.mu.Lock()
	m.persisted = true
	m.mu.Unlock()

	res := &TrainingResult{
		RunID:        trained.RunID,
		ModelPath:    m.opts.ModelPath,
		Message:      "Model trained successfully",
		Persisted:    true,
		DatasetPath:  path,
		InputRows:    inputRows,
		TrainingRows: t.NumRows(),
		Columns:      md.Names(),
		Epochs:       req.Epochs,
		Duration:     time.Since(start),
	}
	m.logger.Info("training finished", "run_id", res.RunID, "duration", res.Duration, "model", res.ModelPath)
	return res, nil
}

// EnsureLoaded returns the resident model, loading the canonical artifact
// when nothing is resident. A missing artifact yields ErrModelNotFound.
func (m *Manager) EnsureLoaded(ctx context.Context) (*synth.Trained, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur != nil {
		return cur, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	loaded, err := synth.LoadArtifact(m.opts.ModelPath, m.backend)
	if err != nil {
		if errors.Is(err, synth.ErrArtifactNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("loading model from %s: %w", m.opts.ModelPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current, nil
	}
	m.current = loaded
	m.persisted = true
	m.logger.Info("model loaded from disk", "run_id", loaded.RunID, "path", m.opts.ModelPath)
	return loaded, nil
}

// WithModel runs fn against the resident model while holding the job lock.
func (m *Manager) WithModel(ctx context.Context, fn func(*synth.Trained) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	t, err := m.EnsureLoaded(ctx)
	if err != nil {
		return err
	}
	return fn(t)
}

// Status returns a snapshot without waiting for running jobs.
func (m *Manager) Status() Status {
	m.mu.RLock()
	cur := m.current
	persisted := m.persisted
	m.mu.RUnlock()

	st := Status{
		State:     StateUntrained,
		Busy:      m.busy.Load(),
		Persisted: persisted,
		ModelPath: m.opts.ModelPath,
	}
	if _, err := os.Stat(m.opts.ModelPath); err == nil {
		st.ArtifactAvailable = true
	}
	if cur != nil {
		st.State = StateTrained
		manifest := cur.Manifest
		st.Model = &manifest
	}
	return st
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.opts.Policy == PolicyQueue {
		if m.opts.QueueTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.opts.QueueTimeout)
			defer cancel()
		}
		if err := m.sem.Acquire(ctx, 1); err != nil {
			metrics.Inc(metrics.BusyRejectedTotal)
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
	} else if !m.sem.TryAcquire(1) {
		metrics.Inc(metrics.BusyRejectedTotal)
		return ErrBusy
	}
	m.busy.Store(true)
	return nil
}

func (m *Manager) release() {
	m.busy.Store(false)
	m.sem.Release(1)
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tabsynth/internal/paths"
	"github.com/ajitpratap0/tabsynth/internal/store"
	"github.com/ajitpratap0/tabsynth/internal/synth"
)

type fixture struct {
	layout   *paths.Layout
	datasets *store.DatasetStore
	backend  *synth.Copula
	logger   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	layout, err := paths.New(t.TempDir(), paths.Options{})
	require.NoError(t, err)
	return &fixture{
		layout:   layout,
		datasets: store.NewDatasetStore(layout, logger),
		backend:  synth.NewCopula(synth.CopulaOptions{Seed: 17}, logger),
		logger:   logger,
	}
}

func (f *fixture) manager(opts Options) *Manager {
	opts.ModelPath = f.layout.ModelPath()
	return NewManager(f.backend, f.datasets, opts, f.logger)
}

// upload writes a CSV into the upload directory and records it as current.
func (f *fixture) upload(t *testing.T, name string, rows []string) string {
	t.Helper()
	p := f.layout.UploadPath(name)
	body := "city,visits,spend\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	f.datasets.RecordIngested(p)
	return p
}

func sampleRows(n int) []string {
	cities := []string{"oslo", "lima", "pune"}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s,%d,%.1f", cities[i%3], i%17, float64(i)*1.5)
	}
	return out
}

func TestTrain_AdoptsAndPersists(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "visits.csv", sampleRows(60))
	m := f.manager(Options{})
	assert.Equal(t, StateUntrained, m.Status().State)

	res, err := m.Train(context.Background(), TrainRequest{Epochs: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.Persisted)
	assert.Equal(t, 60, res.InputRows)
	assert.Equal(t, 60, res.TrainingRows)
	assert.Equal(t, []string{"city", "visits", "spend"}, res.Columns)
	assert.Equal(t, f.layout.ModelPath(), res.ModelPath)

	_, err = os.Stat(f.layout.ModelPath())
	require.NoError(t, err)

	st := m.Status()
	assert.Equal(t, StateTrained, st.State)
	assert.True(t, st.Persisted)
	assert.True(t, st.ArtifactAvailable)
	assert.False(t, st.Busy)
	require.NotNil(t, st.Model)
	assert.Equal(t, res.RunID, st.Model.RunID)
}

func TestTrain_DropDuplicatesShrinksTrainingRows(t *testing.T) {
	f := newFixture(t)
	rows := sampleRows(40)
	rows = append(rows, rows[:10]...)
	f.upload(t, "dups.csv", rows)
	m := f.manager(Options{})

	res, err := m.Train(context.Background(), TrainRequest{Epochs: 2, DropDuplicates: true})
	require.NoError(t, err)
	assert.Equal(t, 50, res.InputRows)
	assert.Equal(t, 40, res.TrainingRows)
	assert.Less(t, res.TrainingRows, res.InputRows)
}

func TestTrain_DropNulls(t *testing.T) {
	f := newFixture(t)
	rows := append(sampleRows(20), "oslo,,3.0", "lima,4,NA")
	f.upload(t, "nulls.csv", rows)
	m := f.manager(Options{})

	res, err := m.Train(context.Background(), TrainRequest{Epochs: 2, DropNulls: true})
	require.NoError(t, err)
	assert.Equal(t, 20, res.TrainingRows)
}

func TestTrain_NothingLeftAfterPreprocessing(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "empty.csv", []string{"oslo,,1", "lima,2,"})
	m := f.manager(Options{})

	_, err := m.Train(context.Background(), TrainRequest{Epochs: 2, DropNulls: true})
	var dle *DataLoadError
	require.True(t, errors.As(err, &dle))
	assert.Equal(t, StateUntrained, m.Status().State)
}

func TestTrain_Errors(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Options{MaxEpochs: 10})
	ctx := context.Background()

	_, err := m.Train(ctx, TrainRequest{Epochs: 2})
	assert.True(t, errors.Is(err, store.ErrNoDataset))

	_, err = m.Train(ctx, TrainRequest{Epochs: 0})
	assert.True(t, errors.Is(err, ErrInvalidEpochs))
	_, err = m.Train(ctx, TrainRequest{Epochs: 11})
	assert.True(t, errors.Is(err, ErrInvalidEpochs))

	missing := f.layout.UploadPath("gone.csv")
	_, err = m.Train(ctx, TrainRequest{DatasetPath: missing, Epochs: 2})
	var dle *DataLoadError
	require.True(t, errors.As(err, &dle))
	assert.Equal(t, missing, dle.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEnsureLoaded_ModelNotFound(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Options{})

	_, err := m.EnsureLoaded(context.Background())
	assert.True(t, errors.Is(err, ErrModelNotFound))

	err = m.WithModel(context.Background(), func(*synth.Trained) error { return nil })
	assert.True(t, errors.Is(err, ErrModelNotFound))
}

func TestEnsureLoaded_ReloadsAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "visits.csv", sampleRows(30))
	first := f.manager(Options{})
	res, err := first.Train(context.Background(), TrainRequest{Epochs: 2})
	require.NoError(t, err)

	restarted := f.manager(Options{})
	st := restarted.Status()
	assert.Equal(t, StateUntrained, st.State)
	assert.True(t, st.ArtifactAvailable)

	loaded, err := restarted.EnsureLoaded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.RunID, loaded.RunID)
	assert.Equal(t, StateTrained, restarted.Status().State)

	out, err := loaded.Model.Sample(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, out.NumRows())
}

func TestEnsureLoaded_CorruptArtifact(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.layout.ModelPath(), []byte("{"), 0o644))
	m := f.manager(Options{})

	_, err := m.EnsureLoaded(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrModelNotFound))
}

// hold occupies the job lock until the returned func is called.
func hold(t *testing.T, m *Manager) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.WithModel(context.Background(), func(*synth.Trained) error {
			close(started)
			<-release
			return nil
		})
	}()
	select {
	case <-started:
	case err := <-done:
		t.Fatalf("WithModel returned early: %v", err)
	}
	return func() {
		close(release)
		require.NoError(t, <-done)
	}
}

func TestBusy_RejectPolicy(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "visits.csv", sampleRows(30))
	m := f.manager(Options{})
	_, err := m.Train(context.Background(), TrainRequest{Epochs: 2})
	require.NoError(t, err)

	unlock := hold(t, m)
	assert.True(t, m.Status().Busy)

	_, err = m.Train(context.Background(), TrainRequest{Epochs: 2})
	assert.True(t, errors.Is(err, ErrBusy))
	err = m.WithModel(context.Background(), func(*synth.Trained) error { return nil })
	assert.True(t, errors.Is(err, ErrBusy))

	unlock()
	assert.False(t, m.Status().Busy)
	_, err = m.Train(context.Background(), TrainRequest{Epochs: 2})
	assert.NoError(t, err)
}

func TestBusy_QueuePolicy(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "visits.csv", sampleRows(30))

	t.Run("times_out", func(t *testing.T) {
		m := f.manager(Options{Policy: PolicyQueue, QueueTimeout: 20 * time.Millisecond})
		_, err := m.Train(context.Background(), TrainRequest{Epochs: 2})
		require.NoError(t, err)

		unlock := hold(t, m)
		defer unlock()
		_, err = m.Train(context.Background(), TrainRequest{Epochs: 2})
		assert.True(t, errors.Is(err, ErrBusy))
	})

	t.Run("waits_for_release", func(t *testing.T) {
		m := f.manager(Options{Policy: PolicyQueue})
		_, err := m.Train(context.Background(), TrainRequest{Epochs: 2})
		require.NoError(t, err)

		unlock := hold(t, m)
		go func() {
			time.Sleep(20 * time.Millisecond)
			unlock()
		}()
		_, err = m.Train(context.Background(), TrainRequest{Epochs: 2})
		assert.NoError(t, err)
	})
}

func TestTrain_PersistFailureKeepsPreviousArtifact(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "visits.csv", sampleRows(30))
	m := f.manager(Options{})
	first, err := m.Train(context.Background(), TrainRequest{Epochs: 2})
	require.NoError(t, err)
	onDisk, err := os.ReadFile(f.layout.ModelPath())
	require.NoError(t, err)

	m.save = func(string, *synth.Trained) error { return errors.New("disk full") }
	_, err = m.Train(context.Background(), TrainRequest{Epochs: 3})
	var pe *PersistError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, f.layout.ModelPath(), pe.Path)

	after, err := os.ReadFile(f.layout.ModelPath())
	require.NoError(t, err)
	assert.Equal(t, onDisk, after)

	// The new model is resident but not durable.
	st := m.Status()
	assert.Equal(t, StateTrained, st.State)
	assert.False(t, st.Persisted)
	require.NotNil(t, st.Model)
	assert.NotEqual(t, first.RunID, st.Model.RunID)
	assert.Equal(t, 3, st.Model.Epochs)

	restarted := f.manager(Options{})
	loaded, err := restarted.EnsureLoaded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.RunID, loaded.RunID)
}

func TestTrain_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "visits.csv", sampleRows(30))
	m := f.manager(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Train(ctx, TrainRequest{Epochs: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateUntrained, m.Status().State)
	assert.False(t, m.Status().Busy)
}

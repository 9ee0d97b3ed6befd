package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ErrNoDataset is returned by ResolveCurrent when nothing has been uploaded.
var ErrNoDataset = errors.New("no dataset uploaded; upload a CSV first")

// Uploads lists the upload files on disk, oldest first.
type Uploads interface {
	ListUploads() ([]string, error)
}

// DatasetStore tracks which uploaded file is the current dataset.
// The pointer lives in memory only; after a restart it is recovered from
// the upload directory.
type DatasetStore struct {
	uploads Uploads
	logger  *slog.Logger

	mu      sync.Mutex
	current string
}

// NewDatasetStore creates a dataset store over the given upload listing.
func NewDatasetStore(uploads Uploads, logger *slog.Logger) *DatasetStore {
	return &DatasetStore{uploads: uploads, logger: logger}
}

// RecordIngested makes path the current dataset, replacing any previous one.
func (s *DatasetStore) RecordIngested(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = path
	s.logger.Debug("current dataset recorded", "path", path)
}

// Current returns the recorded pointer without touching the filesystem.
func (s *DatasetStore) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ResolveCurrent returns the current dataset path. When the pointer is
// unset or its file is gone, the most recently added upload is adopted.
func (s *DatasetStore) ResolveCurrent() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != "" {
		if _, err := os.Stat(s.current); err == nil {
			return s.current, nil
		}
		s.logger.Warn("current dataset missing on disk, rescanning uploads", "path", s.current)
		s.current = ""
	}

	files, err := s.uploads.ListUploads()
	if err != nil {
		return "", fmt.Errorf("scanning uploads: %w", err)
	}
	if len(files) == 0 {
		return "", ErrNoDataset
	}
	s.current = files[len(files)-1]
	s.logger.Info("recovered current dataset from uploads", "path", s.current)
	return s.current, nil
}

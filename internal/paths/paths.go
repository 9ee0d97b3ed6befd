// Package paths resolves the canonical on-disk locations used by tabsynth.
// Every file the service reads or writes lives under a single data root:
//
//	<root>/uploads   ingested datasets
//	<root>/models    the persisted synthesizer artifact
//	<root>/outputs   the most recent synthetic dataset
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajitpratap0/tabsynth/pkg/atomicfile"
)

const (
	// DefaultModelFile is the file name of the canonical model artifact.
	DefaultModelFile = "synthesizer_model.json"

	// DefaultOutputFile is the file name of the canonical synthetic dataset.
	DefaultOutputFile = "synthetic_dataset.csv"

	// DefaultUploadExt is the only extension accepted for uploaded datasets.
	DefaultUploadExt = ".csv"

	dirPerm = 0o755
)

// Options overrides the default file names. Zero values fall back to the defaults.
type Options struct {
	ModelFile  string
	OutputFile string
	UploadExt  string
}

// Layout maps logical roles to absolute paths under a data root.
type Layout struct {
	root       string
	uploads    string
	models     string
	outputs    string
	modelFile  string
	outputFile string
	uploadExt  string
}

// New resolves root to an absolute path and creates the role directories.
// It is idempotent; existing directories are left untouched.
func New(root string, opts Options) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir %q: %w", root, err)
	}

	l := &Layout{
		root:       abs,
		uploads:    filepath.Join(abs, "uploads"),
		models:     filepath.Join(abs, "models"),
		outputs:    filepath.Join(abs, "outputs"),
		modelFile:  orDefault(opts.ModelFile, DefaultModelFile),
		outputFile: orDefault(opts.OutputFile, DefaultOutputFile),
		uploadExt:  strings.ToLower(orDefault(opts.UploadExt, DefaultUploadExt)),
	}

	for _, dir := range []string{l.uploads, l.models, l.outputs} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return l, nil
}

// Root returns the absolute data root.
func (l *Layout) Root() string { return l.root }

// UploadDir returns the directory holding ingested datasets.
func (l *Layout) UploadDir() string { return l.uploads }

// UploadExt returns the accepted dataset extension, lower-cased and dot-prefixed.
func (l *Layout) UploadExt() string { return l.uploadExt }

// UploadPath returns the location for an uploaded file. Only the base element
// of name is used so callers cannot escape the upload directory.
func (l *Layout) UploadPath(name string) string {
	return filepath.Join(l.uploads, filepath.Base(filepath.Clean("/"+name)))
}

// ModelPath returns the canonical model artifact location.
func (l *Layout) ModelPath() string {
	return filepath.Join(l.models, l.modelFile)
}

// OutputPath returns the canonical synthetic dataset location.
func (l *Layout) OutputPath() string {
	return filepath.Join(l.outputs, l.outputFile)
}

// HasUploadExt reports whether name carries the accepted dataset extension.
func (l *Layout) HasUploadExt(name string) bool {
	return strings.EqualFold(filepath.Ext(name), l.uploadExt)
}

// ListUploads returns the absolute paths of accepted files in the upload
// directory, oldest first by modification time. Temporary files left behind
// by an interrupted write are skipped.
func (l *Layout) ListUploads() ([]string, error) {
	entries, err := os.ReadDir(l.uploads)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	type candidate struct {
		path    string
		name    string
		modTime int64
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), atomicfile.TempPrefix) || !l.HasUploadExt(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		found = append(found, candidate{
			path:    filepath.Join(l.uploads, e.Name()),
			name:    e.Name(),
			modTime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].modTime == found[j].modTime {
			return found[i].name < found[j].name
		}
		return found[i].modTime < found[j].modTime
	})

	out := make([]string, len(found))
	for i := range found {
		out[i] = found[i].path
	}
	return out, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

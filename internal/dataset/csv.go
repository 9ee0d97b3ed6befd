package dataset

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ajitpratap0/tabsynth/pkg/atomicfile"
)

const utf8BOM = "\ufeff"

// Read parses CSV with a header row. Rows shorter than the header are padded
// with empty (missing) cells; rows longer than the header are rejected.
// Every parse failure wraps ErrInvalid.
func Read(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(utf8BOM)); err == nil && string(b) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: file is empty", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: reading header: %v", ErrInvalid, err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}
	if err := validateText(header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalid, err)
	}

	t := &Table{Columns: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if err := validateText(rec); err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalid, line, err)
		}
		switch {
		case len(rec) > len(header):
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrInvalid, line, len(rec), len(header))
		case len(rec) < len(header):
			padded := make([]string, len(header))
			copy(padded, rec)
			rec = padded
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// Parse is Read over an in-memory buffer.
func Parse(b []byte) (*Table, error) {
	return Read(bytes.NewReader(b))
}

// ReadFile opens and parses the CSV file at path.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// Write encodes t as CSV with a header row.
func Write(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("writing rows: %w", err)
	}
	return nil
}

// WriteFileAtomic writes t to path by way of a temporary sibling file, so a
// concurrent reader sees either the previous file or the complete new one.
func WriteFileAtomic(path string, t *Table) error {
	return atomicfile.Write(path, func(w io.Writer) error {
		return Write(w, t)
	})
}

func validateHeader(header []string) error {
	if len(header) == 0 || (len(header) == 1 && strings.TrimSpace(header[0]) == "") {
		return fmt.Errorf("%w: header row is empty", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("%w: column %d has no name", ErrInvalid, i+1)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalid, name)
		}
		seen[name] = struct{}{}
		header[i] = name
	}
	return nil
}

// validateText rejects binary content that encoding/csv would otherwise
// accept as a single oddly named column.
func validateText(rec []string) error {
	for _, v := range rec {
		if !utf8.ValidString(v) {
			return errors.New("content is not valid UTF-8 text")
		}
		if strings.IndexByte(v, 0) >= 0 {
			return errors.New("content contains NUL bytes")
		}
	}
	return nil
}

// Package dataset holds the in-memory tabular representation shared by
// ingestion, training and generation, plus its CSV codec.
package dataset

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalid is returned when input is not a well-formed table.
var ErrInvalid = errors.New("invalid dataset")

// missingTokens are the cell values treated as missing, in addition to the empty string.
var missingTokens = map[string]struct{}{
	"NA":   {},
	"N/A":  {},
	"n/a":  {},
	"NaN":  {},
	"nan":  {},
	"-NaN": {},
	"null": {},
	"NULL": {},
	"None": {},
	"<NA>": {},
	"#N/A": {},
}

// IsMissing reports whether a raw cell value represents a missing value.
func IsMissing(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	_, ok := missingTokens[v]
	return ok
}

// Table is a rows-by-named-columns dataset. Cells are kept as raw strings;
// their semantic types are inferred by the schema package.
type Table struct {
	Columns []string
	Rows    [][]string
}

// NumRows returns the row count.
func (t *Table) NumRows() int { return len(t.Rows) }

// NumColumns returns the column count.
func (t *Table) NumColumns() int { return len(t.Columns) }

// Column returns a copy of the values in column i.
func (t *Table) Column(i int) []string {
	out := make([]string, len(t.Rows))
	for r := range t.Rows {
		out[r] = t.Rows[r][i]
	}
	return out
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	c := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([][]string, len(t.Rows)),
	}
	for i, row := range t.Rows {
		c.Rows[i] = append([]string(nil), row...)
	}
	return c
}

// DropDuplicates returns a table without exact-duplicate rows. The first
// occurrence of each row is kept and row order is preserved.
func (t *Table) DropDuplicates() *Table {
	seen := make(map[string]struct{}, len(t.Rows))
	out := &Table{Columns: append([]string(nil), t.Columns...)}
	for _, row := range t.Rows {
		key := rowKey(row)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// DropMissing returns a table without rows that contain any missing cell.
func (t *Table) DropMissing() *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...)}
	for _, row := range t.Rows {
		if hasMissing(row) {
			continue
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// Preprocess applies the optional cleaning steps in their fixed order:
// duplicates are dropped before rows with missing values.
func (t *Table) Preprocess(dropDuplicates, dropMissing bool) *Table {
	out := t
	if dropDuplicates {
		out = out.DropDuplicates()
	}
	if dropMissing {
		out = out.DropMissing()
	}
	return out
}

func hasMissing(row []string) bool {
	for _, v := range row {
		if IsMissing(v) {
			return true
		}
	}
	return false
}

// rowKey joins cells into a map key. Each cell is length-prefixed so
// distinct rows never share a key. Every missing marker maps to the same
// "-" prefix, so "" and "NA" compare equal.
func rowKey(row []string) string {
	var b strings.Builder
	for _, v := range row {
		if IsMissing(v) {
			b.WriteString("-\x1f")
			continue
		}
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte('\x1f')
		b.WriteString(v)
	}
	return b.String()
}

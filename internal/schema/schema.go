// Package schema infers per-column semantic types from a dataset snapshot.
package schema

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
)

// Kind is the semantic type of a column.
type Kind string

const (
	KindNumerical   Kind = "numerical"
	KindCategorical Kind = "categorical"
	KindBoolean     Kind = "boolean"
	KindDatetime    Kind = "datetime"
	KindID          Kind = "id"
)

// ValidKinds is the set of all kinds Infer can produce.
var ValidKinds = []Kind{
	KindNumerical,
	KindCategorical,
	KindBoolean,
	KindDatetime,
	KindID,
}

// IsValid returns true if the kind is recognized.
func (k Kind) IsValid() bool {
	for _, v := range ValidKinds {
		if k == v {
			return true
		}
	}
	return false
}

// Column describes one inferred column.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	// Integer is set for numerical and id columns whose values are all integral.
	Integer bool `json:"integer,omitempty"`
	// DatetimeFormat is the Go layout shared by every value of a datetime column.
	DatetimeFormat string `json:"datetime_format,omitempty"`
}

// Metadata is the inferred schema of a table.
type Metadata struct {
	Columns []Column `json:"columns"`
}

// Names returns the column names in order.
func (m Metadata) Names() []string {
	out := make([]string, len(m.Columns))
	for i := range m.Columns {
		out[i] = m.Columns[i].Name
	}
	return out
}

// Matches reports whether columns equals the schema's column names, in order.
func (m Metadata) Matches(columns []string) bool {
	if len(columns) != len(m.Columns) {
		return false
	}
	for i := range columns {
		if columns[i] != m.Columns[i].Name {
			return false
		}
	}
	return true
}

// DatetimeLayouts are tried in order; the first layout that parses every
// value of a column wins.
var DatetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"01/02/2006",
	"01/02/2006 15:04",
	"02-01-2006",
}

// Infer derives Metadata from t. It is a pure function of the data.
func Infer(t *dataset.Table) Metadata {
	md := Metadata{Columns: make([]Column, len(t.Columns))}
	for i, name := range t.Columns {
		md.Columns[i] = inferColumn(name, nonMissing(t.Column(i)))
	}
	return md
}

func inferColumn(name string, values []string) Column {
	col := Column{Name: name, Kind: KindCategorical}
	if len(values) == 0 {
		return col
	}

	if allBoolean(values) {
		col.Kind = KindBoolean
		return col
	}

	if nums, ok := parseAllFloats(values); ok {
		integral := allIntegral(nums)
		col.Integer = integral
		if isIDName(name) && integral && distinct(values) {
			col.Kind = KindID
			return col
		}
		col.Kind = KindNumerical
		return col
	}

	if layout, ok := commonDatetimeLayout(values); ok {
		col.Kind = KindDatetime
		col.DatetimeFormat = layout
		return col
	}

	if isIDName(name) && distinct(values) {
		col.Kind = KindID
	}
	return col
}

func nonMissing(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if dataset.IsMissing(v) {
			continue
		}
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

func allBoolean(values []string) bool {
	for _, v := range values {
		switch strings.ToLower(v) {
		case "true", "false":
		default:
			return false
		}
	}
	return true
}

// ParseFloat parses a numeric cell; infinities are not accepted.
func ParseFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func parseAllFloats(values []string) ([]float64, bool) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, ok := ParseFloat(v)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}

// maxExactInteger is the largest magnitude at which float64 still holds
// every integer exactly.
const maxExactInteger = 1 << 53

// allIntegral reports whether every value is a whole number small enough to
// be carried through float64 without losing digits.
func allIntegral(nums []float64) bool {
	for _, f := range nums {
		if f != math.Trunc(f) || math.Abs(f) > maxExactInteger {
			return false
		}
	}
	return true
}

func commonDatetimeLayout(values []string) (string, bool) {
	for _, layout := range DatetimeLayouts {
		ok := true
		for _, v := range values {
			if _, err := time.Parse(layout, v); err != nil {
				ok = false
				break
			}
		}
		if ok {
			return layout, true
		}
	}
	return "", false
}

func isIDName(name string) bool {
	n := strings.TrimSpace(name)
	if strings.EqualFold(n, "id") {
		return true
	}
	// camelCase: userId, orderID
	if len(n) > 2 && (strings.HasSuffix(n, "ID") || strings.HasSuffix(n, "Id")) && unicode.IsLower(rune(n[len(n)-3])) {
		return true
	}
	lower := strings.ToLower(n)
	for _, suffix := range []string{"_id", "-id", " id"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func distinct(values []string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			return false
		}
		seen[v] = struct{}{}
	}
	return true
}

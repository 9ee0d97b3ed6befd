package synth

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
	"github.com/ajitpratap0/tabsynth/internal/schema"
)

const (
	// maxDecimals bounds the precision written for non-integer values.
	maxDecimals = 8

	// scoreEpsilon keeps probabilities away from 0 and 1 before the normal quantile.
	scoreEpsilon = 1e-6
)

// marginal is the per-column distribution of a copula model.
type marginal struct {
	Kind        schema.Kind `json:"kind"`
	MissingRate float64     `json:"missing_rate"`

	// numerical and datetime
	Quantiles []float64 `json:"quantiles,omitempty"`
	Min       float64   `json:"min,omitempty"`
	Max       float64   `json:"max,omitempty"`
	Integer   bool      `json:"integer,omitempty"`
	Decimals  int       `json:"decimals,omitempty"`
	Layout    string    `json:"layout,omitempty"`

	// categorical and boolean
	Categories []string  `json:"categories,omitempty"`
	Weights    []float64 `json:"weights,omitempty"`

	// UTCOffset is the most common zone offset of the training timestamps,
	// in seconds east of UTC.
	UTCOffset int `json:"utc_offset,omitempty"`

	// id
	NumericID bool  `json:"numeric_id,omitempty"`
	IDStart   int64 `json:"id_start,omitempty"`

	cumulative []float64
	index      map[string]int
	sorted     []float64
}

// correlated reports whether the column takes part in the copula.
func (m *marginal) correlated() bool {
	if m.Kind == schema.KindID {
		return false
	}
	return len(m.Quantiles) > 0 || len(m.Categories) > 0
}

// fitMarginal builds the distribution of one column. The sorted training
// values are retained in memory only, for computing normal scores.
func fitMarginal(col schema.Column, values []string, maxQuantiles int) (*marginal, error) {
	m := &marginal{Kind: col.Kind}
	present := make([]string, 0, len(values))
	for _, v := range values {
		if dataset.IsMissing(v) {
			continue
		}
		present = append(present, strings.TrimSpace(v))
	}
	if len(values) > 0 {
		m.MissingRate = float64(len(values)-len(present)) / float64(len(values))
	}
	if len(present) == 0 {
		m.Kind = schema.KindCategorical
		m.MissingRate = 1
		return m, nil
	}

	switch col.Kind {
	case schema.KindNumerical:
		nums := make([]float64, len(present))
		for i, v := range present {
			f, ok := schema.ParseFloat(v)
			if !ok {
				return nil, fmt.Errorf("column %q: value %q is not numeric", col.Name, v)
			}
			nums[i] = f
			if d := decimalsOf(v); d > m.Decimals {
				m.Decimals = d
			}
		}
		m.Integer = col.Integer
		m.setContinuous(nums, maxQuantiles)

	case schema.KindDatetime:
		nums := make([]float64, len(present))
		offsets := make(map[int]int)
		for i, v := range present {
			ts, err := time.Parse(col.DatetimeFormat, v)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col.Name, err)
			}
			nums[i] = float64(ts.UnixMilli()) / 1000
			_, off := ts.Zone()
			offsets[off]++
		}
		m.Layout = col.DatetimeFormat
		m.UTCOffset = modalOffset(offsets)
		m.setContinuous(nums, maxQuantiles)

	case schema.KindID:
		m.MissingRate = 0
		if col.Integer {
			m.NumericID = true
			start := math.Inf(1)
			for _, v := range present {
				if f, ok := schema.ParseFloat(v); ok && f < start {
					start = f
				}
			}
			if start < math.MinInt64 || start > math.MaxInt64-float64(len(values)) {
				return nil, fmt.Errorf("column %q: id %v out of integer range", col.Name, start)
			}
			m.IDStart = int64(start)
		}

	default:
		m.setCategorical(present)
	}
	return m, nil
}

func (m *marginal) setContinuous(nums []float64, maxQuantiles int) {
	sort.Float64s(nums)
	m.sorted = nums
	m.Min = nums[0]
	m.Max = nums[len(nums)-1]
	m.Quantiles = compressQuantiles(nums, maxQuantiles)
}

func (m *marginal) setCategorical(values []string) {
	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
	}
	cats := make([]string, 0, len(counts))
	for v := range counts {
		cats = append(cats, v)
	}
	sort.Slice(cats, func(i, j int) bool {
		if counts[cats[i]] == counts[cats[j]] {
			return cats[i] < cats[j]
		}
		return counts[cats[i]] > counts[cats[j]]
	})
	m.Categories = cats
	m.Weights = make([]float64, len(cats))
	for i, c := range cats {
		m.Weights[i] = float64(counts[c]) / float64(len(values))
	}
	m.buildCumulative()
}

func (m *marginal) buildCumulative() {
	m.cumulative = make([]float64, len(m.Weights))
	m.index = make(map[string]int, len(m.Categories))
	for i, c := range m.Categories {
		m.index[c] = i
	}
	total := 0.0
	for _, w := range m.Weights {
		total += w
	}
	acc := 0.0
	for i, w := range m.Weights {
		acc += w / total
		m.cumulative[i] = acc
	}
	if n := len(m.cumulative); n > 0 {
		m.cumulative[n-1] = 1
	}
}

// validate checks restored parameters and rebuilds derived fields.
func (m *marginal) validate(col schema.Column) error {
	if m.MissingRate < 0 || m.MissingRate > 1 {
		return fmt.Errorf("column %q: missing rate %v out of range", col.Name, m.MissingRate)
	}
	switch {
	case len(m.Categories) > 0:
		if len(m.Weights) != len(m.Categories) {
			return fmt.Errorf("column %q: %d categories but %d weights", col.Name, len(m.Categories), len(m.Weights))
		}
		for _, w := range m.Weights {
			if w <= 0 || math.IsNaN(w) {
				return fmt.Errorf("column %q: non-positive category weight", col.Name)
			}
		}
		m.buildCumulative()
	case len(m.Quantiles) > 0:
		if !sort.Float64sAreSorted(m.Quantiles) {
			return fmt.Errorf("column %q: quantiles are not sorted", col.Name)
		}
	case m.Kind == schema.KindID:
	default:
		if m.MissingRate != 1 {
			return fmt.Errorf("column %q: empty distribution", col.Name)
		}
	}
	return nil
}

// score maps a training value to its normal score through the mid-rank
// empirical CDF. Missing values score 0, the mean of the latent normal.
func (m *marginal) score(raw string) float64 {
	if dataset.IsMissing(raw) {
		return 0
	}
	v := strings.TrimSpace(raw)
	var p float64
	switch {
	case len(m.Categories) > 0:
		p = m.categoryMidpoint(v)
	case len(m.sorted) > 0:
		x, ok := m.parse(v)
		if !ok {
			return 0
		}
		lo := sort.SearchFloat64s(m.sorted, x)
		hi := sort.Search(len(m.sorted), func(i int) bool { return m.sorted[i] > x })
		p = (float64(lo) + 0.5*float64(hi-lo)) / float64(len(m.sorted))
	default:
		return 0
	}
	return normalQuantile(clampProb(p))
}

func (m *marginal) categoryMidpoint(v string) float64 {
	i, ok := m.index[v]
	if !ok {
		return 0.5
	}
	prev := 0.0
	if i > 0 {
		prev = m.cumulative[i-1]
	}
	return (prev + m.cumulative[i]) / 2
}

func (m *marginal) parse(v string) (float64, bool) {
	if m.Kind == schema.KindDatetime {
		ts, err := time.Parse(m.Layout, v)
		if err != nil {
			return 0, false
		}
		return float64(ts.UnixMilli()) / 1000, true
	}
	return schema.ParseFloat(v)
}

// inverse maps a uniform draw u in (0,1) to a cell value.
func (m *marginal) inverse(u float64) string {
	if len(m.Categories) > 0 {
		i := sort.SearchFloat64s(m.cumulative, u)
		if i >= len(m.Categories) {
			i = len(m.Categories) - 1
		}
		return m.Categories[i]
	}
	if len(m.Quantiles) == 0 {
		return ""
	}

	x := interpolate(m.Quantiles, u)
	if m.Integer {
		x = math.Round(x)
	}
	x = math.Max(m.Min, math.Min(m.Max, x))
	if x == 0 {
		x = 0 // drop the sign of -0
	}

	if m.Kind == schema.KindDatetime {
		zone := time.FixedZone("", m.UTCOffset)
		return time.UnixMilli(int64(math.Round(x * 1000))).In(zone).Format(m.Layout)
	}
	if m.Integer {
		return strconv.FormatFloat(x, 'f', 0, 64)
	}
	return strconv.FormatFloat(x, 'f', m.Decimals, 64)
}

// compressQuantiles keeps at most n evenly spaced order statistics of the
// sorted values, always including the minimum and maximum.
func compressQuantiles(sorted []float64, n int) []float64 {
	if n < 2 || len(sorted) <= n {
		return append([]float64(nil), sorted...)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = interpolate(sorted, float64(i)/float64(n-1))
	}
	return out
}

// interpolate reads the u-quantile of sorted values by linear interpolation.
func interpolate(sorted []float64, u float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := u * float64(len(sorted)-1)
	i := int(math.Floor(pos))
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	if i < 0 {
		return sorted[0]
	}
	frac := pos - float64(i)
	return sorted[i] + frac*(sorted[i+1]-sorted[i])
}

func decimalsOf(v string) int {
	if strings.ContainsAny(v, "eE") {
		return maxDecimals
	}
	dot := strings.IndexByte(v, '.')
	if dot < 0 {
		return 0
	}
	d := len(v) - dot - 1
	if d > maxDecimals {
		return maxDecimals
	}
	return d
}

// modalOffset picks the most frequent offset, the smaller one on ties.
func modalOffset(counts map[int]int) int {
	best, bestN := 0, 0
	for off, n := range counts {
		if n > bestN || (n == bestN && off < best) {
			best, bestN = off, n
		}
	}
	return best
}

func clampProb(p float64) float64 {
	return math.Max(scoreEpsilon, math.Min(1-scoreEpsilon, p))
}

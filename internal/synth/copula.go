package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ajitpratap0/tabsynth/internal/dataset"
	"github.com/ajitpratap0/tabsynth/internal/schema"
)

// CopulaBackendName is the backend identifier written into artifacts.
const CopulaBackendName = "gaussian_copula"

const (
	// DefaultBootstrapRows caps the rows resampled per training pass.
	DefaultBootstrapRows = 2048

	// DefaultMaxQuantiles caps the quantile knots kept per continuous column.
	DefaultMaxQuantiles = 256

	// cancelCheckEvery is how many sampled rows pass between context checks.
	cancelCheckEvery = 4096
)

// shrinkSteps are the identity weights tried, in order, until the averaged
// correlation matrix admits a Cholesky factorization. The last always does.
var shrinkSteps = []float64{0, 1e-6, 1e-4, 1e-2, 0.1, 0.5, 1}

// CopulaOptions tunes the Gaussian copula backend.
type CopulaOptions struct {
	// Seed fixes the random source. Zero seeds from the clock.
	Seed int64
	// BootstrapRows caps the resample size of each training pass.
	BootstrapRows int
	// MaxQuantiles caps the quantile knots kept per continuous column.
	MaxQuantiles int
}

// Copula is a Gaussian copula synthesizer. Each column keeps its own
// empirical marginal; dependence between columns is captured by the
// correlation of their normal scores.
type Copula struct {
	opts   CopulaOptions
	logger *slog.Logger
}

// NewCopula creates a Gaussian copula backend.
func NewCopula(opts CopulaOptions, logger *slog.Logger) *Copula {
	if opts.BootstrapRows <= 0 {
		opts.BootstrapRows = DefaultBootstrapRows
	}
	if opts.MaxQuantiles < 2 {
		opts.MaxQuantiles = DefaultMaxQuantiles
	}
	return &Copula{opts: opts, logger: logger}
}

// Name implements Backend.
func (c *Copula) Name() string { return CopulaBackendName }

// copulaParams is the persisted form of a copula model.
type copulaParams struct {
	Marginals  []*marginal `json:"marginals"`
	Correlated []int       `json:"correlated"`
	Cholesky   [][]float64 `json:"cholesky"`
}

// Fit implements Backend. Each of the epochs passes draws a bootstrap
// resample of the rows and estimates the normal-score correlation matrix;
// the estimates are averaged.
func (c *Copula) Fit(ctx context.Context, t *dataset.Table, md schema.Metadata, epochs int) (Model, error) {
	if !md.Matches(t.Columns) {
		return nil, errors.New("copula: schema does not match table columns")
	}
	if epochs <= 0 {
		return nil, fmt.Errorf("copula: epochs must be positive, got %d", epochs)
	}
	if t.NumRows() == 0 {
		return nil, errors.New("copula: cannot fit an empty table")
	}

	params := &copulaParams{Marginals: make([]*marginal, len(md.Columns))}
	for i, col := range md.Columns {
		m, err := fitMarginal(col, t.Column(i), c.opts.MaxQuantiles)
		if err != nil {
			return nil, fmt.Errorf("copula: %w", err)
		}
		params.Marginals[i] = m
		if m.correlated() {
			params.Correlated = append(params.Correlated, i)
		}
	}

	k := len(params.Correlated)
	n := t.NumRows()
	scores := mat.NewDense(n, max(k, 1), nil)
	for r, row := range t.Rows {
		for j, ci := range params.Correlated {
			scores.Set(r, j, params.Marginals[ci].score(row[ci]))
		}
	}

	rng := newRand(c.opts.Seed)
	corr := identity(k)
	if k > 1 && n > 1 {
		var err error
		corr, err = c.bootstrapCorrelation(ctx, scores, k, epochs, rng)
		if err != nil {
			return nil, err
		}
	}

	chol, lambda := choleskyWithShrinkage(corr, k)
	params.Cholesky = chol
	c.logger.Debug("copula fitted",
		"rows", n, "columns", len(md.Columns), "correlated", k, "epochs", epochs, "shrinkage", lambda)

	return newCopulaModel(md, params, rng), nil
}

func (c *Copula) bootstrapCorrelation(ctx context.Context, scores *mat.Dense, k, epochs int, rng *rand.Rand) ([]float64, error) {
	n, _ := scores.Dims()
	m := min(n, c.opts.BootstrapRows)
	sample := mat.NewDense(m, k, nil)
	var est mat.SymDense
	sum := make([]float64, k*k)
	logEvery := max(1, epochs/10)

	for epoch := 1; epoch <= epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("copula: training interrupted at epoch %d: %w", epoch, err)
		}
		for r := 0; r < m; r++ {
			src := rng.IntN(n)
			for j := 0; j < k; j++ {
				sample.Set(r, j, scores.At(src, j))
			}
		}
		stat.CorrelationMatrix(&est, sample, nil)
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				v := est.At(i, j)
				if i == j {
					v = 1
				} else if math.IsNaN(v) {
					v = 0
				}
				sum[i*k+j] += v
			}
		}
		if epoch%logEvery == 0 || epoch == epochs {
			c.logger.Debug("copula training", "epoch", epoch, "of", epochs)
		}
		est.Reset()
	}

	for i := range sum {
		sum[i] /= float64(epochs)
	}
	return sum, nil
}

// Restore implements Backend.
func (c *Copula) Restore(md schema.Metadata, raw json.RawMessage) (Model, error) {
	var params copulaParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("copula: decoding params: %w", err)
	}
	if len(params.Marginals) != len(md.Columns) {
		return nil, fmt.Errorf("copula: %d marginals for %d columns", len(params.Marginals), len(md.Columns))
	}
	for i, m := range params.Marginals {
		if m == nil {
			return nil, fmt.Errorf("copula: column %q has no marginal", md.Columns[i].Name)
		}
		if err := m.validate(md.Columns[i]); err != nil {
			return nil, fmt.Errorf("copula: %w", err)
		}
	}
	k := len(params.Correlated)
	if len(params.Cholesky) != k {
		return nil, fmt.Errorf("copula: cholesky factor has %d rows, want %d", len(params.Cholesky), k)
	}
	for i, row := range params.Cholesky {
		if len(row) != i+1 {
			return nil, fmt.Errorf("copula: cholesky row %d has %d entries, want %d", i, len(row), i+1)
		}
	}
	for _, ci := range params.Correlated {
		if ci < 0 || ci >= len(md.Columns) {
			return nil, fmt.Errorf("copula: correlated column index %d out of range", ci)
		}
	}
	return newCopulaModel(md, &params, newRand(c.opts.Seed)), nil
}

type copulaModel struct {
	md     schema.Metadata
	params *copulaParams
	// slot maps a column index to its position in the latent vector, or -1.
	slot []int

	mu  sync.Mutex
	rng *rand.Rand
}

func newCopulaModel(md schema.Metadata, params *copulaParams, rng *rand.Rand) *copulaModel {
	slot := make([]int, len(md.Columns))
	for i := range slot {
		slot[i] = -1
	}
	for j, ci := range params.Correlated {
		slot[ci] = j
	}
	return &copulaModel{md: md, params: params, slot: slot, rng: rng}
}

// Sample implements Model.
func (m *copulaModel) Sample(ctx context.Context, n int) (*dataset.Table, error) {
	if n <= 0 {
		return nil, fmt.Errorf("copula: row count must be positive, got %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := len(m.params.Correlated)
	e := make([]float64, k)
	z := make([]float64, k)
	out := &dataset.Table{Columns: m.md.Names(), Rows: make([][]string, n)}

	for r := 0; r < n; r++ {
		if r%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("copula: sampling interrupted: %w", err)
			}
		}
		for j := range e {
			e[j] = m.rng.NormFloat64()
		}
		for i, row := range m.params.Cholesky {
			acc := 0.0
			for j, l := range row {
				acc += l * e[j]
			}
			z[i] = acc
		}

		cells := make([]string, len(m.md.Columns))
		for ci, mg := range m.params.Marginals {
			if mg.Kind == schema.KindID {
				cells[ci] = m.nextID(mg, r)
				continue
			}
			if mg.MissingRate > 0 && m.rng.Float64() < mg.MissingRate {
				continue
			}
			u := m.rng.Float64()
			if s := m.slot[ci]; s >= 0 {
				u = clampProb(normalCDF(z[s]))
			}
			cells[ci] = mg.inverse(u)
		}
		out.Rows[r] = cells
	}
	return out, nil
}

func (m *copulaModel) nextID(mg *marginal, r int) string {
	if mg.NumericID {
		return strconv.FormatInt(mg.IDStart+int64(r), 10)
	}
	return uuid.NewString()
}

// Params implements Model.
func (m *copulaModel) Params() (json.RawMessage, error) {
	b, err := json.Marshal(m.params)
	if err != nil {
		return nil, fmt.Errorf("copula: encoding params: %w", err)
	}
	return b, nil
}

// choleskyWithShrinkage factors corr (k×k, row-major), shrinking it toward
// the identity until it is positive definite. It returns the lower factor as
// ragged rows and the shrinkage weight used.
func choleskyWithShrinkage(corr []float64, k int) ([][]float64, float64) {
	if k == 0 {
		return [][]float64{}, 0
	}
	for _, lambda := range shrinkSteps {
		data := make([]float64, k*k)
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				v := (1 - lambda) * corr[i*k+j]
				if i == j {
					v += lambda
				}
				data[i*k+j] = v
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(mat.NewSymDense(k, data)) {
			continue
		}
		var l mat.TriDense
		chol.LTo(&l)
		rows := make([][]float64, k)
		for i := 0; i < k; i++ {
			rows[i] = make([]float64, i+1)
			for j := 0; j <= i; j++ {
				rows[i][j] = l.At(i, j)
			}
		}
		return rows, lambda
	}
	// lambda = 1 is the identity, whose factor is itself.
	rows := make([][]float64, k)
	for i := range rows {
		rows[i] = make([]float64, i+1)
		rows[i][i] = 1
	}
	return rows, 1
}

func identity(k int) []float64 {
	out := make([]float64, k*k)
	for i := 0; i < k; i++ {
		out[i*k+i] = 1
	}
	return out
}

func newRand(seed int64) *rand.Rand {
	s := uint64(seed)
	if seed == 0 {
		s = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

func normalQuantile(p float64) float64 { return distuv.UnitNormal.Quantile(p) }

func normalCDF(x float64) float64 { return distuv.UnitNormal.CDF(x) }

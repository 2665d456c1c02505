package calibration

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Method selects the weight parameterization used by the Calibrator.
type Method string

const (
	// MethodLogLinear models weights as exp(alpha + x'beta) with K+1 parameters.
	MethodLogLinear Method = "loglinear"
	// MethodHierarchical extends the log-linear model with a per-unit
	// sum-to-zero random effect (N+K+2 parameters).
	MethodHierarchical Method = "hierarchical"
	// MethodSimplex places the N weights directly on a Dirichlet simplex.
	MethodSimplex Method = "simplex"
	// MethodMaskedSimplex is the simplex model under the masked loss, for
	// targets whose covariance is only partially observed.
	MethodMaskedSimplex Method = "masked-simplex"
)

// IsValid reports whether the method is one of the supported parameterizations.
func (m Method) IsValid() bool {
	switch m {
	case MethodLogLinear, MethodHierarchical, MethodSimplex, MethodMaskedSimplex:
		return true
	}
	return false
}

// UsesMask reports whether the method matches the target covariance through
// a CovarianceMask instead of the full KL divergence.
func (m Method) UsesMask() bool {
	return m == MethodMaskedSimplex
}

// String returns the string representation of the method
func (m Method) String() string {
	return string(m)
}

// DesignMatrix is an immutable N x K matrix of harmonized numeric covariates.
// NaN marks a missing cell. Rows are sampled units, columns are named
// variables.
type DesignMatrix struct {
	names []string
	data  *mat.Dense
}

// NewDesignMatrix builds a DesignMatrix from per-unit rows. Every row must
// have exactly len(names) entries.
func NewDesignMatrix(names []string, rows [][]float64) (*DesignMatrix, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("design matrix requires at least one variable")
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("design matrix requires at least one row")
	}
	k := len(names)
	seen := make(map[string]bool, k)
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("design matrix variable names must be non-empty")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate variable name %q", name)
		}
		seen[name] = true
	}
	data := mat.NewDense(len(rows), k, nil)
	for i, row := range rows {
		if len(row) != k {
			return nil, &DimensionMismatchError{Field: fmt.Sprintf("row %d", i), Expected: k, Actual: len(row)}
		}
		data.SetRow(i, row)
	}
	return &DesignMatrix{names: append([]string(nil), names...), data: data}, nil
}

// Rows returns the number of sampled units N.
func (d *DesignMatrix) Rows() int {
	r, _ := d.data.Dims()
	return r
}

// Cols returns the number of covariates K.
func (d *DesignMatrix) Cols() int {
	_, c := d.data.Dims()
	return c
}

// Names returns a copy of the variable names in column order.
func (d *DesignMatrix) Names() []string {
	return append([]string(nil), d.names...)
}

// At returns the cell at row i, column j. NaN marks a missing value.
func (d *DesignMatrix) At(i, j int) float64 {
	return d.data.At(i, j)
}

// Column returns a copy of column j.
func (d *DesignMatrix) Column(j int) []float64 {
	out := make([]float64, d.Rows())
	mat.Col(out, j, d.data)
	return out
}

// ColumnIndex returns the index of the named variable.
func (d *DesignMatrix) ColumnIndex(name string) (int, bool) {
	for j, n := range d.names {
		if n == name {
			return j, true
		}
	}
	return 0, false
}

// CompleteRows returns the indices of rows with finite values in every one
// of the given columns.
func (d *DesignMatrix) CompleteRows(cols []int) []int {
	var rows []int
	n := d.Rows()
	for i := 0; i < n; i++ {
		complete := true
		for _, j := range cols {
			v := d.data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				complete = false
				break
			}
		}
		if complete {
			rows = append(rows, i)
		}
	}
	return rows
}

// Subset returns a new DesignMatrix restricted to the given rows and columns.
func (d *DesignMatrix) Subset(rows, cols []int) *DesignMatrix {
	names := make([]string, len(cols))
	data := mat.NewDense(len(rows), len(cols), nil)
	for jj, j := range cols {
		names[jj] = d.names[j]
	}
	for ii, i := range rows {
		for jj, j := range cols {
			data.Set(ii, jj, d.data.At(i, j))
		}
	}
	return &DesignMatrix{names: names, data: data}
}

// HasMissing reports whether any cell is NaN or infinite.
func (d *DesignMatrix) HasMissing() bool {
	n, k := d.data.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			v := d.data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

// firstMissing returns the location of the first non-finite cell, if any.
func (d *DesignMatrix) firstMissing() (int, int, bool) {
	n, k := d.data.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			v := d.data.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// raw exposes the backing matrix for read-only numeric work within the package.
func (d *DesignMatrix) raw() *mat.Dense {
	return d.data
}

// MomentEstimate holds a weighted mean vector and covariance matrix together
// with the sample sizes needed to judge its precision.
type MomentEstimate struct {
	Names               []string      `json:"names"`
	Mean                []float64     `json:"mean"`
	Covariance          *mat.SymDense `json:"-"`
	SampleSize          int           `json:"sample_size"`
	EffectiveSampleSize float64       `json:"effective_sample_size"` // Kish (sum w)^2 / sum w^2
	WeightSum           float64       `json:"weight_sum"`
}

// Variances returns the diagonal of the covariance matrix.
func (m *MomentEstimate) Variances() []float64 {
	k := len(m.Mean)
	out := make([]float64, k)
	for j := 0; j < k; j++ {
		out[j] = m.Covariance.At(j, j)
	}
	return out
}

// Correlation returns the correlation matrix implied by the covariance.
// Zero-variance variables get unit diagonal and zero off-diagonals.
func (m *MomentEstimate) Correlation() *mat.SymDense {
	k := len(m.Mean)
	sd := make([]float64, k)
	for j := 0; j < k; j++ {
		v := m.Covariance.At(j, j)
		if v > 0 {
			sd[j] = math.Sqrt(v)
		}
	}
	corr := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			if a == b {
				corr.SetSym(a, b, 1)
				continue
			}
			if sd[a] > 0 && sd[b] > 0 {
				corr.SetSym(a, b, m.Covariance.At(a, b)/(sd[a]*sd[b]))
			}
		}
	}
	return corr
}

// Block is a named group of design-matrix columns that originate from the
// same source survey and are therefore observed on the same units.
type Block struct {
	Name      string   `json:"name"`
	Variables []string `json:"variables"`
}

// BlockPartition partitions the design-matrix columns into named blocks.
// Declared once per calibration problem from knowledge of which variables
// come from which data source.
type BlockPartition struct {
	Blocks []Block `json:"blocks"`
}

// Validate checks that the partition names distinct, non-overlapping
// variables that all exist in x and jointly cover every column.
func (bp BlockPartition) Validate(x *DesignMatrix) error {
	if len(bp.Blocks) == 0 {
		return fmt.Errorf("block partition has no blocks")
	}
	seenBlock := make(map[string]bool, len(bp.Blocks))
	seenVar := make(map[string]string)
	total := 0
	for _, b := range bp.Blocks {
		if b.Name == "" {
			return fmt.Errorf("block partition contains an unnamed block")
		}
		if seenBlock[b.Name] {
			return fmt.Errorf("duplicate block name %q", b.Name)
		}
		seenBlock[b.Name] = true
		if len(b.Variables) == 0 {
			return fmt.Errorf("block %q has no variables", b.Name)
		}
		for _, v := range b.Variables {
			if _, ok := x.ColumnIndex(v); !ok {
				return fmt.Errorf("block %q names unknown variable %q", b.Name, v)
			}
			if prev, dup := seenVar[v]; dup {
				return fmt.Errorf("variable %q appears in blocks %q and %q", v, prev, b.Name)
			}
			seenVar[v] = b.Name
			total++
		}
	}
	if total != x.Cols() {
		return fmt.Errorf("block partition covers %d of %d variables", total, x.Cols())
	}
	return nil
}

// columns resolves a block's variables to column indices in x. Validate must
// have been called first.
func (b Block) columns(x *DesignMatrix) []int {
	cols := make([]int, len(b.Variables))
	for i, v := range b.Variables {
		j, _ := x.ColumnIndex(v)
		cols[i] = j
	}
	return cols
}

// CovarianceMask marks which cells of a target covariance matrix are
// reliably estimated and eligible to be matched. Symmetric by construction.
type CovarianceMask struct {
	k   int
	obs []bool
}

// NewFullMask returns a mask with every cell observed.
func NewFullMask(k int) *CovarianceMask {
	m := NewEmptyMask(k)
	for i := range m.obs {
		m.obs[i] = true
	}
	return m
}

// NewEmptyMask returns a mask with no cell observed.
func NewEmptyMask(k int) *CovarianceMask {
	return &CovarianceMask{k: k, obs: make([]bool, k*k)}
}

// Dim returns the mask dimension K.
func (m *CovarianceMask) Dim() int {
	return m.k
}

// Set marks cell (i,j) and its mirror (j,i).
func (m *CovarianceMask) Set(i, j int, observed bool) {
	m.obs[i*m.k+j] = observed
	m.obs[j*m.k+i] = observed
}

// Observed reports whether cell (i,j) is marked reliable.
func (m *CovarianceMask) Observed(i, j int) bool {
	return m.obs[i*m.k+j]
}

// CountObserved returns the number of observed cells on or above the diagonal.
func (m *CovarianceMask) CountObserved() int {
	count := 0
	for i := 0; i < m.k; i++ {
		for j := i; j < m.k; j++ {
			if m.Observed(i, j) {
				count++
			}
		}
	}
	return count
}

// BlockMomentsOptions configures block-factored moment estimation.
type BlockMomentsOptions struct {
	// MinJointSample is the floor below which a block pair's joint
	// complete-case sample triggers a low-confidence warning.
	MinJointSample int `json:"min_joint_sample"`
}

// DefaultBlockMomentsOptions returns the recommended defaults.
func DefaultBlockMomentsOptions() BlockMomentsOptions {
	return BlockMomentsOptions{MinJointSample: 30}
}

// BlockMomentEstimate is a MomentEstimate assembled from per-block and
// per-block-pair complete-case subsets, with the bookkeeping needed to judge
// which cells of the covariance are trustworthy.
type BlockMomentEstimate struct {
	MomentEstimate
	// BlockSampleSizes maps block name to its complete-case count.
	BlockSampleSizes map[string]int `json:"block_sample_sizes"`
	// PairSampleSizes maps "a|b" (block names, declaration order) to the
	// joint complete-case count.
	PairSampleSizes map[string]int `json:"pair_sample_sizes"`
	// Mask marks covariance cells backed by at least one joint observation.
	Mask *CovarianceMask `json:"-"`
	// Issues carries advisory findings (zero-overlap pairs, small joint samples).
	Issues []Issue `json:"issues,omitempty"`
}

// VariableBalance compares one covariate's achieved weighted mean to its target.
type VariableBalance struct {
	Variable string  `json:"variable"`
	Target   float64 `json:"target"`
	Achieved float64 `json:"achieved"`
	AbsDiff  float64 `json:"abs_diff"`
	PctDiff  float64 `json:"pct_diff"`
}

// WeightDiagnostics summarizes the distribution of a fitted weight vector.
type WeightDiagnostics struct {
	MinWeight           float64 `json:"min_weight"`
	MaxWeight           float64 `json:"max_weight"`
	WeightRatio         float64 `json:"weight_ratio"`
	MeanWeight          float64 `json:"mean_weight"`
	EffectiveSampleSize float64 `json:"effective_sample_size"`
	EfficiencyPct       float64 `json:"efficiency_pct"`
	ObjectiveValue      float64 `json:"objective_value"`
}

// CorrelationRecovery reports, for the masked parameterization, how much the
// fitted weights moved the observed off-diagonal correlations toward the
// target relative to the unweighted baseline.
type CorrelationRecovery struct {
	CellsCompared        int     `json:"cells_compared"`
	UnweightedMeanAbsGap float64 `json:"unweighted_mean_abs_gap"`
	WeightedMeanAbsGap   float64 `json:"weighted_mean_abs_gap"`
	Improvement          float64 `json:"improvement"`
}

// CalibrationResult is the immutable outcome of one optimization run.
type CalibrationResult struct {
	RunID   string        `json:"run_id"`
	Method  Method        `json:"method"`
	Elapsed time.Duration `json:"elapsed"`

	// Weights is the fitted weight vector, rescaled to sum to N.
	Weights []float64 `json:"weights"`

	// Converged is the marginal verdict: true iff every covariate's percent
	// deviation from its target mean is below the configured tolerance. It
	// is independent of the optimizer's internal stopping condition.
	Converged bool `json:"converged"`

	// OptimizerStatus records the optimizer's own stopping condition.
	OptimizerStatus string `json:"optimizer_status"`

	// Achieved holds the weighted moments of the design matrix under the
	// fitted weights, on the original covariate scale.
	Achieved *MomentEstimate `json:"achieved"`

	Report      []VariableBalance `json:"report"`
	Diagnostics WeightDiagnostics `json:"diagnostics"`
	Advisories  []Issue           `json:"advisories,omitempty"`

	ObjectiveValue   float64 `json:"objective_value"`
	InitialObjective float64 `json:"initial_objective"`

	// Intercept and Coefficients are populated by the log-linear family,
	// back-transformed to the original covariate scale.
	Intercept    float64            `json:"intercept,omitempty"`
	Coefficients map[string]float64 `json:"coefficients,omitempty"`

	// Recovery is populated by the masked parameterization.
	Recovery *CorrelationRecovery `json:"recovery,omitempty"`
}

// RakeResult is the outcome of a marginal raking run.
type RakeResult struct {
	Weights     []float64         `json:"weights"`
	Converged   bool              `json:"converged"`
	Iterations  int               `json:"iterations"`
	MaxAbsDiff  float64           `json:"max_abs_diff"`
	Report      []VariableBalance `json:"report"`
	Diagnostics WeightDiagnostics `json:"diagnostics"`
	Advisories  []Issue           `json:"advisories,omitempty"`
}

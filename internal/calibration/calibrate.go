package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Config carries the calibration hyperparameters shared by all
// parameterizations. Zero values are replaced by DefaultConfig values in
// NewCalibrator only when the whole struct is zero; otherwise Validate
// rejects them.
type Config struct {
	Method Method `json:"method"`

	// Concentration is the symmetric Dirichlet parameter for the simplex
	// parameterizations. 1 is uninformative; larger values shrink toward
	// uniform weights.
	Concentration float64 `json:"concentration"`

	// MinWeightMult and MaxWeightMult bound simplex weights as multiples of
	// the uniform weight 1/N.
	MinWeightMult float64 `json:"min_weight_mult"`
	MaxWeightMult float64 `json:"max_weight_mult"`

	// SigmaScale is the half-Cauchy scale of the hierarchical random-effect
	// standard deviation.
	SigmaScale float64 `json:"sigma_scale"`

	MaxIterations      int     `json:"max_iterations"`
	GradientTolerance  float64 `json:"gradient_tolerance"`
	ObjectiveTolerance float64 `json:"objective_tolerance"`
	StepTolerance      float64 `json:"step_tolerance"`

	// MarginalTolerancePct is the per-variable percent deviation below which
	// the marginal convergence verdict passes.
	MarginalTolerancePct float64 `json:"marginal_tolerance_pct"`
}

// DefaultConfig returns the recommended calibration configuration.
func DefaultConfig() Config {
	return Config{
		Method:               MethodLogLinear,
		Concentration:        1.0,
		MinWeightMult:        0.1,
		MaxWeightMult:        10.0,
		SigmaScale:           2.5,
		MaxIterations:        10000,
		GradientTolerance:    1e-10,
		ObjectiveTolerance:   1e-6,
		StepTolerance:        1e-10,
		MarginalTolerancePct: 1.0,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if !c.Method.IsValid() {
		return fmt.Errorf("unknown calibration method %q", c.Method)
	}
	if c.Concentration <= 0 {
		return fmt.Errorf("concentration must be > 0, got %g", c.Concentration)
	}
	if c.MinWeightMult < 0 || c.MinWeightMult >= 1 {
		return fmt.Errorf("min weight multiplier must be in [0, 1), got %g", c.MinWeightMult)
	}
	if c.MaxWeightMult <= 1 {
		return fmt.Errorf("max weight multiplier must be > 1, got %g", c.MaxWeightMult)
	}
	if c.SigmaScale <= 0 {
		return fmt.Errorf("sigma scale must be > 0, got %g", c.SigmaScale)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be > 0, got %d", c.MaxIterations)
	}
	if c.GradientTolerance <= 0 || c.ObjectiveTolerance <= 0 || c.StepTolerance <= 0 {
		return fmt.Errorf("tolerances must be > 0")
	}
	if c.MarginalTolerancePct <= 0 {
		return fmt.Errorf("marginal tolerance must be > 0, got %g", c.MarginalTolerancePct)
	}
	return nil
}

// Calibrator solves a weight-calibration problem for one of the four
// parameterizations. It holds no per-run state; a single Calibrator may be
// used for independent problems concurrently.
type Calibrator struct {
	cfg    Config
	logger *slog.Logger
}

// NewCalibrator creates a calibrator with the given configuration.
func NewCalibrator(cfg Config, logger *slog.Logger) (*Calibrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{cfg: cfg, logger: logger}, nil
}

// Calibrate solves for a weight vector whose weighted moments of x match the
// target mean and covariance. The mask is consulted only by the masked
// parameterization; a nil mask there means all cells observed.
//
// The returned result is complete even when the optimizer exhausts its
// iteration cap: Converged reflects the marginal per-variable check, not the
// optimizer's internal stopping condition, and callers must inspect it.
func (c *Calibrator) Calibrate(ctx context.Context, x *DesignMatrix, targetMean []float64, targetCov *mat.SymDense, mask *CovarianceMask) (*CalibrationResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	n, k := x.Rows(), x.Cols()

	c.logger.InfoContext(ctx, "starting calibration",
		"run_id", runID,
		"method", c.cfg.Method.String(),
		"units", n,
		"variables", k,
	)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prep, err := c.prepare(x, targetMean, targetCov, mask)
	if err != nil {
		c.logger.ErrorContext(ctx, "calibration setup failed", "run_id", runID, "error", err)
		return nil, err
	}

	objectiveFn := func(params []float64) float64 {
		value, _ := prep.evaluate(params, nil)
		return value
	}
	problem := optimize.Problem{
		Func: objectiveFn,
		Grad: func(grad, params []float64) {
			prep.evaluate(params, grad)
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: c.cfg.GradientTolerance,
		MajorIterations:   c.cfg.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Relative:   c.cfg.ObjectiveTolerance,
			Absolute:   c.cfg.StepTolerance,
			Iterations: 50,
		},
	}

	init := prep.model.Init()
	initialObjective := objectiveFn(init)

	optResult, optErr := optimize.Minimize(problem, init, settings, c.optimizeMethod())
	if optResult == nil {
		return nil, &SetupError{Reason: "optimizer failed to initialize", Err: optErr}
	}
	status := optResult.Status.String()
	if optErr != nil {
		// A completed-but-unsatisfied optimizer run still yields a usable
		// point; the marginal verdict below decides convergence.
		c.logger.WarnContext(ctx, "optimizer stopped without meeting internal tolerances",
			"run_id", runID, "status", status, "error", optErr)
		status = fmt.Sprintf("%s (%v)", status, optErr)
	}

	result, err := c.buildResult(x, prep, optResult.X, targetMean)
	if err != nil {
		return nil, err
	}
	result.RunID = runID
	result.Method = c.cfg.Method
	result.OptimizerStatus = status
	result.ObjectiveValue = optResult.F
	result.InitialObjective = initialObjective
	result.Diagnostics.ObjectiveValue = optResult.F
	result.Elapsed = time.Since(start)

	c.logger.InfoContext(ctx, "calibration finished",
		"run_id", runID,
		"converged", result.Converged,
		"objective", result.ObjectiveValue,
		"initial_objective", result.InitialObjective,
		"weight_ratio", result.Diagnostics.WeightRatio,
		"effective_sample_size", result.Diagnostics.EffectiveSampleSize,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// preparedProblem bundles everything an optimizer evaluation needs.
type preparedProblem struct {
	model      weightModel
	objective  momentObjective
	std        *standardizer
	zStd       *mat.Dense // standardized design, moments evaluated here
	rInv       *mat.Dense // nil when the orthonormal basis fell back
	advisories []Issue
	n          int
}

// evaluate computes the penalized objective at params and, when grad is
// non-nil, its gradient. Non-finite trial weights yield +Inf so the line
// search backs off.
func (p *preparedProblem) evaluate(params []float64, grad []float64) (float64, bool) {
	w := make([]float64, p.n)
	p.model.Weights(params, w)
	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			if grad != nil {
				for i := range grad {
					grad[i] = 0
				}
			}
			return math.Inf(1), false
		}
	}

	mean, cov, sumW, _ := weightedMomentsDense(p.zStd, w)
	le := p.objective.Eval(mean, cov)
	if math.IsInf(le.value, 1) {
		if grad != nil {
			for i := range grad {
				grad[i] = 0
			}
		}
		return le.value, false
	}
	value := le.value + p.model.Penalty(params)

	if grad != nil {
		for i := range grad {
			grad[i] = 0
		}
		dldw := make([]float64, p.n)
		weightGradient(p.zStd, mean, cov, le, sumW, dldw)
		p.model.Grad(params, w, dldw, grad)
	}
	return value, true
}

// prepare validates dimensions, standardizes the problem, and constructs the
// objective and weight model. All fatal setup errors surface here, before
// any optimizer iteration.
func (c *Calibrator) prepare(x *DesignMatrix, targetMean []float64, targetCov *mat.SymDense, mask *CovarianceMask) (*preparedProblem, error) {
	n, k := x.Rows(), x.Cols()
	if len(targetMean) != k {
		return nil, &DimensionMismatchError{Field: "target mean", Expected: k, Actual: len(targetMean)}
	}
	if targetCov.SymmetricDim() != k {
		return nil, &DimensionMismatchError{Field: "target covariance", Expected: k, Actual: targetCov.SymmetricDim()}
	}
	if mask != nil && mask.Dim() != k {
		return nil, &DimensionMismatchError{Field: "covariance mask", Expected: k, Actual: mask.Dim()}
	}
	if i, j, missing := x.firstMissing(); missing {
		return nil, &InvalidValueError{Row: i, Column: j, Variable: x.Names()[j]}
	}
	for j, v := range targetMean {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &SetupError{Reason: fmt.Sprintf("target mean for %q is not finite", x.Names()[j])}
		}
	}

	prep := &preparedProblem{n: n}
	prep.std = newStandardizer(x.raw())
	prep.zStd = prep.std.apply(x.raw())
	stdMean := prep.std.transformMean(targetMean)
	stdCov := prep.std.transformCovariance(targetCov)

	switch c.cfg.Method {
	case MethodMaskedSimplex:
		if mask == nil {
			mask = NewFullMask(k)
			prep.advisories = append(prep.advisories, Issue{
				Severity: SeverityNote,
				Code:     "mask_defaulted",
				Message:  "no covariance mask supplied to the masked parameterization; treating every cell as observed",
			})
		}
		prep.objective = newMaskedObjective(stdMean, stdCov, mask)
	default:
		obj, err := newKLObjective(stdMean, stdCov)
		if err != nil {
			return nil, err
		}
		prep.objective = obj
	}

	switch c.cfg.Method {
	case MethodLogLinear, MethodHierarchical:
		basis, rInv, err := orthonormalBasis(prep.zStd)
		if err != nil {
			prep.advisories = append(prep.advisories, Issue{
				Severity: SeverityWarning,
				Code:     "basis_fallback",
				Message:  fmt.Sprintf("orthonormal re-basis unavailable (%v); optimizing on the standardized basis", err),
			})
			basis = prep.zStd
		} else {
			prep.rInv = rInv
		}
		if c.cfg.Method == MethodLogLinear {
			prep.model = newLogLinearModel(basis)
		} else {
			prep.model = newHierarchicalModel(basis, c.cfg.SigmaScale)
		}
	case MethodSimplex, MethodMaskedSimplex:
		prep.model = newSimplexModel(n, c.cfg.Concentration, c.cfg.MinWeightMult, c.cfg.MaxWeightMult)
	}

	return prep, nil
}

// optimizeMethod selects the quasi-Newton variant: dense BFGS for the small
// log-linear problem, limited-memory for the N-dimensional ones.
func (c *Calibrator) optimizeMethod() optimize.Method {
	if c.cfg.Method == MethodLogLinear {
		return &optimize.BFGS{Linesearcher: &optimize.MoreThuente{}}
	}
	return &optimize.LBFGS{}
}

// buildResult computes the fitted weights and the full diagnostic report on
// the original covariate scale.
func (c *Calibrator) buildResult(x *DesignMatrix, prep *preparedProblem, params []float64, targetMean []float64) (*CalibrationResult, error) {
	n := prep.n
	w := make([]float64, n)
	prep.model.Weights(params, w)

	// Rescale to sum to N so the mean weight is 1.
	var sumW float64
	for _, v := range w {
		sumW += v
	}
	for i := range w {
		w[i] *= float64(n) / sumW
	}

	achieved, err := WeightedMoments(x, w)
	if err != nil {
		return nil, fmt.Errorf("evaluate achieved moments: %w", err)
	}

	report := balanceTable(x.Names(), targetMean, achieved.Mean)
	result := &CalibrationResult{
		Weights:     w,
		Achieved:    achieved,
		Report:      report,
		Converged:   marginalsConverged(report, c.cfg.MarginalTolerancePct),
		Diagnostics: weightDiagnostics(w, achieved),
		Advisories:  append([]Issue(nil), prep.advisories...),
	}

	// Attach moment-quality advisories so low-confidence estimates are
	// never silently dropped.
	if issues := ValidateMoments(achieved).Issues; len(issues) > 0 {
		result.Advisories = append(result.Advisories, issues...)
	}

	switch m := prep.model.(type) {
	case *logLinearModel:
		result.Intercept, result.Coefficients = c.reportCoefficients(x, prep, params[0], params[1:])
	case *hierarchicalModel:
		result.Intercept, result.Coefficients = c.reportCoefficients(x, prep, params[0], params[1:m.k+1])
	}

	if c.cfg.Method.UsesMask() {
		if mo, ok := prep.objective.(*maskedObjective); ok {
			result.Recovery = correlationRecovery(x, w, mo.targetCov, mo.mask)
		}
	}

	return result, nil
}

// reportCoefficients back-transforms fitted basis coefficients to the
// original covariate scale.
func (c *Calibrator) reportCoefficients(x *DesignMatrix, prep *preparedProblem, alpha float64, coef []float64) (float64, map[string]float64) {
	intercept, beta := prep.std.backTransform(alpha, coef, prep.rInv)
	names := x.Names()
	out := make(map[string]float64, len(beta))
	for j, name := range names {
		out[name] = beta[j]
	}
	return intercept, out
}

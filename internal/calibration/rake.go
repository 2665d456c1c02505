package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// RakeConfig configures iterative proportional fitting.
type RakeConfig struct {
	// Tolerance is the maximum absolute difference between achieved and
	// target means, checked at the end of each full pass.
	Tolerance float64 `json:"tolerance"`
	// MaxIterations caps the number of full passes over the variables.
	MaxIterations int `json:"max_iterations"`
}

// DefaultRakeConfig returns the recommended raking configuration.
func DefaultRakeConfig() RakeConfig {
	return RakeConfig{Tolerance: 1e-6, MaxIterations: 100}
}

// Validate checks the raking configuration.
func (c RakeConfig) Validate() error {
	if c.Tolerance <= 0 {
		return fmt.Errorf("rake tolerance must be > 0, got %g", c.Tolerance)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("rake max iterations must be > 0, got %d", c.MaxIterations)
	}
	return nil
}

// Rake adjusts the base weights by iterative proportional fitting so that
// each variable's weighted mean converges to its target. Each pass cycles
// through all variables, computing a single raking factor per variable (the
// ratio of the target mean to the current weighted mean) and applying it to
// every unit through that variable: w_i *= factor^x_i. For the 0/1 dummy
// covariates this core is built around, that is the classical raking
// adjustment of the units carrying the attribute.
//
// Raking matches marginal means only; it does not control the joint
// covariance structure the way the Calibrator does. It is appropriate when
// only independent marginal totals are available.
//
// Hitting the iteration cap without convergence is not an error: the result
// carries Converged=false and a warning advisory.
func Rake(ctx context.Context, x *DesignMatrix, baseWeights, targets []float64, cfg RakeConfig, logger *slog.Logger) (*RakeResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n, k := x.Rows(), x.Cols()
	if err := validateWeights(n, baseWeights); err != nil {
		return nil, err
	}
	if len(targets) != k {
		return nil, &DimensionMismatchError{Field: "targets", Expected: k, Actual: len(targets)}
	}
	if i, j, missing := x.firstMissing(); missing {
		return nil, &InvalidValueError{Row: i, Column: j, Variable: x.Names()[j]}
	}
	for j, t := range targets {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("target for %q is not finite", x.Names()[j])
		}
	}

	logger.InfoContext(ctx, "starting raking",
		"units", n,
		"variables", k,
		"tolerance", cfg.Tolerance,
		"max_iterations", cfg.MaxIterations,
	)

	w := append([]float64(nil), baseWeights...)
	result := &RakeResult{}

	var iterations int
	maxAbsDiff := math.Inf(1)
	skipped := make(map[string]bool)

	for iterations = 0; iterations < cfg.MaxIterations; iterations++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for j := 0; j < k; j++ {
			current := weightedColumnMean(x, w, j)
			if math.Abs(current) < nearZeroTarget {
				name := x.Names()[j]
				if !skipped[name] {
					skipped[name] = true
					result.Advisories = append(result.Advisories, Issue{
						Severity: SeverityWarning,
						Code:     "zero_current_mean",
						Message:  fmt.Sprintf("current weighted mean of %q is zero; raking factor skipped", name),
					})
				}
				continue
			}
			factor := targets[j] / current
			if factor <= 0 || math.IsInf(factor, 0) || math.IsNaN(factor) {
				name := x.Names()[j]
				if !skipped[name] {
					skipped[name] = true
					result.Advisories = append(result.Advisories, Issue{
						Severity: SeverityWarning,
						Code:     "invalid_raking_factor",
						Message:  fmt.Sprintf("raking factor for %q is %v (target %g, current %g); skipped", name, factor, targets[j], current),
					})
				}
				continue
			}
			for i := range w {
				w[i] *= math.Pow(factor, x.At(i, j))
			}
		}

		maxAbsDiff = 0
		for j := 0; j < k; j++ {
			diff := math.Abs(weightedColumnMean(x, w, j) - targets[j])
			if diff > maxAbsDiff {
				maxAbsDiff = diff
			}
		}
		logger.DebugContext(ctx, "raking pass complete", "iteration", iterations+1, "max_abs_diff", maxAbsDiff)
		if maxAbsDiff < cfg.Tolerance {
			iterations++
			break
		}
	}

	result.Iterations = iterations
	result.MaxAbsDiff = maxAbsDiff
	result.Converged = maxAbsDiff < cfg.Tolerance
	result.Weights = w

	if !result.Converged {
		result.Advisories = append(result.Advisories, Issue{
			Severity: SeverityWarning,
			Code:     "rake_iteration_cap",
			Message:  fmt.Sprintf("raking reached %d iterations with max deviation %.3e above tolerance %.3e", iterations, maxAbsDiff, cfg.Tolerance),
			Value:    maxAbsDiff,
		})
		logger.WarnContext(ctx, "raking did not converge",
			"iterations", iterations,
			"max_abs_diff", maxAbsDiff,
			"tolerance", cfg.Tolerance,
		)
	}

	achieved, err := WeightedMoments(x, w)
	if err != nil {
		return nil, fmt.Errorf("evaluate raked moments: %w", err)
	}
	result.Report = balanceTable(x.Names(), targets, achieved.Mean)
	result.Diagnostics = weightDiagnostics(w, achieved)

	logger.InfoContext(ctx, "raking finished",
		"converged", result.Converged,
		"iterations", result.Iterations,
		"max_abs_diff", result.MaxAbsDiff,
		"effective_sample_size", result.Diagnostics.EffectiveSampleSize,
	)
	return result, nil
}

// weightedColumnMean computes the weighted mean of a single column without
// materializing the full moment estimate.
func weightedColumnMean(x *DesignMatrix, w []float64, j int) float64 {
	var num, den float64
	for i := 0; i < x.Rows(); i++ {
		num += w[i] * x.At(i, j)
		den += w[i]
	}
	return num / den
}

package calibration

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Validation thresholds. These reflect what the downstream calibration step
// can tolerate, not universal statistical standards.
const (
	nearSingularEigenvalue = 1e-10
	collinearityThreshold  = 0.99
	minPlausibleVariance   = 1e-6
	maxPlausibleVariance   = 100.0
	correlationDiagTol     = 1e-10
	minEffectiveSample     = 100.0
	severeEfficiencyPct    = 10.0
	lowEfficiencyPct       = 50.0
)

// ValidationReport is a structured list of findings about a moment estimate.
// It never mutates its input and never halts the caller; callers decide
// whether a flagged issue is fatal.
type ValidationReport struct {
	Issues []Issue `json:"issues"`
}

// OK reports whether no error-severity issue was found.
func (r *ValidationReport) OK() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns the error-severity issues.
func (r *ValidationReport) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity issues.
func (r *ValidationReport) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

func (r *ValidationReport) filter(sev Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

func (r *ValidationReport) add(sev Severity, code, msg string, value interface{}) {
	r.Issues = append(r.Issues, Issue{Severity: sev, Code: code, Message: msg, Value: value})
}

// ValidateCovariance certifies a covariance matrix ahead of its use as a
// calibration target or diagnosis as a calibration result. If corr is
// non-nil it is additionally checked for a unit diagonal and near-perfect
// collinearity.
func ValidateCovariance(cov *mat.SymDense, corr *mat.SymDense) *ValidationReport {
	report := &ValidationReport{}
	k := cov.SymmetricDim()

	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		report.add(SeverityError, "eigen_decomposition_failed", "eigen decomposition of covariance did not converge", nil)
		return report
	}
	values := eig.Values(nil)
	minEig, maxEig := values[0], values[0]
	for _, v := range values {
		if v < minEig {
			minEig = v
		}
		if v > maxEig {
			maxEig = v
		}
	}

	switch {
	case minEig <= 0:
		report.add(SeverityError, "not_positive_definite",
			fmt.Sprintf("minimum eigenvalue %.3e is not positive; covariance is not usable as an invertible target", minEig), minEig)
	case minEig < nearSingularEigenvalue:
		report.add(SeverityWarning, "near_singular",
			fmt.Sprintf("minimum eigenvalue %.3e is near zero (condition number %.3e)", minEig, maxEig/minEig), maxEig/minEig)
	}

	for j := 0; j < k; j++ {
		v := cov.At(j, j)
		if v < minPlausibleVariance || v > maxPlausibleVariance {
			report.add(SeverityWarning, "implausible_variance",
				fmt.Sprintf("variance %.3e of variable %d is outside [%g, %g]", v, j, minPlausibleVariance, maxPlausibleVariance), v)
		}
	}

	if corr != nil {
		if corr.SymmetricDim() != k {
			report.add(SeverityError, "correlation_dimension",
				fmt.Sprintf("correlation matrix is %dx%d, covariance is %dx%d", corr.SymmetricDim(), corr.SymmetricDim(), k, k), nil)
			return report
		}
		for a := 0; a < k; a++ {
			d := corr.At(a, a)
			if d < 1-correlationDiagTol || d > 1+correlationDiagTol {
				report.add(SeverityError, "correlation_diagonal",
					fmt.Sprintf("correlation diagonal entry %d is %.12f, expected 1", a, d), d)
			}
			for b := a + 1; b < k; b++ {
				c := corr.At(a, b)
				if c >= collinearityThreshold || c <= -collinearityThreshold {
					report.add(SeverityWarning, "near_perfect_collinearity",
						fmt.Sprintf("|correlation| %.4f between variables %d and %d indicates near-perfect collinearity", c, a, b), c)
				}
			}
		}
	}

	return report
}

// ValidateMoments runs the full certification of a moment estimate: the
// covariance and correlation checks of ValidateCovariance plus
// effective-sample-size adequacy.
func ValidateMoments(est *MomentEstimate) *ValidationReport {
	report := ValidateCovariance(est.Covariance, est.Correlation())

	if est.EffectiveSampleSize < minEffectiveSample {
		report.add(SeverityWarning, "low_effective_sample",
			fmt.Sprintf("effective sample size %.1f is below %g", est.EffectiveSampleSize, minEffectiveSample), est.EffectiveSampleSize)
	}
	if est.SampleSize > 0 {
		efficiency := 100 * est.EffectiveSampleSize / float64(est.SampleSize)
		if efficiency < severeEfficiencyPct {
			report.add(SeverityWarning, "severe_weighting_loss",
				fmt.Sprintf("weighting efficiency %.1f%% is below %g%%", efficiency, severeEfficiencyPct), efficiency)
		} else if efficiency < lowEfficiencyPct {
			report.add(SeverityNote, "weighting_loss",
				fmt.Sprintf("weighting efficiency %.1f%% is below %g%%", efficiency, lowEfficiencyPct), efficiency)
		}
	}

	return report
}

package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func issueCodes(issues []Issue) []string {
	codes := make([]string, len(issues))
	for i, issue := range issues {
		codes[i] = issue.Code
	}
	return codes
}

func TestValidateCovariancePositiveDefinite(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1, 0.3, 0.3, 1})
	report := ValidateCovariance(cov, nil)
	assert.True(t, report.OK())
	assert.Empty(t, report.Errors())
}

func TestValidateCovarianceNegativeEigenvalue(t *testing.T) {
	// Eigenvalues 3 and -1.
	cov := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	report := ValidateCovariance(cov, nil)
	assert.False(t, report.OK())
	assert.Contains(t, issueCodes(report.Errors()), "not_positive_definite")
}

func TestValidateCovarianceNearSingular(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1, 1 - 1e-13, 1 - 1e-13, 1})
	report := ValidateCovariance(cov, nil)
	assert.True(t, report.OK())
	assert.Contains(t, issueCodes(report.Warnings()), "near_singular")
}

func TestValidateCovarianceImplausibleVariance(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1e-9, 0, 0, 500})
	report := ValidateCovariance(cov, nil)
	codes := issueCodes(report.Warnings())
	count := 0
	for _, c := range codes {
		if c == "implausible_variance" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestValidateCovarianceCorrelationChecks(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1, 0.995, 0.995, 1})

	t.Run("bad diagonal is an error", func(t *testing.T) {
		corr := mat.NewSymDense(2, []float64{1, 0.2, 0.2, 0.5})
		report := ValidateCovariance(cov, corr)
		assert.False(t, report.OK())
		assert.Contains(t, issueCodes(report.Errors()), "correlation_diagonal")
	})

	t.Run("near-perfect collinearity is flagged", func(t *testing.T) {
		corr := mat.NewSymDense(2, []float64{1, 0.995, 0.995, 1})
		report := ValidateCovariance(cov, corr)
		assert.Contains(t, issueCodes(report.Warnings()), "near_perfect_collinearity")
	})

	t.Run("moderate correlation passes", func(t *testing.T) {
		corr := mat.NewSymDense(2, []float64{1, 0.5, 0.5, 1})
		report := ValidateCovariance(mat.NewSymDense(2, []float64{1, 0.5, 0.5, 1}), corr)
		assert.True(t, report.OK())
		assert.Empty(t, report.Warnings())
	})
}

func TestValidateMomentsEffectiveSampleSize(t *testing.T) {
	base := func(n int, neff float64) *MomentEstimate {
		return &MomentEstimate{
			Names:               []string{"a"},
			Mean:                []float64{0},
			Covariance:          mat.NewSymDense(1, []float64{1}),
			SampleSize:          n,
			EffectiveSampleSize: neff,
			WeightSum:           float64(n),
		}
	}

	t.Run("adequate sample is clean", func(t *testing.T) {
		report := ValidateMoments(base(500, 400))
		assert.True(t, report.OK())
		assert.Empty(t, report.Warnings())
	})

	t.Run("low effective sample warns", func(t *testing.T) {
		report := ValidateMoments(base(120, 80))
		assert.Contains(t, issueCodes(report.Warnings()), "low_effective_sample")
	})

	t.Run("severe weighting loss warns", func(t *testing.T) {
		report := ValidateMoments(base(5000, 400))
		assert.Contains(t, issueCodes(report.Warnings()), "severe_weighting_loss")
	})

	t.Run("moderate weighting loss is a note", func(t *testing.T) {
		report := ValidateMoments(base(1000, 400))
		require.True(t, report.OK())
		assert.Contains(t, issueCodes(report.Issues), "weighting_loss")
		assert.NotContains(t, issueCodes(report.Warnings()), "weighting_loss")
	})
}

func TestValidationReportNeverMutates(t *testing.T) {
	cov := mat.NewSymDense(2, []float64{1, 2, 2, 1})
	before := mat.NewSymDense(2, nil)
	before.CopySym(cov)
	_ = ValidateCovariance(cov, nil)
	assert.True(t, mat.Equal(before, cov))
}

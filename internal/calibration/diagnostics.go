package calibration

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// nearZeroTarget is the magnitude below which a target mean is treated as
// zero and percent deviation is replaced by absolute deviation.
const nearZeroTarget = 1e-12

// balanceTable builds the per-variable achieved-versus-target comparison.
// For near-zero targets PctDiff carries 100x the absolute difference so that
// the marginal convergence check remains meaningful.
func balanceTable(names []string, targets, achieved []float64) []VariableBalance {
	report := make([]VariableBalance, len(names))
	for j, name := range names {
		abs := math.Abs(achieved[j] - targets[j])
		pct := 100 * abs
		if math.Abs(targets[j]) > nearZeroTarget {
			pct = 100 * abs / math.Abs(targets[j])
		}
		report[j] = VariableBalance{
			Variable: name,
			Target:   targets[j],
			Achieved: achieved[j],
			AbsDiff:  abs,
			PctDiff:  pct,
		}
	}
	return report
}

// marginalsConverged is the convergence verdict: every covariate's percent
// deviation from its target mean must be below the tolerance.
func marginalsConverged(report []VariableBalance, tolerancePct float64) bool {
	for _, row := range report {
		if row.PctDiff >= tolerancePct || math.IsNaN(row.PctDiff) {
			return false
		}
	}
	return true
}

// weightDiagnostics summarizes a fitted weight vector.
func weightDiagnostics(w []float64, achieved *MomentEstimate) WeightDiagnostics {
	minW, maxW := w[0], w[0]
	var sum float64
	for _, v := range w {
		if v < minW {
			minW = v
		}
		if v > maxW {
			maxW = v
		}
		sum += v
	}
	d := WeightDiagnostics{
		MinWeight:           minW,
		MaxWeight:           maxW,
		MeanWeight:          sum / float64(len(w)),
		EffectiveSampleSize: achieved.EffectiveSampleSize,
	}
	if minW > 0 {
		d.WeightRatio = maxW / minW
	} else {
		d.WeightRatio = math.Inf(1)
	}
	if achieved.SampleSize > 0 {
		d.EfficiencyPct = 100 * achieved.EffectiveSampleSize / float64(achieved.SampleSize)
	}
	return d
}

// correlationRecovery measures, over the observed off-diagonal cells, how
// far the weighted correlations sit from the target compared to the
// unweighted baseline. Positive improvement means calibration moved the
// joint structure toward the target.
func correlationRecovery(x *DesignMatrix, w []float64, targetCov *mat.SymDense, mask *CovarianceMask) *CorrelationRecovery {
	n := x.Rows()
	uniform := make([]float64, n)
	for i := range uniform {
		uniform[i] = 1
	}
	base, err := WeightedMoments(x, uniform)
	if err != nil {
		return nil
	}
	fitted, err := WeightedMoments(x, w)
	if err != nil {
		return nil
	}

	targetCorr := (&MomentEstimate{Mean: make([]float64, mask.Dim()), Covariance: targetCov}).Correlation()
	baseCorr := base.Correlation()
	fittedCorr := fitted.Correlation()

	rec := &CorrelationRecovery{}
	var baseGap, fittedGap float64
	k := mask.Dim()
	for a := 0; a < k; a++ {
		for b := a + 1; b < k; b++ {
			if !mask.Observed(a, b) {
				continue
			}
			rec.CellsCompared++
			baseGap += math.Abs(baseCorr.At(a, b) - targetCorr.At(a, b))
			fittedGap += math.Abs(fittedCorr.At(a, b) - targetCorr.At(a, b))
		}
	}
	if rec.CellsCompared == 0 {
		return rec
	}
	rec.UnweightedMeanAbsGap = baseGap / float64(rec.CellsCompared)
	rec.WeightedMeanAbsGap = fittedGap / float64(rec.CellsCompared)
	rec.Improvement = rec.UnweightedMeanAbsGap - rec.WeightedMeanAbsGap
	return rec
}

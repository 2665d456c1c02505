package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// WeightedMoments computes the weighted mean vector and covariance matrix of
// a complete design matrix under the given weight vector.
//
// Weights are normalized to sum to 1 internally for numerical stability. The
// covariance uses the population-moment convention (denominator sum of
// normalized weights, not N-1), which is the appropriate convention when w
// encodes survey-design weights. The effective sample size is the Kish
// formula (sum w)^2 / sum w^2.
//
// The design matrix must be complete: a NaN or infinite cell is an
// InvalidValueError. BlockMoments is the missing-tolerant path.
func WeightedMoments(x *DesignMatrix, w []float64) (*MomentEstimate, error) {
	if err := validateWeights(x.Rows(), w); err != nil {
		return nil, err
	}
	if i, j, missing := x.firstMissing(); missing {
		return nil, &InvalidValueError{Row: i, Column: j, Variable: x.names[j]}
	}

	mean, cov, sumW, sumSq := weightedMomentsDense(x.raw(), w)

	return &MomentEstimate{
		Names:               x.Names(),
		Mean:                mean,
		Covariance:          cov,
		SampleSize:          x.Rows(),
		EffectiveSampleSize: kishEffectiveSampleSize(sumW, sumSq),
		WeightSum:           sumW,
	}, nil
}

// validateWeights checks length, finiteness, and strict positivity.
func validateWeights(n int, w []float64) error {
	if len(w) != n {
		return &DimensionMismatchError{Field: "weights", Expected: n, Actual: len(w)}
	}
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return &InvalidWeightError{Index: i, Value: v}
		}
	}
	return nil
}

// kishEffectiveSampleSize implements (sum w)^2 / sum w^2.
func kishEffectiveSampleSize(sumW, sumSq float64) float64 {
	if sumSq == 0 {
		return 0
	}
	return sumW * sumW / sumSq
}

// weightedMomentsDense is the unvalidated fast path used inside optimizer
// evaluations. Callers guarantee complete data and positive weights.
func weightedMomentsDense(x *mat.Dense, w []float64) (mean []float64, cov *mat.SymDense, sumW, sumSq float64) {
	n, k := x.Dims()

	for _, v := range w {
		sumW += v
		sumSq += v * v
	}

	mean = make([]float64, k)
	for i := 0; i < n; i++ {
		wt := w[i] / sumW
		for j := 0; j < k; j++ {
			mean[j] += wt * x.At(i, j)
		}
	}

	cov = mat.NewSymDense(k, nil)
	c := mat.NewVecDense(k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			c.SetVec(j, x.At(i, j)-mean[j])
		}
		cov.SymRankOne(cov, w[i]/sumW, c)
	}
	return mean, cov, sumW, sumSq
}

// BlockMoments computes a moment estimate tolerant of structurally missing
// variable groups. Each block's mean and variance block come from that
// block's own complete-case subset, so a unit missing one source survey's
// variables still contributes to every other block. Cross-block covariance
// cells come from the joint complete-case subset of each block pair.
//
// A pair with no joint observations gets a zero cross-block (conservatively
// uncorrelated), an unobserved mask region, and an advisory note. A pair
// whose joint sample is below opts.MinJointSample is still computed but
// flagged as low confidence.
func BlockMoments(x *DesignMatrix, w []float64, partition BlockPartition, opts BlockMomentsOptions) (*BlockMomentEstimate, error) {
	if err := validateWeights(x.Rows(), w); err != nil {
		return nil, err
	}
	if err := partition.Validate(x); err != nil {
		return nil, fmt.Errorf("invalid block partition: %w", err)
	}
	if opts.MinJointSample <= 0 {
		opts = DefaultBlockMomentsOptions()
	}

	k := x.Cols()
	est := &BlockMomentEstimate{
		MomentEstimate: MomentEstimate{
			Names:      x.Names(),
			Mean:       make([]float64, k),
			Covariance: mat.NewSymDense(k, nil),
			SampleSize: x.Rows(),
		},
		BlockSampleSizes: make(map[string]int, len(partition.Blocks)),
		PairSampleSizes:  make(map[string]int),
		Mask:             NewEmptyMask(k),
	}

	var sumW, sumSq float64
	for _, v := range w {
		sumW += v
		sumSq += v * v
	}
	est.WeightSum = sumW
	est.EffectiveSampleSize = kishEffectiveSampleSize(sumW, sumSq)

	blockCols := make([][]int, len(partition.Blocks))
	for b, block := range partition.Blocks {
		blockCols[b] = block.columns(x)
	}

	// Per-block means and diagonal covariance blocks.
	for b, block := range partition.Blocks {
		cols := blockCols[b]
		rows := x.CompleteRows(cols)
		est.BlockSampleSizes[block.Name] = len(rows)
		if len(rows) == 0 {
			return nil, fmt.Errorf("block %q has no complete cases", block.Name)
		}
		sub, err := WeightedMoments(x.Subset(rows, cols), subsetWeights(w, rows))
		if err != nil {
			return nil, fmt.Errorf("block %q moments: %w", block.Name, err)
		}
		for a, ja := range cols {
			est.Mean[ja] = sub.Mean[a]
			for bb := a; bb < len(cols); bb++ {
				est.Covariance.SetSym(ja, cols[bb], sub.Covariance.At(a, bb))
				est.Mask.Set(ja, cols[bb], true)
			}
		}
	}

	// Cross-block cells from joint complete-case subsets.
	for a := 0; a < len(partition.Blocks); a++ {
		for b := a + 1; b < len(partition.Blocks); b++ {
			nameA, nameB := partition.Blocks[a].Name, partition.Blocks[b].Name
			pairKey := nameA + "|" + nameB
			union := append(append([]int(nil), blockCols[a]...), blockCols[b]...)
			rows := x.CompleteRows(union)
			est.PairSampleSizes[pairKey] = len(rows)

			if len(rows) == 0 {
				// Cross-block stays zero: no evidence of association.
				est.Issues = append(est.Issues, Issue{
					Severity: SeverityNote,
					Code:     "no_joint_observations",
					Message:  fmt.Sprintf("blocks %q and %q share no complete cases; cross-covariance set to zero", nameA, nameB),
					Value:    pairKey,
				})
				continue
			}

			joint, err := WeightedMoments(x.Subset(rows, union), subsetWeights(w, rows))
			if err != nil {
				return nil, fmt.Errorf("blocks %q x %q joint moments: %w", nameA, nameB, err)
			}
			na := len(blockCols[a])
			for ia, ja := range blockCols[a] {
				for ib, jb := range blockCols[b] {
					est.Covariance.SetSym(ja, jb, joint.Covariance.At(ia, na+ib))
					est.Mask.Set(ja, jb, true)
				}
			}

			if len(rows) < opts.MinJointSample {
				est.Issues = append(est.Issues, Issue{
					Severity: SeverityWarning,
					Code:     "low_joint_sample",
					Message:  fmt.Sprintf("blocks %q and %q share only %d complete cases (floor %d); cross-covariance is low confidence", nameA, nameB, len(rows), opts.MinJointSample),
					Value:    len(rows),
				})
			}
		}
	}

	return est, nil
}

func subsetWeights(w []float64, rows []int) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = w[r]
	}
	return out
}

package calibration

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// lossEval is the value of a moment-matching loss at the achieved moments,
// together with its gradients with respect to the achieved mean and
// covariance. A nil gradient with an infinite value signals an unevaluable
// point (the line search backs off).
type lossEval struct {
	value    float64
	gradMean []float64
	// gradCov is the symmetric matrix G such that dLoss = sum_ab G_ab dSigma_ab
	// for symmetric perturbations dSigma.
	gradCov *mat.SymDense
}

// momentObjective is a divergence between achieved and target moments.
type momentObjective interface {
	// Eval computes the loss and its moment-space gradients at the achieved
	// weighted mean and covariance.
	Eval(mean []float64, cov *mat.SymDense) *lossEval
}

// infEval marks a trial point whose achieved covariance could not be
// factorized even with jitter.
func infEval() *lossEval {
	return &lossEval{value: math.Inf(1)}
}

// klObjective is the Kullback-Leibler divergence KL(Q||P) between the
// multivariate normals implied by the target (Q) and achieved (P) moments:
//
//	KL = 1/2 [ tr(Sp^-1 Sq) + d' Sp^-1 d - K + ln det Sp - ln det Sq ]
//
// with d = mu_P - mu_Q. The target covariance must be positive definite;
// newKLObjective returns a SetupError otherwise, before any iteration runs.
type klObjective struct {
	targetMean   []float64
	targetCov    *mat.SymDense
	targetLogDet float64
	k            int
}

func newKLObjective(targetMean []float64, targetCov *mat.SymDense) (*klObjective, error) {
	var chol mat.Cholesky
	if !chol.Factorize(targetCov) {
		return nil, &SetupError{Reason: "target covariance is not positive definite; fix the target estimate or switch to a masked parameterization"}
	}
	return &klObjective{
		targetMean:   targetMean,
		targetCov:    targetCov,
		targetLogDet: chol.LogDet(),
		k:            len(targetMean),
	}, nil
}

func (o *klObjective) Eval(mean []float64, cov *mat.SymDense) *lossEval {
	k := o.k

	pInv, logDetP, ok := invertPD(cov)
	if !ok {
		return infEval()
	}

	d := make([]float64, k)
	for j := 0; j < k; j++ {
		d[j] = mean[j] - o.targetMean[j]
	}

	// pInvD = Sp^-1 d; also the mean gradient.
	pInvD := make([]float64, k)
	for a := 0; a < k; a++ {
		var sum float64
		for b := 0; b < k; b++ {
			sum += pInv.At(a, b) * d[b]
		}
		pInvD[a] = sum
	}

	var trace, quad float64
	for a := 0; a < k; a++ {
		quad += d[a] * pInvD[a]
		for b := 0; b < k; b++ {
			trace += pInv.At(a, b) * o.targetCov.At(b, a)
		}
	}

	value := 0.5 * (trace + quad - float64(k) + logDetP - o.targetLogDet)

	// Gradient wrt Sp: 1/2 [ Sp^-1 - Sp^-1 (Sq + d d') Sp^-1 ].
	inner := mat.NewDense(k, k, nil)
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			inner.Set(a, b, o.targetCov.At(a, b)+d[a]*d[b])
		}
	}
	tmp := mat.NewDense(k, k, nil)
	tmp.Mul(pInv, inner)
	full := mat.NewDense(k, k, nil)
	full.Mul(tmp, pInv)

	gradCov := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			gradCov.SetSym(a, b, 0.5*(pInv.At(a, b)-0.5*(full.At(a, b)+full.At(b, a))))
		}
	}

	return &lossEval{value: value, gradMean: pInvD, gradCov: gradCov}
}

// invertPD inverts a symmetric positive-definite matrix via Cholesky,
// retrying once with a small diagonal jitter.
func invertPD(cov *mat.SymDense) (pInv *mat.SymDense, logDet float64, ok bool) {
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		k := cov.SymmetricDim()
		jittered := mat.NewSymDense(k, nil)
		jittered.CopySym(cov)
		for a := 0; a < k; a++ {
			jittered.SetSym(a, a, jittered.At(a, a)+1e-10)
		}
		if !chol.Factorize(jittered) {
			return nil, 0, false
		}
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, 0, false
	}
	return &inv, chol.LogDet(), true
}

// maskedObjective matches means through a variance-normalized quadratic and
// the observed covariance cells through a scaled Frobenius norm:
//
//	L = sum_k ((mu_k - q_k)/s_k)^2
//	  + sum_{a<=b observed} ((Sp_ab - Sq_ab)/(s_a s_b))^2
//
// where s are the target standard deviations. Target cells not marked
// observed in the mask are never read.
type maskedObjective struct {
	targetMean []float64
	targetCov  *mat.SymDense
	mask       *CovarianceMask
	sd         []float64
}

func newMaskedObjective(targetMean []float64, targetCov *mat.SymDense, mask *CovarianceMask) *maskedObjective {
	k := len(targetMean)
	sd := make([]float64, k)
	for j := 0; j < k; j++ {
		v := targetCov.At(j, j)
		if mask.Observed(j, j) && v > zeroVarianceScale {
			sd[j] = math.Sqrt(v)
		} else {
			sd[j] = 1
		}
	}
	return &maskedObjective{targetMean: targetMean, targetCov: targetCov, mask: mask, sd: sd}
}

func (o *maskedObjective) Eval(mean []float64, cov *mat.SymDense) *lossEval {
	k := len(o.targetMean)
	value := 0.0
	gradMean := make([]float64, k)
	gradCov := mat.NewSymDense(k, nil)

	for j := 0; j < k; j++ {
		r := (mean[j] - o.targetMean[j]) / o.sd[j]
		value += r * r
		gradMean[j] = 2 * r / o.sd[j]
	}

	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			if !o.mask.Observed(a, b) {
				continue
			}
			scale := o.sd[a] * o.sd[b]
			r := (cov.At(a, b) - o.targetCov.At(a, b)) / scale
			value += r * r
			// Off-diagonal cells appear twice in the symmetric trace
			// convention, so they carry half the cell derivative.
			g := 2 * r / scale
			if a != b {
				g /= 2
			}
			gradCov.SetSym(a, b, g)
		}
	}

	return &lossEval{value: value, gradMean: gradMean, gradCov: gradCov}
}

// weightGradient maps moment-space loss gradients to weight-space:
//
//	dL/dw_i = [ gMean' c_i + c_i' gCov c_i - tr(gCov Sigma) ] / sum(w)
//
// with c_i the centered row. Exact for the normalized-weight moment
// definitions used by weightedMomentsDense.
func weightGradient(x *mat.Dense, mean []float64, cov *mat.SymDense, le *lossEval, sumW float64, grad []float64) {
	n, k := x.Dims()

	var trTerm float64
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			trTerm += le.gradCov.At(a, b) * cov.At(b, a)
		}
	}

	c := make([]float64, k)
	gc := make([]float64, k)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			c[j] = x.At(i, j) - mean[j]
		}
		var meanTerm, quadTerm float64
		for a := 0; a < k; a++ {
			meanTerm += le.gradMean[a] * c[a]
			var dot float64
			for b := 0; b < k; b++ {
				dot += le.gradCov.At(a, b) * c[b]
			}
			gc[a] = dot
			quadTerm += c[a] * dot
		}
		grad[i] = (meanTerm + quadTerm - trTerm) / sumW
	}
}

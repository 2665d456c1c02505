package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// zeroVarianceScale is the standard-deviation floor below which a column is
// treated as constant and left at scale 1.
const zeroVarianceScale = 1e-12

// standardizer centers and scales design-matrix columns to zero mean and
// unit variance, and transforms calibration targets into the same space.
// Columns with near-zero variance keep scale 1.
type standardizer struct {
	mean  []float64
	scale []float64
}

// newStandardizer fits column means and population standard deviations on a
// complete design matrix.
func newStandardizer(x *mat.Dense) *standardizer {
	n, k := x.Dims()
	s := &standardizer{mean: make([]float64, k), scale: make([]float64, k)}
	for j := 0; j < k; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += x.At(i, j)
		}
		m := sum / float64(n)
		var ss float64
		for i := 0; i < n; i++ {
			d := x.At(i, j) - m
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(n))
		if sd < zeroVarianceScale {
			sd = 1
		}
		s.mean[j] = m
		s.scale[j] = sd
	}
	return s
}

// apply returns a standardized copy of x.
func (s *standardizer) apply(x *mat.Dense) *mat.Dense {
	n, k := x.Dims()
	out := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			out.Set(i, j, (x.At(i, j)-s.mean[j])/s.scale[j])
		}
	}
	return out
}

// transformMean maps a target mean vector into the standardized space.
func (s *standardizer) transformMean(mean []float64) []float64 {
	out := make([]float64, len(mean))
	for j := range mean {
		out[j] = (mean[j] - s.mean[j]) / s.scale[j]
	}
	return out
}

// transformCovariance maps a target covariance into the standardized space:
// D^-1 Sigma D^-1 with D = diag(scale).
func (s *standardizer) transformCovariance(cov *mat.SymDense) *mat.SymDense {
	k := cov.SymmetricDim()
	out := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			out.SetSym(a, b, cov.At(a, b)/(s.scale[a]*s.scale[b]))
		}
	}
	return out
}

// orthonormalBasis re-bases a standardized design matrix onto columns that
// are orthonormal in the empirical inner product (Z'Z/n = I), via Cholesky
// of the Gram matrix. This removes covariate collinearity from the
// optimizer's path. The returned rInv maps basis coefficients back to
// standardized-scale coefficients (beta_std = rInv * b).
//
// Returns an error when the Gram matrix is numerically singular even after
// a small diagonal jitter; callers fall back to the standardized basis.
func orthonormalBasis(z *mat.Dense) (basis *mat.Dense, rInv *mat.Dense, err error) {
	n, k := z.Dims()

	gram := mat.NewSymDense(k, nil)
	for a := 0; a < k; a++ {
		for b := a; b < k; b++ {
			var sum float64
			for i := 0; i < n; i++ {
				sum += z.At(i, a) * z.At(i, b)
			}
			gram.SetSym(a, b, sum/float64(n))
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(gram) {
		for a := 0; a < k; a++ {
			gram.SetSym(a, a, gram.At(a, a)+1e-8)
		}
		if !chol.Factorize(gram) {
			return nil, nil, fmt.Errorf("gram matrix is numerically singular")
		}
	}

	var lower mat.TriDense
	chol.LTo(&lower)

	// R is the upper Cholesky factor (L transposed); invert by back
	// substitution. K is small, so the explicit inverse is fine.
	rInv, err = invertUpper(&lower, k)
	if err != nil {
		return nil, nil, err
	}

	basis = mat.NewDense(n, k, nil)
	basis.Mul(z, rInv)
	return basis, rInv, nil
}

// invertUpper inverts R = L' given the lower Cholesky factor L.
func invertUpper(lower *mat.TriDense, k int) (*mat.Dense, error) {
	r := func(i, j int) float64 { return lower.At(j, i) }
	inv := mat.NewDense(k, k, nil)
	for col := 0; col < k; col++ {
		// Solve R x = e_col by back substitution.
		for i := k - 1; i >= 0; i-- {
			var v float64
			if i == col {
				v = 1
			}
			for j := i + 1; j < k; j++ {
				v -= r(i, j) * inv.At(j, col)
			}
			d := r(i, i)
			if d == 0 {
				return nil, fmt.Errorf("zero pivot in cholesky factor at %d", i)
			}
			inv.Set(i, col, v/d)
		}
	}
	return inv, nil
}

// backTransform maps a fitted intercept and basis coefficients to the
// original covariate scale. rInv may be nil when the basis fallback was
// taken (coefficients are already on the standardized scale).
func (s *standardizer) backTransform(alpha float64, coef []float64, rInv *mat.Dense) (float64, []float64) {
	k := len(coef)
	betaStd := make([]float64, k)
	if rInv != nil {
		v := mat.NewVecDense(k, nil)
		v.MulVec(rInv, mat.NewVecDense(k, coef))
		for j := 0; j < k; j++ {
			betaStd[j] = v.AtVec(j)
		}
	} else {
		copy(betaStd, coef)
	}

	beta := make([]float64, k)
	intercept := alpha
	for j := 0; j < k; j++ {
		beta[j] = betaStd[j] / s.scale[j]
		intercept -= betaStd[j] * s.mean[j] / s.scale[j]
	}
	return intercept, beta
}

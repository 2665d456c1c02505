package calibration

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// randomDense fills a matrix with reproducible pseudo-random values,
// including some correlation between columns so the re-basis has work to do.
func randomDense(n, k int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	out := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		shared := rng.NormFloat64()
		for j := 0; j < k; j++ {
			out.Set(i, j, rng.NormFloat64()+0.5*shared)
		}
	}
	return out
}

func TestStandardizerCentersAndScales(t *testing.T) {
	x := randomDense(200, 3, 7)
	std := newStandardizer(x)
	z := std.apply(x)

	n, k := z.Dims()
	for j := 0; j < k; j++ {
		var sum, ss float64
		for i := 0; i < n; i++ {
			sum += z.At(i, j)
		}
		mean := sum / float64(n)
		for i := 0; i < n; i++ {
			d := z.At(i, j) - mean
			ss += d * d
		}
		assert.InDelta(t, 0.0, mean, 1e-10)
		assert.InDelta(t, 1.0, ss/float64(n), 1e-10)
	}
}

func TestStandardizerZeroVarianceGuard(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{
		1, 5,
		2, 5,
		3, 5,
		4, 5,
	})
	std := newStandardizer(x)
	assert.Equal(t, 1.0, std.scale[1])

	z := std.apply(x)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 0.0, z.At(i, 1))
	}
}

func TestStandardizerTargetTransformRoundTrip(t *testing.T) {
	x := randomDense(50, 2, 11)
	std := newStandardizer(x)

	mean := []float64{1.5, -0.25}
	cov := mat.NewSymDense(2, []float64{2, 0.5, 0.5, 1})
	stdMean := std.transformMean(mean)
	stdCov := std.transformCovariance(cov)

	for j := 0; j < 2; j++ {
		assert.InDelta(t, mean[j], stdMean[j]*std.scale[j]+std.mean[j], 1e-12)
		for jj := 0; jj < 2; jj++ {
			assert.InDelta(t, cov.At(j, jj), stdCov.At(j, jj)*std.scale[j]*std.scale[jj], 1e-12)
		}
	}
}

func TestOrthonormalBasis(t *testing.T) {
	x := randomDense(300, 4, 13)
	std := newStandardizer(x)
	z := std.apply(x)

	basis, rInv, err := orthonormalBasis(z)
	require.NoError(t, err)
	require.NotNil(t, rInv)

	// Z'Z/n must be the identity.
	n, k := basis.Dims()
	for a := 0; a < k; a++ {
		for b := 0; b < k; b++ {
			var sum float64
			for i := 0; i < n; i++ {
				sum += basis.At(i, a) * basis.At(i, b)
			}
			want := 0.0
			if a == b {
				want = 1.0
			}
			assert.InDelta(t, want, sum/float64(n), 1e-9, "gram cell (%d,%d)", a, b)
		}
	}
}

func TestOrthonormalBasisSingularGram(t *testing.T) {
	// Two identical columns make the Gram matrix exactly singular. The
	// jitter retry may rescue the factorization; either way the call must
	// not panic and must not hand back non-finite values.
	z := mat.NewDense(10, 2, nil)
	for i := 0; i < 10; i++ {
		v := float64(i) - 4.5
		z.Set(i, 0, v)
		z.Set(i, 1, v)
	}
	basis, rInv, err := orthonormalBasis(z)
	if err != nil {
		return
	}
	require.NotNil(t, basis)
	require.NotNil(t, rInv)
	assert.False(t, math.IsNaN(mat.Sum(basis)))
}

func TestBackTransformReproducesLinearPredictor(t *testing.T) {
	x := randomDense(80, 3, 17)
	std := newStandardizer(x)
	z := std.apply(x)
	basis, rInv, err := orthonormalBasis(z)
	require.NoError(t, err)

	alpha := 0.4
	coef := []float64{0.3, -0.7, 0.1}
	intercept, beta := std.backTransform(alpha, coef, rInv)

	// eta computed on the basis must equal eta computed on the original scale.
	for i := 0; i < 80; i++ {
		etaBasis := alpha
		etaOrig := intercept
		for j := 0; j < 3; j++ {
			etaBasis += basis.At(i, j) * coef[j]
			etaOrig += x.At(i, j) * beta[j]
		}
		assert.InDelta(t, etaBasis, etaOrig, 1e-9)
	}
}

func TestBackTransformWithoutBasis(t *testing.T) {
	x := randomDense(40, 2, 19)
	std := newStandardizer(x)
	z := std.apply(x)

	alpha := -0.2
	coef := []float64{0.5, 0.25}
	intercept, beta := std.backTransform(alpha, coef, nil)

	for i := 0; i < 40; i++ {
		etaStd := alpha
		etaOrig := intercept
		for j := 0; j < 2; j++ {
			etaStd += z.At(i, j) * coef[j]
			etaOrig += x.At(i, j) * beta[j]
		}
		assert.InDelta(t, etaStd, etaOrig, 1e-10)
	}
}

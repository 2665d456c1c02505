package calibration

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// weightModel maps free optimizer parameters to a strictly positive weight
// vector, and carries its prior penalty (negative log prior, constants
// included) plus the chain rule from weight-space gradients back to the
// parameters.
type weightModel interface {
	// NumParams returns the number of free parameters.
	NumParams() int
	// Init returns the parameter point corresponding to uniform weights.
	Init() []float64
	// Weights fills w (length N) with the weights implied by params.
	Weights(params []float64, w []float64)
	// Penalty returns the negative log prior at params.
	Penalty(params []float64) float64
	// Grad adds both the penalty gradient and the data gradient
	// (chain-ruled from dldw, the loss gradient in weight space) into grad.
	Grad(params, w, dldw, grad []float64)
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// logLinearModel implements w_i = exp(alpha + z_i'b) with standard normal
// penalties on alpha and b acting as a ridge against degenerate weights.
// Parameters: [alpha, b_1..b_k].
type logLinearModel struct {
	z *mat.Dense
	n int
	k int
}

func newLogLinearModel(z *mat.Dense) *logLinearModel {
	n, k := z.Dims()
	return &logLinearModel{z: z, n: n, k: k}
}

func (m *logLinearModel) NumParams() int { return m.k + 1 }

func (m *logLinearModel) Init() []float64 { return make([]float64, m.k+1) }

func (m *logLinearModel) Weights(params []float64, w []float64) {
	alpha, b := params[0], params[1:]
	for i := 0; i < m.n; i++ {
		eta := alpha
		for j := 0; j < m.k; j++ {
			eta += m.z.At(i, j) * b[j]
		}
		w[i] = math.Exp(eta)
	}
}

func (m *logLinearModel) Penalty(params []float64) float64 {
	p := 0.0
	for _, v := range params {
		p -= stdNormal.LogProb(v)
	}
	return p
}

func (m *logLinearModel) Grad(params, w, dldw, grad []float64) {
	for i := 0; i < m.n; i++ {
		gw := dldw[i] * w[i]
		grad[0] += gw
		for j := 0; j < m.k; j++ {
			grad[1+j] += gw * m.z.At(i, j)
		}
	}
	for p, v := range params {
		grad[p] += v
	}
}

// hierarchicalModel extends the log-linear model with a per-unit deviation:
// w_i = exp(alpha + z_i'b + sigma*u_i), u constrained to sum to zero by
// storing N-1 free values and deriving the last on every evaluation, so the
// constraint holds exactly at every optimizer step. sigma = exp(s) carries a
// half-Cauchy(0, sigmaScale) penalty; the u get standard normal penalties.
// Parameters: [alpha, b_1..b_k, s, u_1..u_{n-1}].
type hierarchicalModel struct {
	z          *mat.Dense
	n          int
	k          int
	sigmaScale float64
}

// hierarchicalSigmaInit keeps the initial random-effect scale small so the
// model starts in the neighborhood of the log-linear solution.
const hierarchicalSigmaInit = 0.1

func newHierarchicalModel(z *mat.Dense, sigmaScale float64) *hierarchicalModel {
	n, k := z.Dims()
	return &hierarchicalModel{z: z, n: n, k: k, sigmaScale: sigmaScale}
}

func (m *hierarchicalModel) NumParams() int { return m.k + 1 + m.n }

func (m *hierarchicalModel) Init() []float64 {
	params := make([]float64, m.NumParams())
	params[m.k+1] = math.Log(hierarchicalSigmaInit)
	return params
}

// unitEffects expands the free parameters into the full sum-to-zero u vector.
func (m *hierarchicalModel) unitEffects(params []float64, u []float64) {
	free := params[m.k+2:]
	var sum float64
	for i, v := range free {
		u[i] = v
		sum += v
	}
	u[m.n-1] = -sum
}

func (m *hierarchicalModel) Weights(params []float64, w []float64) {
	alpha, b, sigma := params[0], params[1:m.k+1], math.Exp(params[m.k+1])
	u := make([]float64, m.n)
	m.unitEffects(params, u)
	for i := 0; i < m.n; i++ {
		eta := alpha + sigma*u[i]
		for j := 0; j < m.k; j++ {
			eta += m.z.At(i, j) * b[j]
		}
		w[i] = math.Exp(eta)
	}
}

func (m *hierarchicalModel) Penalty(params []float64) float64 {
	p := 0.0
	for _, v := range params[:m.k+1] {
		p -= stdNormal.LogProb(v)
	}
	sigma := math.Exp(params[m.k+1])
	// Half-Cauchy is Student's t with one degree of freedom restricted to
	// the positive half line; the factor of two is constant under MAP.
	halfCauchy := distuv.StudentsT{Mu: 0, Sigma: m.sigmaScale, Nu: 1}
	p -= halfCauchy.LogProb(sigma)
	u := make([]float64, m.n)
	m.unitEffects(params, u)
	for _, v := range u {
		p -= stdNormal.LogProb(v)
	}
	return p
}

func (m *hierarchicalModel) Grad(params, w, dldw, grad []float64) {
	sigma := math.Exp(params[m.k+1])
	u := make([]float64, m.n)
	m.unitEffects(params, u)

	gw := make([]float64, m.n)
	var sigmaTerm float64
	for i := 0; i < m.n; i++ {
		gw[i] = dldw[i] * w[i]
		grad[0] += gw[i]
		for j := 0; j < m.k; j++ {
			grad[1+j] += gw[i] * m.z.At(i, j)
		}
		sigmaTerm += gw[i] * sigma * u[i]
	}

	// d/ds of the half-Cauchy penalty -log p(exp(s)).
	grad[m.k+1] += sigmaTerm + 2*sigma*sigma/(m.sigmaScale*m.sigmaScale+sigma*sigma)

	last := m.n - 1
	for i := 0; i < last; i++ {
		grad[m.k+2+i] += sigma*(gw[i]-gw[last]) + (u[i] - u[last])
	}
	for p, v := range params[:m.k+1] {
		grad[p] += v
	}
}

// simplexModel places the weight vector directly on the probability simplex
// through a pinned-logit softmax: N-1 free logits with the last fixed at
// zero. The simplex point theta carries a symmetric Dirichlet(concentration)
// penalty, then is affinely remapped into the band [minMult/N, maxMult/N]
// and renormalized, so every weight stays inside the configured bounds. The
// reported weights are the renormalized simplex point scaled by N.
type simplexModel struct {
	n             int
	concentration float64
	lo            float64 // minMult/N
	delta         float64 // (maxMult - minMult)/N
	denom         float64 // n*lo + delta, constant because theta sums to 1
	dirichlet     *distmv.Dirichlet
}

func newSimplexModel(n int, concentration, minMult, maxMult float64) *simplexModel {
	lo := minMult / float64(n)
	hi := maxMult / float64(n)
	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = concentration
	}
	return &simplexModel{
		n:             n,
		concentration: concentration,
		lo:            lo,
		delta:         hi - lo,
		denom:         float64(n)*lo + (hi - lo),
		dirichlet:     distmv.NewDirichlet(alpha, nil),
	}
}

func (m *simplexModel) NumParams() int { return m.n - 1 }

func (m *simplexModel) Init() []float64 { return make([]float64, m.n-1) }

// theta computes the softmax over the pinned logits.
func (m *simplexModel) theta(params []float64, theta []float64) {
	maxLogit := 0.0 // the pinned logit
	for _, v := range params {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	for i := 0; i < m.n-1; i++ {
		theta[i] = math.Exp(params[i] - maxLogit)
		sum += theta[i]
	}
	theta[m.n-1] = math.Exp(-maxLogit)
	sum += theta[m.n-1]
	for i := range theta {
		theta[i] /= sum
	}
}

func (m *simplexModel) Weights(params []float64, w []float64) {
	theta := make([]float64, m.n)
	m.theta(params, theta)
	for i := 0; i < m.n; i++ {
		w[i] = float64(m.n) * (m.lo + theta[i]*m.delta) / m.denom
	}
}

func (m *simplexModel) Penalty(params []float64) float64 {
	theta := make([]float64, m.n)
	m.theta(params, theta)
	return -m.dirichlet.LogProb(theta)
}

func (m *simplexModel) Grad(params, w, dldw, grad []float64) {
	theta := make([]float64, m.n)
	m.theta(params, theta)

	// dL/dtheta_i: the affine remap has constant denominator, so the
	// Jacobian is a single scale factor.
	scale := float64(m.n) * m.delta / m.denom
	g := make([]float64, m.n)
	var gBar float64
	for i := 0; i < m.n; i++ {
		g[i] = dldw[i] * scale
		gBar += g[i] * theta[i]
	}
	for j := 0; j < m.n-1; j++ {
		grad[j] += theta[j] * (g[j] - gBar)
		// Dirichlet penalty through the softmax.
		grad[j] -= (m.concentration - 1) * (1 - float64(m.n)*theta[j])
	}
}

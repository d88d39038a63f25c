// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package occumodel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// FitOptions bounds a single maximum-likelihood fit. Every fit carries an
// iteration cap so a non-converging optimization terminates on its own.
type FitOptions struct {
	MaxIterations     int
	GradientTolerance float64
}

func (o FitOptions) withDefaults() FitOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 200
	}
	if o.GradientTolerance <= 0 {
		o.GradientTolerance = 1e-6
	}
	return o
}

// Fit maximizes the marginal likelihood over the stacked coefficient vector
// by quasi-Newton descent from a zero start. Identical input, formula, and
// options reproduce identical estimates. Non-convergence is reported as an
// error wrapping ErrNonConvergence, never as silent unreliable estimates.
func Fit(histories []types.DetectionHistory, f types.Formula, opts FitOptions) (*types.FittedModel, error) {
	if len(histories) == 0 {
		return nil, fmt.Errorf("no detection histories to fit")
	}
	opts = opts.withDefaults()

	d, err := buildDesign(histories, f)
	if err != nil {
		return nil, err
	}
	nParams := d.pOcc + d.pDet

	problem := optimize.Problem{
		Func: d.negLogLik,
		Grad: d.negGrad,
	}
	settings := &optimize.Settings{
		GradientThreshold: opts.GradientTolerance,
		MajorIterations:   opts.MaxIterations,
	}

	x0 := make([]float64, nParams)
	result, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonConvergence, err)
	}
	switch result.Status {
	case optimize.IterationLimit, optimize.FunctionEvaluationLimit, optimize.Failure, optimize.NotTerminated:
		return nil, fmt.Errorf("%w: optimizer stopped with status %v", ErrNonConvergence, result.Status)
	}
	if math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		return nil, fmt.Errorf("%w: degenerate likelihood at optimum", ErrNonConvergence)
	}

	varCov, err := varianceCovariance(d, result.X)
	if err != nil {
		return nil, err
	}

	logLik := -result.F
	n := len(histories)
	model := &types.FittedModel{
		Formula:  f,
		OccCoefs: append([]float64(nil), result.X[:d.pOcc]...),
		DetCoefs: append([]float64(nil), result.X[d.pOcc:]...),
		VarCov:   varCov,
		LogLik:   logLik,
		K:        nParams,
		NSites:   n,
		AICc:     aicc(logLik, nParams, n),
	}
	return model, nil
}

// aicc is the small-sample corrected information criterion
// -2 logLik + 2k * n/(n-k-1), infinite when the correction denominator
// is not positive.
func aicc(logLik float64, k, n int) float64 {
	denom := n - k - 1
	if denom <= 0 {
		return math.Inf(1)
	}
	return -2*logLik + 2*float64(k)*float64(n)/float64(denom)
}

// varianceCovariance inverts the observed information (finite-difference
// Hessian of the negative log-likelihood) at the optimum. A non-positive-
// definite Hessian means the optimum is not a proper maximum and the fit
// is reported as non-convergent.
func varianceCovariance(d *design, x []float64) ([][]float64, error) {
	n := len(x)
	hess := mat.NewSymDense(n, nil)
	fd.Hessian(hess, d.negLogLik, x, nil)

	var chol mat.Cholesky
	if ok := chol.Factorize(hess); !ok {
		return nil, fmt.Errorf("%w: observed information not positive definite", ErrNonConvergence)
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, fmt.Errorf("%w: inverting observed information: %v", ErrNonConvergence, err)
	}

	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			out[i][j] = cov.At(i, j)
		}
	}
	return out, nil
}

// SitePredictions evaluates the fitted occupancy probability and per-
// occasion detection probabilities for one history's covariates.
func SitePredictions(m *types.FittedModel, h types.DetectionHistory) (psi float64, p []float64, err error) {
	d, err := buildDesign([]types.DetectionHistory{h}, m.Formula)
	if err != nil {
		return 0, nil, err
	}
	psi = logistic(dot(m.OccCoefs, d.x[0]))
	p = make([]float64, len(d.w[0]))
	for j, wrow := range d.w[0] {
		p[j] = logistic(dot(m.DetCoefs, wrow))
	}
	return psi, p, nil
}

// PatternProb returns the probability that the site underlying h produces
// the detection pattern y over its occasions, marginal over the latent
// occupancy state. len(y) must equal the history's occasion count.
func PatternProb(psi float64, p []float64, y []int) float64 {
	prob := 1.0
	allZero := true
	for j := range y {
		if y[j] == 1 {
			prob *= p[j]
			allZero = false
		} else {
			prob *= 1 - p[j]
		}
	}
	prob *= psi
	if allZero {
		prob += 1 - psi
	}
	return prob
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package occumodel fits the single-season occupancy-detection model: a
// latent site occupancy state with logistic occupancy probability over
// site covariates, and conditional logistic detection probability over
// occasion covariates. The unobserved state is integrated out of the
// likelihood, which is maximized numerically.
package occumodel

import (
	"errors"
	"fmt"
	"math"

	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// ErrNonConvergence reports a fit that did not reach a stationary optimum
// within its iteration and tolerance budget, or whose observed information
// matrix was not positive definite.
var ErrNonConvergence = errors.New("fit did not converge")

// design holds the dense design matrices for one formula over one set of
// detection histories. Row layout includes the leading intercept column.
type design struct {
	// x[i] is site i's occupancy design row, length pOcc.
	x [][]float64
	// w[i][j] is occasion (i,j)'s detection design row, length pDet.
	w [][][]float64
	// y[i][j] is the detection outcome for occasion (i,j).
	y [][]int

	pOcc, pDet int
}

func buildDesign(histories []types.DetectionHistory, f types.Formula) (*design, error) {
	d := &design{
		x:    make([][]float64, len(histories)),
		w:    make([][][]float64, len(histories)),
		y:    make([][]int, len(histories)),
		pOcc: 1 + len(f.OccTerms),
		pDet: 1 + len(f.DetTerms),
	}

	for i, h := range histories {
		row := make([]float64, d.pOcc)
		row[0] = 1
		for k, term := range f.OccTerms {
			v, ok := h.SiteCovariates[term]
			if !ok {
				return nil, fmt.Errorf("site %s: missing occupancy covariate %q", h.SiteID, term)
			}
			row[1+k] = v
		}
		d.x[i] = row

		d.w[i] = make([][]float64, len(h.Detections))
		d.y[i] = h.Detections
		for j := range h.Detections {
			wrow := make([]float64, d.pDet)
			wrow[0] = 1
			for k, term := range f.DetTerms {
				v, ok := h.ObsCovariates[j][term]
				if !ok {
					return nil, fmt.Errorf("site %s occasion %d: missing detection covariate %q", h.SiteID, j+1, term)
				}
				wrow[1+k] = v
			}
			d.w[i][j] = wrow
		}
	}

	return d, nil
}

// logistic is the inverse logit link.
func logistic(eta float64) float64 {
	return 1 / (1 + math.Exp(-eta))
}

// logLogistic returns log(logistic(eta)) and log(1-logistic(eta)) without
// catastrophic cancellation at large |eta|.
func logLogistic(eta float64) (logP, logQ float64) {
	if eta >= 0 {
		logP = -math.Log1p(math.Exp(-eta))
		logQ = -eta + logP
	} else {
		logQ = -math.Log1p(math.Exp(eta))
		logP = eta + logQ
	}
	return logP, logQ
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// negLogLik evaluates the negative marginal log-likelihood at the stacked
// parameter vector theta = [occupancy block, detection block].
func (d *design) negLogLik(theta []float64) float64 {
	beta := theta[:d.pOcc]
	alpha := theta[d.pOcc:]

	var ll float64
	for i := range d.x {
		psi := logistic(dot(beta, d.x[i]))

		var logA float64
		allZero := true
		for j, wrow := range d.w[i] {
			logP, logQ := logLogistic(dot(alpha, wrow))
			if d.y[i][j] == 1 {
				logA += logP
				allZero = false
			} else {
				logA += logQ
			}
		}

		lik := psi * math.Exp(logA)
		if allZero {
			lik += 1 - psi
		}
		if lik <= 0 || math.IsNaN(lik) {
			return math.Inf(1)
		}
		ll += math.Log(lik)
	}

	return -ll
}

// negGrad writes the gradient of the negative log-likelihood into grad.
func (d *design) negGrad(grad, theta []float64) {
	beta := theta[:d.pOcc]
	alpha := theta[d.pOcc:]
	for k := range grad {
		grad[k] = 0
	}

	resid := make([]float64, 0, 16)
	for i := range d.x {
		psi := logistic(dot(beta, d.x[i]))

		var logA float64
		allZero := true
		resid = resid[:0]
		for j, wrow := range d.w[i] {
			eta := dot(alpha, wrow)
			p := logistic(eta)
			logP, logQ := logLogistic(eta)
			if d.y[i][j] == 1 {
				logA += logP
				allZero = false
			} else {
				logA += logQ
			}
			resid = append(resid, float64(d.y[i][j])-p)
		}
		a := math.Exp(logA)

		lik := psi * a
		if allZero {
			lik += 1 - psi
		}
		if lik <= 0 || math.IsNaN(lik) {
			return
		}
		inv := 1 / lik

		// d lik / d beta_k = (A - 1[all zero]) * psi(1-psi) * x_ik
		occFactor := a
		if allZero {
			occFactor -= 1
		}
		occFactor *= psi * (1 - psi) * inv
		for k, xv := range d.x[i] {
			grad[k] -= occFactor * xv
		}

		// d lik / d alpha_k = psi * A * sum_j (y_ij - p_ij) w_ijk
		detFactor := psi * a * inv
		for j, wrow := range d.w[i] {
			f := detFactor * resid[j]
			for k, wv := range wrow {
				grad[d.pOcc+k] -= f * wv
			}
		}
	}
}

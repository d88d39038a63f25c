// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package gof runs the MacKenzie-Bailey parametric-bootstrap goodness-of-
// fit test on a fitted global model: a Pearson chi-square discrepancy
// between observed and model-expected detection-history counts, compared
// against the discrepancy distribution under data simulated from the fit.
package gof

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/pdiddy/occupancy-engine/internal/occumodel"
	"github.com/pdiddy/occupancy-engine/internal/pool"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// FitFunc refits the model structure to a simulated dataset. It exists so
// replicate-failure handling can be exercised without forcing a real
// optimizer failure.
type FitFunc func(histories []types.DetectionHistory, f types.Formula, opts occumodel.FitOptions) (*types.FittedModel, error)

// Options configures one evaluation.
type Options struct {
	// Bootstrap is the requested replicate count.
	Bootstrap int

	// Seed seeds the replicate simulations; replicate b uses Seed+b so a
	// rerun reproduces the same distribution regardless of scheduling.
	Seed int64

	// LowConfidenceFraction flags the result when effective replicates
	// fall below this fraction of Bootstrap.
	LowConfidenceFraction float64

	Fit        FitFunc
	FitOptions occumodel.FitOptions
}

// Result is the goodness-of-fit summary for one species.
type Result struct {
	Statistic     float64 `json:"statistic" yaml:"statistic"`
	PValue        float64 `json:"p_value" yaml:"p_value"`
	CHat          float64 `json:"c_hat" yaml:"c_hat"`
	BRequested    int     `json:"b_requested" yaml:"b_requested"`
	BEffective    int     `json:"b_effective" yaml:"b_effective"`
	FailedRefits  int     `json:"failed_refits" yaml:"failed_refits"`
	LowConfidence bool    `json:"low_confidence" yaml:"low_confidence"`
}

// Evaluate computes the observed discrepancy and its bootstrap reference
// distribution. Replicates whose refit fails to converge are excluded from
// the distribution; the effective count is tracked and reported rather
// than the result being discarded.
func Evaluate(ctx context.Context, model *types.FittedModel, histories []types.DetectionHistory, opts Options, p *pool.Pool, w io.Writer) (*Result, error) {
	if opts.Bootstrap <= 0 {
		opts.Bootstrap = 1000
	}
	if opts.LowConfidenceFraction <= 0 {
		opts.LowConfidenceFraction = 0.8
	}
	if opts.Fit == nil {
		opts.Fit = occumodel.Fit
	}

	observed, err := ChiSquare(model, histories)
	if err != nil {
		return nil, fmt.Errorf("observed discrepancy: %w", err)
	}

	stats := make([]float64, opts.Bootstrap)
	ok := make([]bool, opts.Bootstrap)
	err = p.Map(ctx, opts.Bootstrap, func(b int) {
		rng := rand.New(rand.NewSource(opts.Seed + int64(b)))
		sim, err := occumodel.Simulate(model, histories, rng)
		if err != nil {
			return
		}
		refit, err := opts.Fit(sim, model.Formula, opts.FitOptions)
		if err != nil {
			return
		}
		stat, err := ChiSquare(refit, sim)
		if err != nil {
			return
		}
		stats[b] = stat
		ok[b] = true
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Statistic:  observed,
		BRequested: opts.Bootstrap,
	}
	var sum float64
	var exceed int
	for b := range stats {
		if !ok[b] {
			res.FailedRefits++
			continue
		}
		res.BEffective++
		sum += stats[b]
		if stats[b] >= observed {
			exceed++
		}
	}
	if res.BEffective == 0 {
		return nil, fmt.Errorf("all %d bootstrap refits failed", opts.Bootstrap)
	}

	res.PValue = float64(exceed) / float64(res.BEffective)
	if mean := sum / float64(res.BEffective); mean > 0 {
		res.CHat = observed / mean
	}
	res.LowConfidence = float64(res.BEffective) < opts.LowConfidenceFraction*float64(res.BRequested)

	fmt.Fprintf(w, "gof: statistic=%.3f p=%.3f c-hat=%.3f replicates=%d/%d\n",
		res.Statistic, res.PValue, res.CHat, res.BEffective, res.BRequested)
	return res, nil
}

// ChiSquare computes the MacKenzie-Bailey Pearson discrepancy. Sites are
// grouped into cohorts by occasion count; within a cohort each observed
// unique history contributes (O-E)^2/E with E summed over the cohort's
// per-site pattern probabilities, and the mass the model assigns to
// histories never observed contributes its expected count.
func ChiSquare(model *types.FittedModel, histories []types.DetectionHistory) (float64, error) {
	type site struct {
		psi float64
		p   []float64
	}
	cohorts := make(map[int][]site)
	observed := make(map[int]map[string]int)

	for _, h := range histories {
		psi, p, err := occumodel.SitePredictions(model, h)
		if err != nil {
			return 0, err
		}
		k := len(h.Detections)
		cohorts[k] = append(cohorts[k], site{psi: psi, p: p})
		if observed[k] == nil {
			observed[k] = make(map[string]int)
		}
		observed[k][patternKey(h.Detections)]++
	}

	var chi2 float64
	for k, sites := range cohorts {
		var expectedTotal float64
		for key, count := range observed[k] {
			pattern := parsePattern(key)
			var expected float64
			for _, s := range sites {
				expected += occumodel.PatternProb(s.psi, s.p, pattern)
			}
			expectedTotal += expected
			if expected > 0 {
				diff := float64(count) - expected
				chi2 += diff * diff / expected
			}
		}
		// Unobserved histories: observed count zero, so the cell reduces
		// to its expected count.
		if rem := float64(len(sites)) - expectedTotal; rem > 0 {
			chi2 += rem
		}
	}

	return chi2, nil
}

func patternKey(y []int) string {
	b := make([]byte, len(y))
	for i, v := range y {
		b[i] = '0' + byte(v)
	}
	return string(b)
}

func parsePattern(key string) []int {
	y := make([]int, len(key))
	for i := range key {
		y[i] = int(key[i] - '0')
	}
	return y
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package modelavg selects the top model set under a delta-AICc threshold
// and produces one averaged estimate per coefficient. A single-model top
// set passes native estimates through; a larger set is combined with
// Akaike weights under full (shrinkage) averaging, where a model omitting
// a term contributes a zero coefficient. Both branches return the same
// estimate shape.
package modelavg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pdiddy/occupancy-engine/internal/dredge"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// ErrNoConvergedModels reports a model set in which every candidate failed
// to converge, leaving nothing to select from.
var ErrNoConvergedModels = errors.New("no converged models in set")

// InterceptTerm labels the implicit intercept of either block in reports.
const InterceptTerm = "(Intercept)"

// Estimate is the averaged (or passed-through) result for one coefficient.
type Estimate struct {
	Block   string  `json:"block" yaml:"block"`
	Term    string  `json:"term" yaml:"term"`
	Coef    float64 `json:"coef" yaml:"coef"`
	SE      float64 `json:"se" yaml:"se"`
	CILower float64 `json:"ci_lower" yaml:"ci_lower"`
	CIUpper float64 `json:"ci_upper" yaml:"ci_upper"`
	Z       float64 `json:"z" yaml:"z"`
	P       float64 `json:"p" yaml:"p"`

	// Importance is the summed Akaike weight of top-set models containing
	// the term. Undefined for single-model sets.
	Importance    float64 `json:"importance,omitempty" yaml:"importance,omitempty"`
	HasImportance bool    `json:"has_importance" yaml:"has_importance"`
}

// TopModel describes one member of the top set.
type TopModel struct {
	Rank    int           `json:"rank" yaml:"rank"`
	Formula types.Formula `json:"formula" yaml:"formula"`
	LogLik  float64       `json:"log_lik" yaml:"log_lik"`
	K       int           `json:"k" yaml:"k"`
	AICc    float64       `json:"aicc" yaml:"aicc"`
	Delta   float64       `json:"delta" yaml:"delta"`
	Weight  float64       `json:"weight" yaml:"weight"`
}

// Summary is the selection and averaging outcome for one model set.
type Summary struct {
	Analysis  string     `json:"analysis" yaml:"analysis"`
	TopSet    []TopModel `json:"top_set" yaml:"top_set"`
	Averaged  bool       `json:"averaged" yaml:"averaged"`
	Estimates []Estimate `json:"estimates" yaml:"estimates"`
}

// Summarize filters the ranked set to models within deltaThreshold of the
// best AICc and averages over them. Failed candidates never enter the top
// set; a set with no converged candidates returns ErrNoConvergedModels.
func Summarize(set *dredge.ModelSet, deltaThreshold float64) (*Summary, error) {
	if set.Converged == 0 {
		return nil, fmt.Errorf("analysis %s: %w", set.Analysis, ErrNoConvergedModels)
	}

	best := set.Best()
	var top []*types.FittedModel
	for i := 0; i < set.Converged; i++ {
		m := set.Entries[i].Model
		if m.AICc-best.AICc < deltaThreshold {
			top = append(top, m)
		}
	}

	weights := akaikeWeights(top, best.AICc)
	s := &Summary{
		Analysis: set.Analysis,
		Averaged: len(top) > 1,
	}
	for i, m := range top {
		s.TopSet = append(s.TopSet, TopModel{
			Rank:    i + 1,
			Formula: m.Formula,
			LogLik:  m.LogLik,
			K:       m.K,
			AICc:    m.AICc,
			Delta:   m.AICc - best.AICc,
			Weight:  weights[i],
		})
	}

	if !s.Averaged {
		s.Estimates = passthrough(top[0])
		return s, nil
	}
	s.Estimates = average(top, weights)
	return s, nil
}

// akaikeWeights computes exp(-delta/2) normalized over the top set.
func akaikeWeights(top []*types.FittedModel, bestAICc float64) []float64 {
	weights := make([]float64, len(top))
	var sum float64
	for i, m := range top {
		weights[i] = math.Exp(-(m.AICc - bestAICc) / 2)
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// passthrough reports the sole top model's native estimates; relative
// importance is undefined for single-model sets and omitted.
func passthrough(m *types.FittedModel) []Estimate {
	var out []Estimate
	for _, bt := range termOrder([]*types.FittedModel{m}) {
		coef, se, ok := m.Coef(bt.block, bt.term)
		if !ok {
			continue
		}
		e := newEstimate(bt.block, bt.Label(), coef, se)
		out = append(out, e)
	}
	return out
}

// average computes full-shrinkage model-averaged estimates: a model
// omitting a term contributes a zero coefficient with zero variance, and
// the unconditional SE combines within-model variance with between-model
// coefficient spread.
func average(top []*types.FittedModel, weights []float64) []Estimate {
	var out []Estimate
	for _, bt := range termOrder(top) {
		var coefBar, importance float64
		coefs := make([]float64, len(top))
		ses := make([]float64, len(top))
		for i, m := range top {
			coef, se, ok := m.Coef(bt.block, bt.term)
			if !ok {
				continue
			}
			coefs[i] = coef
			ses[i] = se
			coefBar += weights[i] * coef
			importance += weights[i]
		}

		var variance float64
		for i := range top {
			dev := coefs[i] - coefBar
			variance += weights[i] * (ses[i]*ses[i] + dev*dev)
		}

		e := newEstimate(bt.block, bt.Label(), coefBar, math.Sqrt(variance))
		e.Importance = importance
		e.HasImportance = true
		out = append(out, e)
	}
	return out
}

func newEstimate(block, term string, coef, se float64) Estimate {
	e := Estimate{Block: block, Term: term, Coef: coef, SE: se}
	if se > 0 {
		q := distuv.UnitNormal.Quantile(0.975)
		e.CILower = coef - q*se
		e.CIUpper = coef + q*se
		e.Z = coef / se
		e.P = 2 * distuv.UnitNormal.CDF(-math.Abs(e.Z))
	} else {
		e.CILower, e.CIUpper = coef, coef
		e.Z, e.P = math.NaN(), math.NaN()
	}
	return e
}

// blockTerm addresses one coefficient for reporting.
type blockTerm struct {
	block string
	term  string
}

// Label returns the reporting name for the term.
func (bt blockTerm) Label() string {
	if bt.term == "" {
		return InterceptTerm
	}
	return bt.term
}

// termOrder returns every coefficient appearing in any top-set model:
// occupancy block first (intercept, then terms in first-appearance order),
// then the detection block.
func termOrder(top []*types.FittedModel) []blockTerm {
	var order []blockTerm
	seen := make(map[blockTerm]bool)
	add := func(bt blockTerm) {
		if !seen[bt] {
			seen[bt] = true
			order = append(order, bt)
		}
	}

	add(blockTerm{types.BlockState, ""})
	for _, m := range top {
		for _, t := range m.Formula.OccTerms {
			add(blockTerm{types.BlockState, t})
		}
	}
	add(blockTerm{types.BlockDet, ""})
	for _, m := range top {
		for _, t := range m.Formula.DetTerms {
			add(blockTerm{types.BlockDet, t})
		}
	}
	return order
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package dredge enumerates and fits every sub-model of a global occupancy
// formula: all subsets of the free terms combined with the fixed terms,
// each fit independently, then ranked by AICc. Subset fits share only the
// read-only detection histories, so they fan out over the stage pool.
package dredge

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/pdiddy/occupancy-engine/internal/occumodel"
	"github.com/pdiddy/occupancy-engine/internal/pool"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// maxModels bounds the enumeration so a misconfigured term list cannot
// request an unbounded amount of fitting.
const maxModels = 1 << 16

// Analysis declares one dredge pass. Fixed terms appear in every candidate;
// free terms are subject to inclusion/exclusion.
type Analysis struct {
	Name     string
	FixedOcc []string
	FreeOcc  []string
	FixedDet []string
	FreeDet  []string
}

// GlobalFormula returns the formula containing every term of the analysis.
func (a Analysis) GlobalFormula() types.Formula {
	return types.Formula{
		OccTerms: append(append([]string(nil), a.FixedOcc...), a.FreeOcc...),
		DetTerms: append(append([]string(nil), a.FixedDet...), a.FreeDet...),
	}
}

// Entry is one candidate model: either a converged fit or a recorded
// non-convergence. Failed entries stay in the set so ranking denominators
// and the raw dredge table account for them.
type Entry struct {
	Formula types.Formula      `json:"formula" yaml:"formula"`
	Model   *types.FittedModel `json:"model,omitempty" yaml:"model,omitempty"`
	Err     string             `json:"err,omitempty" yaml:"err,omitempty"`
}

// Converged reports whether the entry carries a usable fit.
func (e Entry) Converged() bool {
	return e.Model != nil
}

// ModelSet is the ranked outcome of one dredge pass.
type ModelSet struct {
	Analysis  string
	Entries   []Entry // converged ascending by AICc (ties: fewer params), failures last
	Converged int
	Failed    int
}

// Best returns the top-ranked converged model, or nil when every candidate
// failed.
func (s *ModelSet) Best() *types.FittedModel {
	if s.Converged == 0 {
		return nil
	}
	return s.Entries[0].Model
}

// Run fits all 2^m candidate sub-models of the analysis over the pool and
// returns them ranked. Enumeration order never affects the result: entries
// are collected, then sorted.
func Run(ctx context.Context, histories []types.DetectionHistory, a Analysis, opts occumodel.FitOptions, p *pool.Pool, w io.Writer) (*ModelSet, error) {
	formulas := enumerate(a)
	if len(formulas) > maxModels {
		return nil, fmt.Errorf("analysis %s: %d candidate models exceeds limit %d", a.Name, len(formulas), maxModels)
	}

	entries := make([]Entry, len(formulas))
	err := p.Map(ctx, len(formulas), func(i int) {
		entries[i].Formula = formulas[i]
		model, err := occumodel.Fit(histories, formulas[i], opts)
		if err != nil {
			entries[i].Err = err.Error()
			return
		}
		entries[i].Model = model
	})
	if err != nil {
		return nil, fmt.Errorf("analysis %s: %w", a.Name, err)
	}

	set := &ModelSet{Analysis: a.Name, Entries: entries}
	for _, e := range entries {
		if e.Converged() {
			set.Converged++
		} else {
			set.Failed++
		}
	}
	rank(set.Entries)

	fmt.Fprintf(w, "analysis %s: %d candidates, %d converged, %d failed\n",
		a.Name, len(entries), set.Converged, set.Failed)
	return set, nil
}

// enumerate lists every candidate formula: the cross product of free
// occupancy subsets and free detection subsets (the latter is the single
// fixed set when no detection terms are free), each including the fixed
// terms. The empty subset yields the intercept-only block.
func enumerate(a Analysis) []types.Formula {
	occ := subsets(a.FixedOcc, a.FreeOcc)
	det := subsets(a.FixedDet, a.FreeDet)

	formulas := make([]types.Formula, 0, len(occ)*len(det))
	for _, dt := range det {
		for _, ot := range occ {
			formulas = append(formulas, types.Formula{OccTerms: ot, DetTerms: dt})
		}
	}
	return formulas
}

// subsets returns fixed ∪ s for every subset s of free, in bitmask order.
func subsets(fixed, free []string) [][]string {
	out := make([][]string, 0, 1<<len(free))
	for mask := 0; mask < 1<<len(free); mask++ {
		terms := append([]string(nil), fixed...)
		for b, term := range free {
			if mask&(1<<b) != 0 {
				terms = append(terms, term)
			}
		}
		out = append(out, terms)
	}
	return out
}

// rank orders converged entries by ascending AICc with ties broken by
// fewer parameters; failed entries keep their relative order at the end.
func rank(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ei, ej := entries[i], entries[j]
		switch {
		case ei.Converged() && !ej.Converged():
			return true
		case !ei.Converged():
			return false
		}
		if ei.Model.AICc != ej.Model.AICc {
			return ei.Model.AICc < ej.Model.AICc
		}
		return ei.Model.K < ej.Model.K
	})
}

// Delta returns entry i's AICc distance from the best converged model.
// Failed entries report +Inf.
func (s *ModelSet) Delta(i int) float64 {
	best := s.Best()
	if best == nil || !s.Entries[i].Converged() {
		return math.Inf(1)
	}
	return s.Entries[i].Model.AICc - best.AICc
}

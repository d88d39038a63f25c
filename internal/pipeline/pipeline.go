// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline drives the per-species occupancy analysis: detection
// histories, three dredge passes (null, detection, full), model averaging,
// and the goodness-of-fit bootstrap, with results merged into the store
// after each species completes. One species failing never aborts the
// batch; its omission is recorded in the status table.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pdiddy/occupancy-engine/internal/covariates"
	"github.com/pdiddy/occupancy-engine/internal/dredge"
	"github.com/pdiddy/occupancy-engine/internal/gof"
	"github.com/pdiddy/occupancy-engine/internal/history"
	"github.com/pdiddy/occupancy-engine/internal/modelavg"
	"github.com/pdiddy/occupancy-engine/internal/occumodel"
	"github.com/pdiddy/occupancy-engine/internal/pool"
	"github.com/pdiddy/occupancy-engine/internal/results"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// Default analysis names.
const (
	AnalysisNull      = "null"
	AnalysisDetection = "detection"
	AnalysisFull      = "full"
)

// RunSummary holds per-run counts.
type RunSummary struct {
	Species    int
	OK         int
	Skipped    int
	Unfittable int
}

// Run executes the full pipeline: table load, per-species analyses, and
// persistence. The species loop is sequential; parallelism lives inside
// the dredge and bootstrap stages, each on its own scoped pool sized from
// its own configuration.
func Run(ctx context.Context, cfg types.PipelineConfig, w io.Writer) (RunSummary, error) {
	cfg.ApplyDefaults()

	tbl, err := covariates.Load(cfg.Data, w)
	if err != nil {
		return RunSummary{}, err
	}
	fmt.Fprintf(w, "loaded %d checklists, %d species (%d bad rows)\n",
		len(tbl.Checklists), len(tbl.Species), tbl.Summary.Bad)

	store, err := results.NewStore(cfg.Output)
	if err != nil {
		return RunSummary{}, err
	}
	defer store.Close()

	analyses, err := analysisPlan(cfg)
	if err != nil {
		return RunSummary{}, err
	}

	dredgePool := pool.New(cfg.Dredge.Workers)
	gofPool := pool.New(cfg.Gof.Workers)

	var summary RunSummary
	for i, species := range tbl.Species {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Species++

		r, err := runSpecies(ctx, species, int64(i), tbl, cfg, analyses, dredgePool, gofPool, w)
		if err != nil {
			return summary, fmt.Errorf("species %s: %w", species, err)
		}

		switch r.Status {
		case results.StatusOK:
			summary.OK++
			fmt.Fprintf(w, "done    %s\n", species)
		case results.StatusSkipped:
			summary.Skipped++
			fmt.Fprintf(w, "skipped %s: %s\n", species, r.Detail)
		case results.StatusUnfittable:
			summary.Unfittable++
			fmt.Fprintf(w, "unfittable %s: %s\n", species, r.Detail)
		}

		if err := store.SaveSpecies(ctx, r); err != nil {
			return summary, fmt.Errorf("saving %s: %w", species, err)
		}
	}

	fmt.Fprintf(w, "\nspecies: %d, ok: %d, skipped: %d, unfittable: %d\n",
		summary.Species, summary.OK, summary.Skipped, summary.Unfittable)
	return summary, nil
}

// runSpecies performs the three analyses plus the GoF test for one species
// and returns its result record. Only infrastructure errors (cancellation,
// configuration, storage) propagate; statistical failures are recorded in
// the result.
func runSpecies(ctx context.Context, species string, idx int64, tbl *covariates.Table, cfg types.PipelineConfig, analyses []dredge.Analysis, dredgePool, gofPool *pool.Pool, w io.Writer) (*results.SpeciesResult, error) {
	checklists := tbl.ForSpecies(species)
	r := &results.SpeciesResult{
		Species:    species,
		Status:     results.StatusOK,
		Checklists: len(checklists),
	}

	histories, bsum := history.Build(checklists, cfg.History, cfg.Data.Schema)
	r.Sites = bsum.Sites
	if len(histories) == 0 {
		r.Status = results.StatusSkipped
		r.Detail = "no qualifying detection histories"
		return r, nil
	}
	fmt.Fprintf(w, "species %s: %d sites from %d checklists (dropped %d protocol, %d season, %d time)\n",
		species, bsum.Sites, bsum.Checklists, bsum.Protocol, bsum.OutOfSeason, bsum.OutOfDay)

	fitOpts := occumodel.FitOptions{
		MaxIterations:     cfg.Fit.MaxIterations,
		GradientTolerance: cfg.Fit.GradientTolerance,
	}

	fittable := false
	for _, a := range analyses {
		set, err := dredge.Run(ctx, histories, a, fitOpts, dredgePool, w)
		if err != nil {
			return nil, err
		}
		ar := results.AnalysisResult{Name: a.Name, Set: set}

		summary, err := modelavg.Summarize(set, cfg.Dredge.DeltaThreshold)
		switch {
		case errors.Is(err, modelavg.ErrNoConvergedModels):
			fmt.Fprintf(w, "analysis %s: no converged candidates\n", a.Name)
		case err != nil:
			return nil, err
		default:
			ar.Summary = summary
			fittable = true
		}
		r.Analyses = append(r.Analyses, ar)
	}

	if !fittable {
		r.Status = results.StatusUnfittable
		r.Detail = "every candidate model failed to converge"
		return r, nil
	}

	gofRes, err := runGof(ctx, histories, idx, cfg, analyses, fitOpts, gofPool, w)
	if err != nil {
		return nil, err
	}
	r.Gof = gofRes
	return r, nil
}

// runGof fits the full global model (all detection and occupancy terms)
// and bootstraps its fit. A global model that itself fails to converge
// leaves the species without a GoF result rather than failing the run.
func runGof(ctx context.Context, histories []types.DetectionHistory, idx int64, cfg types.PipelineConfig, analyses []dredge.Analysis, fitOpts occumodel.FitOptions, gofPool *pool.Pool, w io.Writer) (*gof.Result, error) {
	global := analyses[len(analyses)-1].GlobalFormula()
	model, err := occumodel.Fit(histories, global, fitOpts)
	if err != nil {
		if errors.Is(err, occumodel.ErrNonConvergence) {
			fmt.Fprintf(w, "gof: global model did not converge, skipping\n")
			return nil, nil
		}
		return nil, err
	}

	// Offset the seed per species so replicate streams do not repeat
	// across the batch while a fixed config seed stays reproducible.
	opts := gof.Options{
		Bootstrap:             cfg.Gof.Bootstrap,
		Seed:                  cfg.Gof.Seed + idx*int64(cfg.Gof.Bootstrap),
		LowConfidenceFraction: cfg.Gof.LowConfidenceFraction,
		FitOptions:            fitOpts,
	}
	res, err := gof.Evaluate(ctx, model, histories, opts, gofPool, w)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		fmt.Fprintf(w, "gof: %v\n", err)
		return nil, nil
	}
	return res, nil
}

// analysisPlan returns the configured analyses, or the default three-pass
// plan: null (both term groups free over an empty base), detection
// (occupancy intercept-only, detection terms free), and full (detection
// terms fixed, occupancy terms free).
func analysisPlan(cfg types.PipelineConfig) ([]dredge.Analysis, error) {
	if len(cfg.Analyses) > 0 {
		out := make([]dredge.Analysis, len(cfg.Analyses))
		for i, a := range cfg.Analyses {
			if a.Name == "" {
				return nil, fmt.Errorf("analyses[%d]: name required", i)
			}
			out[i] = dredge.Analysis{
				Name:     a.Name,
				FixedOcc: a.FixedOcc,
				FreeOcc:  a.FreeOcc,
				FixedDet: a.FixedDet,
				FreeDet:  a.FreeDet,
			}
		}
		return out, nil
	}

	detTerms := history.DetectionTerms(cfg.Data.Schema)
	siteTerms := cfg.Data.Schema.SiteCovariates
	if len(siteTerms) == 0 {
		return nil, fmt.Errorf("schema: no site covariates configured")
	}

	return []dredge.Analysis{
		{Name: AnalysisNull, FreeOcc: siteTerms, FreeDet: detTerms},
		{Name: AnalysisDetection, FreeDet: detTerms},
		{Name: AnalysisFull, FixedDet: detTerms, FreeOcc: siteTerms},
	}, nil
}

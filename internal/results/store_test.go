package results

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/occupancy-engine/internal/dredge"
	"github.com/pdiddy/occupancy-engine/internal/gof"
	"github.com/pdiddy/occupancy-engine/internal/modelavg"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(types.OutputConfig{ResultsDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func sampleResult(species string) *SpeciesResult {
	model := &types.FittedModel{
		Formula:  types.Formula{OccTerms: []string{"elev"}},
		OccCoefs: []float64{0.5, 2.0},
		DetCoefs: []float64{0.1},
		LogLik:   -47,
		K:        3,
		AICc:     100,
	}
	set := &dredge.ModelSet{
		Analysis: "full",
		Entries: []dredge.Entry{
			{Formula: model.Formula, Model: model},
			{Formula: types.Formula{}, Err: "fit did not converge"},
		},
		Converged: 1,
		Failed:    1,
	}
	summary := &modelavg.Summary{
		Analysis: "full",
		Averaged: false,
		Estimates: []modelavg.Estimate{
			{
				Block: types.BlockState, Term: modelavg.InterceptTerm,
				Coef: 0.5, SE: 0.2, CILower: 0.108, CIUpper: 0.892, Z: 2.5, P: 0.0124,
			},
			{
				Block: types.BlockState, Term: "elev",
				Coef: 2.0, SE: 0.3, CILower: 1.412, CIUpper: 2.588, Z: 6.67, P: 0.0001,
				Importance: 0.85, HasImportance: true,
			},
			{
				// Zero SE leaves z and p undefined; they must round-trip as NULL.
				Block: types.BlockDet, Term: modelavg.InterceptTerm,
				Coef: 0.1, SE: 0, CILower: 0.1, CIUpper: 0.1, Z: math.NaN(), P: math.NaN(),
			},
		},
	}
	return &SpeciesResult{
		Species:    species,
		Status:     StatusOK,
		Sites:      42,
		Checklists: 180,
		Analyses:   []AnalysisResult{{Name: "full", Set: set, Summary: summary}},
		Gof: &gof.Result{
			Statistic: 12.5, PValue: 0.31, CHat: 1.04,
			BRequested: 1000, BEffective: 987, FailedRefits: 13,
		},
	}
}

func TestSaveAndExportJSON(t *testing.T) {
	ctx := context.Background()
	s, dir := openTestStore(t)

	require.NoError(t, s.SaveSpecies(ctx, sampleResult("Turdus merula")))
	require.NoError(t, s.ExportJSON(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "export.json"))
	require.NoError(t, err)
	var entries []ExportEntry
	require.NoError(t, json.Unmarshal(data, &entries))

	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "Turdus merula", e.Species)
	assert.Equal(t, StatusOK, e.Status)
	assert.Equal(t, 42, e.Sites)
	assert.Equal(t, 180, e.Checklists)

	require.Len(t, e.Estimates, 3)
	require.Len(t, e.Importance, 1)
	assert.Equal(t, "elev", e.Importance[0].Term)
	assert.Equal(t, 0.85, e.Importance[0].Importance)

	require.NotNil(t, e.Gof)
	assert.Equal(t, 12.5, e.Gof.Statistic)
	assert.Equal(t, 987, e.Gof.BEffective)
	assert.False(t, e.Gof.LowConfidence)
}

func TestNaNStoredAsNull(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.SaveSpecies(ctx, sampleResult("Turdus merula")))

	var z, p any
	err := s.db.QueryRowContext(ctx,
		`SELECT z, p FROM estimates WHERE block = ? AND term = ?`,
		types.BlockDet, modelavg.InterceptTerm).Scan(&z, &p)
	require.NoError(t, err)
	assert.Nil(t, z)
	assert.Nil(t, p)
}

func TestSaveSpeciesReplacesPreviousRun(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	require.NoError(t, s.SaveSpecies(ctx, sampleResult("Turdus merula")))

	second := sampleResult("Turdus merula")
	second.Status = StatusUnfittable
	second.Detail = "every candidate model failed to converge"
	second.Analyses = nil
	second.Gof = nil
	require.NoError(t, s.SaveSpecies(ctx, second))

	entries, err := s.exportEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusUnfittable, entries[0].Status)
	assert.Empty(t, entries[0].Estimates)
	assert.Empty(t, entries[0].Importance)
	assert.Nil(t, entries[0].Gof)
}

func TestSkippedSpeciesGetsStatusRow(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	r := &SpeciesResult{
		Species: "Passer domesticus",
		Status:  StatusSkipped,
		Detail:  "no qualifying detection histories",
	}
	require.NoError(t, s.SaveSpecies(ctx, r))

	entries, err := s.exportEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSkipped, entries[0].Status)
	assert.Equal(t, "no qualifying detection histories", entries[0].Detail)
}

func TestExportYAMLRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, dir := openTestStore(t)

	require.NoError(t, s.SaveSpecies(ctx, sampleResult("Erithacus rubecula")))
	require.NoError(t, s.SaveSpecies(ctx, sampleResult("Turdus merula")))
	require.NoError(t, s.ExportYAML(ctx))

	data, err := os.ReadFile(filepath.Join(dir, "export.yaml"))
	require.NoError(t, err)
	var entries []ExportEntry
	require.NoError(t, yaml.Unmarshal(data, &entries))

	// Export orders species alphabetically regardless of save order.
	require.Len(t, entries, 2)
	assert.Equal(t, "Erithacus rubecula", entries[0].Species)
	assert.Equal(t, "Turdus merula", entries[1].Species)
}

func TestFailedDredgeRowPersisted(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.SaveSpecies(ctx, sampleResult("Turdus merula")))

	var converged int
	var errText string
	err := s.db.QueryRowContext(ctx,
		`SELECT converged, err FROM dredge_models WHERE rank = 2`).Scan(&converged, &errText)
	require.NoError(t, err)
	assert.Zero(t, converged)
	assert.Equal(t, "fit did not converge", errText)
}

package gof

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/pdiddy/occupancy-engine/internal/occumodel"
	"github.com/pdiddy/occupancy-engine/internal/pool"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

func interceptModel(psi, p float64) *types.FittedModel {
	return &types.FittedModel{
		Formula:  types.Formula{},
		OccCoefs: []float64{math.Log(psi / (1 - psi))},
		DetCoefs: []float64{math.Log(p / (1 - p))},
	}
}

func bareHistory(site string, detections []int) types.DetectionHistory {
	obs := make([]map[string]float64, len(detections))
	for i := range obs {
		obs[i] = map[string]float64{}
	}
	return types.DetectionHistory{
		SiteID:         site,
		Detections:     detections,
		ObsCovariates:  obs,
		SiteCovariates: map[string]float64{},
	}
}

// --- discrepancy ---

func TestChiSquareHandComputed(t *testing.T) {
	// psi = p = 0.5, three single-occasion sites with histories 1, 0, 0.
	// P(1) = 0.25 and P(0) = 0.75 per site, so expected counts are 0.75 and
	// 2.25 and chi2 = 0.0625/0.75 + 0.0625/2.25 = 1/9.
	m := interceptModel(0.5, 0.5)
	histories := []types.DetectionHistory{
		bareHistory("s1", []int{1}),
		bareHistory("s2", []int{0}),
		bareHistory("s3", []int{0}),
	}

	got, err := ChiSquare(m, histories)
	if err != nil {
		t.Fatalf("ChiSquare: %v", err)
	}
	if want := 1.0 / 9.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("chi2 = %v, want %v", got, want)
	}
}

func TestChiSquareUnobservedMass(t *testing.T) {
	// Two two-occasion sites, both with history 00. P(00) = 0.625 per site,
	// so the observed cell gives (2-1.25)^2/1.25 = 0.45 and the mass on the
	// three unobserved histories adds 2 - 1.25 = 0.75.
	m := interceptModel(0.5, 0.5)
	histories := []types.DetectionHistory{
		bareHistory("s1", []int{0, 0}),
		bareHistory("s2", []int{0, 0}),
	}

	got, err := ChiSquare(m, histories)
	if err != nil {
		t.Fatalf("ChiSquare: %v", err)
	}
	if want := 0.45 + 0.75; math.Abs(got-want) > 1e-12 {
		t.Errorf("chi2 = %v, want %v", got, want)
	}
}

func TestChiSquareCohortsAreIndependent(t *testing.T) {
	// Mixing occasion counts must equal the sum of the per-cohort values.
	m := interceptModel(0.5, 0.5)
	single := []types.DetectionHistory{
		bareHistory("s1", []int{1}),
		bareHistory("s2", []int{0}),
		bareHistory("s3", []int{0}),
	}
	double := []types.DetectionHistory{
		bareHistory("d1", []int{0, 0}),
		bareHistory("d2", []int{0, 0}),
	}

	a, err := ChiSquare(m, single)
	if err != nil {
		t.Fatalf("ChiSquare: %v", err)
	}
	b, err := ChiSquare(m, double)
	if err != nil {
		t.Fatalf("ChiSquare: %v", err)
	}
	mixed, err := ChiSquare(m, append(append([]types.DetectionHistory{}, single...), double...))
	if err != nil {
		t.Fatalf("ChiSquare: %v", err)
	}
	if math.Abs(mixed-(a+b)) > 1e-12 {
		t.Errorf("mixed chi2 = %v, want per-cohort sum %v", mixed, a+b)
	}
}

// --- bootstrap ---

func testHistories(n int) []types.DetectionHistory {
	rng := rand.New(rand.NewSource(17))
	histories := make([]types.DetectionHistory, n)
	for i := range histories {
		h := bareHistory(fmt.Sprintf("s%02d", i), make([]int, 3))
		if rng.Float64() < 0.5 {
			for j := range h.Detections {
				if rng.Float64() < 0.5 {
					h.Detections[j] = 1
				}
			}
		}
		histories[i] = h
	}
	return histories
}

// passthroughFit skips the optimizer and scores replicates under the
// original model.
func passthroughFit(m *types.FittedModel) FitFunc {
	return func([]types.DetectionHistory, types.Formula, occumodel.FitOptions) (*types.FittedModel, error) {
		return m, nil
	}
}

func TestEvaluateTracksFailedRefits(t *testing.T) {
	m := interceptModel(0.5, 0.5)
	histories := testHistories(30)

	var calls atomic.Int64
	fit := func([]types.DetectionHistory, types.Formula, occumodel.FitOptions) (*types.FittedModel, error) {
		if calls.Add(1) <= 3 {
			return nil, occumodel.ErrNonConvergence
		}
		return m, nil
	}

	opts := Options{Bootstrap: 20, Seed: 101, Fit: fit}
	res, err := Evaluate(context.Background(), m, histories, opts, pool.New(1), io.Discard)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.BRequested != 20 || res.BEffective != 17 || res.FailedRefits != 3 {
		t.Errorf("replicates = %d/%d with %d failures, want 17/20 with 3",
			res.BEffective, res.BRequested, res.FailedRefits)
	}
	// 17/20 = 0.85 clears the default 0.8 fraction.
	if res.LowConfidence {
		t.Error("result flagged low confidence at 85% effective replicates")
	}
}

func TestEvaluateLowConfidence(t *testing.T) {
	m := interceptModel(0.5, 0.5)
	histories := testHistories(30)

	var calls atomic.Int64
	fit := func([]types.DetectionHistory, types.Formula, occumodel.FitOptions) (*types.FittedModel, error) {
		if calls.Add(1) <= 5 {
			return nil, occumodel.ErrNonConvergence
		}
		return m, nil
	}

	opts := Options{Bootstrap: 20, Seed: 101, LowConfidenceFraction: 0.9, Fit: fit}
	res, err := Evaluate(context.Background(), m, histories, opts, pool.New(1), io.Discard)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.LowConfidence {
		t.Errorf("15/20 effective replicates under fraction 0.9 not flagged, got %+v", res)
	}
}

func TestEvaluateAllRefitsFail(t *testing.T) {
	m := interceptModel(0.5, 0.5)
	fit := func([]types.DetectionHistory, types.Formula, occumodel.FitOptions) (*types.FittedModel, error) {
		return nil, occumodel.ErrNonConvergence
	}
	opts := Options{Bootstrap: 10, Seed: 1, Fit: fit}
	_, err := Evaluate(context.Background(), m, testHistories(10), opts, pool.New(2), io.Discard)
	if err == nil {
		t.Fatal("Evaluate with every refit failing succeeded, want error")
	}
}

func TestEvaluateReproducibleAcrossWorkerCounts(t *testing.T) {
	m := interceptModel(0.6, 0.4)
	histories := testHistories(40)
	opts := Options{Bootstrap: 50, Seed: 7, Fit: passthroughFit(m)}

	serial, err := Evaluate(context.Background(), m, histories, opts, pool.New(1), io.Discard)
	if err != nil {
		t.Fatalf("Evaluate serial: %v", err)
	}
	parallel, err := Evaluate(context.Background(), m, histories, opts, pool.New(4), io.Discard)
	if err != nil {
		t.Fatalf("Evaluate parallel: %v", err)
	}

	if serial.Statistic != parallel.Statistic || serial.PValue != parallel.PValue || serial.CHat != parallel.CHat {
		t.Errorf("results differ across worker counts: %+v vs %+v", serial, parallel)
	}
	if serial.PValue < 0 || serial.PValue > 1 {
		t.Errorf("p-value = %v, want in [0, 1]", serial.PValue)
	}
	if serial.CHat <= 0 {
		t.Errorf("c-hat = %v, want positive", serial.CHat)
	}
}

func TestEvaluateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := interceptModel(0.5, 0.5)
	opts := Options{Bootstrap: 100, Seed: 3, Fit: passthroughFit(m)}
	_, err := Evaluate(ctx, m, testHistories(10), opts, pool.New(2), io.Discard)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package occumodel

import (
	"math/rand"

	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// Simulate draws a full replicate dataset from the fitted model: for each
// history, a latent occupancy state from the fitted psi, then conditional
// detections from the fitted per-occasion p. Covariate structure and
// occasion counts are preserved; only the outcomes are redrawn.
func Simulate(m *types.FittedModel, histories []types.DetectionHistory, rng *rand.Rand) ([]types.DetectionHistory, error) {
	out := make([]types.DetectionHistory, len(histories))
	for i, h := range histories {
		psi, p, err := SitePredictions(m, h)
		if err != nil {
			return nil, err
		}

		sim := types.DetectionHistory{
			SiteID:         h.SiteID,
			Detections:     make([]int, len(h.Detections)),
			ObsCovariates:  h.ObsCovariates,
			SiteCovariates: h.SiteCovariates,
		}
		if rng.Float64() < psi {
			for j := range sim.Detections {
				if rng.Float64() < p[j] {
					sim.Detections[j] = 1
				}
			}
		}
		out[i] = sim
	}
	return out, nil
}

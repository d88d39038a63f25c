// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"math"
	"time"
)

// Protocol identifies the survey protocol of a checklist.
type Protocol string

const (
	ProtocolTraveling  Protocol = "Traveling"
	ProtocolStationary Protocol = "Stationary"
)

// Checklist is one observation event for one species at one site.
// Immutable once ingested.
type Checklist struct {
	// SiteID identifies the locality the checklist was recorded at.
	SiteID string `json:"site_id" yaml:"site_id"`

	// Date is the observation date.
	Date time.Time `json:"date" yaml:"date"`

	// MinutesOfDay is the start time as minutes since midnight.
	MinutesOfDay int `json:"minutes_of_day" yaml:"minutes_of_day"`

	Protocol Protocol `json:"protocol" yaml:"protocol"`

	// Species is the scientific name the detection flag refers to.
	Species string `json:"species" yaml:"species"`

	// Detected is 1 when the species was recorded, 0 otherwise.
	Detected int `json:"detected" yaml:"detected"`

	// ObsCovariates holds observation-level covariate values by column name.
	ObsCovariates map[string]float64 `json:"obs_covariates" yaml:"obs_covariates"`

	// SiteCovariates holds site-level covariate values by column name.
	// Constant across all checklists at a site within the modeling window.
	SiteCovariates map[string]float64 `json:"site_covariates" yaml:"site_covariates"`
}

// DetectionHistory is the per-site sequence of detection outcomes within one
// closure period, with the observation-level covariate vector for each
// occasion. Occasions are chronologically ordered and capped at the
// configured maximum; sites with no qualifying occasions are excluded
// upstream, so a DetectionHistory always has at least one occasion.
type DetectionHistory struct {
	SiteID string `json:"site_id" yaml:"site_id"`

	// Detections holds the 0/1 outcome per occasion. Occasions beyond
	// len(Detections) are missing and contribute nothing to the likelihood.
	Detections []int `json:"detections" yaml:"detections"`

	// ObsCovariates holds one covariate vector per occasion, aligned with
	// Detections.
	ObsCovariates []map[string]float64 `json:"obs_covariates" yaml:"obs_covariates"`

	// SiteCovariates holds the site-level covariate vector.
	SiteCovariates map[string]float64 `json:"site_covariates" yaml:"site_covariates"`
}

// AllZero reports whether no occasion detected the species.
func (h DetectionHistory) AllZero() bool {
	for _, y := range h.Detections {
		if y != 0 {
			return false
		}
	}
	return true
}

// Formula partitions covariates into occupancy (site-level) and detection
// (occasion-level) predictors. Intercepts are implicit in both blocks.
type Formula struct {
	OccTerms []string `json:"occ_terms" yaml:"occ_terms"`
	DetTerms []string `json:"det_terms" yaml:"det_terms"`
}

// FittedModel holds the maximum-likelihood estimates for one formula.
// Immutable once fit.
type FittedModel struct {
	Formula Formula `json:"formula" yaml:"formula"`

	// OccCoefs holds the occupancy intercept followed by one coefficient
	// per Formula.OccTerms entry. DetCoefs is laid out the same way for
	// the detection block.
	OccCoefs []float64 `json:"occ_coefs" yaml:"occ_coefs"`
	DetCoefs []float64 `json:"det_coefs" yaml:"det_coefs"`

	// VarCov is the variance-covariance matrix over the stacked parameter
	// vector (occupancy block first, then detection block).
	VarCov [][]float64 `json:"var_cov" yaml:"var_cov"`

	LogLik float64 `json:"log_lik" yaml:"log_lik"`

	// K is the number of estimated parameters (both intercepts included).
	K int `json:"k" yaml:"k"`

	// NSites is the number of detection histories the model was fit to.
	NSites int `json:"n_sites" yaml:"n_sites"`

	AICc float64 `json:"aicc" yaml:"aicc"`
}

// Blocks for coefficient lookup and reporting. "state" is the occupancy
// (latent state) block, "det" the detection block.
const (
	BlockState = "state"
	BlockDet   = "det"
)

// Coef returns the estimate and standard error for a term in the given
// block. The empty term name addresses the block intercept. ok is false
// when the term is not part of the model's formula.
func (m *FittedModel) Coef(block, term string) (coef, se float64, ok bool) {
	idx := m.paramIndex(block, term)
	if idx < 0 {
		return 0, 0, false
	}
	if block == BlockState {
		coef = m.OccCoefs[idx]
	} else {
		coef = m.DetCoefs[idx-len(m.OccCoefs)]
	}
	if idx < len(m.VarCov) {
		v := m.VarCov[idx][idx]
		if v > 0 {
			se = math.Sqrt(v)
		}
	}
	return coef, se, true
}

// paramIndex maps (block, term) to the stacked parameter index, or -1.
func (m *FittedModel) paramIndex(block, term string) int {
	switch block {
	case BlockState:
		if term == "" {
			return 0
		}
		for i, t := range m.Formula.OccTerms {
			if t == term {
				return 1 + i
			}
		}
	case BlockDet:
		if term == "" {
			return len(m.OccCoefs)
		}
		for i, t := range m.Formula.DetTerms {
			if t == term {
				return len(m.OccCoefs) + 1 + i
			}
		}
	}
	return -1
}

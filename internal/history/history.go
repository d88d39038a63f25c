// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package history builds per-site detection histories from checklist
// records: protocol filtering, the season-index and midday transforms, and
// chronological occasion grouping under the closure assumption. The whole
// multi-year window is treated as a single closure period.
package history

import (
	"sort"

	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// Derived covariate names appended to each occasion's covariate vector.
const (
	SeasonCovariate = "season_index"
	MiddayCovariate = "midday_distance"
)

// Season-index window: December through May, winter-wrapped onto one axis.
// Days 334..365 map to 1..32 and days 1..152 map to 32..183; anything else
// falls outside the survey window.
const (
	decStart  = 334
	decOffset = 333
	mayEnd    = 152
	janOffset = 31
)

// Midday fold: start times from 05:00 to 19:00 fold onto distance from
// solar noon; records outside that span are dropped.
const (
	earliestMinute = 300
	latestMinute   = 1140
	middayMinute   = 720
)

// BuildSummary holds counts from one species' history construction.
type BuildSummary struct {
	Checklists      int
	Protocol        int // dropped: protocol not Traveling/Stationary
	OutOfSeason     int // dropped: date outside the season window
	OutOfDay        int // dropped: start time outside 05:00-19:00
	Capped          int // dropped: beyond max_obs occasions at a site
	SitesBelowMin   int
	Sites           int
}

// SeasonIndex maps a day of year onto the linear survey-season axis.
// ok is false for days outside the window.
func SeasonIndex(dayOfYear int) (int, bool) {
	switch {
	case dayOfYear >= decStart && dayOfYear <= 365:
		return dayOfYear - decOffset, true
	case dayOfYear >= 1 && dayOfYear <= mayEnd:
		return dayOfYear + janOffset, true
	default:
		return 0, false
	}
}

// MiddayDistance folds minutes-since-midnight onto distance from midday.
// ok is false for start times outside the survey day.
func MiddayDistance(minutes int) (int, bool) {
	if minutes < earliestMinute || minutes > latestMinute {
		return 0, false
	}
	d := minutes - middayMinute
	if d < 0 {
		d = -d
	}
	return d, true
}

// Build converts one species' checklists into detection histories, one per
// qualifying site. Records failing any transform are silently dropped and
// only counted in the summary; a site with fewer than cfg.MinObs qualifying
// occasions is excluded rather than reported as a failure.
func Build(checklists []types.Checklist, cfg types.HistoryConfig, schema types.CovariateSchema) ([]types.DetectionHistory, BuildSummary) {
	summary := BuildSummary{Checklists: len(checklists)}

	type occasion struct {
		date     int64 // unix time for chronological ordering
		minutes  int
		detected int
		covs     map[string]float64
	}
	bySite := make(map[string][]occasion)
	siteCovs := make(map[string]map[string]float64)
	var siteOrder []string

	for _, cl := range checklists {
		if cl.Protocol != types.ProtocolTraveling && cl.Protocol != types.ProtocolStationary {
			summary.Protocol++
			continue
		}
		season, ok := SeasonIndex(cl.Date.YearDay())
		if !ok {
			summary.OutOfSeason++
			continue
		}
		midday, ok := MiddayDistance(cl.MinutesOfDay)
		if !ok {
			summary.OutOfDay++
			continue
		}

		covs := make(map[string]float64, len(cl.ObsCovariates)+2)
		for k, v := range cl.ObsCovariates {
			covs[k] = v
		}
		if cl.Protocol == types.ProtocolStationary && schema.DistanceColumn != "" {
			if covs[schema.DistanceColumn] == 0 {
				covs[schema.DistanceColumn] = cfg.StationaryDistance
			}
		}
		covs[SeasonCovariate] = float64(season)
		covs[MiddayCovariate] = float64(midday)

		if _, ok := bySite[cl.SiteID]; !ok {
			siteOrder = append(siteOrder, cl.SiteID)
			siteCovs[cl.SiteID] = cl.SiteCovariates
		}
		bySite[cl.SiteID] = append(bySite[cl.SiteID], occasion{
			date:     cl.Date.Unix(),
			minutes:  cl.MinutesOfDay,
			detected: cl.Detected,
			covs:     covs,
		})
	}

	var histories []types.DetectionHistory
	for _, site := range siteOrder {
		occ := bySite[site]
		sort.SliceStable(occ, func(i, j int) bool {
			if occ[i].date != occ[j].date {
				return occ[i].date < occ[j].date
			}
			return occ[i].minutes < occ[j].minutes
		})

		if len(occ) > cfg.MaxObs {
			summary.Capped += len(occ) - cfg.MaxObs
			occ = occ[:cfg.MaxObs]
		}
		if len(occ) < cfg.MinObs {
			summary.SitesBelowMin++
			continue
		}

		h := types.DetectionHistory{
			SiteID:         site,
			Detections:     make([]int, len(occ)),
			ObsCovariates:  make([]map[string]float64, len(occ)),
			SiteCovariates: siteCovs[site],
		}
		for i, o := range occ {
			h.Detections[i] = o.detected
			h.ObsCovariates[i] = o.covs
		}
		histories = append(histories, h)
	}
	summary.Sites = len(histories)

	return histories, summary
}

// DetectionTerms returns the detection-predictor pool: the schema's
// observation covariates plus the derived season and midday terms.
func DetectionTerms(schema types.CovariateSchema) []string {
	terms := make([]string, 0, len(schema.ObsCovariates)+2)
	terms = append(terms, schema.ObsCovariates...)
	terms = append(terms, SeasonCovariate, MiddayCovariate)
	return terms
}

package types

// CovariateSchema names every column the checklist table must carry and the
// role each covariate plays in the model. The pipeline validates the table
// header against this schema before any fitting and fails fast on a missing
// column rather than matching by pattern.
type CovariateSchema struct {
	// SiteColumn identifies the spatial sampling unit (locality).
	SiteColumn string `json:"site_column" yaml:"site_column"`

	// DateColumn is the observation date column, formatted per DateFormat.
	DateColumn string `json:"date_column" yaml:"date_column"`

	// TimeColumn is the observation start-time column, formatted per TimeFormat.
	TimeColumn string `json:"time_column" yaml:"time_column"`

	// ProtocolColumn holds the survey protocol (Traveling or Stationary).
	ProtocolColumn string `json:"protocol_column" yaml:"protocol_column"`

	// SpeciesColumn holds the scientific name the table row refers to.
	SpeciesColumn string `json:"species_column" yaml:"species_column"`

	// DetectionColumn holds the detection/non-detection flag (0 or 1).
	DetectionColumn string `json:"detection_column" yaml:"detection_column"`

	// DistanceColumn names the traveled-distance covariate. It must also
	// appear in ObsCovariates; it is named separately because Stationary
	// checklists receive a nominal survey distance in its place.
	DistanceColumn string `json:"distance_column" yaml:"distance_column"`

	// ObsCovariates lists the observation-level (detection) covariate
	// columns, e.g. duration, distance, observer count, experience index.
	ObsCovariates []string `json:"obs_covariates" yaml:"obs_covariates"`

	// SiteCovariates lists the site-level (occupancy) covariate columns,
	// e.g. elevation, climate seasonality indices, land-cover proportions.
	SiteCovariates []string `json:"site_covariates" yaml:"site_covariates"`

	// DateFormat is the Go reference layout for DateColumn (default 2006-01-02).
	DateFormat string `json:"date_format" yaml:"date_format"`

	// TimeFormat is the Go reference layout for TimeColumn (default 15:04).
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// DataConfig holds settings for checklist-table ingest.
type DataConfig struct {
	// ChecklistFile is the path to the row-per-checklist CSV table.
	ChecklistFile string `json:"checklist_file" yaml:"checklist_file"`

	Schema CovariateSchema `json:"schema" yaml:"schema"`
}

// HistoryConfig holds settings for detection-history construction.
type HistoryConfig struct {
	// MaxObs caps the number of occasions per site (default 10).
	MaxObs int `json:"max_obs" yaml:"max_obs"`

	// MinObs is the minimum occasion count to retain a site (default 1).
	MinObs int `json:"min_obs" yaml:"min_obs"`

	// StationaryDistance is the nominal survey distance substituted for
	// Stationary checklists whose traveled distance is zero (default 0.1).
	StationaryDistance float64 `json:"stationary_distance" yaml:"stationary_distance"`
}

// FitConfig holds settings for a single maximum-likelihood fit.
type FitConfig struct {
	// MaxIterations caps the optimizer's major iterations so every fit
	// terminates (default 200).
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// GradientTolerance is the convergence threshold on the gradient
	// infinity norm (default 1e-6).
	GradientTolerance float64 `json:"gradient_tolerance" yaml:"gradient_tolerance"`
}

// DredgeConfig holds settings for exhaustive subset fitting.
type DredgeConfig struct {
	// Workers is the size of the subset-fitting pool (default 5).
	Workers int `json:"workers" yaml:"workers"`

	// DeltaThreshold bounds top-set membership: models with
	// AICc - min(AICc) below it are averaged (default 4).
	DeltaThreshold float64 `json:"delta_threshold" yaml:"delta_threshold"`
}

// GofConfig holds settings for the parametric-bootstrap goodness-of-fit test.
type GofConfig struct {
	// Workers is the size of the bootstrap refit pool (default 5). It is
	// configured independently of DredgeConfig.Workers.
	Workers int `json:"workers" yaml:"workers"`

	// Bootstrap is the requested number of replicates (default 1000).
	Bootstrap int `json:"bootstrap" yaml:"bootstrap"`

	// LowConfidenceFraction flags the result when the effective replicate
	// count falls below this fraction of Bootstrap (default 0.8).
	LowConfidenceFraction float64 `json:"low_confidence_fraction" yaml:"low_confidence_fraction"`

	// Seed seeds the bootstrap simulations for reproducible runs.
	Seed int64 `json:"seed" yaml:"seed"`
}

// OutputConfig holds settings for result persistence.
type OutputConfig struct {
	// ResultsDir is the directory holding results.db and exports.
	ResultsDir string `json:"results_dir" yaml:"results_dir"`
}

// AnalysisConfig declares one dredge pass: which term group is fixed
// (always included) and which is free (subject to inclusion/exclusion).
// Empty free and fixed sets for a group mean intercept-only.
type AnalysisConfig struct {
	Name     string   `json:"name" yaml:"name"`
	FixedOcc []string `json:"fixed_occ" yaml:"fixed_occ"`
	FreeOcc  []string `json:"free_occ" yaml:"free_occ"`
	FixedDet []string `json:"fixed_det" yaml:"fixed_det"`
	FreeDet  []string `json:"free_det" yaml:"free_det"`
}

// PipelineConfig groups all stage configurations for the pipeline.
type PipelineConfig struct {
	Data    DataConfig    `json:"data" yaml:"data"`
	History HistoryConfig `json:"history" yaml:"history"`
	Fit     FitConfig     `json:"fit" yaml:"fit"`
	Dredge  DredgeConfig  `json:"dredge" yaml:"dredge"`
	Gof     GofConfig     `json:"gof" yaml:"gof"`
	Output  OutputConfig  `json:"output" yaml:"output"`

	// Analyses overrides the default three-pass configuration (null,
	// detection, full). Leave empty to derive it from the schema.
	Analyses []AnalysisConfig `json:"analyses,omitempty" yaml:"analyses,omitempty"`
}

// ApplyDefaults fills zero-valued fields with pipeline defaults.
func (c *PipelineConfig) ApplyDefaults() {
	if c.Data.Schema.DateFormat == "" {
		c.Data.Schema.DateFormat = "2006-01-02"
	}
	if c.Data.Schema.TimeFormat == "" {
		c.Data.Schema.TimeFormat = "15:04"
	}
	if c.History.MaxObs <= 0 {
		c.History.MaxObs = 10
	}
	if c.History.MinObs <= 0 {
		c.History.MinObs = 1
	}
	if c.History.StationaryDistance == 0 {
		c.History.StationaryDistance = 0.1
	}
	if c.Fit.MaxIterations <= 0 {
		c.Fit.MaxIterations = 200
	}
	if c.Fit.GradientTolerance <= 0 {
		c.Fit.GradientTolerance = 1e-6
	}
	if c.Dredge.Workers <= 0 {
		c.Dredge.Workers = 5
	}
	if c.Dredge.DeltaThreshold <= 0 {
		c.Dredge.DeltaThreshold = 4
	}
	if c.Gof.Workers <= 0 {
		c.Gof.Workers = 5
	}
	if c.Gof.Bootstrap <= 0 {
		c.Gof.Bootstrap = 1000
	}
	if c.Gof.LowConfidenceFraction <= 0 {
		c.Gof.LowConfidenceFraction = 0.8
	}
	if c.Output.ResultsDir == "" {
		c.Output.ResultsDir = "results"
	}
}

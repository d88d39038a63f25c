// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// ExportEstimate is one coefficient row in an export file.
type ExportEstimate struct {
	Analysis string  `json:"analysis" yaml:"analysis"`
	Block    string  `json:"block" yaml:"block"`
	Term     string  `json:"term" yaml:"term"`
	Averaged bool    `json:"averaged" yaml:"averaged"`
	Estimate float64 `json:"estimate" yaml:"estimate"`
	SE       float64 `json:"se" yaml:"se"`
	CILower  float64 `json:"ci_lower" yaml:"ci_lower"`
	CIUpper  float64 `json:"ci_upper" yaml:"ci_upper"`
	Z        float64 `json:"z" yaml:"z"`
	P        float64 `json:"p" yaml:"p"`
}

// ExportImportance is one relative-importance row in an export file.
type ExportImportance struct {
	Analysis   string  `json:"analysis" yaml:"analysis"`
	Block      string  `json:"block" yaml:"block"`
	Term       string  `json:"term" yaml:"term"`
	Importance float64 `json:"importance" yaml:"importance"`
}

// ExportGof is the goodness-of-fit block in an export file.
type ExportGof struct {
	Statistic     float64 `json:"statistic" yaml:"statistic"`
	PValue        float64 `json:"p_value" yaml:"p_value"`
	CHat          float64 `json:"c_hat" yaml:"c_hat"`
	BRequested    int     `json:"b_requested" yaml:"b_requested"`
	BEffective    int     `json:"b_effective" yaml:"b_effective"`
	LowConfidence bool    `json:"low_confidence" yaml:"low_confidence"`
}

// ExportEntry aggregates one species' persisted results.
type ExportEntry struct {
	Species    string             `json:"species" yaml:"species"`
	Status     string             `json:"status" yaml:"status"`
	Detail     string             `json:"detail,omitempty" yaml:"detail,omitempty"`
	Sites      int                `json:"sites" yaml:"sites"`
	Checklists int                `json:"checklists" yaml:"checklists"`
	Estimates  []ExportEstimate   `json:"estimates,omitempty" yaml:"estimates,omitempty"`
	Importance []ExportImportance `json:"importance,omitempty" yaml:"importance,omitempty"`
	Gof        *ExportGof         `json:"gof,omitempty" yaml:"gof,omitempty"`
}

// ExportYAML writes all persisted species results to resultsDir/export.yaml.
func (s *Store) ExportYAML(ctx context.Context) error {
	entries, err := s.exportEntries(ctx)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling YAML: %w", err)
	}
	return os.WriteFile(filepath.Join(s.resultsDir, "export.yaml"), data, 0o644)
}

// ExportJSON writes all persisted species results to resultsDir/export.json.
func (s *Store) ExportJSON(ctx context.Context) error {
	entries, err := s.exportEntries(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	return os.WriteFile(filepath.Join(s.resultsDir, "export.json"), data, 0o644)
}

func (s *Store) exportEntries(ctx context.Context) ([]ExportEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT species, status, detail, sites, checklists FROM species_status ORDER BY species`)
	if err != nil {
		return nil, fmt.Errorf("querying status: %w", err)
	}
	defer rows.Close()

	var entries []ExportEntry
	for rows.Next() {
		var e ExportEntry
		var detail sql.NullString
		if err := rows.Scan(&e.Species, &e.Status, &detail, &e.Sites, &e.Checklists); err != nil {
			return nil, fmt.Errorf("scanning status: %w", err)
		}
		e.Detail = detail.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		if err := s.fillEntry(ctx, &entries[i]); err != nil {
			return nil, fmt.Errorf("species %s: %w", entries[i].Species, err)
		}
	}
	return entries, nil
}

func (s *Store) fillEntry(ctx context.Context, e *ExportEntry) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT analysis, block, term, averaged, estimate, se, ci_lower, ci_upper, z, p
		 FROM estimates WHERE species = ? ORDER BY analysis, block, term`, e.Species)
	if err != nil {
		return fmt.Errorf("querying estimates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var est ExportEstimate
		var averaged int
		var v [6]sql.NullFloat64
		if err := rows.Scan(&est.Analysis, &est.Block, &est.Term, &averaged,
			&v[0], &v[1], &v[2], &v[3], &v[4], &v[5]); err != nil {
			return fmt.Errorf("scanning estimate: %w", err)
		}
		est.Averaged = averaged != 0
		est.Estimate, est.SE = v[0].Float64, v[1].Float64
		est.CILower, est.CIUpper = v[2].Float64, v[3].Float64
		est.Z, est.P = v[4].Float64, v[5].Float64
		e.Estimates = append(e.Estimates, est)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	irows, err := s.db.QueryContext(ctx,
		`SELECT analysis, block, term, importance FROM importance
		 WHERE species = ? ORDER BY analysis, block, term`, e.Species)
	if err != nil {
		return fmt.Errorf("querying importance: %w", err)
	}
	defer irows.Close()
	for irows.Next() {
		var imp ExportImportance
		if err := irows.Scan(&imp.Analysis, &imp.Block, &imp.Term, &imp.Importance); err != nil {
			return fmt.Errorf("scanning importance: %w", err)
		}
		e.Importance = append(e.Importance, imp)
	}
	if err := irows.Err(); err != nil {
		return err
	}

	var g ExportGof
	var stat, p, chat sql.NullFloat64
	var low int
	err = s.db.QueryRowContext(ctx,
		`SELECT statistic, p_value, c_hat, b_requested, b_effective, low_confidence
		 FROM gof_summary WHERE species = ?`, e.Species).
		Scan(&stat, &p, &chat, &g.BRequested, &g.BEffective, &low)
	switch {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		return fmt.Errorf("querying gof: %w", err)
	}
	g.Statistic, g.PValue, g.CHat = stat.Float64, p.Float64, chat.Float64
	g.LowConfidence = low != 0
	e.Gof = &g
	return nil
}

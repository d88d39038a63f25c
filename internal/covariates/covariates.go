// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package covariates loads the row-per-checklist covariate table and
// validates it against an explicit column schema. Covariate roles
// (occupancy vs detection) are declared in configuration, never inferred
// from column-name patterns, and a missing required column fails the load
// immediately.
package covariates

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pdiddy/occupancy-engine/pkg/types"
)

// LoadSummary holds counts from a table load.
type LoadSummary struct {
	Rows            int
	Bad             int
	SiteCovConflict int
}

// Table is the validated, ingested checklist table.
type Table struct {
	Checklists []types.Checklist

	// Species lists the distinct species labels in input order.
	Species []string

	Summary LoadSummary
}

// Load reads and validates the checklist CSV at cfg.ChecklistFile.
// Rows with unparsable cells are counted and skipped; a header that does
// not carry every schema column is an error.
func Load(cfg types.DataConfig, w io.Writer) (*Table, error) {
	f, err := os.Open(cfg.ChecklistFile)
	if err != nil {
		return nil, fmt.Errorf("opening checklist table: %w", err)
	}
	defer f.Close()
	return Read(f, cfg.Schema, w)
}

// Read parses a checklist table from r against the schema.
func Read(r io.Reader, schema types.CovariateSchema, w io.Writer) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading table header: %w", err)
	}

	cols, err := resolveColumns(header, schema)
	if err != nil {
		return nil, err
	}

	tbl := &Table{}
	seen := make(map[string]bool)
	siteCovs := make(map[string]map[string]float64)

	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading table row %d: %w", line, err)
		}
		tbl.Summary.Rows++

		cl, err := parseRow(row, cols, schema)
		if err != nil {
			fmt.Fprintf(w, "bad row %d: %v\n", line, err)
			tbl.Summary.Bad++
			continue
		}

		// Site-level covariates must be constant per site; the first
		// value wins and later conflicts are reported.
		if prev, ok := siteCovs[cl.SiteID]; ok {
			if !sameCovs(prev, cl.SiteCovariates) {
				fmt.Fprintf(w, "site %s: conflicting site covariates at row %d, keeping first\n", cl.SiteID, line)
				tbl.Summary.SiteCovConflict++
			}
			cl.SiteCovariates = prev
		} else {
			siteCovs[cl.SiteID] = cl.SiteCovariates
		}

		if !seen[cl.Species] {
			seen[cl.Species] = true
			tbl.Species = append(tbl.Species, cl.Species)
		}
		tbl.Checklists = append(tbl.Checklists, cl)
	}

	return tbl, nil
}

// ForSpecies returns the checklists whose species label matches.
func (t *Table) ForSpecies(species string) []types.Checklist {
	var out []types.Checklist
	for _, cl := range t.Checklists {
		if cl.Species == species {
			out = append(out, cl)
		}
	}
	return out
}

// columns maps schema roles to header indices.
type columns struct {
	site, date, tod, protocol, species, detection int
	obs, siteLevel                                map[string]int
}

func resolveColumns(header []string, schema types.CovariateSchema) (*columns, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}

	lookup := func(name, role string) (int, error) {
		if name == "" {
			return 0, fmt.Errorf("schema: %s column not configured", role)
		}
		i, ok := idx[name]
		if !ok {
			return 0, fmt.Errorf("schema: required %s column %q missing from table header", role, name)
		}
		return i, nil
	}

	var c columns
	var err error
	if c.site, err = lookup(schema.SiteColumn, "site"); err != nil {
		return nil, err
	}
	if c.date, err = lookup(schema.DateColumn, "date"); err != nil {
		return nil, err
	}
	if c.tod, err = lookup(schema.TimeColumn, "time"); err != nil {
		return nil, err
	}
	if c.protocol, err = lookup(schema.ProtocolColumn, "protocol"); err != nil {
		return nil, err
	}
	if c.species, err = lookup(schema.SpeciesColumn, "species"); err != nil {
		return nil, err
	}
	if c.detection, err = lookup(schema.DetectionColumn, "detection"); err != nil {
		return nil, err
	}

	c.obs = make(map[string]int, len(schema.ObsCovariates))
	for _, name := range schema.ObsCovariates {
		i, err := lookup(name, "observation covariate")
		if err != nil {
			return nil, err
		}
		c.obs[name] = i
	}
	c.siteLevel = make(map[string]int, len(schema.SiteCovariates))
	for _, name := range schema.SiteCovariates {
		i, err := lookup(name, "site covariate")
		if err != nil {
			return nil, err
		}
		c.siteLevel[name] = i
	}

	if schema.DistanceColumn != "" {
		if _, ok := c.obs[schema.DistanceColumn]; !ok {
			return nil, fmt.Errorf("schema: distance column %q must be listed in obs_covariates", schema.DistanceColumn)
		}
	}

	return &c, nil
}

func parseRow(row []string, cols *columns, schema types.CovariateSchema) (types.Checklist, error) {
	var cl types.Checklist

	cl.SiteID = row[cols.site]
	if cl.SiteID == "" {
		return cl, fmt.Errorf("empty site id")
	}
	cl.Species = row[cols.species]
	if cl.Species == "" {
		return cl, fmt.Errorf("empty species")
	}

	date, err := time.Parse(schema.DateFormat, row[cols.date])
	if err != nil {
		return cl, fmt.Errorf("parsing date %q: %w", row[cols.date], err)
	}
	cl.Date = date

	tod, err := time.Parse(schema.TimeFormat, row[cols.tod])
	if err != nil {
		return cl, fmt.Errorf("parsing time %q: %w", row[cols.tod], err)
	}
	cl.MinutesOfDay = tod.Hour()*60 + tod.Minute()

	cl.Protocol = types.Protocol(row[cols.protocol])

	det, err := strconv.Atoi(row[cols.detection])
	if err != nil || (det != 0 && det != 1) {
		return cl, fmt.Errorf("detection %q is not 0 or 1", row[cols.detection])
	}
	cl.Detected = det

	cl.ObsCovariates = make(map[string]float64, len(cols.obs))
	for name, i := range cols.obs {
		v, err := strconv.ParseFloat(row[i], 64)
		if err != nil {
			return cl, fmt.Errorf("parsing %s %q: %w", name, row[i], err)
		}
		cl.ObsCovariates[name] = v
	}
	cl.SiteCovariates = make(map[string]float64, len(cols.siteLevel))
	for name, i := range cols.siteLevel {
		v, err := strconv.ParseFloat(row[i], 64)
		if err != nil {
			return cl, fmt.Errorf("parsing %s %q: %w", name, row[i], err)
		}
		cl.SiteCovariates[name] = v
	}

	return cl, nil
}

func sameCovs(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		bv, ok := b[k]
		if !ok || bv != a[k] {
			return false
		}
	}
	return true
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package results persists per-species pipeline outcomes to SQLite and
// exports them to YAML or JSON. Every species, including skipped and
// unfittable ones, gets a status row so omissions are recorded rather
// than silent.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/occupancy-engine/internal/dredge"
	"github.com/pdiddy/occupancy-engine/internal/gof"
	"github.com/pdiddy/occupancy-engine/internal/modelavg"
	"github.com/pdiddy/occupancy-engine/pkg/types"
)

const dbFile = "results.db"

// Species status values recorded in the store.
const (
	StatusOK         = "ok"
	StatusSkipped    = "skipped"
	StatusUnfittable = "unfittable"
)

// AnalysisResult is one dredge pass outcome for a species.
type AnalysisResult struct {
	Name    string
	Set     *dredge.ModelSet
	Summary *modelavg.Summary // nil when no candidate converged
}

// SpeciesResult is the complete, immutable outcome for one species. The
// pipeline builds one per species and merges it into the store after the
// species' run completes; nothing accumulates across species in place.
type SpeciesResult struct {
	Species    string
	Status     string
	Detail     string
	Sites      int
	Checklists int
	Analyses   []AnalysisResult
	Gof        *gof.Result
}

// Store manages the results SQLite database.
type Store struct {
	db         *sql.DB
	resultsDir string
}

// NewStore opens or creates the results database at resultsDir/results.db,
// creating the schema if needed.
func NewStore(cfg types.OutputConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}

	dbPath := filepath.Join(cfg.ResultsDir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, resultsDir: cfg.ResultsDir}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS species_status (
			species TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			detail TEXT,
			sites INTEGER,
			checklists INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS dredge_models (
			species TEXT NOT NULL,
			analysis TEXT NOT NULL,
			rank INTEGER NOT NULL,
			occ_terms TEXT,
			det_terms TEXT,
			coefs TEXT,
			log_lik REAL,
			k INTEGER,
			aicc REAL,
			delta REAL,
			converged INTEGER NOT NULL,
			err TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dredge_species ON dredge_models(species, analysis)`,
		`CREATE TABLE IF NOT EXISTS estimates (
			species TEXT NOT NULL,
			analysis TEXT NOT NULL,
			block TEXT NOT NULL,
			term TEXT NOT NULL,
			averaged INTEGER NOT NULL,
			estimate REAL,
			se REAL,
			ci_lower REAL,
			ci_upper REAL,
			z REAL,
			p REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_estimates_species ON estimates(species, analysis)`,
		`CREATE TABLE IF NOT EXISTS importance (
			species TEXT NOT NULL,
			analysis TEXT NOT NULL,
			block TEXT NOT NULL,
			term TEXT NOT NULL,
			importance REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gof_summary (
			species TEXT PRIMARY KEY,
			statistic REAL,
			p_value REAL,
			c_hat REAL,
			b_requested INTEGER,
			b_effective INTEGER,
			low_confidence INTEGER
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// SaveSpecies writes one species' complete result in a single transaction,
// replacing any rows from a previous run of the same species.
func (s *Store) SaveSpecies(ctx context.Context, r *SpeciesResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"dredge_models", "estimates", "importance", "gof_summary", "species_status"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE species = ?", r.Species); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO species_status (species, status, detail, sites, checklists) VALUES (?, ?, ?, ?, ?)`,
		r.Species, r.Status, r.Detail, r.Sites, r.Checklists)
	if err != nil {
		return fmt.Errorf("inserting status: %w", err)
	}

	for _, a := range r.Analyses {
		if err := s.saveAnalysis(ctx, tx, r.Species, a); err != nil {
			return fmt.Errorf("analysis %s: %w", a.Name, err)
		}
	}

	if r.Gof != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO gof_summary (species, statistic, p_value, c_hat, b_requested, b_effective, low_confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.Species, nullable(r.Gof.Statistic), nullable(r.Gof.PValue), nullable(r.Gof.CHat),
			r.Gof.BRequested, r.Gof.BEffective, boolInt(r.Gof.LowConfidence))
		if err != nil {
			return fmt.Errorf("inserting gof summary: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) saveAnalysis(ctx context.Context, tx *sql.Tx, species string, a AnalysisResult) error {
	if a.Set != nil {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO dredge_models (species, analysis, rank, occ_terms, det_terms, coefs, log_lik, k, aicc, delta, converged, err)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing dredge insert: %w", err)
		}
		defer stmt.Close()

		for i, e := range a.Set.Entries {
			var logLik, aicc, delta any
			var k any
			coefs := ""
			if e.Converged() {
				logLik = nullable(e.Model.LogLik)
				aicc = nullable(e.Model.AICc)
				delta = nullable(a.Set.Delta(i))
				k = e.Model.K
				coefs = coefJSON(e.Model)
			}
			_, err := stmt.ExecContext(ctx,
				species, a.Name, i+1,
				termList(e.Formula.OccTerms), termList(e.Formula.DetTerms),
				coefs, logLik, k, aicc, delta, boolInt(e.Converged()), e.Err)
			if err != nil {
				return fmt.Errorf("inserting dredge row %d: %w", i+1, err)
			}
		}
	}

	if a.Summary == nil {
		return nil
	}
	for _, e := range a.Summary.Estimates {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO estimates (species, analysis, block, term, averaged, estimate, se, ci_lower, ci_upper, z, p)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			species, a.Name, e.Block, e.Term, boolInt(a.Summary.Averaged),
			nullable(e.Coef), nullable(e.SE), nullable(e.CILower), nullable(e.CIUpper),
			nullable(e.Z), nullable(e.P))
		if err != nil {
			return fmt.Errorf("inserting estimate %s/%s: %w", e.Block, e.Term, err)
		}
		if e.HasImportance {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO importance (species, analysis, block, term, importance) VALUES (?, ?, ?, ?, ?)`,
				species, a.Name, e.Block, e.Term, e.Importance)
			if err != nil {
				return fmt.Errorf("inserting importance %s/%s: %w", e.Block, e.Term, err)
			}
		}
	}
	return nil
}

// coefJSON renders a model's coefficients as {"state": {...}, "det": {...}}.
func coefJSON(m *types.FittedModel) string {
	blocks := map[string]map[string]float64{
		types.BlockState: blockCoefs(m.OccCoefs, m.Formula.OccTerms),
		types.BlockDet:   blockCoefs(m.DetCoefs, m.Formula.DetTerms),
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return ""
	}
	return string(data)
}

func blockCoefs(coefs []float64, terms []string) map[string]float64 {
	out := make(map[string]float64, len(coefs))
	out[modelavg.InterceptTerm] = coefs[0]
	for i, t := range terms {
		out[t] = coefs[1+i]
	}
	return out
}

func termList(terms []string) string {
	data, _ := json.Marshal(terms)
	return string(data)
}

// nullable maps NaN and infinities to SQL NULL; sqlite cannot bind them.
func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

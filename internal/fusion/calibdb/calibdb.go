// Package calibdb persists per-source noise calibration: the live
// parameter set each source runs with, and the history of fit runs that
// produced (or failed to produce) them.
package calibdb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/depth.fusion/internal/fusion/noise"
	"github.com/banshee-data/depth.fusion/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound reports a source with no persisted parameters.
var ErrNotFound = errors.New("no calibration parameters for source")

// Store wraps the calibration database. Methods are safe for
// concurrent use; database/sql serializes access to the sqlite file.
type Store struct {
	*sql.DB
	clock timeutil.Clock
}

// Open opens (creating if needed) the calibration database at path and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	return OpenWithClock(path, timeutil.RealClock{})
}

// OpenWithClock is Open with an injected clock for the fitted_at and
// updated_at stamps.
func OpenWithClock(path string, clock timeutil.Clock) (*Store, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db, clock}, nil
}

// applyMigrations brings the schema up to the latest embedded version.
func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Note: closing m would close the underlying DB connection, so the
	// instance is left for the garbage collector.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// SourceParams is one persisted parameter set with its update time.
type SourceParams struct {
	SourceID    string       `json:"source_id"`
	Params      noise.Params `json:"params"`
	UpdatedAtNs int64        `json:"updated_at_ns"`
}

// Run is one recorded calibration attempt, installable or not.
type Run struct {
	RunID       string       `json:"run_id"`
	SourceID    string       `json:"source_id"`
	FittedAtNs  int64        `json:"fitted_at_ns"`
	Samples     int          `json:"samples"`
	Iterations  int          `json:"iterations"`
	FitQuality  float64      `json:"fit_quality"`
	OutlierRate float64      `json:"outlier_rate"`
	ResidualMAD float64      `json:"residual_mad"`
	Valid       bool         `json:"valid"`
	Params      noise.Params `json:"params"`
}

// Params returns the live parameters for a source, or ErrNotFound.
func (s *Store) Params(sourceID string) (noise.Params, error) {
	var p noise.Params
	err := s.QueryRow(
		`SELECT sigma_base, alpha, beta, sigma_floor FROM calibration_params WHERE source_id = ?`,
		sourceID,
	).Scan(&p.SigmaBase, &p.Alpha, &p.Beta, &p.SigmaFloor)
	if errors.Is(err, sql.ErrNoRows) {
		return noise.Params{}, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}
	if err != nil {
		return noise.Params{}, err
	}
	return p, nil
}

// AllParams returns every persisted parameter set, for installing into
// the noise model at boot.
func (s *Store) AllParams() ([]SourceParams, error) {
	rows, err := s.Query(
		`SELECT source_id, sigma_base, alpha, beta, sigma_floor, updated_at_ns
		 FROM calibration_params ORDER BY source_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceParams
	for rows.Next() {
		var sp SourceParams
		if err := rows.Scan(&sp.SourceID, &sp.Params.SigmaBase, &sp.Params.Alpha,
			&sp.Params.Beta, &sp.Params.SigmaFloor, &sp.UpdatedAtNs); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SaveFit records one calibration run and, when the fit is installable,
// upserts the live parameters in the same transaction. Invalid fits
// leave the live parameters untouched but are still recorded for
// diagnosis. Returns the new run id.
func (s *Store) SaveFit(sourceID string, fit noise.FitResult) (string, error) {
	runID := uuid.NewString()
	now := s.clock.Now().UnixNano()

	tx, err := s.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO calibration_runs (
			run_id, source_id, fitted_at_ns, sample_count, iterations,
			fit_quality, outlier_rate, residual_mad, valid,
			sigma_base, alpha, beta, sigma_floor
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, sourceID, now, fit.Samples, fit.Iterations,
		fit.FitQuality, fit.OutlierRate, fit.ResidualMAD, fit.Valid,
		fit.Params.SigmaBase, fit.Params.Alpha, fit.Params.Beta, fit.Params.SigmaFloor)
	if err != nil {
		return "", fmt.Errorf("failed to record calibration run: %w", err)
	}

	if fit.Valid {
		_, err = tx.Exec(
			`INSERT INTO calibration_params (source_id, sigma_base, alpha, beta, sigma_floor, updated_at_ns)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source_id) DO UPDATE SET
				sigma_base = excluded.sigma_base,
				alpha = excluded.alpha,
				beta = excluded.beta,
				sigma_floor = excluded.sigma_floor,
				updated_at_ns = excluded.updated_at_ns`,
			sourceID, fit.Params.SigmaBase, fit.Params.Alpha, fit.Params.Beta,
			fit.Params.SigmaFloor, now)
		if err != nil {
			return "", fmt.Errorf("failed to upsert calibration params: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return runID, nil
}

// RecentRuns returns the latest recorded runs for a source, newest
// first. A non-positive limit defaults to 20.
func (s *Store) RecentRuns(sourceID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.Query(
		`SELECT run_id, source_id, fitted_at_ns, sample_count, iterations,
			fit_quality, outlier_rate, residual_mad, valid,
			sigma_base, alpha, beta, sigma_floor
		 FROM calibration_runs
		 WHERE source_id = ?
		 ORDER BY fitted_at_ns DESC
		 LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.SourceID, &r.FittedAtNs, &r.Samples,
			&r.Iterations, &r.FitQuality, &r.OutlierRate, &r.ResidualMAD, &r.Valid,
			&r.Params.SigmaBase, &r.Params.Alpha, &r.Params.Beta, &r.Params.SigmaFloor); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

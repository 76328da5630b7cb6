// Package storage provides SQLite-backed persistence for the run history.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/forkmeter/forkrisk/internal/models"
)

// Storage wraps a SQLite database holding one row per run.
type Storage struct {
	db      *sql.DB
	maxRuns int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/forkrisk/history.db.
func New(maxRuns int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "forkrisk", "history.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxRuns: maxRuns}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id               TEXT PRIMARY KEY,
			run_at           INTEGER NOT NULL,
			block_number     INTEGER NOT NULL DEFAULT 0,
			risk_level       TEXT NOT NULL,
			risk_percentage  REAL NOT NULL DEFAULT 0,
			largest_bond     REAL NOT NULL DEFAULT 0,
			active_disputes  INTEGER NOT NULL DEFAULT 0,
			last_risk_change INTEGER NOT NULL DEFAULT 0,
			sync_status      TEXT,
			error            TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS run_disputes (
			run_id           TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			ordinal          INTEGER NOT NULL,
			market_id        TEXT NOT NULL,
			bond_size        REAL NOT NULL,
			dispute_round    INTEGER NOT NULL,
			days_remaining   INTEGER NOT NULL,
			PRIMARY KEY (run_id, ordinal)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_run_at ON runs(run_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun stores a run and its top disputes, then trims the history to maxRuns.
func (s *Storage) RecordRun(run *models.RunRecord) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO runs
			(id, run_at, block_number, risk_level, risk_percentage, largest_bond,
			 active_disputes, last_risk_change, sync_status, error)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.RunAt.UnixNano(), int64(run.BlockNumber), string(run.RiskLevel),
		run.RiskPercentage, run.LargestBond, run.ActiveDisputes,
		unixNano(run.LastRiskChange), string(run.SyncStatus), run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for ordinal, d := range run.Disputes {
		if _, err := tx.Exec(`
			INSERT INTO run_disputes
				(run_id, ordinal, market_id, bond_size, dispute_round, days_remaining)
			VALUES (?,?,?,?,?,?)`,
			run.ID, ordinal, d.MarketID, d.DisputeBondSize, int64(d.DisputeRound), d.DaysRemaining,
		); err != nil {
			return fmt.Errorf("failed to insert run dispute: %w", err)
		}
	}

	if err := rotate(tx, s.maxRuns); err != nil {
		return err
	}
	return tx.Commit()
}

// LastRun returns the most recent run, or nil if the history is empty.
func (s *Storage) LastRun() (*models.RunRecord, error) {
	runs, err := s.RecentRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// LastSuccessfulRun returns the most recent run that published a risk level, or nil.
func (s *Storage) LastSuccessfulRun() (*models.RunRecord, error) {
	row := s.db.QueryRow(`SELECT `+runCols+` FROM runs WHERE risk_level != ? ORDER BY run_at DESC LIMIT 1`,
		string(models.RiskUnknown))
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last successful run: %w", err)
	}
	if r.Disputes, err = s.runDisputes(r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

// RecentRuns returns up to k runs, newest first, with their disputes.
func (s *Storage) RecentRuns(k int) ([]*models.RunRecord, error) {
	rows, err := s.db.Query(`SELECT `+runCols+` FROM runs ORDER BY run_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, r := range runs {
		if r.Disputes, err = s.runDisputes(r.ID); err != nil {
			return nil, err
		}
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	return runs, nil
}

func (s *Storage) runDisputes(runID string) ([]models.DisputeDetail, error) {
	rows, err := s.db.Query(`
		SELECT market_id, bond_size, dispute_round, days_remaining
		FROM run_disputes WHERE run_id = ? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run disputes: %w", err)
	}
	defer rows.Close()

	disputes := []models.DisputeDetail{}
	for rows.Next() {
		var d models.DisputeDetail
		var round int64
		if err := rows.Scan(&d.MarketID, &d.DisputeBondSize, &round, &d.DaysRemaining); err != nil {
			return nil, fmt.Errorf("failed to scan run dispute: %w", err)
		}
		d.DisputeRound = uint64(round)
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// rotate keeps at most maxRuns newest runs by run_at.
// Cascading deletes remove associated disputes.
func rotate(tx *sql.Tx, maxRuns int) error {
	if _, err := tx.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY run_at DESC LIMIT ?
		)`, maxRuns); err != nil {
		return fmt.Errorf("failed to rotate runs: %w", err)
	}
	return nil
}

const runCols = `id, run_at, block_number, risk_level, risk_percentage, largest_bond,
	active_disputes, last_risk_change, sync_status, error`

func scanRun(scan func(...any) error) (*models.RunRecord, error) {
	var r models.RunRecord
	var runAtNano, lastChangeNano, block int64
	var level string
	var status, errMsg sql.NullString
	err := scan(
		&r.ID, &runAtNano, &block, &level, &r.RiskPercentage, &r.LargestBond,
		&r.ActiveDisputes, &lastChangeNano, &status, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	r.RunAt = time.Unix(0, runAtNano)
	r.BlockNumber = uint64(block)
	r.RiskLevel = models.RiskLevel(level)
	if lastChangeNano != 0 {
		r.LastRiskChange = time.Unix(0, lastChangeNano)
	}
	r.SyncStatus = models.SyncStatus(status.String)
	r.Error = errMsg.String
	return &r, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// Package store persists controller runs and their hourly samples in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/signalsfoundry/acequia-simulator/control"
	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/model"
)

var (
	ErrNoRunID     = errors.New("store: context carries no run id")
	ErrRunNotFound = errors.New("store: run not found")
)

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	Scenario   string
	Policy     string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in progress
	Outcome    string
	Hours      int
	Solved     bool
}

// RegionSample is the state of one region at the start of an hour.
type RegionSample struct {
	Hour      int
	Region    string
	Level     float64
	Need      float64
	Capacity  float64
	Flooded   bool
	InDrought bool
}

// CanalSample is the decided state of one canal for an hour.
type CanalSample struct {
	Hour      int
	Canal     string
	Open      bool
	FlowRate  float64
	Rule      string
	ClaimedBy string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	scenario TEXT NOT NULL,
	policy TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	outcome TEXT NOT NULL DEFAULT '',
	hours INTEGER NOT NULL DEFAULT 0,
	solved INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS region_hours (
	run_id TEXT NOT NULL REFERENCES runs(id),
	hour INTEGER NOT NULL,
	region TEXT NOT NULL,
	level REAL NOT NULL,
	need REAL NOT NULL,
	capacity REAL NOT NULL,
	flooded INTEGER NOT NULL,
	in_drought INTEGER NOT NULL,
	PRIMARY KEY (run_id, hour, region)
);
CREATE TABLE IF NOT EXISTS canal_hours (
	run_id TEXT NOT NULL REFERENCES runs(id),
	hour INTEGER NOT NULL,
	canal TEXT NOT NULL,
	open INTEGER NOT NULL,
	flow_rate REAL NOT NULL,
	rule TEXT NOT NULL,
	claimed_by TEXT NOT NULL,
	PRIMARY KEY (run_id, hour, canal)
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`

// SQLiteHistory records runs in a SQLite database. It implements
// control.HourObserver; the run is taken from the context's run ID.
type SQLiteHistory struct {
	db   *sql.DB
	Path string
	log  logging.Logger
	now  func() time.Time
}

// NewSQLiteHistory opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteHistory(path string, log logging.Logger) (*SQLiteHistory, error) {
	if log == nil {
		log = logging.Noop()
	}
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers; SQLite would lock anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	log.Debug(context.Background(), "opened run history", logging.String("path", path))

	return &SQLiteHistory{
		db:   db,
		Path: path,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database connection.
func (h *SQLiteHistory) Close() error {
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// StartRun inserts a new run row.
func (h *SQLiteHistory) StartRun(ctx context.Context, runID, scenario, policy string) error {
	if runID == "" {
		return ErrNoRunID
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO runs(id, scenario, policy, started_at) VALUES(?, ?, ?, ?)`,
		runID, scenario, policy, h.now(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	return nil
}

const upsertRegionHour = `
	INSERT INTO region_hours(run_id, hour, region, level, need, capacity, flooded, in_drought)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, hour, region) DO UPDATE SET
	level=excluded.level,
	need=excluded.need,
	capacity=excluded.capacity,
	flooded=excluded.flooded,
	in_drought=excluded.in_drought`

// ObserveHour stores the region and canal samples of one hour in a single
// transaction. Re-recording an hour replaces it.
func (h *SQLiteHistory) ObserveHour(ctx context.Context, hour int, regions []model.Region, d control.Decision) error {
	runID := logging.RunIDFromContext(ctx)
	if runID == "" {
		return ErrNoRunID
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertRegions(ctx, tx, runID, hour, regions); err != nil {
		return err
	}

	canalStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO canal_hours(run_id, hour, canal, open, flow_rate, rule, claimed_by)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, hour, canal) DO UPDATE SET
		open=excluded.open,
		flow_rate=excluded.flow_rate,
		rule=excluded.rule,
		claimed_by=excluded.claimed_by
	`)
	if err != nil {
		return fmt.Errorf("prepare canal insert: %w", err)
	}
	defer canalStmt.Close()

	for _, c := range d.Canals {
		if _, err := canalStmt.ExecContext(ctx,
			runID, hour, c.ID, c.Open, c.FlowRate, string(c.Rule), c.ClaimedBy,
		); err != nil {
			return fmt.Errorf("insert canal %s hour %d: %w", c.ID, hour, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hour %d: %w", hour, err)
	}
	return nil
}

// ObserveRegions stores region samples for an hour without a decision.
// It records uncontrolled hours and the state left after the last hour.
func (h *SQLiteHistory) ObserveRegions(ctx context.Context, hour int, regions []model.Region) error {
	runID := logging.RunIDFromContext(ctx)
	if runID == "" {
		return ErrNoRunID
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertRegions(ctx, tx, runID, hour, regions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit regions hour %d: %w", hour, err)
	}
	return nil
}

func insertRegions(ctx context.Context, tx *sql.Tx, runID string, hour int, regions []model.Region) error {
	stmt, err := tx.PrepareContext(ctx, upsertRegionHour)
	if err != nil {
		return fmt.Errorf("prepare region insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range regions {
		if _, err := stmt.ExecContext(ctx,
			runID, hour, r.ID, r.WaterLevel, r.WaterNeed, r.WaterCapacity, r.Flooded, r.InDrought,
		); err != nil {
			return fmt.Errorf("insert region %s hour %d: %w", r.ID, hour, err)
		}
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (h *SQLiteHistory) FinishRun(ctx context.Context, runID string, out control.Outcome) error {
	res, err := h.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, outcome = ?, hours = ?, solved = ? WHERE id = ?`,
		h.now(), string(out.Reason), out.Hours, out.Solved, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	h.log.Info(ctx, "run recorded",
		logging.String("run_id", runID),
		logging.String("outcome", string(out.Reason)),
		logging.Int("hours", out.Hours),
	)
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (h *SQLiteHistory) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT id, scenario, policy, started_at, finished_at, outcome, hours, solved
		FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec      RunRecord
			finished sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Scenario, &rec.Policy, &rec.StartedAt, &finished,
			&rec.Outcome, &rec.Hours, &rec.Solved); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RegionSeries returns the hourly samples of one region in hour order.
func (h *SQLiteHistory) RegionSeries(ctx context.Context, runID, region string) ([]RegionSample, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT hour, region, level, need, capacity, flooded, in_drought
		FROM region_hours
		WHERE run_id = ? AND region = ?
		ORDER BY hour`, runID, region)
	if err != nil {
		return nil, fmt.Errorf("query region series: %w", err)
	}
	defer rows.Close()

	var out []RegionSample
	for rows.Next() {
		var s RegionSample
		if err := rows.Scan(&s.Hour, &s.Region, &s.Level, &s.Need, &s.Capacity, &s.Flooded, &s.InDrought); err != nil {
			return nil, fmt.Errorf("scan region sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CanalHour returns the decided canal states of one hour in canal order.
func (h *SQLiteHistory) CanalHour(ctx context.Context, runID string, hour int) ([]CanalSample, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT hour, canal, open, flow_rate, rule, claimed_by
		FROM canal_hours
		WHERE run_id = ? AND hour = ?
		ORDER BY rowid`, runID, hour)
	if err != nil {
		return nil, fmt.Errorf("query canal hour: %w", err)
	}
	defer rows.Close()

	var out []CanalSample
	for rows.Next() {
		var s CanalSample
		if err := rows.Scan(&s.Hour, &s.Canal, &s.Open, &s.FlowRate, &s.Rule, &s.ClaimedBy); err != nil {
			return nil, fmt.Errorf("scan canal sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Package store keeps a history of runs, their records and failures in
// a sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/CZERTAINLY/basinstats/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

type Run struct {
	ID      string
	Raster  string
	Session string
	Started time.Time
	Stopped time.Time
	Points  int
	Error   *string
}

type RunRow struct {
	Run
	Seq      int
	Records  int
	Failures int
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run: %q, raster: %q, started: %s, points: %d, records: %d, failures: %d",
		r.ID, r.Raster, r.Started.Format(time.RFC3339), r.Points, r.Records, r.Failures)
	if r.Error != nil {
		fmt.Fprintf(&sb, ", error: %q", *r.Error)
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			raster TEXT NOT NULL,
			session TEXT NOT NULL,
			started INTEGER NOT NULL,
			stopped INTEGER NOT NULL,
			points INTEGER NOT NULL,
			error TEXT DEFAULT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			uid TEXT NOT NULL,
			n REAL, null_cells REAL, cells REAL,
			min REAL, max REAL, range REAL,
			mean REAL, mean_of_abs REAL, stddev REAL, variance REAL, sum REAL,
			PRIMARY KEY (run_id, uid)
		)`,
		`CREATE TABLE IF NOT EXISTS failures (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			uid TEXT NOT NULL,
			phase TEXT NOT NULL,
			reason TEXT NOT NULL,
			PRIMARY KEY (run_id, uid)
		)`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing database: %w", err)
		}
	}
	return db, nil
}

// Save persists run together with records and failures of result in a
// single transaction. ErrExists is returned if the run was already saved.
func Save(ctx context.Context, db *sql.DB, run Run, result model.Result) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, run.ID)

	var seq int
	err = tx.QueryRowContext(ctx, `SELECT seq FROM runs WHERE id=?`, run.ID).Scan(&seq)
	switch {
	case err == nil:
		return fmt.Errorf("run %s: %w", run.ID, ErrExists)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, raster, session, started, stopped, points, error) VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.Raster, run.Session, run.Started.UnixNano(), run.Stopped.UnixNano(), run.Points, run.Error,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}

	for pos, r := range result.Records {
		args := []any{run.ID, pos, r.UID}
		for _, v := range r.Values() {
			args = append(args, nullFloat(v))
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (run_id, position, uid, n, null_cells, cells, min, max, range, mean, mean_of_abs, stddev, variance, sum)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...,
		)
		if err != nil {
			return fmt.Errorf("inserting record %s failed: %w", r.UID, err)
		}
	}

	for pos, f := range result.Failures {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO failures (run_id, position, uid, phase, reason) VALUES (?,?,?,?,?)`,
			run.ID, pos, f.UID, string(f.Phase), f.Reason,
		)
		if err != nil {
			return fmt.Errorf("inserting failure %s failed: %w", f.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const runQuery = `SELECT r.seq, r.id, r.raster, r.session, r.started, r.stopped, r.points, r.error,
	(SELECT COUNT(*) FROM records WHERE run_id = r.id),
	(SELECT COUNT(*) FROM failures WHERE run_id = r.id)
	FROM runs r`

// Get returns the run identified by id, ErrNotFound if it does not exist
func Get(ctx context.Context, db *sql.DB, id string) (RunRow, error) {
	return scanRun(db.QueryRowContext(ctx, runQuery+` WHERE r.id=?`, id), id)
}

// Latest returns the most recently saved run
func Latest(ctx context.Context, db *sql.DB) (RunRow, error) {
	return scanRun(db.QueryRowContext(ctx, runQuery+` ORDER BY r.seq DESC LIMIT 1`), "latest")
}

// List returns all saved runs, the most recent first
func List(ctx context.Context, db *sql.DB) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx, runQuery+` ORDER BY r.seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []RunRow
	for rows.Next() {
		r, err := scanRun(rows, "")
		if err != nil {
			return nil, err
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner, id string) (RunRow, error) {
	var r RunRow
	var started, stopped int64
	err := row.Scan(&r.Seq, &r.ID, &r.Raster, &r.Session, &started, &stopped,
		&r.Points, &r.Error, &r.Records, &r.Failures)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	r.Started = time.Unix(0, started).UTC()
	r.Stopped = time.Unix(0, stopped).UTC()
	return r, nil
}

// Records returns records of run id in the order of its input table
func Records(ctx context.Context, db *sql.DB, id string) ([]model.StatRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT uid, n, null_cells, cells, min, max, range, mean, mean_of_abs, stddev, variance, sum
		FROM records WHERE run_id=? ORDER BY position`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []model.StatRecord
	for rows.Next() {
		var uid string
		values := make([]sql.NullFloat64, 11)
		dest := []any{&uid}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		// NULL columns stay NaN
		r := model.EmptyStatRecord(uid)
		fields := []*float64{
			&r.N, &r.NullCells, &r.Cells, &r.Min, &r.Max, &r.Range,
			&r.Mean, &r.MeanOfAbs, &r.StdDev, &r.Variance, &r.Sum,
		}
		for i, v := range values {
			if v.Valid {
				*fields[i] = v.Float64
			}
		}
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

// Failures returns failures of run id in the order of its input table
func Failures(ctx context.Context, db *sql.DB, id string) ([]model.Failure, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT uid, phase, reason FROM failures WHERE run_id=? ORDER BY position`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []model.Failure
	for rows.Next() {
		var f model.Failure
		var phase string
		if err := rows.Scan(&f.UID, &phase, &f.Reason); err != nil {
			return nil, fmt.Errorf("scanning failure: %w", err)
		}
		if f.Phase, err = model.ParsePhase(phase); err != nil {
			return nil, err
		}
		ret = append(ret, f)
	}
	return ret, rows.Err()
}

// FailedUIDs returns the set of pour points which failed in run id
func FailedUIDs(ctx context.Context, db *sql.DB, id string) (map[string]struct{}, error) {
	if _, err := Get(ctx, db, id); err != nil {
		return nil, err
	}
	failures, err := Failures(ctx, db, id)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]struct{}, len(failures))
	for _, f := range failures {
		ret[f.UID] = struct{}{}
	}
	return ret, nil
}

// Delete removes run id with its records and failures
func Delete(ctx context.Context, db *sql.DB, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, id)

	for _, table := range []string{"records", "failures"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id=?`, id); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rollback failed", slog.String("run_id", id), slog.String("error", err.Error()))
	}
}

func nullFloat(f float64) sql.NullFloat64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"model-runner/internal/model"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var db *sql.DB

// ErrNotFound is returned when a run ID is unknown
var ErrNotFound = errors.New("run not found")

// RunRecord is one row of the runs table
type RunRecord struct {
	ID                string     `json:"id"`
	Level             string     `json:"level"`
	Region            string     `json:"region,omitempty"`
	Country           string     `json:"country"`
	Output            string     `json:"output"`
	State             string     `json:"state"`
	Coverage          string     `json:"coverage,omitempty"`
	Revision          string     `json:"revision,omitempty"`
	ManifestPath      string     `json:"manifest_path,omitempty"`
	ArtifactsProduced bool       `json:"artifacts_produced"`
	ErrorKind         string     `json:"error_kind,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	PublishError      string     `json:"publish_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Initialize DB connection
func InitDB(dbPath string) error {
	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return err
	}
	// a single writer keeps sqlite from returning SQLITE_BUSY under the API
	conn.SetMaxOpenConns(1)

	// Create tables if not exists
	runTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		region TEXT,
		country TEXT,
		output_dir TEXT NOT NULL,
		state TEXT NOT NULL,
		coverage TEXT,
		revision TEXT,
		manifest_path TEXT,
		artifacts_produced INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT,
		error_message TEXT,
		publish_error TEXT,
		created_at DATETIME,
		updated_at DATETIME,
		finished_at DATETIME
	);
	`
	eventTable := `
	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		state TEXT,
		kind TEXT,
		message TEXT,
		fields TEXT,
		created_at DATETIME
	);
	`
	errorTable := `
	CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		kind TEXT,
		error_message TEXT,
		created_at DATETIME
	);
	`

	for _, stmt := range []string{runTable, eventTable, errorTable} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return err
		}
	}

	if db != nil {
		db.Close()
	}
	db = conn
	return nil
}

// Close releases the connection opened by InitDB
func Close() error {
	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}

// Enabled reports whether InitDB has been called
func Enabled() bool {
	return db != nil
}

func conn() (*sql.DB, error) {
	if db == nil {
		return nil, errors.New("store: database not initialized")
	}
	return db, nil
}

// SaveRun stores a new run in the pending (idle) state
func SaveRun(runID string, req model.RunRequest) error {
	d, err := conn()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = d.Exec(`INSERT INTO runs (id, level, region, country, output_dir, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, string(req.Level), string(req.Region), req.Country, req.Output, string(model.StateIdle), now, now)
	return err
}

// UpdateRunState updates a run's current state
func UpdateRunState(runID string, state model.RunState) error {
	d, err := conn()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = d.Exec(`UPDATE runs SET state = ?, updated_at = ? WHERE id = ?`, string(state), now, runID)
	return err
}

// SaveRunEvent appends an event to a run's history
func SaveRunEvent(ev model.RunEvent) error {
	d, err := conn()
	if err != nil {
		return err
	}
	var fields []byte
	if len(ev.Fields) > 0 {
		if fields, err = json.Marshal(ev.Fields); err != nil {
			return err
		}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = d.Exec(`INSERT INTO run_events (run_id, state, kind, message, fields, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, string(ev.State), ev.Kind, ev.Message, string(fields), at.UTC())
	return err
}

// SaveRunError records an error for a run
func SaveRunError(runID, kind string, err error) error {
	if err == nil {
		return nil
	}
	d, e := conn()
	if e != nil {
		return e
	}
	now := time.Now().UTC()
	_, e = d.Exec(`INSERT INTO run_errors (run_id, kind, error_message, created_at) VALUES (?, ?, ?, ?)`,
		runID, kind, err.Error(), now)
	return e
}

// FinishRun writes the terminal result of a run
func FinishRun(result model.RunResult) error {
	d, err := conn()
	if err != nil {
		return err
	}
	finished := result.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	now := time.Now().UTC()
	res, err := d.Exec(`UPDATE runs SET state = ?, coverage = ?, revision = ?, manifest_path = ?, artifacts_produced = ?,
		error_kind = ?, error_message = ?, publish_error = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
		string(result.State), string(result.Coverage), result.Revision.ID, result.ManifestPath, result.ArtifactsProduced,
		result.ErrorKind, result.Error, result.PublishError, now, finished.UTC(), result.RunID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, result.RunID)
	}
	return nil
}

const runColumns = `id, level, region, country, output_dir, state, coverage, revision, manifest_path,
	artifacts_produced, error_kind, error_message, publish_error, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	var region, country, coverage, revision, manifest, errKind, errMsg, pubErr sql.NullString
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Level, &region, &country, &r.Output, &r.State, &coverage, &revision, &manifest,
		&r.ArtifactsProduced, &errKind, &errMsg, &pubErr, &r.CreatedAt, &r.UpdatedAt, &finished); err != nil {
		return RunRecord{}, err
	}
	r.Region = region.String
	r.Country = country.String
	r.Coverage = coverage.String
	r.Revision = revision.String
	r.ManifestPath = manifest.String
	r.ErrorKind = errKind.String
	r.ErrorMessage = errMsg.String
	r.PublishError = pubErr.String
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// ListRuns returns all runs, newest first
func ListRuns() ([]RunRecord, error) {
	d, err := conn()
	if err != nil {
		return nil, err
	}
	rows, err := d.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches a single run
func GetRun(runID string) (RunRecord, error) {
	d, err := conn()
	if err != nil {
		return RunRecord{}, err
	}
	r, err := scanRun(d.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return r, err
}

// GetRunEvents returns a run's events in the order they were recorded
func GetRunEvents(runID string) ([]model.RunEvent, error) {
	d, err := conn()
	if err != nil {
		return nil, err
	}
	rows, err := d.Query(`SELECT run_id, state, kind, message, fields, created_at FROM run_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.RunEvent{}
	for rows.Next() {
		var ev model.RunEvent
		var state string
		var fields sql.NullString
		if err := rows.Scan(&ev.RunID, &state, &ev.Kind, &ev.Message, &fields, &ev.At); err != nil {
			return nil, err
		}
		ev.State = model.RunState(state)
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &ev.Fields); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RunErrorRecord is one row of run_errors
type RunErrorRecord struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// GetRunErrors returns the errors recorded for a run
func GetRunErrors(runID string) ([]RunErrorRecord, error) {
	d, err := conn()
	if err != nil {
		return nil, err
	}
	rows, err := d.Query(`SELECT kind, error_message, created_at FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	errs := []RunErrorRecord{}
	for rows.Next() {
		var e RunErrorRecord
		if err := rows.Scan(&e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

package tracking

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

// SQLiteTracker stores runs in a local SQLite database file.
type SQLiteTracker struct {
	db       *sql.DB
	filePath string

	mu    sync.Mutex
	runID string
}

var _ Tracker = (*SQLiteTracker)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS params (
	run_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);
CREATE TABLE IF NOT EXISTS metrics (
	run_id TEXT NOT NULL,
	key TEXT NOT NULL,
	step INTEGER NOT NULL,
	value REAL NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS metrics_run_key ON metrics (run_id, key, step);
CREATE TABLE IF NOT EXISTS summary (
	run_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (run_id, key)
);
`

// NewSQLiteTracker opens (or creates) the SQLite database in filePath. A "~" prefix is expanded to the
// user's home directory.
func NewSQLiteTracker(filePath string) (*SQLiteTracker, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for tracking database %q", filePath)
	}
	db, err := sql.Open("sqlite", filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tracking database %q", filePath)
	}
	// SQLite allows only one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to create tables in tracking database %q", filePath)
	}
	return &SQLiteTracker{db: db, filePath: filePath}, nil
}

// OpenSQLiteTracker opens an existing SQLite database in filePath. Unlike NewSQLiteTracker it never creates
// one, so a mistyped path is reported as an error.
func OpenSQLiteTracker(filePath string) (*SQLiteTracker, error) {
	expanded, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "tracking database %q not found", expanded)
	}
	if info.IsDir() {
		return nil, errors.Errorf("tracking database %q is a directory", expanded)
	}
	return NewSQLiteTracker(expanded)
}

// FilePath of the database.
func (s *SQLiteTracker) FilePath() string { return s.filePath }

// RunID of the current run, or empty if no run was started.
func (s *SQLiteTracker) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *SQLiteTracker) currentRun() (string, error) {
	runID := s.RunID()
	if runID == "" {
		return "", errors.New("no run started in SQLite tracker")
	}
	return runID, nil
}

func (s *SQLiteTracker) StartRun(runID, name string, params map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.Exec("INSERT INTO runs (id, name, status, start_time) VALUES (?, ?, ?, ?)",
		runID, name, string(Running), time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "failed to insert run %q", runID)
	}
	for key, value := range ParamsToStrings(params) {
		_, err = tx.Exec("INSERT OR REPLACE INTO params (run_id, key, value) VALUES (?, ?, ?)", runID, key, value)
		if err != nil {
			return errors.Wrapf(err, "failed to insert param %q of run %q", key, runID)
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit run %q", runID)
	}
	s.mu.Lock()
	s.runID = runID
	s.mu.Unlock()
	return nil
}

func (s *SQLiteTracker) LogMetrics(step int64, values map[string]float64) error {
	runID, err := s.currentRun()
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UnixMilli()
	for key, value := range values {
		_, err = tx.Exec("INSERT INTO metrics (run_id, key, step, value, timestamp) VALUES (?, ?, ?, ?, ?)",
			runID, key, step, value, now)
		if err != nil {
			return errors.Wrapf(err, "failed to insert metric %q of run %q", key, runID)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit metrics")
}

func (s *SQLiteTracker) SetSummary(values map[string]float64) error {
	runID, err := s.currentRun()
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer func() { _ = tx.Rollback() }()
	for key, value := range values {
		_, err = tx.Exec("INSERT OR REPLACE INTO summary (run_id, key, value) VALUES (?, ?, ?)", runID, key, value)
		if err != nil {
			return errors.Wrapf(err, "failed to insert summary %q of run %q", key, runID)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit summary")
}

func (s *SQLiteTracker) Finish(status Status) error {
	runID, err := s.currentRun()
	if err != nil {
		return err
	}
	_, err = s.db.Exec("UPDATE runs SET status = ?, end_time = ? WHERE id = ?", string(status), time.Now().UnixMilli(), runID)
	return errors.Wrapf(err, "failed to update status of run %q", runID)
}

func (s *SQLiteTracker) Close() error {
	return s.db.Close()
}

// ListRuns returns all runs, the most recent first.
func (s *SQLiteTracker) ListRuns() ([]Run, error) {
	rows, err := s.db.Query("SELECT id, name, status, start_time, end_time FROM runs ORDER BY start_time DESC, id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer func() { _ = rows.Close() }()
	var runs []Run
	for rows.Next() {
		var run Run
		var status string
		var start, end int64
		if err := rows.Scan(&run.ID, &run.Name, &status, &start, &end); err != nil {
			return nil, errors.Wrap(err, "failed to read run")
		}
		run.Status = Status(status)
		run.StartTime = time.UnixMilli(start)
		if end > 0 {
			run.EndTime = time.UnixMilli(end)
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "failed to list runs")
}

func (s *SQLiteTracker) queryKeyValues(query, runID string) (map[string]string, error) {
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query run %q", runID)
	}
	defer func() { _ = rows.Close() }()
	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.Wrapf(err, "failed to read run %q", runID)
		}
		values[key] = value
	}
	return values, errors.Wrapf(rows.Err(), "failed to query run %q", runID)
}

// Params returns the parameters of the run.
func (s *SQLiteTracker) Params(runID string) (map[string]string, error) {
	return s.queryKeyValues("SELECT key, value FROM params WHERE run_id = ?", runID)
}

// Summary returns the summary values of the run.
func (s *SQLiteTracker) Summary(runID string) (map[string]float64, error) {
	rows, err := s.db.Query("SELECT key, value FROM summary WHERE run_id = ?", runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query summary of run %q", runID)
	}
	defer func() { _ = rows.Close() }()
	values := make(map[string]float64)
	for rows.Next() {
		var key string
		var value float64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.Wrapf(err, "failed to read summary of run %q", runID)
		}
		values[key] = value
	}
	return values, errors.Wrapf(rows.Err(), "failed to query summary of run %q", runID)
}

// MetricKeys returns the sorted names of the metrics logged for the run.
func (s *SQLiteTracker) MetricKeys(runID string) ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT key FROM metrics WHERE run_id = ? ORDER BY key", runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query metrics of run %q", runID)
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrapf(err, "failed to read metrics of run %q", runID)
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrapf(rows.Err(), "failed to query metrics of run %q", runID)
}

// Metrics returns the history of the metric key of the run, ordered by step.
func (s *SQLiteTracker) Metrics(runID, key string) ([]MetricPoint, error) {
	rows, err := s.db.Query("SELECT step, value, timestamp FROM metrics WHERE run_id = ? AND key = ? ORDER BY step, timestamp",
		runID, key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query metric %q of run %q", key, runID)
	}
	defer func() { _ = rows.Close() }()
	var points []MetricPoint
	for rows.Next() {
		var pt MetricPoint
		var timestamp int64
		if err := rows.Scan(&pt.Step, &pt.Value, &timestamp); err != nil {
			return nil, errors.Wrapf(err, "failed to read metric %q of run %q", key, runID)
		}
		pt.Timestamp = time.UnixMilli(timestamp)
		points = append(points, pt)
	}
	return points, errors.Wrapf(rows.Err(), "failed to query metric %q of run %q", key, runID)
}

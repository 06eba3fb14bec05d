package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs, alignment runs and the
// transforms they produced.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure-Go driver.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open opens the database with the named driver: "sqlite" (modernc) or
// "sqlite3" (mattn, cgo).
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; workers share the connection.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS alignment_runs (
            run_id TEXT PRIMARY KEY,
            job_id TEXT,
            operation TEXT NOT NULL,
            state TEXT NOT NULL,
            tiles INTEGER,
            edges INTEGER,
            iterations INTEGER,
            mean_error REAL,
            max_error REAL,
            report_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS tile_transforms (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            layer_id TEXT,
            patch_id TEXT NOT NULL,
            affine_json TEXT NOT NULL,
            visible BOOLEAN DEFAULT TRUE,
            removed BOOLEAN DEFAULT FALSE,
            transforms INTEGER DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tile_transforms_run_id ON tile_transforms(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_alignment_runs_job_id ON alignment_runs(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunRecord summarises one engine run.
type RunRecord struct {
	RunID      string
	JobID      string
	Operation  string
	State      string
	Tiles      int
	Edges      int
	Iterations int
	MeanError  float64
	MaxError   float64
	Report     map[string]any
	CreatedAt  time.Time
}

// TransformRecord is the placement a run left on one patch.
type TransformRecord struct {
	LayerID    string
	PatchID    string
	Affine     [6]float64
	Visible    bool
	Removed    bool
	Transforms int
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordRun stores a run summary, replacing an earlier record with the same id.
func (s *Store) RecordRun(rec RunRecord) error {
	if s == nil {
		return nil
	}
	reportJSON, err := json.Marshal(rec.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO alignment_runs (run_id, job_id, operation, state, tiles, edges, iterations, mean_error, max_error, report_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.JobID, rec.Operation, rec.State, rec.Tiles, rec.Edges, rec.Iterations, rec.MeanError, rec.MaxError, string(reportJSON))
	return err
}

// Run fetches a run summary by id.
func (s *Store) Run(runID string) (*RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var rec RunRecord
	var jobID sql.NullString
	var reportJSON string
	err := s.DB.QueryRow(`SELECT run_id, job_id, operation, state, tiles, edges, iterations, mean_error, max_error, report_json, created_at FROM alignment_runs WHERE run_id=?;`, runID).
		Scan(&rec.RunID, &jobID, &rec.Operation, &rec.State, &rec.Tiles, &rec.Edges, &rec.Iterations, &rec.MeanError, &rec.MaxError, &reportJSON, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.JobID = jobID.String
	if err := json.Unmarshal([]byte(reportJSON), &rec.Report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &rec, nil
}

// RunForJob returns the id of the latest run recorded for a job.
func (s *Store) RunForJob(jobID string) (string, error) {
	if s == nil {
		return "", errors.New("store not initialized")
	}
	var runID string
	err := s.DB.QueryRow(`SELECT run_id FROM alignment_runs WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, jobID).Scan(&runID)
	return runID, err
}

// RecordTransforms replaces the transforms stored for runID.
func (s *Store) RecordTransforms(runID string, recs []TransformRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tile_transforms WHERE run_id=?;`, runID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO tile_transforms (run_id, layer_id, patch_id, affine_json, visible, removed, transforms) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, rec := range recs {
		affineJSON, err := json.Marshal(rec.Affine)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(runID, rec.LayerID, rec.PatchID, string(affineJSON), rec.Visible, rec.Removed, rec.Transforms); err != nil {
			return fmt.Errorf("insert transform for %s: %w", rec.PatchID, err)
		}
	}
	return tx.Commit()
}

// Transforms lists the transforms of a run in insertion order.
func (s *Store) Transforms(runID string) ([]TransformRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT layer_id, patch_id, affine_json, visible, removed, transforms FROM tile_transforms WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TransformRecord
	for rows.Next() {
		var rec TransformRecord
		var layerID sql.NullString
		var affineJSON string
		if err := rows.Scan(&layerID, &rec.PatchID, &affineJSON, &rec.Visible, &rec.Removed, &rec.Transforms); err != nil {
			return nil, err
		}
		rec.LayerID = layerID.String
		if err := json.Unmarshal([]byte(affineJSON), &rec.Affine); err != nil {
			return nil, fmt.Errorf("unmarshal affine: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

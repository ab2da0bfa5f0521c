package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/sfxflow/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode so the MCP server can read while a batch writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens (or creates) the ledger at dbPath and applies
// pending migrations
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// NewBatchID returns a fresh batch identifier
func NewBatchID() string {
	return uuid.NewString()
}

// Batch operations

func (s *SQLiteStorage) createBatchWithQuerier(ctx context.Context, q querier, batch *Batch) error {
	if batch.ID == "" {
		batch.ID = NewBatchID()
	} else if _, err := uuid.Parse(batch.ID); err != nil {
		return fmt.Errorf("invalid batch id %q: %w", batch.ID, err)
	}
	now := time.Now()
	_, err := q.ExecContext(ctx,
		`INSERT INTO batches (id, kind, config_path, created_at) VALUES (?, ?, ?, ?)`,
		batch.ID, batch.Kind, batch.ConfigPath, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("batch %s: %w", batch.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	batch.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateBatch(ctx context.Context, batch *Batch) error {
	return s.createBatchWithQuerier(ctx, s.querier(), batch)
}

func (s *SQLiteStorage) getBatchWithQuerier(ctx context.Context, q querier, id string) (*Batch, error) {
	var b Batch
	var configPath sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT id, kind, config_path, created_at FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Kind, &configPath, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.ConfigPath = configPath.String
	return &b, nil
}

func (s *SQLiteStorage) GetBatch(ctx context.Context, id string) (*Batch, error) {
	return s.getBatchWithQuerier(ctx, s.querier(), id)
}

// Run operations

func (s *SQLiteStorage) createRunWithQuerier(ctx context.Context, q querier, run *Run) error {
	query := `
		INSERT INTO runs (batch_id, run_number, state, work_dir, optimum_clen, r2,
		                  final_geometry, error, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	if run.State == "" {
		run.State = types.StatePreparing
	}
	result, err := q.ExecContext(ctx, query,
		run.BatchID, run.RunNumber, string(run.State), run.WorkDir,
		nullablePtr(run.OptimumClen), nullablePtr(run.R2),
		run.FinalGeometry, run.Error, now, now, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	run.StartedAt = now
	run.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	return s.createRunWithQuerier(ctx, s.querier(), run)
}

func (s *SQLiteStorage) updateRunWithQuerier(ctx context.Context, q querier, run *Run) error {
	query := `
		UPDATE runs
		SET state = ?, optimum_clen = ?, r2 = ?, final_geometry = ?, error = ?,
		    updated_at = ?, finished_at = ?
		WHERE id = ?
	`
	now := time.Now()
	if run.State.Terminal() && run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	result, err := q.ExecContext(ctx, query,
		string(run.State), nullablePtr(run.OptimumClen), nullablePtr(run.R2),
		run.FinalGeometry, run.Error, now, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %d: %w", run.ID, ErrNotFound)
	}
	run.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpdateRun(ctx context.Context, run *Run) error {
	return s.updateRunWithQuerier(ctx, s.querier(), run)
}

const runColumns = `id, batch_id, run_number, state, work_dir, optimum_clen, r2,
		       final_geometry, error, started_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var state string
	var optimum, r2 sql.NullFloat64
	var finalGeometry, errText sql.NullString
	var finishedAt sql.NullTime
	err := row.Scan(&run.ID, &run.BatchID, &run.RunNumber, &state, &run.WorkDir,
		&optimum, &r2, &finalGeometry, &errText,
		&run.StartedAt, &run.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.State = types.RunState(state)
	if optimum.Valid {
		run.OptimumClen = &optimum.Float64
	}
	if r2.Valid {
		run.R2 = &r2.Float64
	}
	run.FinalGeometry = finalGeometry.String
	run.Error = errText.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return &run, nil
}

func (s *SQLiteStorage) getRunWithQuerier(ctx context.Context, q querier, id int64) (*Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *SQLiteStorage) GetRun(ctx context.Context, id int64) (*Run, error) {
	return s.getRunWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) getLatestRunWithQuerier(ctx context.Context, q querier, runNumber int) (*Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_number = ? ORDER BY id DESC LIMIT 1`, runNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *SQLiteStorage) GetLatestRun(ctx context.Context, runNumber int) (*Run, error) {
	return s.getLatestRunWithQuerier(ctx, s.querier(), runNumber)
}

func (s *SQLiteStorage) listRunsWithQuerier(ctx context.Context, q querier, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.RunNumber != 0 {
		where = append(where, "run_number = ?")
		args = append(args, filter.RunNumber)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	runs := make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStorage) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	return s.listRunsWithQuerier(ctx, s.querier(), filter)
}

// Candidate operations

func (s *SQLiteStorage) upsertCandidateWithQuerier(ctx context.Context, q querier, c *Candidate) error {
	query := `
		INSERT INTO candidates (run_id, clen, clen_key, geometry_path, stream_path, job_id, job_state,
		                        analyzed, indexed, std_a, std_b, std_c, std_alpha, std_beta, std_gamma,
		                        skew_a, skew_b, skew_c, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, clen_key) DO UPDATE SET
			geometry_path = excluded.geometry_path,
			stream_path = excluded.stream_path,
			job_id = excluded.job_id,
			job_state = excluded.job_state,
			analyzed = excluded.analyzed,
			indexed = excluded.indexed,
			std_a = excluded.std_a,
			std_b = excluded.std_b,
			std_c = excluded.std_c,
			std_alpha = excluded.std_alpha,
			std_beta = excluded.std_beta,
			std_gamma = excluded.std_gamma,
			skew_a = excluded.skew_a,
			skew_b = excluded.skew_b,
			skew_c = excluded.skew_c,
			updated_at = excluded.updated_at
		RETURNING id
	`
	now := time.Now()
	st := c.Stats
	err := q.QueryRowContext(ctx, query,
		c.RunID, c.Clen, types.ClenKey(c.Clen), c.GeometryPath, c.StreamPath,
		int64(c.JobID), string(c.JobState), c.Analyzed, st.Indexed,
		nullFloat(st.StdA), nullFloat(st.StdB), nullFloat(st.StdC),
		nullFloat(st.StdAlpha), nullFloat(st.StdBeta), nullFloat(st.StdGamma),
		nullFloat(st.SkewA), nullFloat(st.SkewB), nullFloat(st.SkewC), now).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert candidate: %w", err)
	}
	c.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpsertCandidate(ctx context.Context, c *Candidate) error {
	return s.upsertCandidateWithQuerier(ctx, s.querier(), c)
}

func (s *SQLiteStorage) listCandidatesWithQuerier(ctx context.Context, q querier, runID int64) ([]*Candidate, error) {
	query := `
		SELECT id, run_id, clen, geometry_path, stream_path, job_id, job_state, analyzed, indexed,
		       std_a, std_b, std_c, std_alpha, std_beta, std_gamma, skew_a, skew_b, skew_c, updated_at
		FROM candidates
		WHERE run_id = ?
		ORDER BY clen
	`
	rows, err := q.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]*Candidate, 0)
	for rows.Next() {
		var c Candidate
		var jobID sql.NullInt64
		var jobState sql.NullString
		var stats [9]sql.NullFloat64
		err := rows.Scan(&c.ID, &c.RunID, &c.Clen, &c.GeometryPath, &c.StreamPath,
			&jobID, &jobState, &c.Analyzed, &c.Stats.Indexed,
			&stats[0], &stats[1], &stats[2], &stats[3], &stats[4], &stats[5],
			&stats[6], &stats[7], &stats[8], &c.UpdatedAt)
		if err != nil {
			return nil, err
		}
		c.JobID = types.JobID(jobID.Int64)
		c.JobState = types.JobState(jobState.String)
		c.Stats.Clen = c.Clen
		c.Stats.StdA = floatOrNaN(stats[0])
		c.Stats.StdB = floatOrNaN(stats[1])
		c.Stats.StdC = floatOrNaN(stats[2])
		c.Stats.StdAlpha = floatOrNaN(stats[3])
		c.Stats.StdBeta = floatOrNaN(stats[4])
		c.Stats.StdGamma = floatOrNaN(stats[5])
		c.Stats.SkewA = floatOrNaN(stats[6])
		c.Stats.SkewB = floatOrNaN(stats[7])
		c.Stats.SkewC = floatOrNaN(stats[8])
		candidates = append(candidates, &c)
	}
	return candidates, rows.Err()
}

func (s *SQLiteStorage) ListCandidates(ctx context.Context, runID int64) ([]*Candidate, error) {
	return s.listCandidatesWithQuerier(ctx, s.querier(), runID)
}

// Job operations

func (s *SQLiteStorage) recordJobWithQuerier(ctx context.Context, q querier, job *Job) error {
	query := `
		INSERT INTO jobs (batch_id, kind, run_number, label, scheduler_id, state, script, output, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	if job.State == "" {
		job.State = types.JobActive
	}
	result, err := q.ExecContext(ctx, query,
		job.BatchID, job.Kind, job.RunNumber, job.Label, int64(job.SchedulerID),
		string(job.State), job.Script, job.Output, now)
	if err != nil {
		return fmt.Errorf("failed to record job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	job.ID = id
	job.SubmittedAt = now
	return nil
}

func (s *SQLiteStorage) RecordJob(ctx context.Context, job *Job) error {
	return s.recordJobWithQuerier(ctx, s.querier(), job)
}

func (s *SQLiteStorage) updateJobStateWithQuerier(ctx context.Context, q querier, schedulerID int64, state types.JobState) error {
	_, err := q.ExecContext(ctx, `UPDATE jobs SET state = ? WHERE scheduler_id = ?`, string(state), schedulerID)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", schedulerID, err)
	}
	_, err = q.ExecContext(ctx, `UPDATE candidates SET job_state = ?, updated_at = ? WHERE job_id = ?`,
		string(state), time.Now(), schedulerID)
	if err != nil {
		return fmt.Errorf("failed to update candidate job %d: %w", schedulerID, err)
	}
	return nil
}

// UpdateJobState records a scheduler state for every job and candidate
// carrying the scheduler id
func (s *SQLiteStorage) UpdateJobState(ctx context.Context, schedulerID int64, state types.JobState) error {
	return s.updateJobStateWithQuerier(ctx, s.querier(), schedulerID, state)
}

func (s *SQLiteStorage) listJobsWithQuerier(ctx context.Context, q querier, batchID string) ([]*Job, error) {
	query := `
		SELECT id, batch_id, kind, run_number, label, scheduler_id, state, script, output, submitted_at
		FROM jobs
	`
	var args []any
	if batchID != "" {
		query += " WHERE batch_id = ?"
		args = append(args, batchID)
	}
	query += " ORDER BY id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*Job, 0)
	for rows.Next() {
		var j Job
		var label, script, output sql.NullString
		var state string
		var schedulerID int64
		if err := rows.Scan(&j.ID, &j.BatchID, &j.Kind, &j.RunNumber, &label, &schedulerID,
			&state, &script, &output, &j.SubmittedAt); err != nil {
			return nil, err
		}
		j.Label = label.String
		j.SchedulerID = types.JobID(schedulerID)
		j.State = types.JobState(state)
		j.Script = script.String
		j.Output = output.String
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStorage) ListJobs(ctx context.Context, batchID string) ([]*Job, error) {
	return s.listJobsWithQuerier(ctx, s.querier(), batchID)
}

// Status operations

func (s *SQLiteStorage) getSummaryWithQuerier(ctx context.Context, q querier) (*Summary, error) {
	summary := &Summary{
		RunsByState: make(map[types.RunState]int),
		BuildMode:   BuildMode,
	}

	for _, c := range []struct {
		table string
		dest  *int
	}{
		{"batches", &summary.Batches},
		{"runs", &summary.Runs},
		{"candidates", &summary.Candidates},
		{"jobs", &summary.Jobs},
	} {
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}

	// rows must be closed before the next query: the pool holds one connection
	if err := countRunsByState(ctx, q, summary.RunsByState); err != nil {
		return nil, err
	}

	var last sql.NullTime
	if err := q.QueryRowContext(ctx, "SELECT updated_at FROM runs ORDER BY updated_at DESC LIMIT 1").Scan(&last); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if last.Valid {
		summary.LastUpdate = last.Time
	}

	var pageCount, pageSize int
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		summary.SizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	return summary, nil
}

func (s *SQLiteStorage) GetSummary(ctx context.Context) (*Summary, error) {
	return s.getSummaryWithQuerier(ctx, s.querier())
}

func countRunsByState(ctx context.Context, q querier, dest map[types.RunState]int) error {
	rows, err := q.QueryContext(ctx, "SELECT state, COUNT(*) FROM runs GROUP BY state")
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return err
		}
		dest[types.RunState(state)] = n
	}
	return rows.Err()
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullablePtr(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return nullFloat(*v)
}

func floatOrNaN(n sql.NullFloat64) float64 {
	if !n.Valid {
		return math.NaN()
	}
	return n.Float64
}

// Transaction implementations

func (t *sqliteTx) CreateBatch(ctx context.Context, batch *Batch) error {
	return t.storage.createBatchWithQuerier(ctx, t.querier(), batch)
}

func (t *sqliteTx) GetBatch(ctx context.Context, id string) (*Batch, error) {
	return t.storage.getBatchWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) CreateRun(ctx context.Context, run *Run) error {
	return t.storage.createRunWithQuerier(ctx, t.querier(), run)
}

func (t *sqliteTx) UpdateRun(ctx context.Context, run *Run) error {
	return t.storage.updateRunWithQuerier(ctx, t.querier(), run)
}

func (t *sqliteTx) GetRun(ctx context.Context, id int64) (*Run, error) {
	return t.storage.getRunWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) GetLatestRun(ctx context.Context, runNumber int) (*Run, error) {
	return t.storage.getLatestRunWithQuerier(ctx, t.querier(), runNumber)
}

func (t *sqliteTx) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	return t.storage.listRunsWithQuerier(ctx, t.querier(), filter)
}

func (t *sqliteTx) UpsertCandidate(ctx context.Context, c *Candidate) error {
	return t.storage.upsertCandidateWithQuerier(ctx, t.querier(), c)
}

func (t *sqliteTx) ListCandidates(ctx context.Context, runID int64) ([]*Candidate, error) {
	return t.storage.listCandidatesWithQuerier(ctx, t.querier(), runID)
}

func (t *sqliteTx) RecordJob(ctx context.Context, job *Job) error {
	return t.storage.recordJobWithQuerier(ctx, t.querier(), job)
}

func (t *sqliteTx) UpdateJobState(ctx context.Context, schedulerID int64, state types.JobState) error {
	return t.storage.updateJobStateWithQuerier(ctx, t.querier(), schedulerID, state)
}

func (t *sqliteTx) ListJobs(ctx context.Context, batchID string) ([]*Job, error) {
	return t.storage.listJobsWithQuerier(ctx, t.querier(), batchID)
}

func (t *sqliteTx) GetSummary(ctx context.Context) (*Summary, error) {
	return t.storage.getSummaryWithQuerier(ctx, t.querier())
}

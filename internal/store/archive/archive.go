// SPDX-License-Identifier: MIT

// Package archive keeps a queryable history of completed runs in SQLite.
// The live state store drops records after retention; the archive is the
// long-term record the API's history listing reads from.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/gridrun/gridrun/internal/model"
)

const schemaVersion = 1

// Archive is an append-only run history database.
type Archive struct {
	db *sql.DB
}

// Open initializes the history database at path. WAL mode and busy_timeout
// go into the DSN so every pooled connection gets them.
func Open(path string) (*Archive, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, (5 * time.Second).Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open failed: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: ping failed: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: migration failed: %w", err)
	}
	return a, nil
}

func (a *Archive) Close() error { return a.db.Close() }

func (a *Archive) migrate() error {
	var currentVersion int
	if err := a.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		concurrency_group TEXT NOT NULL,
		event TEXT NOT NULL,
		ref TEXT NOT NULL,
		sha TEXT,
		actor TEXT,
		state TEXT NOT NULL,
		reason TEXT,
		jobs_total INTEGER NOT NULL,
		jobs_failed INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		finished_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow, finished_at_ms);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at_ms);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		ord INTEGER NOT NULL,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		matrix_json TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT,
		exit_code INTEGER,
		env_name TEXT,
		started_at_ms INTEGER,
		finished_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id, ord);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Append records a concluded run and its jobs. Upserts on run ID so a
// crash between archival and state-store deletion can safely retry.
func (a *Archive) Append(ctx context.Context, run *model.Run, jobs []*model.Job) error {
	if !run.State.IsTerminal() {
		return fmt.Errorf("archive: run %s is %s, not terminal", run.ID, run.State)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var failed int
	for _, j := range jobs {
		if j.State == model.StateFailed {
			failed++
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO runs (
		id, workflow, concurrency_group, event, ref, sha, actor,
		state, reason, jobs_total, jobs_failed,
		created_at_ms, started_at_ms, finished_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		reason = excluded.reason,
		jobs_total = excluded.jobs_total,
		jobs_failed = excluded.jobs_failed,
		started_at_ms = excluded.started_at_ms,
		finished_at_ms = excluded.finished_at_ms
	`,
		run.ID, run.Workflow, run.Group, string(run.Trigger.Kind), run.Trigger.Ref,
		run.Trigger.SHA, run.Trigger.Actor,
		run.State.String(), string(run.Reason), len(jobs), failed,
		ms(run.CreatedAt), msPtr(run.StartedAt), msPtr(run.FinishedAt),
	)
	if err != nil {
		return err
	}

	for i, j := range jobs {
		matrixJSON, err := json.Marshal(j.Matrix)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, run_id, ord, name, slug, matrix_json,
			state, reason, exit_code, env_name,
			started_at_ms, finished_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			exit_code = excluded.exit_code,
			env_name = excluded.env_name,
			started_at_ms = excluded.started_at_ms,
			finished_at_ms = excluded.finished_at_ms
		`,
			j.ID, run.ID, i, j.Name, j.Slug, string(matrixJSON),
			j.State.String(), string(j.Reason), j.ExitCode, j.EnvName,
			msPtr(j.StartedAt), msPtr(j.FinishedAt),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RunSummary is one archived run, flattened for listing.
type RunSummary struct {
	ID         string             `json:"id"`
	Workflow   string             `json:"workflow"`
	Group      string             `json:"group"`
	Event      string             `json:"event"`
	Ref        string             `json:"ref"`
	SHA        string             `json:"sha,omitempty"`
	Actor      string             `json:"actor,omitempty"`
	State      model.State        `json:"state"`
	Reason     model.CancelReason `json:"reason,omitempty"`
	JobsTotal  int                `json:"jobs_total"`
	JobsFailed int                `json:"jobs_failed"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// JobSummary is one archived matrix job.
type JobSummary struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id"`
	Name       string             `json:"name"`
	Slug       string             `json:"slug"`
	Matrix     map[string]string  `json:"matrix"`
	State      model.State        `json:"state"`
	Reason     model.CancelReason `json:"reason,omitempty"`
	ExitCode   *int               `json:"exit_code,omitempty"`
	EnvName    string             `json:"env_name,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// Filter narrows a history query. Zero values match everything.
type Filter struct {
	Workflow string
	Ref      string
	State    string
	Limit    int
}

const defaultListLimit = 100

// Recent lists archived runs, newest first.
func (a *Archive) Recent(ctx context.Context, f Filter) ([]RunSummary, error) {
	var (
		where []string
		args  []any
	)
	if f.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.Ref != "" {
		where = append(where, "ref = ?")
		args = append(args, f.Ref)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}

	query := `SELECT id, workflow, concurrency_group, event, ref, sha, actor,
		state, reason, jobs_total, jobs_failed,
		created_at_ms, started_at_ms, finished_at_ms FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY finished_at_ms DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r          RunSummary
			sha, actor sql.NullString
			state      string
			reason     sql.NullString
			created    int64
			started    sql.NullInt64
			finished   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Group, &r.Event, &r.Ref, &sha, &actor,
			&state, &reason, &r.JobsTotal, &r.JobsFailed,
			&created, &started, &finished); err != nil {
			return nil, err
		}
		r.SHA = sha.String
		r.Actor = actor.String
		st, err := model.ParseState(state)
		if err != nil {
			return nil, fmt.Errorf("archive: run %s: %w", r.ID, err)
		}
		r.State = st
		r.Reason = model.CancelReason(reason.String)
		r.CreatedAt = fromMS(created)
		r.StartedAt = fromMSPtr(started)
		r.FinishedAt = fromMSPtr(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run loads one archived run by ID, or nil when absent.
func (a *Archive) Run(ctx context.Context, id string) (*RunSummary, error) {
	row := a.db.QueryRowContext(ctx, `SELECT id, workflow, concurrency_group, event, ref, sha, actor,
		state, reason, jobs_total, jobs_failed,
		created_at_ms, started_at_ms, finished_at_ms FROM runs WHERE id = ?`, id)

	var (
		r          RunSummary
		sha, actor sql.NullString
		state      string
		reason     sql.NullString
		created    int64
		started    sql.NullInt64
		finished   sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Workflow, &r.Group, &r.Event, &r.Ref, &sha, &actor,
		&state, &reason, &r.JobsTotal, &r.JobsFailed,
		&created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.SHA = sha.String
	r.Actor = actor.String
	st, err := model.ParseState(state)
	if err != nil {
		return nil, fmt.Errorf("archive: run %s: %w", r.ID, err)
	}
	r.State = st
	r.Reason = model.CancelReason(reason.String)
	r.CreatedAt = fromMS(created)
	r.StartedAt = fromMSPtr(started)
	r.FinishedAt = fromMSPtr(finished)
	return &r, nil
}

// Jobs lists an archived run's jobs in expansion order.
func (a *Archive) Jobs(ctx context.Context, runID string) ([]JobSummary, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, run_id, name, slug, matrix_json,
		state, reason, exit_code, env_name, started_at_ms, finished_at_ms
		FROM jobs WHERE run_id = ? ORDER BY ord`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobSummary
	for rows.Next() {
		var (
			j          JobSummary
			matrixJSON string
			state      string
			reason     sql.NullString
			exitCode   sql.NullInt64
			envName    sql.NullString
			started    sql.NullInt64
			finished   sql.NullInt64
		)
		if err := rows.Scan(&j.ID, &j.RunID, &j.Name, &j.Slug, &matrixJSON,
			&state, &reason, &exitCode, &envName, &started, &finished); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(matrixJSON), &j.Matrix); err != nil {
			return nil, fmt.Errorf("archive: job %s matrix: %w", j.ID, err)
		}
		st, err := model.ParseState(state)
		if err != nil {
			return nil, fmt.Errorf("archive: job %s: %w", j.ID, err)
		}
		j.State = st
		j.Reason = model.CancelReason(reason.String)
		if exitCode.Valid {
			v := int(exitCode.Int64)
			j.ExitCode = &v
		}
		j.EnvName = envName.String
		j.StartedAt = fromMSPtr(started)
		j.FinishedAt = fromMSPtr(finished)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Prune removes runs that finished before cutoff. Jobs cascade.
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM runs WHERE finished_at_ms < ?", ms(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

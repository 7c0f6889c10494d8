package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fyrsmithlabs/distillsvc/internal/dedupe"
)

// schema is applied once at Postgres construction. One row per job, with
// JSON columns for result, progress details, and the intermediate snapshot
// (spec.md §6, "Persisted layout").
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id                 TEXT PRIMARY KEY,
	status                 TEXT NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
	completed_at           TIMESTAMPTZ,
	result_json            JSONB,
	stats_json             JSONB,
	error                  TEXT,
	progress               DOUBLE PRECISION,
	progress_phase         TEXT,
	progress_details_json  JSONB,
	intermediate_json      JSONB,
	webhook_url            TEXT
)`

// Postgres is a relational Store backend. It is the durable choice for
// multi-instance deployments, where the filesystem backend's local disk
// would not be shared (spec.md §4.8, "backends").
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against dsn via pgx's database/sql
// driver and ensures the jobs table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Create(ctx context.Context, jobID, webhookURL string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, status, created_at, webhook_url) VALUES ($1, $2, $3, $4)`,
		jobID, StatusRunning, now(), nullIfEmpty(webhookURL))
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, jobID string) (Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT job_id, status, created_at, completed_at, result_json, stats_json, error,
		        progress, progress_phase, progress_details_json, webhook_url
		 FROM jobs WHERE job_id = $1`, jobID)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (Record, error) {
	var (
		r                                     Record
		completedAt                           sql.NullTime
		resultJSON, statsJSON, detailsJSON     []byte
		errMsg, progressPhase, webhookURL      sql.NullString
		progressPct                            sql.NullFloat64
	)
	if err := row.Scan(&r.JobID, &r.Status, &r.CreatedAt, &completedAt, &resultJSON, &statsJSON,
		&errMsg, &progressPct, &progressPhase, &detailsJSON, &webhookURL); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("scanning job row: %w", err)
	}
	r.CompletedAt = completedAt.Time
	r.Error = errMsg.String
	r.WebhookURL = webhookURL.String
	r.Progress.Percent = progressPct.Float64
	r.Progress.Phase = progressPhase.String
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &r.Result); err != nil {
			return Record{}, fmt.Errorf("decoding result: %w", err)
		}
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &r.Stats); err != nil {
			return Record{}, fmt.Errorf("decoding stats: %w", err)
		}
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &r.Progress.Details); err != nil {
			return Record{}, fmt.Errorf("decoding progress details: %w", err)
		}
	}
	return r, nil
}

func (p *Postgres) UpdateSuccess(ctx context.Context, jobID string, result []dedupe.Block, stats dedupe.Stats) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, completed_at = $2, result_json = $3, stats_json = $4, intermediate_json = NULL
		 WHERE job_id = $5 AND status NOT IN ($6, $7, $8)`,
		StatusSuccess, now(), resultJSON, statsJSON, jobID, StatusSuccess, StatusFailure, StatusTimeout)
	return checkExists(res, err, jobID)
}

func (p *Postgres) UpdateFailure(ctx context.Context, jobID, errMsg string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, completed_at = $2, error = $3
		 WHERE job_id = $4 AND status NOT IN ($5, $6, $7)`,
		StatusFailure, now(), errMsg, jobID, StatusSuccess, StatusFailure, StatusTimeout)
	return checkExists(res, err, jobID)
}

func (p *Postgres) UpdateTimeout(ctx context.Context, jobID, errMsg string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, completed_at = $2, error = $3
		 WHERE job_id = $4 AND status NOT IN ($5, $6, $7)`,
		StatusTimeout, now(), errMsg, jobID, StatusSuccess, StatusFailure, StatusTimeout)
	return checkExists(res, err, jobID)
}

func (p *Postgres) UpdateProgress(ctx context.Context, jobID string, prog Progress) error {
	detailsJSON, err := json.Marshal(prog.Details)
	if err != nil {
		return fmt.Errorf("encoding progress details: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`UPDATE jobs SET progress = $1, progress_phase = $2, progress_details_json = $3
		 WHERE job_id = $4 AND status = $5`,
		prog.Percent, prog.Phase, detailsJSON, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	return nil
}

func (p *Postgres) SaveIntermediate(ctx context.Context, jobID string, snapshot dedupe.Snapshot) error {
	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding intermediate snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`UPDATE jobs SET intermediate_json = $1 WHERE job_id = $2 AND status = $3`,
		snapJSON, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("saving intermediate snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) ReadIntermediate(ctx context.Context, jobID string) (*dedupe.Snapshot, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT intermediate_json FROM jobs WHERE job_id = $1`, jobID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading intermediate snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var snap dedupe.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding intermediate snapshot: %w", err)
	}
	return &snap, nil
}

func (p *Postgres) Delete(ctx context.Context, jobID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CountActive(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE status = $1`, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active jobs: %w", err)
	}
	return n, nil
}

func (p *Postgres) CountCompletedSince(ctx context.Context, ts time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE status IN ($1, $2, $3) AND completed_at >= $4`,
		StatusSuccess, StatusFailure, StatusTimeout, ts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting completed jobs: %w", err)
	}
	return n, nil
}

func (p *Postgres) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := now().Add(-age)
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ($1, $2, $3) AND completed_at < $4`,
		StatusSuccess, StatusFailure, StatusTimeout, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up old jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting cleaned up rows: %w", err)
	}
	return int(affected), nil
}

func checkExists(res sql.Result, err error, jobID string) error {
	if err != nil {
		return fmt.Errorf("updating job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		// Either the job does not exist, or it is already terminal
		// (monotonicity, spec.md §4.8) and the update was correctly a
		// no-op; the caller cannot distinguish the two without an extra
		// read, which update operations don't need to pay for.
		return nil
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
)

const jobColumns = `id, kind, queue, state, input_ref, params, not_before, retry_at,
	attempt_count, max_attempts, result, error, last_error, worker_id,
	cancel_requested, started_at, completed_at, heartbeat_at,
	created_at, updated_at, version`

// Create persists a new record.
func (s *Store) Create(ctx context.Context, r *job.Record) error {
	params, result, err := encodeJSON(r)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO imgdispatch_jobs (
			id, kind, queue, state, input_ref, params, not_before, retry_at,
			attempt_count, max_attempts, result, error, last_error, worker_id,
			cancel_requested, started_at, completed_at, heartbeat_at,
			index_time, created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22
		)`,
		r.ID.String(), string(r.Kind), r.Queue, string(r.State), r.InputRef, params, r.NotBefore, r.RetryAt,
		r.AttemptCount, r.MaxAttempts, result, r.Error, r.LastError, r.WorkerID.String(),
		r.CancelRequested, r.StartedAt, r.CompletedAt, r.HeartbeatAt,
		r.IndexTime(), r.CreatedAt, r.UpdatedAt, r.Version,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", imgdispatch.ErrJobAlreadyExists, r.ID)
		}
		return fmt.Errorf("imgdispatch/postgres: create job: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM imgdispatch_jobs WHERE id = $1`, jobID.String())
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", imgdispatch.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("imgdispatch/postgres: get job: %w", err)
	}
	return r, nil
}

// CompareAndSwapState reads the record, applies mut, and writes it back
// with an UPDATE that only matches the version it read. A concurrent
// writer bumps the version first and the UPDATE affects no rows.
func (s *Store) CompareAndSwapState(ctx context.Context, jobID id.JobID, expected job.State, mut job.Mutation) (*job.Record, error) {
	cur, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	next, err := job.Apply(cur, expected, mut, s.now())
	if err != nil {
		return nil, err
	}

	params, result, err := encodeJSON(next)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE imgdispatch_jobs SET
			state = $3, retry_at = $4, attempt_count = $5, result = $6,
			error = $7, last_error = $8, worker_id = $9, cancel_requested = $10,
			started_at = $11, completed_at = $12, heartbeat_at = $13,
			index_time = $14, updated_at = $15, version = $16, not_before = $17,
			params = $18
		WHERE id = $1 AND state = $2 AND version = $19`,
		jobID.String(), string(expected),
		string(next.State), next.RetryAt, next.AttemptCount, result,
		next.Error, next.LastError, next.WorkerID.String(), next.CancelRequested,
		next.StartedAt, next.CompletedAt, next.HeartbeatAt,
		next.IndexTime(), next.UpdatedAt, next.Version, next.NotBefore,
		params, cur.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/postgres: swap job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s changed during swap", imgdispatch.ErrStoreConflict, jobID)
	}
	return next, nil
}

// ListByState returns records in state with index_time <= before.
func (s *Store) ListByState(ctx context.Context, state job.State, before time.Time, limit int) ([]*job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM imgdispatch_jobs
		WHERE state = $1 AND index_time <= $2
		ORDER BY index_time ASC, id ASC`
	args := []any{string(state), before.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/postgres: list by state: %w", err)
	}
	defer rows.Close()

	var records []*job.Record
	for rows.Next() {
		r, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("imgdispatch/postgres: scan job: %w", scanErr)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("imgdispatch/postgres: list by state: %w", err)
	}
	return records, nil
}

// Count returns the number of records matching opts.
func (s *Store) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM imgdispatch_jobs
		WHERE ($1 = '' OR queue = $1) AND ($2 = '' OR state = $2)`,
		opts.Queue, string(opts.State),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("imgdispatch/postgres: count jobs: %w", err)
	}
	return count, nil
}

// ── helpers ──

func encodeJSON(r *job.Record) (params, result []byte, err error) {
	params, err = json.Marshal(r.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("imgdispatch/postgres: encode params: %w", err)
	}
	if r.Result != nil {
		result, err = json.Marshal(r.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("imgdispatch/postgres: encode result: %w", err)
		}
	}
	return params, result, nil
}

func scanRecord(row pgx.Row) (*job.Record, error) {
	var (
		r                  job.Record
		jobID, kind, state string
		workerID           string
		params, result     []byte
		notBefore, created time.Time
		updated            time.Time
	)

	err := row.Scan(
		&jobID, &kind, &r.Queue, &state, &r.InputRef, &params, &notBefore, &r.RetryAt,
		&r.AttemptCount, &r.MaxAttempts, &result, &r.Error, &r.LastError, &workerID,
		&r.CancelRequested, &r.StartedAt, &r.CompletedAt, &r.HeartbeatAt,
		&created, &updated, &r.Version,
	)
	if err != nil {
		return nil, err
	}

	if r.ID, err = id.ParseJobID(jobID); err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	if workerID != "" {
		if r.WorkerID, err = id.ParseWorkerID(workerID); err != nil {
			return nil, fmt.Errorf("parse worker id: %w", err)
		}
	}
	if err = json.Unmarshal(params, &r.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(result) > 0 {
		var res job.Result
		if err = json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		r.Result = &res
	}

	r.Kind = job.Kind(kind)
	r.State = job.State(state)
	r.NotBefore = notBefore.UTC()
	r.CreatedAt = created.UTC()
	r.UpdatedAt = updated.UTC()
	r.RetryAt = utcPtr(r.RetryAt)
	r.StartedAt = utcPtr(r.StartedAt)
	r.CompletedAt = utcPtr(r.CompletedAt)
	r.HeartbeatAt = utcPtr(r.HeartbeatAt)
	return &r, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/reconhub/pkg/models"
)

const jobColumns = `id, method, input, parameters, status, progress, stage, output_ref, output_files,
	error, error_kind, metrics, created_at, started_at, completed_at, updated_at, instance`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, method, input, parameters, status, progress, created_at, updated_at, instance)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, string(job.Method), input, nullableJSON(job.Parameters), string(job.Status),
		job.Progress, job.CreatedAt, job.UpdatedAt, job.Instance)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob locks the row for the duration of the mutator so concurrent
// updates to one job serialize.
func (s *PostgresStore) UpdateJob(ctx context.Context, id string, mutate Mutator) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	next, err := applyUpdate(cur, mutate, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	files, err := json.Marshal(next.OutputFiles)
	if err != nil {
		return nil, fmt.Errorf("encode output files: %w", err)
	}
	metrics, err := json.Marshal(next.Metrics)
	if err != nil {
		return nil, fmt.Errorf("encode metrics: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $2, progress = $3, stage = $4, output_ref = $5, output_files = $6,
		   error = $7, error_kind = $8, metrics = $9, started_at = $10, completed_at = $11, updated_at = $12
		 WHERE id = $1`,
		id, string(next.Status), next.Progress, next.Stage, next.OutputRef, files,
		next.Error, next.ErrorKind, metrics, next.StartedAt, next.CompletedAt, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

// ListJobs returns jobs in insertion order.
func (s *PostgresStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j                             models.Job
		method, status                string
		input, params, files, metrics []byte
	)
	err := row.Scan(&j.ID, &method, &input, &params, &status, &j.Progress, &j.Stage, &j.OutputRef,
		&files, &j.Error, &j.ErrorKind, &metrics, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt, &j.Instance)
	if err != nil {
		return nil, err
	}

	j.Method = models.Method(method)
	j.Status = models.JobStatus(status)
	if err := json.Unmarshal(input, &j.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if len(params) > 0 && string(params) != "null" {
		j.Parameters = json.RawMessage(params)
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &j.OutputFiles); err != nil {
			return nil, fmt.Errorf("decode output files: %w", err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &j.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}
	return &j, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

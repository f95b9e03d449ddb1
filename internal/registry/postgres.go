package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asampat/glaciate/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, user_id, input_file_name, input_location, status, submit_time, complete_time, result_location, log_location, archive_handle`

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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, input_file_name, input_location, status, submit_time)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.UserID, job.InputFileName, job.InputLocation, job.Status, job.SubmitTime)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobsByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY submit_time DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by user: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsByArchiveHandle(ctx context.Context, handle string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE archive_handle = $1`, handle)
	if err != nil {
		return nil, fmt.Errorf("list jobs by archive handle: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.JobStatusRunning, models.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, resultLocation, logLocation string, completeTime time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, result_location = $3, log_location = $4, complete_time = $5
		 WHERE id = $1`,
		id, models.JobStatusCompleted, resultLocation, logLocation, completeTime)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ArchiveJob(ctx context.Context, id uuid.UUID, handle string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, archive_handle = $3, result_location = NULL
		 WHERE id = $1`,
		id, models.JobStatusArchived, handle)
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkRestoring(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.JobStatusRestoring, models.JobStatusArchived)
	if err != nil {
		return false, fmt.Errorf("mark job restoring: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RestoreResult(ctx context.Context, id uuid.UUID, resultLocation string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, result_location = $3, archive_handle = NULL
		 WHERE id = $1`,
		id, models.JobStatusCompleted, resultLocation)
	if err != nil {
		return fmt.Errorf("restore job result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.InputFileName, &j.InputLocation, &j.Status,
		&j.SubmitTime, &j.CompleteTime, &j.ResultLocation, &j.LogLocation, &j.ArchiveHandle)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.JobRepository        = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

const jobColumns = `id, application, payload, status, priority, attempts, last_error, available_at, created_at, updated_at`

// EnqueueJob inserts a queued job.
func (r *Repository) EnqueueJob(ctx context.Context, job *domain.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}
	job.Status = domain.JobQueued
	job.UpdatedAt = now
	const query = `INSERT INTO jobs (id, application, payload, status, priority, attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.pool.Exec(ctx, query, job.ID, job.Application, payload, job.Status, job.Priority, job.Attempts, job.AvailableAt, job.CreatedAt, job.UpdatedAt)
	return err
}

// ClaimJob activates the next claimable job. Only the head of each
// application's queue is a candidate, so a retry parked behind available_at
// holds back newer jobs of the same application. The partial unique index on
// active jobs per application backs the first NOT EXISTS filter.
func (r *Repository) ClaimJob(ctx context.Context) (*domain.Job, error) {
	const query = `UPDATE jobs SET status = 'active', attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.status = 'queued' AND j.available_at <= NOW()
				AND NOT EXISTS (SELECT 1 FROM jobs a WHERE a.application = j.application AND a.status = 'active')
				AND NOT EXISTS (
					SELECT 1 FROM jobs q WHERE q.application = j.application AND q.status = 'queued'
						AND (q.priority > j.priority OR (q.priority = j.priority AND q.seq < j.seq))
				)
			ORDER BY j.priority DESC, j.seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// CompleteJob marks an active job completed.
func (r *Repository) CompleteJob(ctx context.Context, id string) error {
	const query = `UPDATE jobs SET status = 'completed', updated_at = NOW() WHERE id = $1 AND status = 'active'`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt and either requeues or terminates the job.
func (r *Repository) FailJob(ctx context.Context, failure domain.JobFailure) error {
	var (
		query string
		args  []any
	)
	if failure.Retry {
		notBefore := failure.NotBefore
		if notBefore.IsZero() {
			notBefore = time.Now().UTC()
		}
		query = `UPDATE jobs SET status = 'queued', last_error = $2, available_at = $3, updated_at = NOW()
			WHERE id = $1 AND status = 'active'`
		args = []any{failure.ID, failure.Reason, notBefore}
	} else {
		query = `UPDATE jobs SET status = 'failed', last_error = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'active'`
		args = []any{failure.ID, failure.Reason}
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RequeueActive returns jobs left active by a previous run to the queue.
func (r *Repository) RequeueActive(ctx context.Context) (int, error) {
	const query = `UPDATE jobs SET status = 'queued', available_at = NOW(), updated_at = NOW() WHERE status = 'active'`
	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// PurgeJobs deletes terminal jobs older than cutoff.
func (r *Repository) PurgeJobs(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListJobs returns jobs in queue order.
func (r *Repository) ListJobs(ctx context.Context, application string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if application != "" {
		query += ` WHERE application = $1`
		args = append(args, application)
	}
	query += ` ORDER BY seq`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job     domain.Job
		payload []byte
		status  string
	)
	if err := row.Scan(&job.ID, &job.Application, &payload, &status, &job.Priority, &job.Attempts, &job.LastError, &job.AvailableAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &job, nil
}

const deploymentColumns = `id, application, repository, commit_ref, status, build_type, message, requests, created_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	const query = `INSERT INTO deployments (id, application, repository, commit_ref, status, build_type, message, requests, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, d.ID, d.Application, d.Repository, d.CommitRef, string(d.Status), string(d.BuildType), d.Message, d.Requests, d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDeployment fetches one deployment.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// TransitionDeployment moves a deployment forward inside a row-locking transaction.
func (r *Repository) TransitionDeployment(ctx context.Context, update domain.DeploymentUpdate) (*domain.Deployment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM deployments WHERE id = $1 FOR UPDATE`, update.ID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := domain.Transition(domain.DeploymentStatus(current), update.Status); err != nil {
		return nil, err
	}
	const query = `UPDATE deployments
		SET status = $2, message = $3, build_type = COALESCE(NULLIF($4, ''), build_type), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + deploymentColumns
	d, err := scanDeployment(tx.QueryRow(ctx, query, update.ID, string(update.Status), update.Message, string(update.BuildType)))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// IncrementRequests adds n to the request counter.
func (r *Repository) IncrementRequests(ctx context.Context, id string, n int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE deployments SET requests = requests + $2 WHERE id = $1`, id, n)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeployments returns newest-first deployments.
func (r *Repository) ListDeployments(ctx context.Context, application string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	args := []any{}
	if application != "" {
		query += ` WHERE application = $1 ORDER BY seq DESC LIMIT $2`
		args = append(args, application, limit)
	} else {
		query += ` ORDER BY seq DESC LIMIT $1`
		args = append(args, limit)
	}
	return r.queryDeployments(ctx, query, args...)
}

// LatestLive returns the newest live deployment of application.
func (r *Repository) LatestLive(ctx context.Context, application string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE application = $1 AND status = 'live' ORDER BY seq DESC LIMIT 1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, application))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListLatestLive returns the newest live deployment per application.
func (r *Repository) ListLatestLive(ctx context.Context) ([]domain.Deployment, error) {
	const query = `SELECT DISTINCT ON (application) ` + deploymentColumns + ` FROM deployments
		WHERE status = 'live' ORDER BY application, seq DESC`
	return r.queryDeployments(ctx, query)
}

// DeleteDeployments removes deployment history and idle jobs of application.
func (r *Repository) DeleteDeployments(ctx context.Context, application string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM deployments WHERE application = $1`, application); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE application = $1 AND status <> 'active'`, application); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d         domain.Deployment
		status    string
		buildType string
	)
	if err := row.Scan(&d.ID, &d.Application, &d.Repository, &d.CommitRef, &status, &buildType, &d.Message, &d.Requests, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	d.BuildType = domain.BuildType(buildType)
	return &d, nil
}

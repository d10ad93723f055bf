package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultRetryBase    = 5 * time.Second
	maxRetryDelay       = 5 * time.Minute
)

// Options tune queue behaviour.
type Options struct {
	MaxAttempts  int
	Retention    time.Duration
	PollInterval time.Duration
	RetryBase    time.Duration
}

// Queue hands build jobs to pipeline workers one at a time. Jobs of the same
// application never overlap: the repository refuses to claim a job while
// another job of that application is active.
type Queue struct {
	repo   repository.JobRepository
	log    *slog.Logger
	opts   Options
	mu     sync.Mutex
	notify chan struct{}
}

// New constructs a Queue.
func New(repo repository.JobRepository, logger *slog.Logger, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = defaultRetryBase
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		repo:   repo,
		log:    logger.With("component", "queue"),
		opts:   opts,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue adds a job for application.
func (q *Queue) Enqueue(ctx context.Context, application string, payload domain.JobPayload, priority int) (*domain.Job, error) {
	job := &domain.Job{
		ID:          uuid.NewString(),
		Application: application,
		Payload:     payload,
		Priority:    priority,
	}
	if err := q.repo.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	q.log.Info("job enqueued", "job_id", job.ID, "application", application, "deployment_id", payload.DeploymentID)
	q.wake()
	return job, nil
}

// Dequeue blocks until a job can be claimed or ctx ends. Callers are
// serialized so only one worker waits on the store at a time.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()
	for {
		job, err := q.repo.ClaimJob(ctx)
		if err == nil {
			q.log.Info("job claimed", "job_id", job.ID, "application", job.Application, "attempt", job.Attempts)
			return job, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
	}
}

// Complete marks job finished.
func (q *Queue) Complete(ctx context.Context, job *domain.Job) error {
	if err := q.repo.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	q.log.Info("job completed", "job_id", job.ID, "application", job.Application)
	q.wake()
	return nil
}

// Fail records cause against job. The job is retried with exponential delay
// until MaxAttempts is reached, unless cause is wrapped with backoff.Permanent.
// The returned bool reports whether the job will run again.
func (q *Queue) Fail(ctx context.Context, job *domain.Job, cause error) (bool, error) {
	var permanent *backoff.PermanentError
	retry := job.Attempts < q.opts.MaxAttempts && !errors.As(cause, &permanent)
	failure := domain.JobFailure{ID: job.ID, Reason: errorText(cause), Retry: retry}
	if retry {
		failure.NotBefore = time.Now().UTC().Add(q.retryDelay(job.Attempts))
	}
	if err := q.repo.FailJob(ctx, failure); err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if retry {
		q.log.Warn("job failed, retrying", "job_id", job.ID, "application", job.Application, "attempt", job.Attempts, "not_before", failure.NotBefore, "error", cause)
	} else {
		q.log.Error("job failed permanently", "job_id", job.ID, "application", job.Application, "attempt", job.Attempts, "error", cause)
	}
	q.wake()
	return retry, nil
}

// Recover requeues jobs that were active when the previous process exited.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.repo.RequeueActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue active jobs: %w", err)
	}
	if n > 0 {
		q.log.Info("requeued interrupted jobs", "count", n)
		q.wake()
	}
	return n, nil
}

// List returns jobs, optionally filtered by application.
func (q *Queue) List(ctx context.Context, application string) ([]domain.Job, error) {
	return q.repo.ListJobs(ctx, application)
}

// RunJanitor purges terminal jobs older than the retention window every interval until ctx ends.
func (q *Queue) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Purge(ctx)
		}
	}
}

// Purge removes terminal jobs past retention once.
func (q *Queue) Purge(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-q.opts.Retention)
	n, err := q.repo.PurgeJobs(ctx, cutoff)
	if err != nil {
		q.log.Error("purge jobs failed", "error", err)
		return 0
	}
	if n > 0 {
		q.log.Info("purged finished jobs", "count", n)
	}
	return n
}

func (q *Queue) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.RetryBase
	b.MaxInterval = maxRetryDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

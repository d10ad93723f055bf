// Package memory implements the repository interfaces in process memory. It
// backs development runs without DATABASE_URL and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
)

// Repository keeps jobs and deployments in maps guarded by one mutex.
type Repository struct {
	mu          sync.Mutex
	seq         uint64
	jobs        map[string]*jobRecord
	deployments map[string]*deploymentRecord
	now         func() time.Time
}

type jobRecord struct {
	job domain.Job
	seq uint64
}

type deploymentRecord struct {
	deployment domain.Deployment
	seq        uint64
}

var (
	_ repository.JobRepository        = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		jobs:        make(map[string]*jobRecord),
		deployments: make(map[string]*deploymentRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueJob stores job in Queued state.
func (r *Repository) EnqueueJob(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	job.Status = domain.JobQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}
	job.UpdatedAt = now
	r.seq++
	r.jobs[job.ID] = &jobRecord{job: *job, seq: r.seq}
	return nil
}

// ClaimJob activates the next claimable job. Only the head of each
// application's queue is a candidate, so a retry parked behind AvailableAt
// holds back newer jobs of the same application.
func (r *Repository) ClaimJob(ctx context.Context) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	busy := make(map[string]struct{})
	heads := make(map[string]*jobRecord)
	for _, rec := range r.jobs {
		switch rec.job.Status {
		case domain.JobActive:
			busy[rec.job.Application] = struct{}{}
		case domain.JobQueued:
			if head, ok := heads[rec.job.Application]; !ok || before(rec, head) {
				heads[rec.job.Application] = rec
			}
		}
	}
	var best *jobRecord
	for app, rec := range heads {
		if _, ok := busy[app]; ok || rec.job.AvailableAt.After(now) {
			continue
		}
		if best == nil || before(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	best.job.Status = domain.JobActive
	best.job.Attempts++
	best.job.UpdatedAt = now
	job := best.job
	return &job, nil
}

func before(a, b *jobRecord) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	return a.seq < b.seq
}

// CompleteJob marks an Active job Completed.
func (r *Repository) CompleteJob(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status != domain.JobActive {
		return repository.ErrNotFound
	}
	rec.job.Status = domain.JobCompleted
	rec.job.UpdatedAt = r.now()
	return nil
}

// FailJob records a failed attempt, requeueing it when failure.Retry is set.
func (r *Repository) FailJob(ctx context.Context, failure domain.JobFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[failure.ID]
	if !ok || rec.job.Status != domain.JobActive {
		return repository.ErrNotFound
	}
	now := r.now()
	rec.job.LastError = failure.Reason
	rec.job.UpdatedAt = now
	if failure.Retry {
		rec.job.Status = domain.JobQueued
		rec.job.AvailableAt = failure.NotBefore
		if rec.job.AvailableAt.IsZero() {
			rec.job.AvailableAt = now
		}
		return nil
	}
	rec.job.Status = domain.JobFailed
	return nil
}

// RequeueActive returns every Active job to Queued.
func (r *Repository) RequeueActive(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	now := r.now()
	for _, rec := range r.jobs {
		if rec.job.Status == domain.JobActive {
			rec.job.Status = domain.JobQueued
			rec.job.AvailableAt = now
			rec.job.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

// PurgeJobs deletes terminal jobs last updated before the cutoff.
func (r *Repository) PurgeJobs(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, rec := range r.jobs {
		terminal := rec.job.Status == domain.JobCompleted || rec.job.Status == domain.JobFailed
		if terminal && rec.job.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			count++
		}
	}
	return count, nil
}

// ListJobs returns jobs in queue order, optionally filtered by application.
func (r *Repository) ListJobs(ctx context.Context, application string) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := make([]*jobRecord, 0, len(r.jobs))
	for _, rec := range r.jobs {
		if application == "" || rec.job.Application == application {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]domain.Job, len(recs))
	for i, rec := range recs {
		out[i] = rec.job
	}
	return out, nil
}

// CreateDeployment stores a new deployment.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = now
	}
	deployment.UpdatedAt = now
	r.seq++
	r.deployments[deployment.ID] = &deploymentRecord{deployment: *deployment, seq: r.seq}
	return nil
}

// GetDeployment returns one deployment.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	d := rec.deployment
	return &d, nil
}

// TransitionDeployment applies update if the status change moves forward.
func (r *Repository) TransitionDeployment(ctx context.Context, update domain.DeploymentUpdate) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.deployments[update.ID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if err := domain.Transition(rec.deployment.Status, update.Status); err != nil {
		return nil, err
	}
	rec.deployment.Status = update.Status
	rec.deployment.Message = update.Message
	if update.BuildType != "" {
		rec.deployment.BuildType = update.BuildType
	}
	rec.deployment.UpdatedAt = r.now()
	d := rec.deployment
	return &d, nil
}

// IncrementRequests adds n to the deployment's request counter.
func (r *Repository) IncrementRequests(ctx context.Context, id string, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.deployment.Requests += n
	return nil
}

// ListDeployments returns newest-first deployments, optionally for one application.
func (r *Repository) ListDeployments(ctx context.Context, application string, limit int) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.sortedDeployments(func(d domain.Deployment) bool {
		return application == "" || d.Application == application
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// LatestLive returns the most recent Live deployment of application.
func (r *Repository) LatestLive(ctx context.Context, application string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.sortedDeployments(func(d domain.Deployment) bool {
		return d.Application == application && d.Status == domain.DeploymentLive
	})
	if len(recs) == 0 {
		return nil, repository.ErrNotFound
	}
	return &recs[0], nil
}

// ListLatestLive returns the newest Live deployment of every application.
func (r *Repository) ListLatestLive(ctx context.Context) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.sortedDeployments(func(d domain.Deployment) bool {
		return d.Status == domain.DeploymentLive
	})
	seen := make(map[string]struct{})
	out := make([]domain.Deployment, 0, len(recs))
	for _, d := range recs {
		if _, ok := seen[d.Application]; ok {
			continue
		}
		seen[d.Application] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// DeleteDeployments drops all deployments and jobs of application.
func (r *Repository) DeleteDeployments(ctx context.Context, application string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.deployments {
		if rec.deployment.Application == application {
			delete(r.deployments, id)
		}
	}
	for id, rec := range r.jobs {
		if rec.job.Application == application && rec.job.Status != domain.JobActive {
			delete(r.jobs, id)
		}
	}
	return nil
}

func (r *Repository) sortedDeployments(keep func(domain.Deployment) bool) []domain.Deployment {
	recs := make([]*deploymentRecord, 0, len(r.deployments))
	for _, rec := range r.deployments {
		if keep(rec.deployment) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	out := make([]domain.Deployment, len(recs))
	for i, rec := range recs {
		out[i] = rec.deployment
	}
	return out
}

package repository

import (
	"context"
	"time"

	"github.com/splax/shipyard/internal/domain"
)

// JobRepository persists the build queue.
type JobRepository interface {
	EnqueueJob(ctx context.Context, job *domain.Job) error
	// ClaimJob atomically moves the highest-priority, oldest claimable job to
	// Active and increments its attempts. Jobs whose application already has an
	// Active job are skipped. Returns ErrNotFound when nothing is claimable.
	ClaimJob(ctx context.Context) (*domain.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, failure domain.JobFailure) error
	RequeueActive(ctx context.Context) (int, error)
	PurgeJobs(ctx context.Context, before time.Time) (int, error)
	ListJobs(ctx context.Context, application string) ([]domain.Job, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	TransitionDeployment(ctx context.Context, update domain.DeploymentUpdate) (*domain.Deployment, error)
	IncrementRequests(ctx context.Context, id string, n int64) error
	ListDeployments(ctx context.Context, application string, limit int) ([]domain.Deployment, error)
	LatestLive(ctx context.Context, application string) (*domain.Deployment, error)
	ListLatestLive(ctx context.Context) ([]domain.Deployment, error)
	DeleteDeployments(ctx context.Context, application string) error
}

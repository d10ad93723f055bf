package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/events"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/supervisor"
)

// Priority of jobs created at startup to bring previously live applications back.
const recoveryPriority = 10

// ErrNoDeployment indicates an application has never been deployed.
var ErrNoDeployment = errors.New("deploy: application has no live deployment")

// Queue accepts build jobs.
type Queue interface {
	Enqueue(ctx context.Context, application string, payload domain.JobPayload, priority int) (*domain.Job, error)
}

// Runtime controls running applications.
type Runtime interface {
	Remove(ctx context.Context, name string) error
}

// Sources stores uploaded source trees as commits.
type Sources interface {
	Import(ctx context.Context, name string, r io.Reader, message string) (string, error)
}

// Publisher emits platform events.
type Publisher interface {
	Publish(events.Event) <-chan struct{}
}

// Counter hands out accumulated per-deployment request counts.
type Counter interface {
	Flush(sink func(deploymentID string, n int64))
}

// Service records deployment requests and queues them for the pipeline.
type Service struct {
	deployments repository.DeploymentRepository
	queue       Queue
	runtime     Runtime
	sources     Sources
	bus         Publisher
	logger      *slog.Logger
}

// New returns a deployment service.
func New(deployments repository.DeploymentRepository, queue Queue, runtime Runtime, sources Sources, bus Publisher, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		deployments: deployments,
		queue:       queue,
		runtime:     runtime,
		sources:     sources,
		bus:         bus,
		logger:      logger.With("component", "deploy"),
	}
}

// HandleEvent consumes deploy-requested events from the bus.
func (s Service) HandleEvent(ctx context.Context, ev events.Event) {
	if ev.Type != events.DeployRequested {
		return
	}
	application := ev.Application
	if application == "" {
		application = ev.Repository
	}
	if _, err := s.Request(ctx, application, ev.Repository, ev.CommitRef, 0); err != nil {
		s.logger.Error("deploy request failed", "application", application, "commit", ev.CommitRef, "error", err)
	}
}

// Request creates a pending deployment of commitRef and queues its build job.
func (s Service) Request(ctx context.Context, application, repo, commitRef string, priority int) (*domain.Deployment, error) {
	if strings.TrimSpace(application) == "" || strings.TrimSpace(commitRef) == "" {
		return nil, fmt.Errorf("application and commit are required")
	}
	if repo == "" {
		repo = application
	}
	deployment := &domain.Deployment{
		ID:          uuid.NewString(),
		Application: application,
		Repository:  repo,
		CommitRef:   commitRef,
		Status:      domain.DeploymentPending,
		Message:     "deployment requested",
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	payload := domain.JobPayload{Repository: repo, CommitRef: commitRef, DeploymentID: deployment.ID}
	if _, err := s.queue.Enqueue(ctx, application, payload, priority); err != nil {
		s.markFailed(ctx, deployment.ID, "failed to queue build")
		return nil, err
	}
	s.logger.Info("deployment queued", "application", application, "deployment_id", deployment.ID, "commit", commitRef)
	s.publish(*deployment)
	return deployment, nil
}

// Upload stores an uploaded source archive as a new commit of application
// and requests its deployment. It returns the commit id.
func (s Service) Upload(ctx context.Context, application string, archive io.Reader) (string, error) {
	commit, err := s.sources.Import(ctx, application, archive, fmt.Sprintf("upload %s", time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		return "", fmt.Errorf("import upload: %w", err)
	}
	done := s.bus.Publish(events.Event{
		Type:        events.DeployRequested,
		Application: application,
		Repository:  application,
		CommitRef:   commit,
		At:          time.Now().UTC(),
	})
	select {
	case <-done:
	case <-ctx.Done():
		return commit, ctx.Err()
	}
	return commit, nil
}

// List returns newest-first deployments, optionally filtered by application.
func (s Service) List(ctx context.Context, application string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeployments(ctx, application, limit)
}

// Live returns the deployment currently serving application.
func (s Service) Live(ctx context.Context, application string) (*domain.Deployment, error) {
	dep, err := s.deployments.LatestLive(ctx, application)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoDeployment
	}
	return dep, err
}

// Delete stops application and drops its deployment history.
func (s Service) Delete(ctx context.Context, application string) error {
	if err := s.runtime.Remove(ctx, application); err != nil && !errors.Is(err, supervisor.ErrNotFound) {
		return fmt.Errorf("stop application: %w", err)
	}
	if err := s.deployments.DeleteDeployments(ctx, application); err != nil {
		return fmt.Errorf("delete deployments: %w", err)
	}
	s.logger.Info("application deleted", "application", application)
	return nil
}

// Recover requests a fresh deployment of every application that was live
// when the platform last stopped.
func (s Service) Recover(ctx context.Context) (int, error) {
	live, err := s.deployments.ListLatestLive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live deployments: %w", err)
	}
	count := 0
	for _, dep := range live {
		if _, err := s.Request(ctx, dep.Application, dep.Repository, dep.CommitRef, recoveryPriority); err != nil {
			s.logger.Error("recovery deploy failed", "application", dep.Application, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// FlushRequests persists accumulated request counts.
func (s Service) FlushRequests(ctx context.Context, counts Counter) {
	counts.Flush(func(deploymentID string, n int64) {
		if err := s.deployments.IncrementRequests(ctx, deploymentID, n); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("persist request count failed", "deployment_id", deploymentID, "error", err)
		}
	})
}

// RunRequestFlusher flushes counts every interval until ctx ends.
func (s Service) RunRequestFlusher(ctx context.Context, counts Counter, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.FlushRequests(context.Background(), counts)
			return
		case <-ticker.C:
			s.FlushRequests(ctx, counts)
		}
	}
}

func (s Service) markFailed(ctx context.Context, id, message string) {
	if _, err := s.deployments.TransitionDeployment(ctx, domain.DeploymentUpdate{ID: id, Status: domain.DeploymentFailed, Message: message}); err != nil {
		s.logger.Error("mark deployment failed", "deployment_id", id, "error", err)
	}
}

func (s Service) publish(dep domain.Deployment) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:         events.DeploymentUpdated,
		Application:  dep.Application,
		Repository:   dep.Repository,
		CommitRef:    dep.CommitRef,
		DeploymentID: dep.ID,
		Status:       string(dep.Status),
		Message:      dep.Message,
		At:           time.Now().UTC(),
	})
}

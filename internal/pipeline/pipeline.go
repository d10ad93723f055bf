package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/splax/shipyard/internal/docker"
	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/events"
	"github.com/splax/shipyard/internal/gitrepo"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/supervisor"
	"github.com/splax/shipyard/internal/workspace"
)

const failureTailLines = 5

// JobQueue hands out build jobs.
type JobQueue interface {
	Dequeue(ctx context.Context) (*domain.Job, error)
	Complete(ctx context.Context, job *domain.Job) error
	Fail(ctx context.Context, job *domain.Job, cause error) (bool, error)
}

// Sources resolves and checks out repository revisions.
type Sources interface {
	Resolve(ctx context.Context, name, ref string) (string, error)
	Checkout(ctx context.Context, name, commit, dest string) error
}

// Images builds and removes container images.
type Images interface {
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.OutputFunc) error
	RemoveImage(ctx context.Context, ref string) error
	RemoveContainer(ctx context.Context, name string) error
}

// Runner starts built applications.
type Runner interface {
	Deploy(ctx context.Context, spec supervisor.Spec) (domain.Application, error)
	Remove(ctx context.Context, name string) error
	AppendLog(name, stream, text string)
}

// Publisher emits deployment events.
type Publisher interface {
	Publish(events.Event) <-chan struct{}
}

// Options configure the pipeline.
type Options struct {
	Workers      int
	BuildTimeout time.Duration
	// StaticCommand serves a directory given in the DIRECTORY environment variable.
	StaticCommand []string
}

// Pipeline turns queued jobs into running applications.
type Pipeline struct {
	queue       JobQueue
	deployments repository.DeploymentRepository
	sources     Sources
	images      Images
	runner      Runner
	workspace   *workspace.Manager
	bus         Publisher
	log         *slog.Logger
	opts        Options
	metrics     *metrics
}

// New constructs a Pipeline. images may be nil when no Docker daemon is available.
func New(queue JobQueue, deployments repository.DeploymentRepository, sources Sources, images Images, runner Runner, ws *workspace.Manager, bus Publisher, logger *slog.Logger, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 10 * time.Minute
	}
	if len(opts.StaticCommand) == 0 {
		if exe, err := os.Executable(); err == nil {
			opts.StaticCommand = []string{exe, "static"}
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		queue:       queue,
		deployments: deployments,
		sources:     sources,
		images:      images,
		runner:      runner,
		workspace:   ws,
		bus:         bus,
		log:         logger.With("component", "pipeline"),
		opts:        opts,
		metrics:     newMetrics(),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight job has returned.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	p.log.Info("build workers started", "workers", p.opts.Workers)
	wg.Wait()
}

func (p *Pipeline) work(ctx context.Context, worker int) {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("dequeue failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.Process(ctx, job)
	}
}

// Process runs one claimed job to completion.
func (p *Pipeline) Process(ctx context.Context, job *domain.Job) {
	started := time.Now()
	log := p.log.With("job_id", job.ID, "application", job.Application, "deployment_id", job.Payload.DeploymentID)

	dep, err := p.deployments.GetDeployment(ctx, job.Payload.DeploymentID)
	if err != nil {
		log.Error("load deployment failed", "error", err)
		p.finishJob(ctx, job, fmt.Errorf("load deployment: %w", err), log)
		return
	}
	if dep.Status.Terminal() {
		log.Info("deployment already settled, skipping job", "status", dep.Status)
		if err := p.queue.Complete(ctx, job); err != nil {
			log.Error("complete job failed", "error", err)
		}
		return
	}
	if dep.Status == domain.DeploymentPending {
		if dep, err = p.transition(ctx, domain.DeploymentUpdate{ID: dep.ID, Status: domain.DeploymentBuilding}); err != nil {
			log.Error("mark deployment building failed", "error", err)
			p.finishJob(ctx, job, err, log)
			return
		}
	}

	prior, err := p.deployments.LatestLive(ctx, dep.Application)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Warn("lookup live deployment failed", "error", err)
	}

	tail := newOutputTail(func(line string) {
		p.runner.AppendLog(dep.Application, "build", line)
	})
	plan, err := p.build(ctx, dep, tail, log)
	tail.Flush()
	if err == nil {
		if _, lookupErr := p.deployments.GetDeployment(ctx, dep.ID); errors.Is(lookupErr, repository.ErrNotFound) {
			log.Info("application deleted during build, not starting")
			if err := p.queue.Complete(ctx, job); err != nil {
				log.Error("complete job failed", "error", err)
			}
			return
		}
		err = p.start(ctx, dep, plan)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: the job stays active and is requeued on the next start.
			log.Warn("deployment interrupted", "error", err)
			return
		}
		p.fail(ctx, job, dep, plan, err, tail, started, log)
		return
	}

	live, err := p.transition(ctx, domain.DeploymentUpdate{
		ID:        dep.ID,
		Status:    domain.DeploymentLive,
		Message:   fmt.Sprintf("live from %s", shortRef(dep.CommitRef)),
		BuildType: plan.Type,
	})
	if errors.Is(err, repository.ErrNotFound) {
		log.Info("application deleted while starting, removing it")
		if err := p.runner.Remove(ctx, dep.Application); err != nil && !errors.Is(err, supervisor.ErrNotFound) {
			log.Error("remove deleted application failed", "error", err)
		}
		if err := p.queue.Complete(ctx, job); err != nil {
			log.Error("complete job failed", "error", err)
		}
		return
	}
	if err != nil {
		log.Error("mark deployment live failed", "error", err)
	}
	if err := p.queue.Complete(ctx, job); err != nil {
		log.Error("complete job failed", "error", err)
	}
	p.metrics.record(string(plan.Type), "live", time.Since(started))
	log.Info("deployment live", "build_type", plan.Type, "duration_ms", time.Since(started).Milliseconds())
	if live != nil && prior != nil && prior.ID != dep.ID {
		p.collect(ctx, *prior, log)
	}
}

func (p *Pipeline) build(ctx context.Context, dep *domain.Deployment, tail *outputTail, log *slog.Logger) (Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.BuildTimeout)
	defer cancel()

	commit, err := p.sources.Resolve(ctx, dep.Repository, dep.CommitRef)
	if err != nil {
		return Plan{}, stageError(StageCheckout, err, errors.Is(err, gitrepo.ErrNotExist) || ctx.Err() == nil)
	}
	dir, err := p.workspace.Prepare(dep.ID)
	if err != nil {
		return Plan{}, stageError(StageCheckout, err, false)
	}
	if err := p.sources.Checkout(ctx, dep.Repository, commit, dir); err != nil {
		return Plan{}, stageError(StageCheckout, err, false)
	}
	plan, err := Detect(dir)
	if err != nil {
		return Plan{}, stageError(StageDetect, err, true)
	}
	tail.Add(fmt.Sprintf("building %s as %s", shortRef(commit), plan.Type))
	log.Info("build started", "build_type", plan.Type, "commit", commit)

	switch plan.Type {
	case domain.BuildContainer:
		if p.images == nil {
			return plan, stageError(StageBuild, docker.ErrUnavailable, true)
		}
		if err := p.images.BuildImage(ctx, dir, docker.ImageTag(dep.Application, dep.ID), tail.Add); err != nil {
			return plan, stageError(StageBuild, timeoutCause(ctx, err), true)
		}
	case domain.BuildNode:
		for _, step := range plan.Steps {
			if err := runStep(ctx, dir, step, tail); err != nil {
				return plan, stageError(StageBuild, timeoutCause(ctx, err), true)
			}
		}
	}
	return plan, nil
}

func (p *Pipeline) start(ctx context.Context, dep *domain.Deployment, plan Plan) error {
	spec := supervisor.Spec{
		Name:         dep.Application,
		DeploymentID: dep.ID,
		BuildType:    plan.Type,
		Dir:          p.workspace.Path(dep.ID),
	}
	switch plan.Type {
	case domain.BuildContainer:
		name := docker.ContainerName(dep.Application, dep.ID)
		command, err := docker.RunCommand(name, docker.ImageTag(dep.Application, dep.ID), docker.DefaultContainerPort, supervisor.PortPlaceholder)
		if err != nil {
			return stageError(StageStart, err, true)
		}
		if p.images != nil {
			// A container left over from a killed CLI would hold the name.
			if err := p.images.RemoveContainer(ctx, name); err != nil {
				p.log.Warn("remove stale container failed", "container", name, "error", err)
			}
		}
		spec.Command = command
		spec.Cleanup = func() {
			if p.images == nil {
				return
			}
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := p.images.RemoveContainer(cleanupCtx, name); err != nil {
				p.log.Warn("remove container failed", "container", name, "error", err)
			}
		}
	case domain.BuildNode:
		spec.Command = plan.Start
		spec.Env = []string{"NODE_ENV=production"}
	default:
		if len(p.opts.StaticCommand) == 0 {
			return stageError(StageStart, fmt.Errorf("no static server command configured"), true)
		}
		spec.Command = p.opts.StaticCommand
		spec.Env = []string{"DIRECTORY=" + spec.Dir}
	}
	if _, err := p.runner.Deploy(ctx, spec); err != nil {
		return stageError(StageStart, err, true)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, job *domain.Job, dep *domain.Deployment, plan Plan, cause error, tail *outputTail, started time.Time, log *slog.Logger) {
	retry, err := p.queue.Fail(ctx, job, cause)
	if err != nil {
		log.Error("record job failure failed", "error", err)
	}
	if retry {
		log.Warn("deployment attempt failed, will retry", "error", cause)
		return
	}
	message := cause.Error()
	if lines := tail.Snapshot(failureTailLines); len(lines) > 0 {
		message += "\n" + strings.Join(lines, "\n")
	}
	if _, err := p.transition(ctx, domain.DeploymentUpdate{ID: dep.ID, Status: domain.DeploymentFailed, Message: message, BuildType: plan.Type}); err != nil {
		log.Error("mark deployment failed failed", "error", err)
	}
	p.runner.AppendLog(dep.Application, "system", fmt.Sprintf("deployment %s failed: %v", dep.ID, cause))
	if err := p.workspace.CleanupByID(dep.ID); err != nil {
		log.Warn("cleanup workspace failed", "error", err)
	}
	if plan.Type == domain.BuildContainer && p.images != nil {
		if err := p.images.RemoveImage(ctx, docker.ImageTag(dep.Application, dep.ID)); err != nil {
			log.Warn("remove image failed", "error", err)
		}
	}
	p.metrics.record(string(plan.Type), "failed", time.Since(started))
	log.Error("deployment failed", "error", cause)
}

// finishJob settles a job whose deployment could not be processed at all.
func (p *Pipeline) finishJob(ctx context.Context, job *domain.Job, cause error, log *slog.Logger) {
	if _, err := p.queue.Fail(ctx, job, cause); err != nil {
		log.Error("record job failure failed", "error", err)
	}
}

// collect removes artifacts of a deployment that is no longer serving.
func (p *Pipeline) collect(ctx context.Context, old domain.Deployment, log *slog.Logger) {
	if err := p.workspace.CleanupByID(old.ID); err != nil {
		log.Warn("cleanup previous workspace failed", "previous_deployment_id", old.ID, "error", err)
	}
	if old.BuildType == domain.BuildContainer && p.images != nil {
		if err := p.images.RemoveImage(ctx, docker.ImageTag(old.Application, old.ID)); err != nil {
			log.Warn("remove previous image failed", "previous_deployment_id", old.ID, "error", err)
		}
	}
}

func (p *Pipeline) transition(ctx context.Context, update domain.DeploymentUpdate) (*domain.Deployment, error) {
	dep, err := p.deployments.TransitionDeployment(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("transition deployment %s to %s: %w", update.ID, update.Status, err)
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
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
	return dep, nil
}

// runStep executes one build command, streaming combined output into tail.
func runStep(ctx context.Context, dir string, args []string, tail *outputTail) error {
	if len(args) == 0 {
		return nil
	}
	tail.Add("$ " + strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=true")
	cmd.WaitDelay = 5 * time.Second
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			tail.Add(strings.TrimRight(scanner.Text(), "\r"))
		}
		io.Copy(io.Discard, pr)
	}()
	err := cmd.Run()
	pw.Close()
	<-done
	if err != nil {
		return fmt.Errorf("%s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func timeoutCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("build timed out: %w", err)
	}
	return err
}

func shortRef(ref string) string {
	if len(ref) == 40 {
		return ref[:8]
	}
	return ref
}

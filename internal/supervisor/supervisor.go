package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/events"
)

// ErrNotFound indicates an unknown application.
var ErrNotFound = errors.New("supervisor: application not found")

// ErrStopped indicates the application was stopped while a deploy was starting it.
var ErrStopped = errors.New("supervisor: application stopped during deploy")

const maxRestartDelay = 30 * time.Second

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(events.Event) <-chan struct{}
}

// Options configure the supervisor.
type Options struct {
	PortStart      int
	PortEnd        int
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	MaxRestarts    int
	RestartBackoff time.Duration
	LogLines       int
	SampleCapacity int
	// StableAfter is how long an instance must run before a crash starts a
	// fresh restart budget.
	StableAfter time.Duration
}

func (o *Options) applyDefaults() {
	if o.PortStart == 0 && o.PortEnd == 0 {
		o.PortStart, o.PortEnd = 10000, 10999
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.MaxRestarts < 0 {
		o.MaxRestarts = 0
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 500 * time.Millisecond
	}
	if o.LogLines <= 0 {
		o.LogLines = 1000
	}
	if o.SampleCapacity <= 0 {
		o.SampleCapacity = 60
	}
	if o.StableAfter <= 0 {
		o.StableAfter = time.Minute
	}
}

// Supervisor owns the lifecycle of every application process: port
// assignment, readiness, crash restarts, output capture and resource samples.
type Supervisor struct {
	mu      sync.Mutex
	apps    map[string]*app
	ports   *PortPool
	opts    Options
	log     *slog.Logger
	bus     Publisher
	metrics *metrics
}

type app struct {
	name     string
	logs     *LogRing
	deployMu sync.Mutex

	mu           sync.Mutex
	spec         Spec
	current      *instance
	status       domain.AppStatus
	restarts     int
	generation   uint64
	restartTimer *time.Timer
	backoff      backoff.BackOff
	usage        *ring[domain.Usage]
	cpu          cpuSample
}

// New constructs a Supervisor.
func New(bus Publisher, logger *slog.Logger, opts Options) (*Supervisor, error) {
	opts.applyDefaults()
	ports, err := NewPortPool(opts.PortStart, opts.PortEnd)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		apps:    make(map[string]*app),
		ports:   ports,
		opts:    opts,
		log:     logger.With("component", "supervisor"),
		bus:     bus,
		metrics: newMetrics(),
	}, nil
}

func (s *Supervisor) ensureApp(name string) *app {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[name]
	if !ok {
		a = &app{
			name:    name,
			logs:    NewLogRing(s.opts.LogLines),
			status:  domain.AppStopped,
			usage:   newRing[domain.Usage](s.opts.SampleCapacity),
			backoff: s.newBackoff(),
		}
		s.apps[name] = a
	}
	return a
}

func (s *Supervisor) lookup(name string) (*app, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a, nil
}

func (s *Supervisor) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RestartBackoff
	b.Multiplier = 2
	b.MaxInterval = maxRestartDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(s.opts.MaxRestarts))
}

// Deploy starts spec on a fresh port and, once it accepts connections, makes
// it the application's current instance. The previous instance keeps serving
// until then and is stopped afterwards. On failure the previous instance is
// left untouched.
func (s *Supervisor) Deploy(ctx context.Context, spec Spec) (domain.Application, error) {
	a := s.ensureApp(spec.Name)
	a.deployMu.Lock()
	defer a.deployMu.Unlock()

	a.mu.Lock()
	gen := a.generation
	crashPending := a.current == nil && a.status == domain.AppCrashed
	if a.current == nil {
		a.status = domain.AppStarting
	}
	a.mu.Unlock()

	inst, err := s.launch(ctx, a, spec)
	if err != nil {
		a.mu.Lock()
		switch {
		case a.generation != gen, a.current != nil:
		case crashPending:
			a.status = domain.AppCrashed
		default:
			// First start: the new spec gets its own restart budget.
			a.spec = spec
			a.restarts = 0
			a.backoff = s.newBackoff()
			s.scheduleRestartLocked(a)
		}
		a.mu.Unlock()
		a.logs.Append("system", fmt.Sprintf("deployment %s failed to start: %v", spec.DeploymentID, err))
		s.log.Error("application start failed", "application", spec.Name, "deployment_id", spec.DeploymentID, "error", err)
		return s.snapshot(a, 0), err
	}

	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		inst.terminate(s.opts.StopTimeout)
		a.logs.Append("system", fmt.Sprintf("deployment %s discarded: application stopped", spec.DeploymentID))
		s.log.Warn("application stopped during deploy", "application", spec.Name, "deployment_id", spec.DeploymentID)
		return s.snapshot(a, 0), fmt.Errorf("%w: %s", ErrStopped, spec.Name)
	}
	old := a.current
	a.generation++
	a.cancelRestartLocked()
	a.spec = spec
	a.current = inst
	a.status = domain.AppRunning
	a.restarts = 0
	a.backoff = s.newBackoff()
	a.cpu = cpuSample{}
	a.mu.Unlock()

	s.log.Info("application running", "application", spec.Name, "deployment_id", spec.DeploymentID, "port", inst.port, "pid", inst.pid())
	s.publishReady(ctx, a.name, inst)
	if old != nil {
		s.log.Info("retiring previous instance", "application", spec.Name, "deployment_id", old.spec.DeploymentID, "port", old.port)
		old.terminate(s.opts.StopTimeout)
	}
	return s.snapshot(a, 0), nil
}

// launch allocates a port, starts spec and waits for readiness.
func (s *Supervisor) launch(ctx context.Context, a *app, spec Spec) (*instance, error) {
	port, err := s.ports.Allocate()
	if err != nil {
		return nil, err
	}
	inst, err := startInstance(spec, port, a.logs, s.opts.StopTimeout)
	if err != nil {
		s.ports.Release(port)
		return nil, err
	}
	go s.monitor(a, inst)
	if err := inst.waitReady(ctx, s.opts.StartTimeout); err != nil {
		inst.terminate(s.opts.StopTimeout)
		return nil, err
	}
	return inst, nil
}

// monitor releases the instance port on exit and restarts the application if
// the instance was still current, i.e. it crashed.
func (s *Supervisor) monitor(a *app, inst *instance) {
	<-inst.exited
	s.ports.Release(inst.port)

	a.mu.Lock()
	if a.current != inst {
		a.mu.Unlock()
		return
	}
	a.current = nil
	if time.Since(inst.startedAt) >= s.opts.StableAfter {
		a.backoff = s.newBackoff()
	}
	delay, scheduled := s.scheduleRestartLocked(a)
	deploymentID := inst.spec.DeploymentID
	a.mu.Unlock()

	s.metrics.crash(a.name)
	if scheduled {
		s.log.Warn("application crashed, restarting", "application", a.name, "deployment_id", deploymentID, "error", inst.exitErr, "delay", delay)
		a.logs.Append("system", fmt.Sprintf("process exited (%v), restarting in %s", inst.exitErr, delay))
	} else {
		s.log.Error("application crashed, restart limit reached", "application", a.name, "deployment_id", deploymentID, "error", inst.exitErr)
		a.logs.Append("system", fmt.Sprintf("process exited (%v), giving up", inst.exitErr))
	}
	s.bus.Publish(events.Event{
		Type:         events.ApplicationDown,
		Application:  a.name,
		DeploymentID: deploymentID,
		Port:         inst.port,
		Status:       string(domain.AppCrashed),
	})
}

// scheduleRestartLocked marks a Crashed (or Errored once restarts are
// exhausted) and arms the restart timer. Caller holds a.mu.
func (s *Supervisor) scheduleRestartLocked(a *app) (time.Duration, bool) {
	delay := a.backoff.NextBackOff()
	if delay == backoff.Stop {
		a.status = domain.AppErrored
		return 0, false
	}
	a.status = domain.AppCrashed
	a.restarts++
	gen := a.generation
	a.restartTimer = time.AfterFunc(delay, func() { s.restart(a, gen) })
	return delay, true
}

func (s *Supervisor) restart(a *app, gen uint64) {
	a.deployMu.Lock()
	defer a.deployMu.Unlock()

	a.mu.Lock()
	if a.generation != gen || a.status != domain.AppCrashed {
		a.mu.Unlock()
		return
	}
	spec := a.spec
	a.status = domain.AppStarting
	a.mu.Unlock()

	s.metrics.restart(a.name)
	inst, err := s.launch(context.Background(), a, spec)

	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		if inst != nil {
			inst.terminate(s.opts.StopTimeout)
		}
		return
	}
	if err != nil {
		delay, scheduled := s.scheduleRestartLocked(a)
		a.mu.Unlock()
		s.log.Error("application restart failed", "application", a.name, "error", err, "retry", scheduled, "delay", delay)
		a.logs.Append("system", fmt.Sprintf("restart failed: %v", err))
		return
	}
	a.current = inst
	a.status = domain.AppRunning
	a.cpu = cpuSample{}
	a.mu.Unlock()

	s.log.Info("application restarted", "application", a.name, "deployment_id", spec.DeploymentID, "port", inst.port)
	s.publishReady(context.Background(), a.name, inst)
}

func (a *app) cancelRestartLocked() {
	if a.restartTimer != nil {
		a.restartTimer.Stop()
		a.restartTimer = nil
	}
}

func (s *Supervisor) publishReady(ctx context.Context, name string, inst *instance) {
	done := s.bus.Publish(events.Event{
		Type:         events.ApplicationReady,
		Application:  name,
		DeploymentID: inst.spec.DeploymentID,
		Port:         inst.port,
		Status:       string(domain.AppRunning),
	})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stop terminates the application and cancels any pending restart. Stopping a
// stopped application is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	a, err := s.lookup(name)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.generation++
	gen := a.generation
	a.cancelRestartLocked()
	inst := a.current
	a.current = nil
	if inst == nil {
		a.status = domain.AppStopped
		a.mu.Unlock()
		return nil
	}
	a.status = domain.AppStopping
	a.mu.Unlock()

	done := s.bus.Publish(events.Event{
		Type:         events.ApplicationDown,
		Application:  name,
		DeploymentID: inst.spec.DeploymentID,
		Port:         inst.port,
		Status:       string(domain.AppStopped),
	})
	select {
	case <-done:
	case <-ctx.Done():
	}
	inst.terminate(s.opts.StopTimeout)

	a.mu.Lock()
	if a.generation == gen {
		a.status = domain.AppStopped
	}
	a.mu.Unlock()
	s.log.Info("application stopped", "application", name, "deployment_id", inst.spec.DeploymentID)
	return nil
}

// Remove stops the application and forgets it, including its logs.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.apps, name)
	s.mu.Unlock()
	s.metrics.forget(name)
	return nil
}

// Shutdown stops every application.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.apps))
	for name := range s.apps {
		names = append(names, name)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.Stop(ctx, name); err != nil {
				s.log.Warn("stop during shutdown failed", "application", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
}

// CheckUnreachable reacts to the proxy failing to reach an instance. A
// process that still accepts connections is re-announced; one that does not
// is killed so the crash path restarts it.
func (s *Supervisor) CheckUnreachable(ctx context.Context, ev events.Event) {
	a, err := s.lookup(ev.Application)
	if err != nil {
		return
	}
	a.mu.Lock()
	inst := a.current
	a.mu.Unlock()
	if inst == nil || inst.port != ev.Port {
		return
	}
	if dialPort(inst.port) {
		s.log.Info("upstream reachable again", "application", ev.Application, "port", inst.port)
		s.bus.Publish(events.Event{
			Type:         events.ApplicationReady,
			Application:  ev.Application,
			DeploymentID: inst.spec.DeploymentID,
			Port:         inst.port,
			Status:       string(domain.AppRunning),
		})
		return
	}
	s.log.Warn("upstream unreachable, killing instance", "application", ev.Application, "port", inst.port)
	go inst.terminate(s.opts.StopTimeout)
}

// AppendLog adds a line to the application's log, creating the entry if needed.
func (s *Supervisor) AppendLog(name, stream, text string) {
	s.ensureApp(name).logs.Append(stream, text)
}

// Logs returns up to limit recent log lines.
func (s *Supervisor) Logs(name string, limit int) ([]domain.LogLine, error) {
	a, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return a.logs.Lines(limit), nil
}

// Subscribe follows new log lines of name.
func (s *Supervisor) Subscribe(name string) (<-chan domain.LogLine, func(), error) {
	a, err := s.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := a.logs.Subscribe()
	return ch, cancel, nil
}

// Application returns a snapshot of one application.
func (s *Supervisor) Application(name string, logLimit int) (domain.Application, error) {
	a, err := s.lookup(name)
	if err != nil {
		return domain.Application{}, err
	}
	return s.snapshot(a, logLimit), nil
}

// Snapshot lists all applications sorted by name.
func (s *Supervisor) Snapshot(logLimit int) []domain.Application {
	s.mu.Lock()
	apps := make([]*app, 0, len(s.apps))
	for _, a := range s.apps {
		apps = append(apps, a)
	}
	s.mu.Unlock()
	sort.Slice(apps, func(i, j int) bool { return apps[i].name < apps[j].name })
	out := make([]domain.Application, 0, len(apps))
	for _, a := range apps {
		out = append(out, s.snapshot(a, logLimit))
	}
	return out
}

func (s *Supervisor) snapshot(a *app, logLimit int) domain.Application {
	a.mu.Lock()
	view := domain.Application{
		Name:         a.name,
		Status:       a.status,
		DeploymentID: a.spec.DeploymentID,
		BuildType:    a.spec.BuildType,
		Restarts:     a.restarts,
		Usage:        a.usage.last(0),
	}
	if a.current != nil {
		started := a.current.startedAt
		view.PID = a.current.pid()
		view.Port = a.current.port
		view.DeploymentID = a.current.spec.DeploymentID
		view.StartedAt = &started
	}
	a.mu.Unlock()
	view.Logs = a.logs.Lines(logLimit)
	return view
}

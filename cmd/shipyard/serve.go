package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/shipyard/internal/app/migrate"
	"github.com/splax/shipyard/internal/credentials"
	"github.com/splax/shipyard/internal/docker"
	"github.com/splax/shipyard/internal/events"
	"github.com/splax/shipyard/internal/gateway"
	"github.com/splax/shipyard/internal/gitrepo"
	httpx "github.com/splax/shipyard/internal/http"
	"github.com/splax/shipyard/internal/pipeline"
	"github.com/splax/shipyard/internal/queue"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/repository/memory"
	"github.com/splax/shipyard/internal/repository/postgres"
	"github.com/splax/shipyard/internal/routing"
	"github.com/splax/shipyard/internal/service/auth"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/supervisor"
	"github.com/splax/shipyard/internal/workspace"
	"github.com/splax/shipyard/internal/ws"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/crypto"
)

const (
	janitorInterval = time.Hour
	flushInterval   = 5 * time.Second
	shutdownTimeout = 15 * time.Second
)

type store interface {
	repository.JobRepository
	repository.DeploymentRepository
}

func serve(cfg config.PlatformConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := credentials.Open(cfg.ConfigDir, log)
	if err != nil {
		return fmt.Errorf("open credentials: %w", err)
	}

	repo, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	secret := cfg.JWTSecret
	if secret == "" {
		if secret, err = crypto.RandomSecret(32); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		log.Warn("JWT_SECRET not set, sessions will not survive a restart")
	}
	authSvc := auth.New(creds, log, secret, cfg.SessionTTL)

	bus := events.NewBus(log)
	defer bus.Close()

	jobs := queue.New(repo, log, queue.Options{MaxAttempts: cfg.MaxJobAttempts, Retention: cfg.JobRetention})
	if n, err := jobs.Recover(ctx); err != nil {
		log.Error("requeue interrupted jobs failed", "error", err)
	} else if n > 0 {
		log.Info("interrupted jobs requeued", "count", n)
	}

	sup, err := supervisor.New(bus, log, supervisor.Options{
		PortStart:      cfg.PortRangeStart,
		PortEnd:        cfg.PortRangeEnd,
		StartTimeout:   cfg.StartTimeout,
		StopTimeout:    cfg.StopTimeout,
		MaxRestarts:    cfg.MaxRestarts,
		RestartBackoff: cfg.RestartBackoff,
		StableAfter:    cfg.RestartStable,
		LogLines:       cfg.LogLines,
		SampleCapacity: cfg.SampleCapacity,
	})
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	table := routing.NewTable(log)
	table.SetDefault(cfg.DefaultApp)
	bus.Subscribe("routing", table.Apply, events.ApplicationReady, events.ApplicationDown)
	bus.Subscribe("unreachable", func(ctx context.Context, ev events.Event) {
		if ev.Status == events.StatusUnreachable {
			sup.CheckUnreachable(ctx, ev)
		}
	}, events.ApplicationDown)

	sources, err := gitrepo.New(cfg.ReposDir, cfg.GitTimeout)
	if err != nil {
		return fmt.Errorf("open repositories: %w", err)
	}
	builds, err := workspace.New(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("open build workspace: %w", err)
	}

	var images pipeline.Images
	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Warn("docker client unavailable, container builds disabled", "error", err)
	} else {
		defer dockerClient.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := dockerClient.Ping(pingCtx); err != nil {
			log.Warn("docker daemon unreachable, container builds disabled", "error", err)
		} else {
			log.Info("docker engine connected", "host", dockerClient.Host())
			images = dockerClient
		}
		cancel()
	}

	deploySvc := deploy.New(repo, jobs, sup, sources, bus, log)
	bus.Subscribe("deploy", deploySvc.HandleEvent, events.DeployRequested)

	pipe := pipeline.New(jobs, repo, sources, images, sup, builds, bus, log, pipeline.Options{
		Workers:      cfg.Workers,
		BuildTimeout: cfg.BuildTimeout,
	})

	counts := &routing.RequestCounts{}
	proxy := routing.NewProxy(table, cfg.BaseDomain, counts, func(application, deploymentID string, port int) {
		bus.Publish(events.Event{
			Type:         events.ApplicationDown,
			Application:  application,
			DeploymentID: deploymentID,
			Port:         port,
			Status:       events.StatusUnreachable,
			At:           time.Now().UTC(),
		})
	}, log)

	hub := ws.NewHub(sup, log)
	defer hub.Close()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}
	router := httpx.NewRouter(log, authSvc, creds, deploySvc, sup, hub, limiter, appURL(cfg), dbHealth)
	defer router.Close()

	git := gateway.New(creds, sources, bus, log)

	var background sync.WaitGroup
	background.Add(4)
	go func() {
		defer background.Done()
		pipe.Run(ctx)
	}()
	go func() {
		defer background.Done()
		jobs.RunJanitor(ctx, janitorInterval)
	}()
	go func() {
		defer background.Done()
		sup.RunSampler(ctx, cfg.SampleEvery)
	}()
	go func() {
		defer background.Done()
		deploySvc.RunRequestFlusher(ctx, counts, flushInterval)
	}()

	if n, err := deploySvc.Recover(ctx); err != nil {
		log.Error("recover live applications failed", "error", err)
	} else if n > 0 {
		log.Info("redeploying previously live applications", "count", n)
	}

	servers := []*http.Server{
		{Addr: cfg.ProxyAddr, Handler: proxy, ReadHeaderTimeout: 10 * time.Second},
		{Addr: cfg.APIAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second},
		{Addr: cfg.GitAddr, Handler: httpx.AccessLog(log.With("component", "gateway"), "git", git), ReadHeaderTimeout: 5 * time.Second},
	}
	names := []string{"proxy", "api", "git"}
	errorCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func(name string, srv *http.Server) {
			log.Info("server starting", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}(names[i], srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case runErr = <-errorCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "server", names[i], "error", err)
		}
	}
	background.Wait()
	sup.Shutdown(shutdownCtx)
	log.Info("shipyard stopped")
	return runErr
}

// openStore returns the Postgres repository when DATABASE_URL is set and the
// in-memory repository otherwise.
func openStore(ctx context.Context, cfg config.PlatformConfig, log *slog.Logger) (store, func(context.Context) error, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, deployments and jobs are kept in memory")
		return memory.New(), nil, func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		runner.Close()
		return nil, nil, nil, fmt.Errorf("database ping: %w", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		runner.Close()
		return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return postgres.New(pool), pool.Ping, runner.Close, nil
}

// appURL builds the public URL of an application behind the proxy.
func appURL(cfg config.PlatformConfig) func(string) string {
	suffix := ""
	if _, port, err := net.SplitHostPort(cfg.ProxyAddr); err == nil && port != "" && port != "80" {
		suffix = ":" + port
	}
	return func(application string) string {
		return "http://" + application + "." + cfg.BaseDomain + suffix
	}
}

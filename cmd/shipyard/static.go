package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splax/shipyard/pkg/config"
)

// serveStatic is the process the supervisor launches for static applications.
func serveStatic(cfg config.PlatformConfig, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info, err := os.Stat(cfg.StaticDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("DIRECTORY is not a directory")
	}
	srv := &http.Server{
		Addr:              cfg.ProxyAddr,
		Handler:           http.FileServer(http.Dir(cfg.StaticDir)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errorCh := make(chan error, 1)
	go func() {
		log.Info("static server starting", "addr", cfg.ProxyAddr, "dir", cfg.StaticDir)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errorCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

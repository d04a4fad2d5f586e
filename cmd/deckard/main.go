package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/deckard/internal/app"
	"github.com/antoniostano/deckard/internal/config"
	"github.com/antoniostano/deckard/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("config error", "error", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	built, err := app.Build(context.Background(), cfg)
	if err != nil {
		logging.Error("startup failed", "error", err)
		os.Exit(1)
	}
	logging.Info("providers resolved",
		"realtime", built.Providers.Realtime,
		"realtime_detail", built.Providers.RealtimeDetail,
		"video_detail", built.Providers.VideoDetail,
		"response_buffering", built.Config.ResponseBuffering,
		"default_persona", built.Config.DefaultPersona,
	)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	serveErr := make(chan error, 1)
	go func() {
		logging.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	exitCode := 0
	select {
	case sig := <-sigCh:
		logging.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		logging.Error("listen error", "error", err)
		exitCode = 1
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		logging.Warn("cleanup failed", "error", err)
	}

	logging.Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

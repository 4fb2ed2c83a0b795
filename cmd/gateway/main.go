package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/ingest"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/preference"
	"github.com/lalithlochan/herald/internal/sender"
	"github.com/lalithlochan/herald/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx := context.Background()
	deps := &dependencies{cfg: cfg, logger: logger}
	defer deps.close()

	store, err := deps.openStore(ctx)
	if err != nil {
		return err
	}
	cache, inbox := deps.openRedis(ctx)

	senders, err := deps.buildSenders(ctx, inbox)
	if err != nil {
		return err
	}

	var opts []dispatch.Option
	if pubs := deps.buildPublishers(ctx); len(pubs) > 0 {
		opts = append(opts, dispatch.WithEvents(pubs))
	}
	if cache != nil {
		opts = append(opts, dispatch.WithIdempotencyCache(cache))
	}
	dcfg := dispatch.DefaultConfig()
	dcfg.SendTimeout = cfg.SendTimeout
	dispatcher := dispatch.New(store, store, preference.NewGate(store, logger.Named("preference")),
		sender.NewRegistry(logger, senders...), dcfg, logger.Named("dispatch"), opts...)

	ingester := ingest.NewHandler(dispatcher, logger.Named("ingest"))

	w := worker.New(store, dispatcher, worker.Config{
		Concurrency:     cfg.WorkerConcurrency,
		BatchSize:       cfg.WorkerBatchSize,
		PendingInterval: cfg.WorkerPendingInterval,
		RetryInterval:   cfg.WorkerRetryInterval,
	}, logger.Named("worker"))

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var background sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn(bgCtx)
		}()
	}

	spawn(w.Start)
	apiOpts, err := deps.startConsumers(ctx, ingester, spawn)
	if err != nil {
		return err
	}

	apiOpts = append(apiOpts,
		api.WithIngester(ingester),
		api.WithInbox(inbox),
		api.WithBreakers(func() []circuitbreaker.Snapshot { return circuitbreaker.Snapshots(senders) }),
	)
	apiOpts = append(apiOpts, deps.healthChecks()...)
	handler := api.NewHandler(logger.Named("api"), dispatcher, store, store, apiOpts...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, logger.Named("http")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			serveErr = fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	// Stop intake first, then let claimed attempts and confirmations finish
	// so no row is left PROCESSING by this process.
	bgCancel()
	background.Wait()
	dispatcher.Wait()

	logger.Info("gateway stopped")
	return serveErr
}

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

	"github.com/spf13/cobra"

	"postflow/internal/api"
	"postflow/internal/audit"
	"postflow/internal/content"
	"postflow/internal/dispatch"
	"postflow/internal/publish"
	"postflow/internal/queue"
	"postflow/internal/scheduler"
	"postflow/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poller, the content scanner and the ops HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), appFrom(cmd))
		},
	}
}

func serve(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, log := a.cfg, a.log

	sinks := audit.Multi{a.activity, audit.NewLogSink(log)}
	if cfg.NATSURL != "" {
		nc, err := audit.Connect(cfg.NATSURL, "postflow")
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer func() { _ = nc.Drain() }()
		sinks = append(sinks, audit.NewNATSSink(nc, cfg.NATSSubject))
		log.Info().Str("url", cfg.NATSURL).Str("subject", cfg.NATSSubject).Msg("activity fan-out to nats")
	}

	specs, err := publish.ParseSpecs(cfg.Publishers)
	if err != nil {
		return err
	}
	publishers, err := publish.Build(specs, a.creds)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		log.Warn().Msg("no publishers configured; due tasks will fail with a configuration error")
	}
	for _, s := range specs {
		log.Info().Str("platform", string(s.Platform)).Str("kind", s.Kind).Msg("publisher registered")
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("work dir: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	source := content.NewDirSource(cfg.ContentRoot, cfg.WorkDir)
	disp := dispatch.New(a.queue, a.content, source, publishers, sinks, log, dispatch.Options{
		AcquireTimeout: cfg.AcquireTimeout,
		PublishTimeout: cfg.PublishTimeout,
	})
	pool := worker.NewPool(queue.NewSelector(a.queue, cfg.BatchSize), disp, a.queue, sinks, log,
		cfg.Workers, cfg.PollInterval, cfg.StaleAfter)
	scanner := scheduler.NewService(a.content, a.content, source, a.queue, sinks, log, cfg.ScanInterval, loc)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Tasks:    a.queue,
			Activity: a.activity,
			Pool:     pool,
			Log:      log,
			Debug:    cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := scanner.Start(ctx); err != nil {
			log.Error().Err(err).Msg("content scanner")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-serverErr:
		log.Error().Err(err).Msg("http server")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}

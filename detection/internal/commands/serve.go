package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	detectionnats "github.com/telhawk-systems/telhawk-detection/detection/internal/nats"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/scheduler"
	"github.com/telhawk-systems/telhawk-detection/detection/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled detection worker",
	Long: `serve applies database migrations, then runs enabled rules on their
schedule, answers execution requests from NATS and serves /healthz,
/readyz and /metrics.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("running database migrations")
	if err := runMigrations(cfg); err != nil {
		return err
	}
	logger.Info("database migrations completed")

	a, err := connect(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	eng, err := a.newEngine(cfg)
	if err != nil {
		return err
	}

	sched := scheduler.New(a.repo, a.repo, eng, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		Concurrency:  cfg.Scheduler.Concurrency,
		StartRate:    cfg.Scheduler.StartRate,
		RunTimeout:   cfg.Scheduler.RunTimeout,
	}, logger)

	if a.nats != nil {
		handler := detectionnats.NewHandler(a.nats, sched, cfg.Engine.DefaultSpace, logger)
		if err := handler.Start(); err != nil {
			return err
		}
		defer handler.Stop()
	}

	checks := map[string]server.Check{
		"postgres":   func(ctx context.Context) error { return a.repo.Pool().Ping(ctx) },
		"opensearch": a.backend.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(server.NewHandler(checks)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return sched.Start(gctx) })
	}
	g.Go(func() error {
		logger.Info("detection service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.WriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

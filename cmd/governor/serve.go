package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/emperorhan/cycle-governor/internal/admin"
	"github.com/emperorhan/cycle-governor/internal/policy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health and metrics and run the cycle scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		logger.Info("starting cycle-governor",
			"governor_id", cfg.Governor.ID,
			"state_backend", cfg.Governor.StateBackend,
			"lock_backend", cfg.Evidence.LockBackend,
			"venue_mode", cfg.Venue.Mode,
			"venue", cfg.Venue.Name,
			"autonomous_mode", cfg.Autonomous.Enabled,
			"cycle_interval", cfg.CycleInterval().String(),
		)

		g, gCtx := errgroup.WithContext(ctx)

		status := func(ctx context.Context) (any, error) {
			st, err := a.machine.Snapshot(ctx)
			if err != nil {
				return nil, err
			}
			d := policy.Evaluate(cfg.PolicyEnv(), policy.TriggerDeterministicCycle, nil)
			return newStatusOutput(st, d, a.venue.Breaker().State().String()), nil
		}
		if a.db != nil {
			startDBPoolStatsPump(gCtx, a.db.DB, cfg.Governor.ID, cfg.DB.PoolStatsIntervalMS, logger)
		}

		g.Go(func() error {
			return runHealthServer(gCtx, cfg.Server.HealthPort, status, logger)
		})

		if cfg.Server.AdminPort > 0 {
			var opts []admin.ServerOption
			if a.evidence != nil {
				opts = append(opts, admin.WithEvidenceLister(a.evidence, cfg.Evidence.Suite))
			}
			srv := admin.NewServer(a.runner, cfg.Server.AdminToken, logger, opts...)
			g.Go(func() error {
				return runAdminServer(gCtx, cfg.Server.AdminPort, cfg.Governor.ID, srv, logger)
			})
		}

		if cfg.Autonomous.Enabled && cfg.CycleInterval() > 0 {
			g.Go(func() error {
				return a.runner.Run(gCtx)
			})
		} else {
			logger.Info("cycle scheduler disabled", "autonomous_mode", cfg.Autonomous.Enabled)
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("governor exited with error: %w", err)
		}
		logger.Info("governor shut down gracefully")
		return nil
	},
}

type statusFunc func(ctx context.Context) (any, error)

func newHealthMux(status statusFunc, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		v, err := status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := writeJSON(w, v); err != nil {
			logger.Warn("failed to write status response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHealthServer(ctx context.Context, port int, status statusFunc, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newHealthMux(status, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server listening", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func runAdminServer(ctx context.Context, port int, governorID string, srv *admin.Server, logger *slog.Logger) error {
	rl := admin.NewRateLimitMiddleware(logger)
	defer rl.Stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           rl.Wrap(admin.AuditMiddleware(logger, governorID, srv.Handler())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin server shutdown error", "error", err)
		}
	}()

	logger.Info("admin API listening", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

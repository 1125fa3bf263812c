package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/snow-ghost/usagemeter/pkg/config"
	"github.com/snow-ghost/usagemeter/pkg/httpapi"
	"github.com/snow-ghost/usagemeter/pkg/limiter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the alert evaluator and the config watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, path)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				_ = rt.Close(shutdownCtx)
			}()

			return rt.serve(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func (r *runtime) serve(ctx context.Context) error {
	logger := r.obs.Logger()

	opts := []httpapi.Option{
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithTracer(r.obs.Tracer()),
		httpapi.WithMetricsHandler(r.obs.Metrics().Handler()),
		httpapi.WithCurrency(r.cfg.PriceTable().Currency()),
		httpapi.WithAuditRecorder(r.audit),
	}
	if r.cfg.Server.IngestRate > 0 {
		opts = append(opts, httpapi.WithRateLimiter(limiter.NewRateLimiter(r.cfg.Server.IngestRate, r.cfg.Server.IngestBurst, r.cfg.Server.IngestMaxActors)))
	}

	srv := &http.Server{
		Addr:         r.cfg.Server.Addr,
		Handler:      httpapi.NewServer(r.engine, opts...).Handler(),
		ReadTimeout:  r.cfg.Server.ReadTimeout,
		WriteTimeout: r.cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting usage meter", "addr", srv.Addr, "store", r.cfg.Store.Driver, "cache", r.cfg.Cache.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		r.runAlerts(ctx)
		return nil
	})

	watcher := config.NewWatcher(r.path, r.cfg, logger.Named("config"), func(cfg *config.Config) {
		if err := r.engine.SetAlertRules(ctx, "config-watcher", cfg.Alerts.Rules); err != nil {
			logger.Warn("Alert rules not applied", "error", err)
		}
	})
	g.Go(func() error {
		if err := watcher.Run(ctx); err != nil {
			// Serving continues without hot reload.
			logger.Warn("Config watcher stopped", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// runAlerts evaluates the alert rules on the configured cadence
func (r *runtime) runAlerts(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Alerts.Interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			// Errors are logged by the engine; rules that failed keep their state.
			_, _ = r.engine.EvaluateAlerts(ctx, now)
		case <-ctx.Done():
			return
		}
	}
}

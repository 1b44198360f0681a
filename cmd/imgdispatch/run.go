package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/imgdispatch/api"
	audithook "github.com/xraph/imgdispatch/audit_hook"
	"github.com/xraph/imgdispatch/cron"
	"github.com/xraph/imgdispatch/engine"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), engine.RoleGateway, true)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), engine.RoleWorker, false)
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the deferred job scheduler and cron runner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), engine.RoleScheduler, false)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the gateway, scheduler and workers in one process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), engine.RoleAll, true)
	},
}

func run(parent context.Context, roles engine.Role, serveHTTP bool) error {
	if parent == nil {
		parent = context.Background()
	}
	s, err := loadSettings(envFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(s)
	if err != nil {
		return err
	}
	cfg, err := s.config()
	if err != nil {
		return err
	}
	entries, err := parseCronFlags(cronEntries)
	if err != nil {
		return err
	}
	if roles != engine.RoleAll && (s.Store == "memory" || s.Broker == "memory") {
		logger.Warn("memory store or broker is private to this process; other roles will not see its jobs")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	b, err := openBackends(ctx, s, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("closing backends", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	lifecycle := observability.NewMetricsExtension()
	lifecycle.MustRegister(reg)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithStore(b.store),
		engine.WithBroker(b.broker),
		engine.WithStorage(b.storage),
		engine.WithRoles(roles),
		engine.WithExtension(lifecycle),
		engine.WithQueueConfig(s.queueConfigs()...),
		engine.WithCronEntries(entries...),
	}
	if s.AuditLog {
		opts = append(opts, engine.WithExtension(audithook.New(
			audithook.SlogRecorder(logger.With(slog.String("component", "audit"))),
			audithook.WithLogger(logger),
		)))
	}

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := eng.Start(gctx); err != nil {
		return err
	}

	var srv *http.Server
	if serveHTTP {
		httpMetrics := api.NewHTTPMetrics("imgdispatch")
		httpMetrics.MustRegister(reg)
		srv = &http.Server{
			Addr: s.Addr,
			Handler: api.New(eng,
				api.WithLogger(logger),
				api.WithGatherer(reg),
				api.WithHTTPMetrics(httpMetrics),
			).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("gateway listening", slog.String("addr", s.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
			}
		}
		if err := eng.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// parseCronFlags reads --cron values of the form
// "name|schedule|input_ref[|WxH]".
func parseCronFlags(values []string) ([]cron.Entry, error) {
	entries := make([]cron.Entry, 0, len(values))
	for _, v := range values {
		parts := strings.Split(v, "|")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("--cron %q: want name|schedule|input_ref[|WxH]", v)
		}
		e := cron.Entry{
			Name:     strings.TrimSpace(parts[0]),
			Schedule: strings.TrimSpace(parts[1]),
			InputRef: strings.TrimSpace(parts[2]),
			Params:   job.DefaultParams(),
		}
		if len(parts) == 4 {
			ws, hs, ok := strings.Cut(strings.TrimSpace(parts[3]), "x")
			w, errW := strconv.Atoi(ws)
			h, errH := strconv.Atoi(hs)
			if !ok || errW != nil || errH != nil {
				return nil, fmt.Errorf("--cron %q: size must be WxH", v)
			}
			e.Params.Width, e.Params.Height = w, h
		}
		entries = append(entries, e)
	}
	return entries, nil
}

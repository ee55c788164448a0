package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sofatutor/gemini-pool/internal/admission"
	"github.com/sofatutor/gemini-pool/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var signalNotifyFunc = signal.Notify

// serverRunner is the part of server.Server that serve drives.
type serverRunner interface {
	Start() error
	Shutdown(ctx context.Context) error
}

func newServeCmd(c *cli) *cobra.Command {
	var (
		listenAddr      string
		managementToken string
		cleanupEvery    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			if listenAddr != "" {
				a.cfg.ListenAddr = listenAddr
			}
			if managementToken != "" {
				a.cfg.ManagementToken = managementToken
			}
			srv, err := a.newServer()
			if err != nil {
				return err
			}
			if err := a.settings.Start(cmd.Context()); err != nil {
				return fmt.Errorf("failed to watch settings: %w", err)
			}
			if cleanupEvery > 0 {
				go runEvery(cmd.Context(), cleanupEvery, a.cleanupMetrics)
			}
			if a.memLimiter != nil {
				go runEvery(cmd.Context(), time.Minute, a.pruneLimiter)
			}
			return serve(cmd.Context(), srv, a.logger)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default LISTEN_ADDR)")
	cmd.Flags().StringVar(&managementToken, "management-token", "", "Bearer token for /manage (default MANAGEMENT_TOKEN)")
	cmd.Flags().DurationVar(&cleanupEvery, "cleanup-interval", 24*time.Hour, "Interval of the metrics retention cleanup, 0 to disable")
	return cmd
}

// newServer wires the admission engine and its Prometheus registry into the
// HTTP server.
func (a *app) newServer() (*server.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		admission.NewPoolCollector(a.pool, a.logger),
	)
	engine := admission.New(a.registry, a.pool, a.metrics,
		admission.WithTokenStore(a.tokens),
		admission.WithQueue(a.queue),
		admission.WithCollectors(admission.NewCollectors(reg)),
		admission.WithAuditLogger(a.audit),
		admission.WithLogger(a.logger),
		admission.WithStrategy(a.strategy))

	return server.New(a.cfg, server.Deps{
		Engine:   engine,
		Registry: a.registry,
		Pool:     a.pool,
		Metrics:  a.metrics,
		Tokens:   a.tokens,
		Audit:    a.audit,
		Gatherer: reg,
	}, a.logger)
}

// runEvery calls fn on every tick until ctx is done.
func runEvery(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *app) cleanupMetrics(ctx context.Context) {
	if _, err := a.metrics.Cleanup(ctx, a.cfg.MetricsRetention); err != nil {
		a.logger.Warn("metrics cleanup failed", zap.Error(err))
	}
}

// pruneLimiter drops in-memory rate-limit counters of past windows.
func (a *app) pruneLimiter(context.Context) {
	if n := a.memLimiter.Prune(); n > 0 {
		a.logger.Debug("pruned rate limit counters", zap.Int("count", n))
	}
}

// serve runs srv until it fails, ctx is cancelled or SIGINT/SIGTERM arrives,
// then shuts it down gracefully.
func serve(ctx context.Context, srv serverRunner, logger *zap.Logger) error {
	done := make(chan os.Signal, 1)
	signalNotifyFunc(done, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(done)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-done:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(ctx.Err()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server exited gracefully")
	return nil
}

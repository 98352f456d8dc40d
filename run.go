package contextguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/contextguard/internal/observability"
	metrics "github.com/aixgo-dev/contextguard/pkg/observability"
)

const shutdownTimeout = 10 * time.Second

// Run loads the configuration at configFile and serves until SIGINT or
// SIGTERM.
func Run(configFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := Open(ctx, configFile)
	if err != nil {
		return err
	}
	defer func() { _ = g.Close() }()
	return g.Serve(ctx)
}

// Serve runs the dispatcher, its maintenance schedule and the metrics and
// health server until ctx is done. Tracing is initialized from the
// configuration and flushed on return. A recovery episode that exhausts the
// session budget ends Serve with that error.
func (g *Guard) Serve(ctx context.Context) error {
	if err := observability.Init(g.cfg.Observability.Tracing); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := observability.Shutdown(sctx); err != nil {
			g.logger.Warn("flush traces failed", "error", err)
		}
	}()
	metrics.InitMetrics()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.dispatcher.Run(ctx)
	})

	if addr := g.cfg.Observability.MetricsAddr; addr != "" {
		srv := metrics.NewServer(addr, g.health)
		eg.Go(func() error {
			g.logger.Info("metrics server listening", "addr", addr)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.logger.Info("contextguard running",
		"session", g.cfg.SessionID, "ceiling", g.cfg.Ceiling, "workload", g.cfg.Workload,
		"store", g.cfg.Store.Backend)
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	g.logger.Info("contextguard stopped")
	return err
}

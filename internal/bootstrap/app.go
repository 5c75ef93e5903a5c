// Package bootstrap runs the engine's long-lived components as one group:
// every runner gets the same signal-scoped context, the first failure
// cancels the rest, and shutdown waits for all of them before the cleanup
// stack unwinds.
package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"dca_engine/internal/core"
)

// Runner is a long-lived component. Run blocks until ctx is cancelled and
// returns nil on a clean stop; loops follow this convention throughout the
// engine.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a bare function into a Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// App owns the process lifecycle.
type App struct {
	logger  core.ILogger
	runners []Runner
	cleanup []func()
}

func New(logger core.ILogger) *App {
	return &App{logger: logger.WithField("component", "app")}
}

// Add registers a runner to start with the app.
func (a *App) Add(r Runner) {
	a.runners = append(a.runners, r)
}

// OnShutdown registers a cleanup hook. Hooks run after every runner has
// returned, in reverse registration order, so dependencies outlive their
// dependents.
func (a *App) OnShutdown(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

// Run starts every runner and blocks until they all return. SIGINT and
// SIGTERM cancel the shared context; a runner failure cancels it too, and
// the first error wins.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		for i := len(a.cleanup) - 1; i >= 0; i-- {
			a.cleanup[i]()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	a.logger.Info("Starting application", "runners", len(a.runners))

	for _, runner := range a.runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		a.logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.logger.Info("Application shut down cleanly")
	return nil
}

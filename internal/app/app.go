// Package app wires the daylightd services together and runs their lifecycle.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/config"
)

// App owns the services of one daemon run.
type App struct {
	cfg      *config.Config
	services *Services

	ctx      context.Context
	cancel   context.CancelCauseFunc
	stopOnce sync.Once
}

// New builds every service. Nothing is started and no network I/O happens
// beyond optional output connections.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, services: services}, nil
}

// Start connects to the bridge and starts the background services.
// Cancelling ctx begins shutdown.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancelCause(ctx)

	// A fatal background failure cancels the run with that failure as the cause
	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel(err)
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	log.Info().
		Dur("tick_interval", a.cfg.Control.TickInterval.Duration()).
		Bool("status_api", a.cfg.Status.Enabled).
		Msg("daylightd started")
	return nil
}

// Wait blocks until the run ends and returns the fatal error that ended it,
// or nil for a requested shutdown.
func (a *App) Wait() error {
	if a.ctx == nil {
		return nil
	}
	<-a.ctx.Done()

	cause := context.Cause(a.ctx)
	if errors.Is(cause, context.Canceled) || errors.Is(cause, errShutdownSignal) {
		return nil
	}
	return cause
}

// Run starts the app, waits for it to end and stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return err
	}
	err := a.Wait()
	a.Stop()
	return err
}

// Stop shuts every service down. It is safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		log.Info().Msg("Shutting down...")
		if a.cancel != nil {
			a.cancel(nil)
		}
		if a.services != nil {
			a.services.Close()
		}
	})
}

var errShutdownSignal = errors.New("shutdown signal received")

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel(errShutdownSignal)
	}()

	return ctx
}

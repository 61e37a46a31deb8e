// Package app provides top-level lifecycle management for the dispatch
// engine. It wires dependencies (stores, caches, broker, blob storage,
// notifications) and starts the goroutines for the configured operating
// mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkotak/algodispatch/internal/config"
)

// App is the root application object. It owns the configuration, logger,
// and a list of cleanup functions run in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the goroutines for the configured
// mode, and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting engine",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "paper", "live":
		return a.TradeMode(ctx, deps)
	case "reconcile":
		return a.ReconcileMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. Safe to
// call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down engine")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

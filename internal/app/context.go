// Package app wires the database, configuration and services shared by the
// CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"readyline/internal/config"
	"readyline/internal/db"
	"readyline/internal/engine"
	"readyline/internal/escalation"
	"readyline/internal/events"
	"readyline/internal/metrics"
	"readyline/internal/migrate"
	"readyline/internal/notify"
	"readyline/internal/registry"
	"readyline/internal/repo"
)

type Options struct {
	Workspace string
	// DBPath overrides the workspace database file.
	DBPath string
	// ConfigPath loads configuration from a file instead of the database.
	ConfigPath string
	Logger     *slog.Logger
	// Registry receives the Prometheus instruments. A fresh one is created when nil.
	Registry *prometheus.Registry
}

// Runtime holds everything a command or server needs for one workspace.
type Runtime struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Registry   *registry.Registry
	Engine     engine.Engine
	Scheduler  *escalation.Scheduler
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// Open opens and migrates the workspace database, resolves the active
// configuration and builds every service from it.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	cfg, err := ResolveConfig(ctx, opts.Workspace, opts.ConfigPath, r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	reg, err := registry.Build(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	promReg := opts.Registry
	if promReg == nil {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(promReg)
	sched := escalation.New(conn, reg, logger, m)
	notifier := notify.FromConfig(cfg.Notifications.Webhooks, notify.LogNotifier{Logger: logger})
	dispatcher := notify.NewDispatcher(r, notifier, logger, m)
	dispatcher.Limiter = notify.NewLimiter(cfg.Notifications.RatePerSecond)

	return &Runtime{
		DB:         conn,
		Repo:       r,
		Config:     cfg,
		Registry:   reg,
		Engine:     engine.New(conn, reg, logger, m),
		Scheduler:  sched,
		Dispatcher: dispatcher,
		Metrics:    m,
		Gatherer:   promReg,
		Logger:     logger,
	}, nil
}

func (rt *Runtime) Close() error {
	if rt == nil || rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}

// ResolveConfig picks the configuration for a workspace: an explicit file
// first, then the one stored in the database, then readyline.yml in the
// workspace, then the built-in default. Whatever is picked from outside the
// database is stored so later runs see the same rules.
func ResolveConfig(ctx context.Context, workspace, path string, r repo.Repo) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	cfg, err := r.LoadConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load stored config: %w", err)
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := ImportConfig(ctx, r, cfg, "system"); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return cfg, nil
}

// ImportConfig validates cfg as a whole and stores it, replacing the
// previous configuration. Invalid configurations are rejected with a
// *registry.ConfigurationError and leave the stored one untouched.
func ImportConfig(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	reg, err := registry.Build(cfg)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.SaveConfigTx(ctx, tx, cfg); err != nil {
		return err
	}
	defs := make([]string, 0, len(reg.Definitions()))
	for _, d := range reg.Definitions() {
		defs = append(defs, d.Code)
	}
	if err := (events.Writer{}).Append(ctx, tx, events.TypeConfigImported, "config", "workflow_config", actorID, events.EventPayload{
		"definitions": defs,
		"rules":       len(reg.EscalationRules()),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Package app wires configuration, storage and services for the CLI and
// the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"pidflow/internal/config"
	"pidflow/internal/db"
	"pidflow/internal/engine"
	"pidflow/internal/handle"
	"pidflow/internal/logging"
	"pidflow/internal/metrics"
	"pidflow/internal/migrate"
	"pidflow/internal/notify"
	"pidflow/internal/pid"
	"pidflow/internal/pid/epic"
	"pidflow/internal/repo"
	"pidflow/internal/tracing"
)

// App holds the wired services of one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	PID       *pid.Source
	Registry  *handle.Registry
	Engine    engine.Engine
	Log       *logrus.Logger

	tracing *tracing.Provider
}

// ResolveConfig reads the workspace config, falling back to defaults for
// prefix when the file does not exist yet.
func ResolveConfig(workspace, prefix string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if prefix == "" {
			prefix = "123456789"
		}
		cfg = config.Default(prefix)
	}
	return cfg, nil
}

// Init writes a default config to the workspace unless one exists.
func Init(workspace, prefix string) (string, bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", false, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(prefix)), 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// Open loads the config, migrates the database and builds every service.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := ResolveConfig(workspace, "")
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, workspace, cfg)
}

func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeoutMillis: cfg.Database.BusyTimeoutMillis})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pidCfg, err := cfg.PIDConfiguration(workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pid configuration: %w", err)
	}
	src := pid.NewSource(pidCfg)
	reg := handle.New(conn, src, minter(cfg), handle.Config{
		CanonicalPrefix: cfg.Handle.CanonicalPrefix,
		SiteURL:         cfg.Site.URL,
		SiteHandle:      cfg.Handle.SiteHandle,
		LookupCacheTTL:  config.Duration(cfg.Handle.LookupCacheTTL, 5*time.Minute),
	}, log)
	defs, err := engine.NewDefinitions(cfg.Workflow)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, reg, defs, notify.FromConfig(cfg.Notify, log), log)
	eng.AdminEmail = cfg.Notify.AdminEmail
	metrics.Register()
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		PID:       src,
		Registry:  reg,
		Engine:    eng,
		Log:       log,
		tracing:   tp,
	}, nil
}

func minter(cfg *config.Config) pid.Minter {
	m := pid.Minter{Timeout: config.Duration(cfg.PID.Service.Timeout, 10*time.Second)}
	if cfg.PID.Service.URL == "" {
		return m
	}
	resolver := cfg.PID.Service.ResolverBase
	if resolver == "" {
		resolver = cfg.Site.URL
	}
	client := epic.New(cfg.PID.Service.URL, resolver)
	client.Username = cfg.PID.Service.Username
	client.Password = cfg.PID.Service.Password
	client.Timeout = m.Timeout
	m.Service = client
	return m
}

// WatchPID reloads the PID file on change until ctx is done. Inline
// configurations have nothing to watch.
func (a *App) WatchPID(ctx context.Context) error {
	path := a.Config.PIDFile(a.Workspace)
	if path == "" {
		return nil
	}
	return a.PID.Watch(ctx, path, 0, a.Log)
}

func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.tracing.Shutdown(ctx)
	return errors.Join(err, a.DB.Close())
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JonMunkholm/recordio/internal/archive"
	"github.com/JonMunkholm/recordio/internal/config"
	"github.com/JonMunkholm/recordio/internal/core"
	"github.com/JonMunkholm/recordio/internal/logging"
	"github.com/JonMunkholm/recordio/internal/metrics"
	"github.com/JonMunkholm/recordio/internal/schema"
	"github.com/JonMunkholm/recordio/internal/storage"
	"github.com/JonMunkholm/recordio/internal/storage/memory"
	"github.com/JonMunkholm/recordio/internal/storage/postgres"
	"github.com/JonMunkholm/recordio/internal/storage/sqlite"
)

// App is everything a command needs: the loaded configuration and a
// service on the configured store.
type App struct {
	Config  *config.Config
	Catalog *schema.Catalog
	Service *core.Service
	Metrics *metrics.Metrics

	closers []func() error
}

// openApp loads configuration, the catalog and the store, in that order.
func openApp(ctx context.Context, opts *RootOptions) (*App, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	level := cfg.Logging.Level
	if opts.Verbose {
		level = "debug"
	}
	logging.Setup(level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())

	cat, err := schema.LoadFile(cfg.Schema.CatalogPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
	}

	app := &App{Config: cfg, Catalog: cat}

	store, err := app.openStore(ctx)
	if err != nil {
		_ = app.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	sink, err := archive.Open(ctx, archive.Config{
		Driver:          archive.Driver(cfg.Archive.Driver),
		Dir:             cfg.Archive.Dir,
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		PathStyle:       cfg.Archive.PathStyle,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		Prefix:          cfg.Archive.Prefix,
	})
	if err != nil {
		_ = app.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open archive", err)
	}

	if cfg.Metrics.Enabled {
		app.Metrics = metrics.New()
	}

	app.Service = core.NewService(store, cat,
		core.WithArchive(sink),
		core.WithMetrics(app.Metrics),
		core.WithMaxPayloadSize(cfg.Import.MaxPayloadSize),
		core.WithSessionWait(cfg.Import.SessionWait),
	)
	return app, nil
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	cfg := a.Config.Storage
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(a.Catalog), nil

	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath, a.Catalog)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		slog.Debug("opened sqlite store", "path", st.Path())
		return st, nil

	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			URL:             cfg.URL,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		st := postgres.New(pool, a.Catalog)
		if cfg.EnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Close writes the metrics textfile when enabled and releases the store.
func (a *App) Close() error {
	var errs []error
	if a.Metrics != nil {
		if err := a.Metrics.WriteTextfile(a.Config.Metrics.Textfile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

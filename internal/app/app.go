// Package app assembles a Service from configuration: schema file, record
// storage, blob store, read source and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"dehc/internal/blob"
	"dehc/internal/config"
	"dehc/internal/core"
	"dehc/internal/readsource"
	"dehc/pkg/domain"
	"dehc/pkg/schema"
)

// App owns the collaborators opened for one Service.
type App struct {
	Config   config.Config
	Registry *schema.Registry
	Service  *core.Service
	Logger   *slog.Logger

	storage   domain.Storage
	source    *readsource.FileSource
	stopWatch context.CancelFunc
}

// Options tunes Open beyond what configuration carries.
type Options struct {
	// LogOutput receives log lines; nil discards them.
	LogOutput io.Writer
	// Metrics registers the operation collectors; nil skips Prometheus.
	Metrics prometheus.Registerer
	// SkipBlobs leaves the service without attachments and archives.
	SkipBlobs bool
}

// Open builds the service described by cfg. Collaborators opened before a
// failure are closed again.
func Open(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := cfg.NewLogger(opts.LogOutput)
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry, err = schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		return nil, err
	}
	logger.Info("schema loaded", "path", cfg.SchemaPath, "categories", len(a.Registry.Categories()), "fingerprint", a.Registry.Fingerprint())

	a.storage, err = core.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	svcOpts := []core.Option{
		core.WithLogger(logger),
		core.WithNamespace(cfg.Namespace),
		core.WithReadOnly(cfg.ReadOnly),
		core.WithRulesEngine(core.NewDefaultRulesEngine(a.Registry)),
	}
	if !opts.SkipBlobs {
		blobs, err := blob.Open(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		svcOpts = append(svcOpts, core.WithBlobStore(blobs))
	}
	if cfg.ReadSource.File != "" {
		a.source, err = readsource.OpenFile(cfg.ReadSource.File, readsource.WithFileLogger(logger))
		if err != nil {
			return nil, err
		}
		cached := readsource.NewCached(a.source, cfg.ReadSource.CacheTTL)
		if cfg.ReadSource.Watch {
			// The watcher lives as long as the App, not the Open call.
			var watchCtx context.Context
			watchCtx, a.stopWatch = context.WithCancel(context.WithoutCancel(ctx))
			if err := a.source.Watch(watchCtx); err != nil {
				return nil, err
			}
			cached.FlushOn(watchCtx, a.source.Reloaded())
		}
		svcOpts = append(svcOpts, core.WithReadSource(cached))
	}
	if opts.Metrics != nil {
		rec, err := core.NewPrometheusMetricsRecorder(opts.Metrics)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		svcOpts = append(svcOpts, core.WithMetricsRecorder(rec))
	}

	a.Service, err = core.OpenService(ctx, a.Registry, a.storage, svcOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close stops the read source watcher and releases storage.
func (a *App) Close() error {
	var errs []error
	if a.stopWatch != nil {
		a.stopWatch()
		a.stopWatch = nil
	}
	if a.source != nil {
		errs = append(errs, a.source.Close())
		a.source = nil
	}
	if a.storage != nil {
		errs = append(errs, core.CloseStorage(a.storage))
		a.storage = nil
	}
	return errors.Join(errs...)
}

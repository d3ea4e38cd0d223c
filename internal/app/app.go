// Package app wires the transport listener, the per-stream sinks, the
// upload shipper, and the janitor into one task group sharing a single
// shutdown signal.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"reportd/internal/janitor"
	"reportd/pkg/api"
	"reportd/pkg/backlog"
	"reportd/pkg/config"
	"reportd/pkg/keys"
	"reportd/pkg/logger"
	"reportd/pkg/report"
	"reportd/pkg/sink"
	"reportd/pkg/upload"
	"reportd/pkg/verify"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	version string

	sinks   map[report.Kind]*sink.Sink
	shipper *upload.Shipper
	server  *api.Server
}

// New initializes every component up to the point of running: directories
// are created, leftover segments recovered, the remote store client
// built. Any failure here is fatal to startup.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	required, err := keys.ParseNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}

	skip := make(map[report.Kind]bool)
	for _, name := range config.KnownStreams {
		if cfg.Stream(name).SkipNetworkCheck {
			skip[report.Kind(name)] = true
		}
	}
	gate := verify.New(required, skip)

	streams := cfg.EnabledStreams()
	if len(streams) == 0 {
		return nil, fmt.Errorf("no report streams enabled")
	}

	sealed := make(chan string, 16)
	sinks := make(map[report.Kind]*sink.Sink, len(streams))
	for _, name := range streams {
		s, err := sink.New(sink.Options{
			Stream:       name,
			BasePath:     cfg.Ingest.BasePath,
			Capacity:     cfg.Ingest.ChannelCapacity,
			RollInterval: cfg.Ingest.RollInterval.Duration(),
			RollMaxSize:  cfg.Ingest.RollMaxSize.Int64(),
			Sealed:       sealed,
		})
		if err != nil {
			return nil, fmt.Errorf("open sink for %s: %w", name, err)
		}
		sinks[report.Kind(name)] = s
	}

	a := &App{
		cfg:     cfg,
		version: version,
		sinks:   sinks,
		server:  api.New(gate, sinks),
	}

	if !cfg.Upload.Disabled {
		store, err := upload.NewS3Store(ctx, upload.S3Config{
			Bucket:   cfg.Upload.Bucket,
			Region:   cfg.Upload.Region,
			Endpoint: cfg.Upload.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		a.shipper = upload.New(store, upload.Options{
			BasePath:     cfg.Ingest.BasePath,
			Streams:      streams,
			Prefix:       cfg.Upload.Prefix,
			PollInterval: cfg.Upload.PollInterval.Duration(),
			MaxAttempts:  cfg.Upload.MaxAttempts,
			BackoffBase:  cfg.Upload.BackoffBase.Duration(),
			BackoffCap:   cfg.Upload.BackoffCap.Duration(),
			Concurrency:  cfg.Upload.Concurrency,
			Wake:         sealed,
		})
	} else {
		logger.Warn("upload_disabled", "reason", "config")
	}

	return a, nil
}

// Run starts every task and blocks until all have finished. The first
// task error cancels the group context, which every other task treats as
// its graceful-drain signal; the triggering error is returned.
func (a *App) Run(ctx context.Context) error {
	logger.Info("server_starting",
		"version", a.version, "addr", a.cfg.Server.Address,
		"network", a.cfg.Network, "streams", len(a.sinks))
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.runHTTP(gctx)
		logger.Info("task_finished", "task", "http", "error", err)
		return err
	})
	for kind, s := range a.sinks {
		kind, s := kind, s
		g.Go(func() error {
			err := s.Run(gctx)
			logger.Info("task_finished", "task", "sink:"+string(kind), "error", err)
			return err
		})
	}
	if a.shipper != nil {
		g.Go(func() error {
			err := a.shipper.Run(gctx)
			logger.Info("task_finished", "task", "shipper", "error", err)
			return err
		})
	}
	g.Go(func() error {
		mon := backlog.New(a.cfg.Ingest.BasePath, a.cfg.EnabledStreams(), 30*time.Second)
		return mon.Run(gctx)
	})
	if a.cfg.Janitor.Enabled {
		g.Go(func() error {
			err := janitor.Run(gctx, janitor.Options{
				BasePath: a.cfg.Ingest.BasePath,
				Streams:  a.cfg.EnabledStreams(),
				Cron:     a.cfg.Janitor.Cron,
				MaxAge:   a.cfg.Janitor.MaxAge.Duration(),
			})
			logger.Info("task_finished", "task", "janitor", "error", err)
			return err
		})
	}

	return g.Wait()
}

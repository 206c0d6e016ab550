package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"example.com/mediafs/cmd/flags"
	"example.com/mediafs/pkg/config"
	"example.com/mediafs/pkg/mediafs"
	"example.com/mediafs/pkg/objectstore"
	"example.com/mediafs/pkg/registry"
)

var serverFlags = append([]cli.Flag{
	flags.ConfigFlag,
	flags.EnvDirFlag,
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "TCP address to serve media on when --socket is empty",
	},
	&cli.StringFlag{
		Name:  "socket",
		Usage: "path to a Unix domain socket to serve on (takes precedence over --listen-addr)",
	},
	&cli.StringSliceFlag{
		Name:  "mount",
		Value: cli.NewStringSlice(config.MediaBackendName),
		Usage: "backend names to serve, matched in order",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds a load balancer needs to notice /readyz failing",
	},
	&cli.Int64Flag{
		Name:  "retire-seconds",
		Value: 300,
		Usage: "seconds before a replaced backend's client is closed, 0 keeps it open",
	},
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:   "mediafs-server",
		Usage:  "Serve CMS media from object storage backends",
		Flags:  serverFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	if err := config.LoadEnv(cCtx.String(flags.EnvDirFlag.Name)); err != nil {
		logger.Error("Failed to load environment files", "err", err)
		return err
	}
	store, err := config.NewFileStore(cCtx.String(flags.ConfigFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		if err := store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Configuration watcher stopped", "err", err)
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := mediafs.NewMetrics(promReg)
	if err != nil {
		logger.Error("Failed to register metrics", "err", err)
		return err
	}

	factory := objectstore.NewFactory(logger)
	builder := registry.DefaultBuilder(factory, mediafs.WithLogger(logger), mediafs.WithMetrics(metrics))
	reg, err := registry.New(store, builder,
		registry.WithLogger(logger),
		registry.WithRetireAfter(time.Duration(cCtx.Int64("retire-seconds"))*time.Second),
	)
	if err != nil {
		return err
	}
	defer reg.Close()

	mounts := cCtx.StringSlice("mount")
	for _, name := range mounts {
		// Backends that fail here are retried on first request.
		if _, err := reg.Get(ctx, name); err != nil {
			logger.Warn("Backend not ready at startup", slog.String("backend", name), "err", err)
		}
	}

	srv, err := mediafs.NewServer(mediafs.ServerConfig{
		Mounts:        mounts,
		Log:           logger,
		Gatherer:      promReg,
		DrainDuration: time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
	}, reg)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	err = srv.Serve(ctx, cCtx.String("socket"), cCtx.String("listen-addr"))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server failed", "err", err)
		return err
	}
	logger.Info("Server stopped")
	return nil
}

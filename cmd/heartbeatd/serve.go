package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/config"
	"github.com/t77yq/agent-heartbeat/internal/events"
	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
	"github.com/t77yq/agent-heartbeat/internal/inventory"
	"github.com/t77yq/agent-heartbeat/internal/server"
	"github.com/t77yq/agent-heartbeat/internal/service"
	"github.com/t77yq/agent-heartbeat/internal/storage"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		var err error
		nc, err = connectNATS(cfg.NATS, cfg.App.Name, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	router, closeTransports, err := buildRouter(cfg, nc, logger)
	if err != nil {
		return err
	}
	defer closeTransports()

	metadata := map[string]string{"app": cfg.App.Name}
	if cfg.App.Instance != "" {
		metadata["instance"] = cfg.App.Instance
	}
	notifier := heartbeat.NewNotifier(logger, metadata)
	defer notifier.Close()

	monitor, err := heartbeat.New(cfg.Heartbeat, router, logger, heartbeat.WithNotifier(notifier))
	if err != nil {
		return err
	}
	defer monitor.Close()

	var sinks []events.Sink
	if cfg.Events.Log {
		sinks = append(sinks, events.NewLogSink(logger))
	}
	if nc != nil {
		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		publisher := events.NewPublisher(js, events.PublisherConfig{
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxAge:        cfg.NATS.EventMaxAge,
		}, logger)
		if err := publisher.EnsureStream(); err != nil {
			return err
		}
		sinks = append(sinks, publisher)
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		exporter, err := events.NewExporter(reg, cfg.Metrics.Namespace, monitor.Store())
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		sinks = append(sinks, exporter)
		gatherer = reg
	}

	dispatcher := events.NewDispatcher(notifier, cfg.Events.Buffer, logger, sinks...)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	var registry storage.Registry
	if cfg.Storage.Path != "" {
		sqlite, err := storage.NewSQLiteRegistry(logger, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer sqlite.Close()
		registry = sqlite
	}

	agents := service.NewAgentService(monitor, registry, router, logger)
	if _, err := agents.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore registrations: %w", err)
	}
	if cfg.Inventory.Path != "" {
		inv, err := inventory.Load(cfg.Inventory.Path)
		if err != nil {
			return err
		}
		if err := inv.Validate(cfg.Heartbeat); err != nil {
			return err
		}
		if err := agents.Apply(ctx, inv); err != nil {
			logger.Error("Some inventory agents were not started", zap.Error(err))
		}
	}

	reclaimer, err := heartbeat.NewReclaimer(monitor.Store(), notifier, monitor,
		cfg.Reclaimer.Period, cfg.Reclaimer.StaleThreshold, logger)
	if err != nil {
		return err
	}
	if err := reclaimer.Start(ctx); err != nil {
		return err
	}
	defer reclaimer.Stop()

	srv := server.New(server.Config{
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Gatherer:        gatherer,
	}, agents, logger)

	logger.Info("Heartbeat monitor started",
		zap.Int("agents", len(monitor.Monitored())),
		zap.Duration("interval", cfg.Heartbeat.Interval))

	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("Server shutting down gracefully")
	return nil
}

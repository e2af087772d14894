package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/config"
	"github.com/t77yq/agent-heartbeat/internal/transport"
)

var appVersion = "dev"

type rootOptions struct {
	configFile    string
	inventoryFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "heartbeatd",
		Short:         "Adaptive heartbeat monitor for remote agents",
		Long:          "heartbeatd polls remote agents on adaptive intervals, retries with exponential backoff and publishes health transitions.",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file path (default ./config/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.inventoryFile, "inventory", "", "agent inventory file, overrides inventory.path")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.inventoryFile != "" {
		cfg.Inventory.Path = o.inventoryFile
	}
	return cfg, nil
}

// connectNATS dials the first reachable URL, retrying with a growing pause
func connectNATS(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		for _, url := range cfg.URLs {
			nc, err = nats.Connect(url, opts...)
			if err == nil {
				logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
				return nc, nil
			}
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", maxRetries, err)
}

// buildRouter registers a transport for every enabled endpoint scheme.
// The returned function releases transport resources.
func buildRouter(cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (*transport.Router, func(), error) {
	router := transport.NewRouter()
	cleanup := func() {}

	router.Register(transport.NewHTTPTransport(transport.HTTPOptions{
		Headers: cfg.Transport.HTTPHeaders,
	}, logger), "http", "https")

	if cfg.Transport.GRPC {
		grpcTransport := transport.NewGRPCTransport(logger)
		router.Register(grpcTransport, "grpc")
		cleanup = func() {
			if err := grpcTransport.Close(); err != nil {
				logger.Warn("Failed to close gRPC connections", zap.Error(err))
			}
		}
	}
	if cfg.Transport.Process {
		router.Register(transport.NewProcessTransport(logger), "pid")
	}
	if cfg.Transport.Docker {
		dockerTransport, err := transport.NewDockerTransport(logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		router.Register(dockerTransport, "docker")
	}
	if nc != nil {
		router.Register(transport.NewNATSTransport(nc, logger), "nats")
	}

	logger.Info("Transports registered", zap.Strings("schemes", router.Schemes()))
	return router, cleanup, nil
}

package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/berrythewa/cadence-proxy/internal/common"
	"github.com/berrythewa/cadence-proxy/internal/config"
	"github.com/berrythewa/cadence-proxy/internal/engine/boltengine"
	"github.com/berrythewa/cadence-proxy/internal/proxy"
	"github.com/berrythewa/cadence-proxy/internal/session"
	"github.com/berrythewa/cadence-proxy/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy in the foreground",
		Long: `Run the proxy in the foreground. The proxy accepts envelopes from the
client library on the listen address and exits once the library sends
a terminate request, or on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				cfg.ListenAddress = listen
			}
			return RunServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to accept library requests on (host:port)")
	return cmd
}

// RunServe serves with the shared configuration and logger.
func RunServe(ctx context.Context) error {
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	return Serve(ctx, cfg, GetZapLogger(), nil)
}

// Serve runs the proxy until the session terminates or ctx is cancelled.
// ready, if set, is called with the bound listen address.
func Serve(ctx context.Context, cfg *config.Config, base *zap.Logger, ready func(net.Addr)) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Engine.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	forwarder := proxy.NewEventForwarder(base.Named("events"), 0)
	logger := common.WithForwarding(base, forwarder.Core())

	dialer := boltengine.NewDialer(boltengine.StoreConfig{
		DBPath:      cfg.DBPath(),
		OpenTimeout: cfg.Engine.OpenTimeout,
		Logger:      logger.Named("engine"),
	})
	defer dialer.Close()

	sender := transport.NewHTTPSender(transport.SenderConfig{
		ContentType: cfg.ContentType,
		Timeout:     cfg.DeliveryTimeout,
		Logger:      logger.Named("sender"),
	})

	dispatcher, err := proxy.New(proxy.Config{
		Session:         session.New(dialer.Dial, logger.Named("session")),
		Sender:          sender,
		Logger:          logger.Named("dispatcher"),
		DeliveryTimeout: cfg.DeliveryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	forwarder.Attach(dispatcher)

	server := transport.NewServer(transport.ServerConfig{
		Address:        cfg.ListenAddress,
		ContentType:    cfg.ContentType,
		MaxMessageSize: cfg.MaxMessageSize,
		Logger:         logger.Named("server"),
	}, dispatcher)
	if err := server.Listen(); err != nil {
		return err
	}
	if ready != nil {
		ready(server.Addr())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go forwarder.Run(runCtx)
	go proxy.NewWatchdog(dispatcher, cfg.LibraryPingInterval, cfg.LibraryPingFailures, logger.Named("watchdog")).Run(runCtx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	logger.Info("Proxy started",
		zap.String("listen_address", server.Addr().String()),
		zap.String("db_path", cfg.DBPath()))

	var result error
	select {
	case <-dispatcher.Terminated():
		logger.Info("Session terminated, shutting down")
	case <-ctx.Done():
		logger.Info("Shutdown signal received, cleaning up")
		dispatcher.Terminate()
	case err := <-serveErr:
		if err != nil {
			result = fmt.Errorf("listener failed: %w", err)
		}
		dispatcher.Terminate()
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Listener shutdown incomplete", zap.Error(err))
	}

	_ = base.Sync()
	return result
}

// Package cli provides the conductor command-line interface. The root
// command runs the orchestrator: it loads configuration, opens the state
// store, connects to the broker, and drives the consumer loop until a
// shutdown signal arrives.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"conductor.mqilab.org/common"
	"conductor.mqilab.org/conductor"
	"conductor.mqilab.org/config"
	"conductor.mqilab.org/dashboard"
	"conductor.mqilab.org/dispatch"
	"conductor.mqilab.org/queue"
	"conductor.mqilab.org/store"
	"conductor.mqilab.org/version"
	"conductor.mqilab.org/workflow"
)

// cfgFile holds the path given via --config. When empty the loader searches
// the default locations (., ./configs, /etc/conductor).
var cfgFile string

// RootCmd is the conductor entry point.
var RootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "workflow orchestrator for the distributed QA automation pipeline",
	Long: `The conductor owns every QA case from discovery to completion. It consumes
worker events from RabbitMQ, advances each case through the configured
workflow (upload, execute, download), allocates GPU slots to execute steps,
and records all state in a single SQLite file that dashboards read directly.`,
	RunE: runConductor,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/conductor)")
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetConductorVersion())
	},
}

func runConductor(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig("CONDUCTOR", cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ConfigureLogger(common.LoggerConfig{
		Level:      common.LogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		TimeFormat: time.RFC3339,
	})
	logger := common.ComponentLogger("conductor")
	logger.WithField("version", version.GetConductorVersion()).Info("Starting conductor")

	def, err := workflow.New(cfg.Workflow, cfg.Commands)
	if err != nil {
		return fmt.Errorf("invalid workflow definition: %w", err)
	}

	gateway, err := store.Open(store.Options{
		Path:        cfg.Store.Path,
		BusyRetries: cfg.Store.BusyRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gateway.SeedGPUPool(ctx, cfg.Store.GPUPoolSize); err != nil {
		return fmt.Errorf("failed to seed GPU pool: %w", err)
	}

	broker, err := queue.NewBroker(ctx, queue.Settings{
		URL:                   cfg.Broker.URL,
		ConfirmTimeout:        cfg.Broker.ConfirmTimeout,
		ReconnectInitialDelay: cfg.Broker.ReconnectInitialDelay,
		ReconnectMaxDelay:     cfg.Broker.ReconnectMaxDelay,
		ReconnectMaxAttempts:  cfg.Broker.ReconnectMaxAttempts,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer broker.Close()

	for _, name := range []string{
		cfg.Broker.InboxQueue,
		cfg.Broker.FileTransferQueue,
		cfg.Broker.RemoteExecutorQueue,
	} {
		if err := broker.DeclareQueue(name); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}
	if cfg.Broker.CuratorQueue != "" {
		if err := broker.DeclareQueue(cfg.Broker.CuratorQueue); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", cfg.Broker.CuratorQueue, err)
		}
	}

	dispatcher := dispatch.New(broker, dispatch.Routes{
		FileTransferQueue:   cfg.Broker.FileTransferQueue,
		RemoteExecutorQueue: cfg.Broker.RemoteExecutorQueue,
		CuratorQueue:        cfg.Broker.CuratorQueue,
	}, cfg.Paths, nil)

	allocator := conductor.NewAllocator(gateway, nil)
	manager := conductor.NewManager(gateway, allocator, def, dispatcher, nil)
	router := conductor.NewRouter(manager, nil)
	consumer := conductor.NewConsumer(broker, router, conductor.ConsumerSettings{
		InboxQueue: cfg.Broker.InboxQueue,
		Prefetch:   cfg.Broker.Prefetch,
		MaxRetries: cfg.Broker.MaxRetries,
	}, nil)

	if cfg.Monitor.Interval > 0 && cfg.Broker.CuratorQueue != "" {
		go runSystemMonitor(ctx, dispatcher, cfg.Monitor.Interval, logger)
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(gateway, broker, []string{
			cfg.Broker.InboxQueue,
			cfg.Broker.FileTransferQueue,
			cfg.Broker.RemoteExecutorQueue,
		}, nil)
		go func() {
			if err := dash.Start(cfg.Dashboard.Addr); err != nil {
				logger.WithError(err).Error("Dashboard server failed")
			}
		}()
	}

	err = consumer.Run(ctx)

	if dash != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := dash.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.WithError(shutdownErr).Warn("Dashboard shutdown failed")
		}
	}

	logger.Info("Conductor stopped")
	return err
}

// runSystemMonitor publishes the periodic system_monitor tick that asks the
// external curator to refresh the GPU metrics table.
func runSystemMonitor(ctx context.Context, dispatcher *dispatch.Dispatcher, interval time.Duration, logger *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dispatcher.DispatchSystemMonitor(); err != nil {
				logger.WithError(err).Warn("Failed to publish system monitor tick")
			}
		}
	}
}

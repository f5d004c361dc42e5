package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/api"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/chat"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/delivery"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay-dm node",
	Long: `Start the node and keep it running until interrupted.

This will:
- Unlock the identity keystore
- Connect to the configured relays
- Subscribe to direct messages and fetch the ones missed while offline
- Retry queued outgoing messages whenever relays are reachable
- Serve the local API and the monitoring endpoints`,
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting relay-dm node...", "cli")

		exePath, err := filepath.Abs(os.Args[0])
		if err != nil {
			exitWithError("cli", "Failed to get absolute path: %v", err)
		}
		logger.Info(fmt.Sprintf("Starting node from: %s", exePath), "cli")

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			exitWithError("cli", "Failed to create PID manager: %v", err)
		}

		// Check if another instance is already running
		if existingPID, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existingPID) {
				fmt.Println("Use 'relay-dm stop' to stop the existing instance first")
				exitWithError("cli", "Another instance is already running with PID: %d", existingPID)
			}
			// Clean up stale PID file
			pidManager.RemovePIDFile()
		}

		data, keyPair, err := unlockIdentity()
		if err != nil {
			exitWithError("cli", "%v", err)
		}
		identity := keyPair.PublicKeyHex()
		logger.SetIdentity(identity)

		currentPID := os.Getpid()
		if err := pidManager.WritePID(currentPID); err != nil {
			exitWithError("cli", "Failed to write PID file: %v", err)
		}
		logger.Info(fmt.Sprintf("Node started with PID: %d", currentPID), "cli")

		db, err := database.NewSQLiteManager(config, logger, identity)
		if err != nil {
			pidManager.RemovePIDFile()
			exitWithError("cli", "Failed to open message database: %v", err)
		}

		registry := prometheus.NewRegistry()
		metrics := delivery.NewMetrics(registry)

		relays, err := utils.LoadRelays(config)
		if err != nil {
			pidManager.RemovePIDFile()
			exitWithError("cli", "Failed to load relays: %v", err)
		}
		pool := relay.NewPool(relays, relay.OptionsFromConfig(config), logger)

		var apiServer *api.APIServer
		chatOpts := chat.Options{
			KeyPair:   keyPair,
			Publisher: pool,
			Metrics:   metrics,
		}
		if config.GetConfigBool("api_enabled", true) {
			apiServer = api.NewAPIServer(config, logger, keyPair, data.APISecret)
			chatOpts.Emitter = apiServer.EventEmitter()
		}

		chatManager, err := chat.NewChatManager(db, logger, config, chatOpts)
		if err != nil {
			pidManager.RemovePIDFile()
			exitWithError("cli", "Failed to create chat manager: %v", err)
		}

		monitoringServer := utils.NewMonitoringServer(config, logger, registry)
		monitoringServer.SetHealthProvider(func() map[string]interface{} {
			queue, _ := chatManager.OfflineQueueStatus()
			return map[string]interface{}{
				"identity": identity,
				"network":  chatManager.Engine().NetworkState(),
				"relays":   pool.Connections(),
				"queue":    queue,
			}
		})
		monitoringEnabled := config.GetConfigBool("monitoring_enabled", true)
		if monitoringEnabled {
			if err := monitoringServer.Start(); err != nil {
				pidManager.RemovePIDFile()
				exitWithError("cli", "Failed to start monitoring server: %v", err)
			}
			logger.Info(fmt.Sprintf("Monitoring server started on port %s", monitoringServer.GetPort()), "cli")
		}

		ctx, cancel := context.WithCancel(context.Background())

		pool.Start(ctx)
		if err := chatManager.Start(ctx); err != nil {
			cancel()
			pidManager.RemovePIDFile()
			exitWithError("cli", "Failed to start delivery engine: %v", err)
		}

		if apiServer != nil {
			apiServer.Attach(chatManager, pool)
			if err := apiServer.Start(); err != nil {
				cancel()
				pidManager.RemovePIDFile()
				exitWithError("cli", "Failed to start API server: %v", err)
			}
			logger.Info(fmt.Sprintf("API server started on port %s", apiServer.GetPort()), "cli")
		}

		go drainEngineErrors(ctx, chatManager)
		go subscribeWhenReady(ctx, chatManager, pool)

		logger.Info(fmt.Sprintf("Identity: %s", identity), "cli")
		fmt.Printf("Identity: %s\n", identity)
		fmt.Println("relay-dm node is running. Press Ctrl+C to stop.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		for sig := range sigChan {
			if sig != syscall.SIGHUP {
				break
			}
			reloadConfig()
		}

		logger.Info("Shutdown signal received, stopping node...", "cli")

		if apiServer != nil {
			if err := apiServer.Stop(); err != nil {
				logger.Error(fmt.Sprintf("Error stopping API server: %v", err), "cli")
			}
		}
		chatManager.Stop()
		cancel()
		pool.Close()

		if monitoringEnabled {
			if err := monitoringServer.Stop(); err != nil {
				logger.Error(fmt.Sprintf("Error stopping monitoring server: %v", err), "cli")
			}
		}
		if err := db.Close(); err != nil {
			logger.Error(fmt.Sprintf("Error closing database: %v", err), "cli")
		}
		if err := pidManager.RemovePIDFile(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
		}

		logger.Info("relay-dm node stopped successfully", "cli")
	},
}

// reloadConfig re-reads the config file on SIGHUP. Only the log level is applied
// to the running node; other keys take effect on the next start.
func reloadConfig() {
	applied, err := config.ReloadConfig(envFile)
	if err != nil {
		logger.Error(fmt.Sprintf("Config reload failed, keeping current configuration: %v", err), "cli")
		return
	}
	if verbose {
		config.SetConfig("log_console", true)
	}
	if err := logger.SetLogLevel(config.GetConfigWithDefault("log_level", "info")); err != nil {
		logger.Warn(fmt.Sprintf("Invalid log level after reload: %v", err), "cli")
	}
	logger.Info(fmt.Sprintf("Configuration reloaded (%d environment overrides)", applied), "cli")
}

// subscribeWhenReady opens the live subscription once a relay is reachable and
// then fetches what was missed while the node was down
func subscribeWhenReady(ctx context.Context, chatManager *chat.ChatManager, pool *relay.Pool) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if waitForOpenRelay(pool, 0) {
			if _, err := chatManager.Subscribe(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to subscribe to direct messages: %v", err), "cli")
			} else {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	result, err := chatManager.SyncMissed(ctx, nil)
	if err != nil {
		logger.Warn(fmt.Sprintf("Initial sync failed: %v", err), "cli")
		return
	}
	logger.Info(fmt.Sprintf("Initial sync: %d events from %d/%d relays",
		result.EventsReceived, result.RelaysCompleted, result.RelaysQueried), "cli")
}

func drainEngineErrors(ctx context.Context, chatManager *chat.ChatManager) {
	errs := chatManager.Engine().Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			logger.Warn(fmt.Sprintf("Delivery error: %v", err), "cli")
		}
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

var shutdownGrace time.Duration

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"stop-node", "kill"},
	Short:   "Stop the running relay-dm node",
	Long: `Stop the running relay-dm node with a graceful termination signal.

The node closes its relay subscriptions and the message database before it
exits. Messages still in the offline queue stay there and are retried by the
next 'relay-dm start'.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pidManager, pid := runningNode("stop")
		if pid == 0 {
			return
		}

		fmt.Printf("Stopping relay-dm node (PID: %d)...\n", pid)
		if err := pidManager.StopProcess(pid, shutdownGrace); err != nil {
			exitWithError("stop", "Failed to stop process: %v", err)
		}

		// the node normally removes it on exit; a killed node leaves it behind
		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Printf("Warning: Failed to remove PID file: %v\n", err)
		}

		msg := "relay-dm node stopped successfully"
		fmt.Println(msg)
		logger.Info(msg, "stop")

		reportPendingQueue()
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the running node re-read its configuration",
	Long: `Send SIGHUP to the running node. It re-reads the config file and the
.env overrides and applies the new log level; other settings take effect on the
next start.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pidManager, pid := runningNode("reload")
		if pid == 0 {
			exitWithError("reload", "No running node to reload")
		}
		if err := pidManager.ReloadProcess(pid); err != nil {
			exitWithError("reload", "%v", err)
		}
		fmt.Printf("Reload requested for node with PID %d\n", pid)
		logger.Info(fmt.Sprintf("Reload requested for PID %d", pid), "reload")
	},
}

// runningNode returns the PID of the running node, or 0 after cleaning up a stale PID file
func runningNode(category string) (*utils.PIDManager, int) {
	pidManager, err := utils.NewPIDManager(config)
	if err != nil {
		exitWithError(category, "Failed to create PID manager: %v", err)
	}

	pid, err := pidManager.ReadPID()
	if err != nil {
		exitWithError(category, "Failed to read PID: %v", err)
	}
	fmt.Printf("Found node with PID: %d\n", pid)

	if !pidManager.IsProcessRunning(pid) {
		msg := fmt.Sprintf("Process with PID %d is not running", pid)
		fmt.Println(msg)
		logger.Warn(msg, category)

		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Printf("Warning: Failed to remove stale PID file: %v\n", err)
		} else {
			fmt.Println("Removed stale PID file")
		}
		return pidManager, 0
	}
	return pidManager, pid
}

// reportPendingQueue tells the user how many messages wait for the next start.
// It reads the keystore's public key only, so no passphrase is needed.
func reportPendingQueue() {
	u := newUnlocker()
	if !u.Exists() {
		return
	}
	identity, err := u.PublicKey()
	if err != nil {
		return
	}
	db, err := database.NewSQLiteManager(config, logger, identity)
	if err != nil {
		logger.Warn(fmt.Sprintf("Failed to open message database: %v", err), "stop")
		return
	}
	defer db.Close()

	stats, err := db.Messages.OutgoingStats()
	if err != nil || stats.TotalQueued == 0 {
		return
	}
	fmt.Printf("%d messages remain queued and will be retried on the next start", stats.TotalQueued)
	if stats.OldestMessage != nil {
		fmt.Printf(" (oldest from %s)", stats.OldestMessage.Format(time.DateTime))
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(stopCmd, reloadCmd)
	stopCmd.Flags().DurationVar(&shutdownGrace, "grace", 0, "time to wait before killing the node (default: shutdown_grace)")
}

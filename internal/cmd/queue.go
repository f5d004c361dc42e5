package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or clear the offline queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show messages waiting for a relay",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := openIdentityDatabase()
		defer db.Close()

		stats, err := db.Messages.OutgoingStats()
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to read queue: %v", err)
		}
		entries, err := db.Messages.ListOutgoing()
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to list queue: %v", err)
		}

		fmt.Printf("Queued messages: %d\n", stats.TotalQueued)
		if stats.OldestMessage != nil {
			fmt.Printf("  Oldest: %s\n", stats.OldestMessage.Format(time.DateTime))
		}
		if stats.NewestMessage != nil {
			fmt.Printf("  Newest: %s\n", stats.NewestMessage.Format(time.DateTime))
		}
		for _, e := range entries {
			fmt.Printf("  %s to %s, %d retries, next at %s\n",
				e.ID, shortKey(e.RecipientPublicKey), e.RetryCount, e.NextRetryAt.Format(time.DateTime))
		}
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued message and mark it failed",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		// a running node owns the queue; clear it through the API instead
		ensureNodeNotRunning()

		db := openIdentityDatabase()
		defer db.Close()

		ids, err := db.Messages.ClearOutgoing()
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to clear queue: %v", err)
		}
		for _, id := range ids {
			if _, err := db.Messages.UpdateStatus(id, types.StatusFailed); err != nil {
				logger.Warn(fmt.Sprintf("Failed to mark message %s failed: %v", id, err), "cli")
			}
		}
		fmt.Printf("Cleared %d queued messages\n", len(ids))
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueClearCmd)
}

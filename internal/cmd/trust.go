package cmd

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/chat"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/relay"
)

var (
	petname     string
	blockReason string
	reprocess   bool
)

func parseKeyArg(arg string) string {
	key, err := crypto.ParsePublicKey(arg)
	if err != nil {
		exitWithError("cli", "Invalid public key: %v", err)
	}
	return key
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage accepted senders",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accepted contacts",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := openIdentityDatabase()
		defer db.Close()

		contacts, err := db.ListContacts()
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to list contacts: %v", err)
		}
		if len(contacts) == 0 {
			fmt.Println("No contacts")
			return
		}
		for _, c := range contacts {
			fmt.Printf("%s  %-20s accepted %s\n", c.PublicKey, c.Petname, c.AcceptedAt.Format(time.DateTime))
		}
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <public-key>",
	Short: "Accept messages from a sender",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKeyArg(args[0])
		db := openIdentityDatabase()
		defer db.Close()

		if err := db.AcceptContact(key, petname); err != nil {
			db.Close()
			exitWithError("cli", "Failed to add contact: %v", err)
		}
		fmt.Printf("Accepted %s\n", shortKey(key))
	},
}

var contactsRemoveCmd = &cobra.Command{
	Use:   "remove <public-key>",
	Short: "Stop accepting messages from a sender",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKeyArg(args[0])
		db := openIdentityDatabase()
		defer db.Close()

		if err := db.RemoveContact(key); err != nil {
			db.Close()
			exitWithError("cli", "Failed to remove contact: %v", err)
		}
		fmt.Printf("Removed %s\n", shortKey(key))
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <public-key>",
	Short: "Block a sender and discard their pending requests",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKeyArg(args[0])
		db := openIdentityDatabase()
		defer db.Close()

		if err := db.AddToBlocklist(key, blockReason); err != nil {
			db.Close()
			exitWithError("cli", "Failed to block sender: %v", err)
		}
		dropped, err := db.DeleteRequestsFromSender(key)
		if err != nil {
			logger.Warn(fmt.Sprintf("Failed to discard requests of %s: %v", key, err), "cli")
		}
		fmt.Printf("Blocked %s (%d pending requests discarded)\n", shortKey(key), dropped)
	},
}

var blockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blocked senders",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := openIdentityDatabase()
		defer db.Close()

		blocked, err := db.GetBlocklist()
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to read blocklist: %v", err)
		}
		if len(blocked) == 0 {
			fmt.Println("No blocked senders")
			return
		}
		for _, b := range blocked {
			fmt.Printf("%s  blocked %s  %s\n", b.PublicKey, b.BlockedAt.Format(time.DateTime), b.Reason)
		}
	},
}

var blockRemoveCmd = &cobra.Command{
	Use:   "remove <public-key>",
	Short: "Unblock a sender",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKeyArg(args[0])
		db := openIdentityDatabase()
		defer db.Close()

		if err := db.RemoveFromBlocklist(key); err != nil {
			db.Close()
			if err == sql.ErrNoRows {
				exitWithError("cli", "%s is not blocked", shortKey(key))
			}
			exitWithError("cli", "Failed to unblock sender: %v", err)
		}
		fmt.Printf("Unblocked %s\n", shortKey(key))
	},
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Review messages from unknown senders",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending message requests",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		db := openIdentityDatabase()
		defer db.Close()

		requests, err := db.ListRequests()
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to list requests: %v", err)
		}
		if len(requests) == 0 {
			fmt.Println("No pending requests")
			return
		}
		for _, r := range requests {
			fmt.Printf("%s %s: %s\n", r.ReceivedAt.Format(time.DateTime), r.SenderPublicKey, r.Content)
		}
	},
}

var requestsAcceptCmd = &cobra.Command{
	Use:   "accept <public-key>",
	Short: "Accept a sender, optionally moving their requests into the conversation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKeyArg(args[0])

		if !reprocess {
			db := openIdentityDatabase()
			defer db.Close()
			if err := db.AcceptContact(key, petname); err != nil {
				db.Close()
				exitWithError("cli", "Failed to accept sender: %v", err)
			}
			fmt.Printf("Accepted %s; pending requests kept\n", shortKey(key))
			return
		}

		// stored requests go back through the receive pipeline, which needs the identity
		ensureNodeNotRunning()
		_, keyPair, err := unlockIdentity()
		if err != nil {
			exitWithError("cli", "%v", err)
		}
		db, err := database.NewSQLiteManager(config, logger, keyPair.PublicKeyHex())
		if err != nil {
			exitWithError("cli", "Failed to open message database: %v", err)
		}
		defer db.Close()

		chatManager, err := chat.NewChatManager(db, logger, config, chat.Options{
			KeyPair:   keyPair,
			Publisher: relay.NewPool(nil, relay.OptionsFromConfig(config), logger),
		})
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to create chat manager: %v", err)
		}

		moved, err := chatManager.AcceptContact(key, petname, true)
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to accept sender: %v", err)
		}
		fmt.Printf("Accepted %s; %d requests moved into the conversation\n", shortKey(key), moved)
	},
}

var requestsDismissCmd = &cobra.Command{
	Use:   "dismiss <public-key>",
	Short: "Discard pending requests from a sender",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := parseKeyArg(args[0])
		db := openIdentityDatabase()
		defer db.Close()

		deleted, err := db.DeleteRequestsFromSender(key)
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to dismiss requests: %v", err)
		}
		fmt.Printf("Dismissed %d requests from %s\n", deleted, shortKey(key))
	},
}

func init() {
	rootCmd.AddCommand(contactsCmd)
	contactsCmd.AddCommand(contactsListCmd, contactsAddCmd, contactsRemoveCmd)

	rootCmd.AddCommand(blockCmd)
	blockCmd.AddCommand(blockListCmd, blockRemoveCmd)

	rootCmd.AddCommand(requestsCmd)
	requestsCmd.AddCommand(requestsListCmd, requestsAcceptCmd, requestsDismissCmd)

	contactsAddCmd.Flags().StringVar(&petname, "petname", "", "local name for the contact")
	requestsAcceptCmd.Flags().StringVar(&petname, "petname", "", "local name for the contact")
	requestsAcceptCmd.Flags().BoolVar(&reprocess, "reprocess", false, "move pending requests into the conversation")
	blockCmd.Flags().StringVar(&blockReason, "reason", "", "note stored with the block")
}

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/crypto"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/database"
	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

var (
	pageLimit  int
	pageOffset int
)

var messagesCmd = &cobra.Command{
	Use:   "messages [peer]",
	Short: "List conversations or the messages exchanged with a peer",
	Long: `Without arguments, list every stored conversation.
With a peer public key (hex or base58), print that conversation newest first.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openIdentityDatabase()
		defer db.Close()

		if len(args) == 0 {
			printConversations(db)
			return
		}

		peer, err := crypto.ParsePublicKey(args[0])
		if err != nil {
			db.Close()
			exitWithError("cli", "Invalid peer public key: %v", err)
		}

		page, err := db.Messages.ListByConversation(types.ConversationID(db.Identity(), peer), database.PageOptions{
			Limit:  pageLimit,
			Offset: pageOffset,
		})
		if err != nil {
			db.Close()
			exitWithError("cli", "Failed to list messages: %v", err)
		}

		if len(page.Messages) == 0 {
			fmt.Println("No messages with", shortKey(peer))
			return
		}
		for _, msg := range page.Messages {
			direction := "<-"
			if msg.IsOutgoing {
				direction = "->"
			}
			fmt.Printf("%s %s [%s] %s\n", msg.Timestamp.Format(time.DateTime), direction, msg.Status, msg.Content)
			fmt.Printf("   id: %s\n", msg.ID)
		}
		if page.HasMore {
			fmt.Printf("More messages available, use --offset %d\n", pageOffset+len(page.Messages))
		}
	},
}

func printConversations(db *database.SQLiteManager) {
	conversations, err := db.Messages.ListConversations()
	if err != nil {
		db.Close()
		exitWithError("cli", "Failed to list conversations: %v", err)
	}
	if len(conversations) == 0 {
		fmt.Println("No conversations yet")
		return
	}

	fmt.Printf("%-66s %-8s %s\n", "PEER", "COUNT", "LAST MESSAGE")
	for _, c := range conversations {
		fmt.Printf("%-66s %-8d %s\n", c.PeerPublicKey, c.MessageCount, c.LastMessageAt.Format(time.DateTime))
	}
}

func init() {
	rootCmd.AddCommand(messagesCmd)

	messagesCmd.Flags().IntVarP(&pageLimit, "limit", "n", 50, "number of messages to show")
	messagesCmd.Flags().IntVar(&pageOffset, "offset", 0, "number of newest messages to skip")
}

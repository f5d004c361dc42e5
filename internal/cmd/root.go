package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

var (
	configPath     string
	envFile        string
	passphraseFile string
	useKeychain    bool
	verbose        bool
	config         *utils.ConfigManager
	logger         *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "relay-dm",
	Short: "Encrypted direct messages over relays",
	Long: `A node that sends and receives end-to-end encrypted direct messages
through a set of public relays.

Outgoing messages are tracked until a relay acknowledges them, retried with
backoff when relays are unreachable, and kept in a local database scoped to
the unlocked identity.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Initialize configuration
		config = utils.NewConfigManager(configPath)

		// .env and RELAY_DM_* variables win over the config file
		if applied, err := config.ApplyEnvOverrides(envFile); err != nil {
			fmt.Printf("Warning: failed to apply environment overrides: %v\n", err)
		} else if applied > 0 && verbose {
			fmt.Printf("Applied %d environment overrides\n", applied)
		}

		if verbose {
			config.SetConfig("log_console", true)
		}

		// Initialize logging
		logger = utils.NewLogsManager(config)
		logger.SetProcess(cmd.CommandPath())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		// Cleanup
		if logger != nil {
			logger.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with RELAY_DM_* overrides")
	rootCmd.PersistentFlags().StringVar(&passphraseFile, "passphrase-file", "", "read the keystore passphrase from a file")
	rootCmd.PersistentFlags().BoolVar(&useKeychain, "keychain", false, "cache the keystore passphrase in the OS keychain")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "also log to the console")
}

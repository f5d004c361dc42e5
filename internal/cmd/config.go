package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show [key]",
	Short: "Print configuration values after .env and RELAY_DM_* overrides",
	Long: `Print the configuration the node would run with: the config file with
.env and RELAY_DM_* overrides applied. Passphrases and secrets are masked.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all := config.GetAllConfigs()

		if len(args) == 1 {
			value, ok := all[args[0]]
			if !ok {
				exitWithError("cli", "Config key '%s' is not set", args[0])
			}
			fmt.Println(value)
			return
		}

		keys := make([]string, 0, len(all))
		for key := range all {
			keys = append(keys, key)
		}
		slices.Sort(keys)

		for _, key := range keys {
			fmt.Printf("%s = %s\n", key, all[key])
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

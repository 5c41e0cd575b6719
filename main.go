// Command chatrelay relays browser chat sockets to an assistant provider.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaot623/chatrelay/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:          "chatrelay",
		Short:        "Real-time chat relay between browser sockets and an assistant",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.ReadFile(v, configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (yaml, json or toml)")

	root.AddCommand(newServeCmd(v), newChatCmd())
	return root
}

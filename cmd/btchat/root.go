package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "btchat",
	Short: "line chat over short-range radio links",
	Long: `btchat opens serial-style links to nearby devices and exchanges
newline-terminated text with every connected peer.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "btchat:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/btchat/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(powerCmd)
	rootCmd.AddCommand(initConfigCmd)
}

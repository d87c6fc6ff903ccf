package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "linkbridge",
	Short: "Connect devices over any available transport and move files between them",
	Long: `linkbridge relays envelopes between a primary device and its viewers over
TCP, WebSocket, HTTP, UDP and QUIC, and transfers files in resumable,
checksummed chunks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
	rootCmd.AddCommand(transfersCmd)
	rootCmd.AddCommand(discoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

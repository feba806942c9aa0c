// Command chatnode is a client node of the chat network: an automated bot
// (chatnode bot) or an interactive console (chatnode chat).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	reqAddr    string
	subAddr    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "chatnode",
	Short:         "Client node for the broker-mediated chat network",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVar(&reqAddr, "req-addr", "", "Broker command endpoint (overrides REQ_ADDR)")
	flags.StringVar(&subAddr, "sub-addr", "", "Relay broadcast endpoint (overrides SUB_ADDR)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(botCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatnode:", err)
		os.Exit(1)
	}
}

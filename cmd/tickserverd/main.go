package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootOptions are shared by every subcommand.
type rootOptions struct {
	configFile string
	viper      *viper.Viper
}

func main() {
	opts := &rootOptions{viper: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "tickserverd",
		Short: "Tick-driven multiplayer lobby server",
		Long: `tickserverd runs a lobby on the tick scheduler.

Clients connect over TCP or WebSocket, authenticate with the shared secret,
send a player name and then exchange chat messages. With an auth listener
configured, clients authenticate over TLS first and reconnect to the primary
listener with the identity they were given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Config file (yaml or toml)")

	rootCmd.AddCommand(
		serveCmd(opts),
		probeCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		stop()
		os.Exit(1)
	}
}

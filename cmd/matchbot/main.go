// matchbot
//
// A Telegram front end for the matching service. Log in, find a match,
// chat — all without leaving Telegram.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibematch/matchbot/internal/config"
	"github.com/vibematch/matchbot/internal/server"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "matchbot",
	Short: "matchbot - Telegram matching bot",
	Long: `matchbot is a Telegram front end for the matching service.

  matchbot serve          Start the bot and the internal HTTP API
  matchbot version        Print the version`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the matchbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zoro11031/winebasin/internal/broker"
)

var brokerRoot string

// brokerCmd is the elevated mount helper. winebasin starts it through the
// elevate command and talks to it over stdin/stdout.
var brokerCmd = &cobra.Command{
	Use:    "broker",
	Short:  "Run the privileged mount helper",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runBroker,
}

func init() {
	brokerCmd.Flags().StringVar(&brokerRoot, "root", "", "Data directory the helper is confined to")
	_ = brokerCmd.MarkFlagRequired("root")
	rootCmd.AddCommand(brokerCmd)
}

func runBroker(cmd *cobra.Command, args []string) error {
	// Ctrl-C reaches the whole foreground group; stay up until stdin closes
	signal.Notify(make(chan os.Signal, 1), syscall.SIGINT, syscall.SIGHUP)

	server, err := broker.NewServer(brokerRoot)
	if err != nil {
		return fmt.Errorf("failed to start mount helper: %w", err)
	}
	log.Debug().Str("root", server.Root()).Int("euid", os.Geteuid()).Msg("mount helper ready")
	return server.Serve(os.Stdin, os.Stdout)
}

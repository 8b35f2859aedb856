// Package main is the agentmb-daemon entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentmb/agentmb-daemon/internal/config"
	"github.com/agentmb/agentmb-daemon/internal/daemon"
	"github.com/agentmb/agentmb-daemon/pkg/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentmb-daemon",
		Short:         "HTTP daemon exposing a session-scoped, agent-managed browser",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			daemon.SetupLogging(cfg.LogLevel)
			cfg.Validate()

			sup, err := daemon.New(cfg)
			if err != nil {
				return fmt.Errorf("build daemon: %w", err)
			}
			return sup.Run(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("agentmb-daemon %s (%s)\n", version.Full(), version.GoVersion())
			return nil
		},
	}
}

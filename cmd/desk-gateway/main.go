// ABOUTME: Entry point for desk-gateway, the conversation queue server
// ABOUTME: Builds the cobra command tree and runs it under a signal-aware context

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/desk-gateway/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _           _                      _
  __| | ___  ___| | __      __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _ \/ __| |/ /____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| |  __/\__ \   <_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|\___||___/_|\_\     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                           |___/                             |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "desk-gateway",
		Short:         "Conversation queue and lifecycle server",
		Long:          "desk-gateway queues citizen conversations for human agents,\nhands them out race-free and reaps the ones nobody is attending.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $DESK_CONFIG, ./config.yaml or $XDG_CONFIG_HOME/desk/gateway.yaml)")

	resolve := func() string {
		if configPath != "" {
			return configPath
		}
		return config.DefaultPath()
	}

	cmd.AddCommand(
		newServeCmd(resolve),
		newInitCmd(resolve),
		newSweepCmd(resolve),
		newQueueCmd(resolve),
		newHealthCmd(resolve),
	)
	return cmd
}

// loadConfig reads the config named by resolve.
func loadConfig(resolve func() string) (string, *config.Config, error) {
	path := resolve()
	cfg, err := config.Load(path)
	if err != nil {
		return path, nil, fmt.Errorf("loading config: %w", err)
	}
	return path, cfg, nil
}

// ABOUTME: serve command: prints the startup banner and runs the gateway
// ABOUTME: Sweeper thresholds hot-reload from the same config file

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/desk-gateway/internal/gateway"
)

func newServeCmd(resolve func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, cfg, err := loadConfig(resolve)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			cyan.Fprint(out, banner)
			gray.Fprintf(out, "    version: %s\n\n", version)

			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Config:    %s\n", configPath)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "HTTP:      %s\n", cfg.Server.HTTPAddr)
			if cfg.Server.GRPCAddr != "" {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintf(out, "gRPC:      %s\n", cfg.Server.GRPCAddr)
			}
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Store:     %s\n", cfg.Database.Driver)
			green.Fprint(out, "    ▶ ")
			fmt.Fprintf(out, "Bus:       %s", cfg.EventBus.Driver)
			if cfg.EventBus.Driver == "memory" {
				yellow.Fprint(out, " [single process]")
			}
			fmt.Fprintln(out)

			if cfg.Tailscale.Enabled {
				green.Fprint(out, "    ▶ ")
				fmt.Fprint(out, "Tailscale: ")
				cyan.Fprint(out, cfg.Tailscale.Hostname)
				if cfg.Tailscale.Ephemeral {
					gray.Fprint(out, " (ephemeral)")
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out)

			logger := setupLogger(cfg.Logging, nil)
			logger.Info("starting desk-gateway",
				"config", configPath,
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
				"store", cfg.Database.Driver,
				"bus", cfg.EventBus.Driver,
			)

			ctx := cmd.Context()
			gw, err := gateway.New(ctx, cfg, logger, gateway.WithConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(ctx)
		},
	}
}

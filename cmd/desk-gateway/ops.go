// ABOUTME: Operator commands that act on the configured store without serving
// ABOUTME: sweep runs one abandonment pass; queue lists waiting conversations

package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/desk-gateway/internal/gateway"
)

// withGateway opens the configured backends, runs fn and shuts down.
func withGateway(cmd *cobra.Command, resolve func() string, fn func(*gateway.Gateway) error) error {
	_, cfg, err := loadConfig(resolve)
	if err != nil {
		return err
	}

	// Results go to stdout; only problems are logged.
	cfg.Logging.Level = "warn"
	logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())

	gw, err := gateway.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
	}()
	return fn(gw)
}

func newSweepCmd(resolve func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one abandonment pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, resolve, func(gw *gateway.Gateway) error {
				report, err := gw.Sweeper().SweepOnce(cmd.Context())

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "scanned:   %d\n", report.Scanned)
				fmt.Fprintf(out, "abandoned: %d\n", report.Abandoned)
				fmt.Fprintf(out, "conflicts: %d\n", report.Conflicts)
				fmt.Fprintf(out, "warned:    %d\n", report.Warned)
				if report.Failures > 0 {
					color.New(color.FgRed).Fprintf(out, "failures:  %d\n", report.Failures)
				}
				return err
			})
		},
	}
}

func newQueueCmd(resolve func() string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List waiting conversations in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, resolve, func(gw *gateway.Gateway) error {
				queue, err := gw.Service().Queue(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("listing queue: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(queue) == 0 {
					fmt.Fprintln(out, "no conversations waiting")
					return nil
				}

				now := time.Now()
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "POS\tID\tDEPARTMENT\tWAITING")
				for i, c := range queue {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, c.ID, c.DepartmentID,
						now.Sub(c.UpdatedAt).Truncate(time.Second))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n conversations (0 for all)")
	return cmd
}

// ABOUTME: health command: asks a running gateway whether it is ready
// ABOUTME: Exits non-zero unless /health/ready answers 200

package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func newHealthCmd(resolve func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(resolve)
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// ABOUTME: init command: writes a starter config file
// ABOUTME: Defaults to SQLite under XDG_DATA_HOME and the in-memory event bus

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const configTemplate = `# desk-gateway configuration
# Generated by desk-gateway init

server:
  http_addr: %q
  grpc_addr: %q

database:
  driver: "sqlite"
  path: %q

eventbus:
  driver: "memory"

sweeper:
  interval: "60s"
  waiting_after: "3m"
  active_after: "30m"
  warn_after: "0s"
  max_warnings: 0
  batch_size: 200

realtime:
  dedupe_ttl: "2m"
  dedupe_size: 10000

logging:
  level: "info"
  format: "text"

metrics:
  enabled: true
  path: "/metrics"
`

// dataPath returns the desk data directory.
// Priority: XDG_DATA_HOME/desk > ~/.local/share/desk
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "desk")
}

func newInitCmd(resolve func() string) *cobra.Command {
	var (
		force    bool
		httpAddr string
		grpcAddr string
		dbPath   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolve()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("checking config file: %w", err)
			}

			if dbPath == "" {
				dbPath = filepath.Join(dataPath(), "desk.db")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}

			content := fmt.Sprintf(configTemplate, httpAddr, grpcAddr, dbPath)
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			out := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			green.Fprintf(out, "  ✓ Created config: %s\n", path)
			green.Fprintf(out, "  ✓ Database:       %s\n", dbPath)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "To start the server:")
			fmt.Fprintf(out, "  desk-gateway serve --config %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "localhost:8080", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "localhost:50051", "gRPC health listen address (empty disables)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	return cmd
}

// Package config handles configuration loading for desk-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DESK_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. $XDG_CONFIG_HOME/desk/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML.
// DESK_DB_PATH, when set, overrides database.path.
//
// # Environment Variable Expansion
//
//	eventbus:
//	  url: "${DESK_AMQP_URL}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # console API, SSE and websocket
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health; empty disables
//
//	database:
//	  driver: "sqlite"            # sqlite, postgres, mongo
//	  path: "/var/lib/desk/desk.db"
//
//	eventbus:
//	  driver: "memory"            # memory, amqp
//
//	sweeper:
//	  interval: "60s"
//	  waiting_after: "3m"
//	  active_after: "30m"
//	  warn_after: "10m"
//	  max_warnings: 2
//
//	realtime:
//	  dedupe_ttl: "2m"
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text, json
//
// # Hot Reload
//
// Watch re-reads the file on change. The gateway applies new sweeper
// thresholds without a restart; other sections need one.
package config

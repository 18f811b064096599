// Package gateway orchestrates the desk-gateway server components.
//
// # Overview
//
// The gateway package opens the configured store and event bus, wires the
// conversation engine over them, and serves it over HTTP. It owns the
// sweeper loop, the realtime dispatcher, the gRPC health service and the
// optional Tailscale listener.
//
// # Wiring
//
//	store ──► ChangeFeed ──► capacity.Gate, lifecycle.Machine, dispatch.Engine
//	             │
//	             └──► eventbus ──► realtime.Dispatcher ──► push streams
//
// Every component writes through the ChangeFeed, so each committed change
// is published once and reaches viewers on any gateway process sharing the
// bus.
//
// # HTTP API
//
// The console API lives in api.go:
//
//   - POST /api/conversations - Open a conversation (bot or waiting)
//   - GET /api/conversations/{id} - Read one conversation
//   - POST /api/conversations/{id}/escalate - Move from bot to waiting
//   - POST /api/conversations/{id}/claim - Take a waiting conversation
//   - POST /api/conversations/{id}/close - Close as agent or citizen
//   - POST /api/conversations/{id}/messages - Record message activity
//   - POST /api/conversations/{id}/survey - Rate a closed conversation
//   - GET /api/conversations/{id}/position - Place in the waiting queue
//   - GET /api/queue - The waiting queue in FIFO order
//   - GET /api/agents/{id}/conversations - Agent console snapshot
//   - PUT /api/agents/{id}/status - Availability and chat limit
//   - GET /health, GET /health/ready - Liveness and readiness
//
// Transition endpoints answer with an outcome:
//
//	{"outcome": "already_claimed", "message": "this conversation was just taken", ...}
//
// Success is 200, not_found is 404, and conflict, already_claimed and
// capacity_exceeded are 409.
//
// # Push
//
// Viewers pass one or more interests (waiting_pool, agent:<id>,
// conversation:<id>) and get a snapshot of each, then a fresh snapshot of
// every interest named in a reload:
//
//	GET /api/reload/stream?interest=waiting_pool&interest=agent:a1
//
//	event: snapshot
//	data: {"type":"snapshot","view":{"interest":{"kind":"waiting_pool"},...}}
//
// GET /ws accepts the same query and sends the frames as websocket text
// messages with ping keepalive.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger, gateway.WithConfigPath(path))
//	err = gw.Run(ctx) // blocks; shuts down when ctx ends
//
// # Key Files
//
//   - gateway.go: Gateway struct, wiring, Run/Shutdown, Tailscale
//   - backends.go: store and event bus selection
//   - api.go: HTTP routes and handlers
//   - push.go: SSE and websocket streams
//   - health.go: gRPC health service and readiness checks
package gateway

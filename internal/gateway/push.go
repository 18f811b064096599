// ABOUTME: Push endpoints that stream fresh snapshots when a watched view changes
// ABOUTME: Server-sent events on /api/reload/stream and a websocket on /ws

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/desk-gateway/internal/conversation"
	"github.com/2389/desk-gateway/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sseKeepAlive   = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PushMessage is one frame on a push connection.
type PushMessage struct {
	Type  string             `json:"type"`
	View  *conversation.View `json:"view,omitempty"`
	Error string             `json:"error,omitempty"`
}

// parseInterests reads repeated or comma-separated interest query values.
func parseInterests(r *http.Request) ([]realtime.Interest, error) {
	var out []realtime.Interest
	for _, raw := range r.URL.Query()["interest"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			in, err := realtime.ParseInterest(part)
			if err != nil {
				return nil, err
			}
			out = append(out, in)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one interest is required", realtime.ErrInvalidInterest)
	}
	return out, nil
}

// subscribeReloads registers interests and returns a channel of reloads.
// The dispatcher coalesces while the receiver is busy, so the handoff is
// unbuffered and abandoned once ctx ends.
func (g *Gateway) subscribeReloads(ctx context.Context, interests []realtime.Interest) (<-chan realtime.Reload, realtime.Handle, error) {
	reloads := make(chan realtime.Reload)
	h, err := g.service.SubscribeToReload(ctx, interests, func(rl realtime.Reload) {
		select {
		case reloads <- rl:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, "", err
	}
	return reloads, h, nil
}

// snapshots renders each interest. A failed read becomes an error frame so
// one missing conversation does not end the stream.
func (g *Gateway) snapshots(ctx context.Context, kind string, interests []realtime.Interest) []PushMessage {
	out := make([]PushMessage, 0, len(interests))
	for _, in := range interests {
		view, err := g.service.Snapshot(ctx, in)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("snapshot failed", "interest", in.String(), "error", err)
			}
			out = append(out, PushMessage{Type: "error", View: &conversation.View{Interest: in}, Error: err.Error()})
			continue
		}
		out = append(out, PushMessage{Type: kind, View: view})
	}
	return out
}

// handleReloadStream serves GET /api/reload/stream?interest=... as SSE.
func (g *Gateway) handleReloadStream(w http.ResponseWriter, r *http.Request) {
	interests, err := parseInterests(r)
	if err != nil {
		g.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	reloads, h, err := g.subscribeReloads(ctx, interests)
	if errors.Is(err, realtime.ErrClosed) {
		g.sendError(w, r, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if err != nil {
		g.sendInternal(w, r, "subscribe", err)
		return
	}
	defer g.service.Unsubscribe(h)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for _, msg := range g.snapshots(ctx, "snapshot", interests) {
		g.writeSSEEvent(w, msg.Type, msg)
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rl := <-reloads:
			for _, msg := range g.snapshots(ctx, "reload", rl.Interests) {
				g.writeSSEEvent(w, msg.Type, msg)
			}
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleWebsocket serves GET /ws?interest=... and pushes the same frames
// as the SSE stream.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	interests, err := parseInterests(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	reloads, h, err := g.subscribeReloads(ctx, interests)
	if err != nil {
		g.logger.Warn("websocket subscribe failed", "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer g.service.Unsubscribe(h)

	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, interests, reloads)
}

// readPump discards client frames and cancels the connection on disconnect
// or missed pongs.
func (g *Gateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns all writes to conn.
func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, interests []realtime.Interest, reloads <-chan realtime.Reload) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	send := func(msgs []PushMessage) bool {
		for _, msg := range msgs {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return false
			}
		}
		return true
	}

	if !send(g.snapshots(ctx, "snapshot", interests)) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case rl := <-reloads:
			if !send(g.snapshots(ctx, "reload", rl.Interests)) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ABOUTME: Dispatch engine: race-safe claims and pull-based queue positions
// ABOUTME: Mutual exclusion comes from the store's conditional update, never from in-process locks

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/desk-gateway/internal/lifecycle"
	"github.com/2389/desk-gateway/internal/metrics"
	"github.com/2389/desk-gateway/internal/store"
)

// ErrNotWaiting is returned by QueuePosition for conversations outside the queue.
var ErrNotWaiting = errors.New("conversation is not waiting")

// ErrAgentRequired is returned when Claim is called without an agent.
var ErrAgentRequired = errors.New("agent id required")

// Admitter reserves and returns agent chat slots.
type Admitter interface {
	Admit(ctx context.Context, agentID string) (bool, error)
	Release(ctx context.Context, agentID string) error
}

// Transitioner applies lifecycle transitions.
type Transitioner interface {
	TryTransition(ctx context.Context, id string, expected, next store.Status, f lifecycle.Fields) (lifecycle.Outcome, error)
}

// Engine assigns waiting conversations to agents.
type Engine struct {
	store   store.ConversationStore
	machine Transitioner
	gate    Admitter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Engine. m may be nil.
func New(st store.ConversationStore, machine Transitioner, gate Admitter, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		machine: machine,
		gate:    gate,
		metrics: m,
		logger:  logger.With("component", "dispatch"),
	}
}

// Claim assigns conversationID to agentID. At most one concurrent caller
// succeeds; the rest see AlreadyClaimed. Nothing is retried.
func (e *Engine) Claim(ctx context.Context, conversationID, agentID string) (lifecycle.Outcome, error) {
	if agentID == "" {
		return lifecycle.Failed, ErrAgentRequired
	}

	admitted, err := e.gate.Admit(ctx, agentID)
	if err != nil {
		e.metrics.ObserveClaim(lifecycle.Failed.String())
		return lifecycle.Failed, fmt.Errorf("checking capacity: %w", err)
	}
	if !admitted {
		e.metrics.ObserveClaim(lifecycle.CapacityExceeded.String())
		e.logger.Info("claim rejected by capacity gate", "conversation_id", conversationID, "agent_id", agentID)
		return lifecycle.CapacityExceeded, nil
	}

	out, err := e.machine.TryTransition(ctx, conversationID, store.StatusWaiting, store.StatusActive,
		lifecycle.Fields{AgentID: agentID})
	switch out {
	case lifecycle.Conflict, lifecycle.NotFound:
		if relErr := e.gate.Release(ctx, agentID); relErr != nil {
			e.logger.Error("failed to release reserved slot",
				"conversation_id", conversationID,
				"agent_id", agentID,
				"error", relErr,
			)
		}
	case lifecycle.Failed:
		// The update may have committed before the error; holding the slot
		// can only overcount, and coming online again recounts.
		e.logger.Warn("claim outcome unknown, keeping reserved slot",
			"conversation_id", conversationID,
			"agent_id", agentID,
			"error", err,
		)
	}
	if err != nil {
		e.metrics.ObserveClaim(lifecycle.Failed.String())
		return lifecycle.Failed, err
	}

	if out == lifecycle.Conflict {
		out = lifecycle.AlreadyClaimed
	}
	e.metrics.ObserveClaim(out.String())

	switch out {
	case lifecycle.Success:
		e.logger.Info("conversation claimed", "conversation_id", conversationID, "agent_id", agentID)
	case lifecycle.AlreadyClaimed:
		e.logger.Info("claim lost", "conversation_id", conversationID, "agent_id", agentID)
	}
	return out, nil
}

// QueuePosition returns the 1-based place of a waiting conversation,
// recomputed from the store on every call.
func (e *Engine) QueuePosition(ctx context.Context, id string) (int, error) {
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return 0, err
	}
	if conv.Status != store.StatusWaiting {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotWaiting, id, conv.Status)
	}

	n, err := e.store.CountQueuedAhead(ctx, conv.CreatedAt, conv.ID)
	if err != nil {
		return 0, fmt.Errorf("computing position: %w", err)
	}
	if n == 0 {
		// Claimed or reaped between the two reads.
		return 0, fmt.Errorf("%w: %s left the queue", ErrNotWaiting, id)
	}
	return n, nil
}

// Queue returns up to limit waiting conversations in FIFO order, or the
// whole queue when limit is zero. Pages are read by key, so a conversation
// claimed mid-read never shifts a later page.
func (e *Engine) Queue(ctx context.Context, limit int) ([]*store.Conversation, error) {
	var out []*store.Conversation
	filter := store.ConversationFilter{Status: store.StatusWaiting}
	for {
		filter.Limit = store.MaxListLimit
		if limit > 0 {
			filter.Limit = min(limit-len(out), store.MaxListLimit)
		}
		page, err := e.store.ListConversations(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("listing queue: %w", err)
		}
		out = append(out, page...)
		if len(page) < filter.Limit || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		last := page[len(page)-1]
		filter.AfterCreatedAt, filter.AfterID = last.CreatedAt, last.ID
	}
}

// ABOUTME: Capacity gate deciding whether an agent may take another conversation
// ABOUTME: Slots are reserved atomically in the store so concurrent claims cannot overshoot

package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/desk-gateway/internal/store"
)

// ErrInvalidAvailability is returned for unknown availability values or limits.
var ErrInvalidAvailability = errors.New("invalid availability")

// CanClaim is the pure admission policy: online and below the limit.
func CanClaim(s *store.AgentStatus) bool {
	return s != nil && s.Status == store.AgentOnline && s.ActiveChats < s.MaxSimultaneousChats
}

// Gate tracks per-agent active chats.
type Gate struct {
	store  store.AgentStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Gate over the agent store.
func New(st store.AgentStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  st,
		logger: logger.With("component", "capacity"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Admit checks the policy against the stored status and, if it passes,
// reserves a slot. A false result means no slot is held.
func (g *Gate) Admit(ctx context.Context, agentID string) (bool, error) {
	status, err := g.store.GetAgentStatus(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		g.logger.Debug("unknown agent", "agent_id", agentID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading agent status: %w", err)
	}
	if !CanClaim(status) {
		g.logger.Debug("agent at capacity or unavailable",
			"agent_id", agentID,
			"status", status.Status,
			"active_chats", status.ActiveChats,
			"max", status.MaxSimultaneousChats,
		)
		return false, nil
	}

	// The read above can be stale; the guarded increment is authoritative.
	rows, err := g.store.ReserveChatSlot(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("reserving slot: %w", err)
	}
	return rows == 1, nil
}

// Release returns a slot reserved for a claim that did not land.
func (g *Gate) Release(ctx context.Context, agentID string) error {
	if err := g.store.ReleaseChatSlot(ctx, agentID); err != nil {
		return fmt.Errorf("releasing slot: %w", err)
	}
	return nil
}

// OnConversationClosed frees the slot of a conversation that left active.
func (g *Gate) OnConversationClosed(ctx context.Context, agentID string) error {
	if err := g.store.ReleaseChatSlot(ctx, agentID); err != nil {
		return fmt.Errorf("releasing slot for closed conversation: %w", err)
	}
	g.logger.Debug("slot released", "agent_id", agentID)
	return nil
}

// SetAvailability records an agent's presence and limit. Coming online from
// another availability reconciles active chats from the conversations the
// agent still holds; a refresh while online leaves the counter alone so
// reservations of in-flight claims are not lost.
func (g *Gate) SetAvailability(ctx context.Context, agentID string, availability store.Availability, maxChats int) (*store.AgentStatus, error) {
	if agentID == "" || !availability.Valid() || maxChats < 0 {
		return nil, fmt.Errorf("%w: agent=%q status=%q max=%d", ErrInvalidAvailability, agentID, availability, maxChats)
	}

	err := g.store.UpsertAgentStatus(ctx, &store.AgentStatus{
		AgentID:              agentID,
		Status:               availability,
		MaxSimultaneousChats: maxChats,
		LastActiveAt:         g.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("saving availability: %w", err)
	}

	status, err := g.store.GetAgentStatus(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("reading agent status: %w", err)
	}
	g.logger.Info("agent availability changed",
		"agent_id", agentID,
		"status", status.Status,
		"active_chats", status.ActiveChats,
		"max", status.MaxSimultaneousChats,
	)
	return status, nil
}

// ABOUTME: Conversation state machine built on the store's conditional update
// ABOUTME: Validates edges, applies them atomically and reports typed outcomes

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/desk-gateway/internal/metrics"
	"github.com/2389/desk-gateway/internal/store"
)

// ErrIllegalTransition is returned for edges the state machine does not allow.
var ErrIllegalTransition = errors.New("illegal transition")

// ErrAgentRequired is returned when an edge into or out of active lacks the agent.
var ErrAgentRequired = errors.New("agent required")

// Outcome is the result of a transition or claim attempt.
type Outcome int

const (
	Success Outcome = iota
	Conflict
	NotFound
	AlreadyClaimed
	CapacityExceeded
	Failed // accompanied by a non-nil error
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	case AlreadyClaimed:
		return "already_claimed"
	case CapacityExceeded:
		return "capacity_exceeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

var transitions = map[store.Status][]store.Status{
	store.StatusBot:     {store.StatusWaiting, store.StatusClosed},
	store.StatusWaiting: {store.StatusActive, store.StatusAbandoned},
	store.StatusActive:  {store.StatusClosed, store.StatusAbandoned},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to store.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fields narrows or extends a transition.
type Fields struct {
	AgentID       string    // assignee, required when entering active
	ExpectAgentID string    // current holder, required when leaving active
	StaleBefore   time.Time // only apply if last_message_at is older
}

// SlotReleaser is told when an agent stops holding a conversation.
type SlotReleaser interface {
	OnConversationClosed(ctx context.Context, agentID string) error
}

// Machine applies lifecycle transitions.
type Machine struct {
	store    store.ConversationStore
	releaser SlotReleaser
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Machine. releaser and m may be nil.
func New(st store.ConversationStore, releaser SlotReleaser, m *metrics.Metrics, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:    st,
		releaser: releaser,
		metrics:  m,
		logger:   logger.With("component", "lifecycle"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TryTransition moves conversation id from expected to next if, and only
// if, it is still in expected when the write lands.
func (m *Machine) TryTransition(ctx context.Context, id string, expected, next store.Status, f Fields) (Outcome, error) {
	if !CanTransition(expected, next) {
		return Failed, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
	}
	if next == store.StatusActive && f.AgentID == "" {
		return Failed, fmt.Errorf("%w: entering active", ErrAgentRequired)
	}
	if expected == store.StatusActive && f.ExpectAgentID == "" {
		return Failed, fmt.Errorf("%w: leaving active", ErrAgentRequired)
	}

	cond := store.Condition{
		Status:            expected,
		AgentID:           f.ExpectAgentID,
		LastMessageBefore: f.StaleBefore,
	}
	upd := store.Update{
		Status:    next,
		UpdatedAt: m.now(),
	}
	if next == store.StatusActive {
		upd.AgentID = f.AgentID
	}

	rows, err := m.store.ConditionalUpdate(ctx, id, cond, upd)
	if err != nil {
		m.observe(expected, next, Failed)
		return Failed, fmt.Errorf("transitioning %s: %w", id, err)
	}

	if rows == 1 {
		m.observe(expected, next, Success)
		m.logger.Info("conversation transitioned",
			"conversation_id", id,
			"from", expected,
			"to", next,
			"agent_id", upd.AgentID,
		)
		if expected == store.StatusActive {
			m.release(ctx, id, f.ExpectAgentID)
		}
		return Success, nil
	}

	// Zero rows: re-read only to tell a lost race from a missing row.
	if _, err := m.store.GetConversation(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.observe(expected, next, NotFound)
			return NotFound, nil
		}
		m.observe(expected, next, Failed)
		return Failed, fmt.Errorf("reading %s after conflict: %w", id, err)
	}

	m.observe(expected, next, Conflict)
	m.logger.Debug("transition conflict", "conversation_id", id, "from", expected, "to", next)
	return Conflict, nil
}

// Escalate moves a bot conversation into the waiting queue.
func (m *Machine) Escalate(ctx context.Context, id string) (Outcome, error) {
	return m.TryTransition(ctx, id, store.StatusBot, store.StatusWaiting, Fields{})
}

// Close resolves a conversation from bot or active. When byAgent is set,
// an active conversation only closes if that agent holds it.
func (m *Machine) Close(ctx context.Context, id, byAgent string) (Outcome, error) {
	conv, err := m.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return NotFound, nil
	}
	if err != nil {
		return Failed, fmt.Errorf("reading %s: %w", id, err)
	}

	switch conv.Status {
	case store.StatusBot:
		return m.TryTransition(ctx, id, store.StatusBot, store.StatusClosed, Fields{})
	case store.StatusActive:
		holder := conv.AgentID
		if byAgent != "" {
			holder = byAgent
		}
		if holder == "" {
			// Active without a visible agent: treat as in progress, not closable yet.
			return Conflict, nil
		}
		return m.TryTransition(ctx, id, store.StatusActive, store.StatusClosed, Fields{ExpectAgentID: holder})
	default:
		m.observe(conv.Status, store.StatusClosed, Conflict)
		return Conflict, nil
	}
}

// Abandon reaps conv if it is still in the status it was read in and has
// had no activity since staleBefore.
func (m *Machine) Abandon(ctx context.Context, conv *store.Conversation, staleBefore time.Time) (Outcome, error) {
	f := Fields{StaleBefore: staleBefore}
	if conv.Status == store.StatusActive {
		f.ExpectAgentID = conv.AgentID
	}
	return m.TryTransition(ctx, conv.ID, conv.Status, store.StatusAbandoned, f)
}

func (m *Machine) release(ctx context.Context, id, agentID string) {
	if m.releaser == nil {
		return
	}
	if err := m.releaser.OnConversationClosed(ctx, agentID); err != nil {
		// The transition already committed; the next upsert to online recounts.
		m.logger.Error("failed to release chat slot",
			"conversation_id", id,
			"agent_id", agentID,
			"error", err,
		)
	}
}

func (m *Machine) observe(from, to store.Status, o Outcome) {
	m.metrics.ObserveTransition(string(from), string(to), o.String())
}

// ABOUTME: Service is the console-facing API over the lifecycle, dispatch and capacity components
// ABOUTME: Every write goes through the state machine; every read comes from the store

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/desk-gateway/internal/capacity"
	"github.com/2389/desk-gateway/internal/dispatch"
	"github.com/2389/desk-gateway/internal/lifecycle"
	"github.com/2389/desk-gateway/internal/realtime"
	"github.com/2389/desk-gateway/internal/store"
)

var (
	// ErrInvalidRating is returned for survey ratings outside 1..5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	// ErrNotClosed is returned when a survey targets a conversation that has not closed.
	ErrNotClosed = errors.New("conversation is not closed")
	// ErrEnded is returned when writing to a closed or abandoned conversation.
	ErrEnded = errors.New("conversation has ended")
	// ErrInvalidAuthor is returned for unknown message authors.
	ErrInvalidAuthor = errors.New("invalid message author")
)

// Deps are the components the service coordinates.
type Deps struct {
	Store    store.Store
	Machine  *lifecycle.Machine
	Engine   *dispatch.Engine
	Gate     *capacity.Gate
	Realtime *realtime.Dispatcher
}

// Service is the single entry point for consoles, the citizen widget and
// the HTTP layer.
type Service struct {
	store    store.Store
	machine  *lifecycle.Machine
	engine   *dispatch.Engine
	gate     *capacity.Gate
	realtime *realtime.Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service. Pass nil logger for default.
func New(d Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    d.Store,
		machine:  d.Machine,
		engine:   d.Engine,
		gate:     d.Gate,
		realtime: d.Realtime,
		logger:   logger.With("component", "conversation"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OpenRequest starts a new conversation.
type OpenRequest struct {
	ID           string // optional; generated when empty
	DepartmentID string
	ServiceID    string
	Waiting      bool // skip the bot and queue immediately
}

// Open creates a conversation in the bot state, or directly in the waiting
// queue when req.Waiting is set.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*store.Conversation, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := store.StatusBot
	if req.Waiting {
		status = store.StatusWaiting
	}
	now := s.now()
	conv := &store.Conversation{
		ID:            id,
		Status:        status,
		DepartmentID:  req.DepartmentID,
		ServiceID:     req.ServiceID,
		CreatedAt:     now,
		LastMessageAt: now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Info("conversation opened", "conversation_id", id, "status", status, "department_id", req.DepartmentID)
	return conv, nil
}

// Get reads a conversation. Missing rows return store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// Escalate moves a bot conversation into the waiting queue.
func (s *Service) Escalate(ctx context.Context, id string) (lifecycle.Outcome, error) {
	out, err := s.machine.Escalate(ctx, id)
	if out == lifecycle.Success {
		s.logger.Info("conversation escalated", "conversation_id", id)
	}
	return out, err
}

// Claim assigns a waiting conversation to agentID. AlreadyClaimed must not
// be retried for the same conversation.
func (s *Service) Claim(ctx context.Context, conversationID, agentID string) (lifecycle.Outcome, error) {
	return s.engine.Claim(ctx, conversationID, agentID)
}

// Close ends a bot or active conversation. When byAgent is set, only the
// holding agent may close an active conversation.
func (s *Service) Close(ctx context.Context, id, byAgent string) (lifecycle.Outcome, error) {
	out, err := s.machine.Close(ctx, id, byAgent)
	if out == lifecycle.Success {
		s.logger.Info("conversation closed", "conversation_id", id, "agent_id", byAgent)
	}
	return out, err
}

// QueuePosition returns the 1-based FIFO position of a waiting conversation.
func (s *Service) QueuePosition(ctx context.Context, id string) (int, error) {
	return s.engine.QueuePosition(ctx, id)
}

// Queue lists waiting conversations in FIFO order.
func (s *Service) Queue(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return s.engine.Queue(ctx, limit)
}

// AgentConversations lists the conversations an agent currently holds.
func (s *Service) AgentConversations(ctx context.Context, agentID string) ([]*store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, store.ConversationFilter{
		Status:  store.StatusActive,
		AgentID: agentID,
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations for %s: %w", agentID, err)
	}
	return convs, nil
}

// RecordMessage registers activity on a live conversation. Message bodies
// are stored elsewhere; only the timestamp matters here.
func (s *Service) RecordMessage(ctx context.Context, id string, author store.Author) error {
	switch author {
	case store.AuthorCitizen, store.AuthorAgent, store.AuthorBot:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAuthor, author)
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.Status.Terminal() {
		return ErrEnded
	}
	if err := s.store.RecordMessage(ctx, id, author, s.now()); err != nil {
		return fmt.Errorf("recording message on %s: %w", id, err)
	}
	return nil
}

// SubmitSurvey appends the citizen's closing rating.
func (s *Service) SubmitSurvey(ctx context.Context, id string, rating int, comment string) (*store.SatisfactionArtifact, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusClosed {
		return nil, ErrNotClosed
	}

	artifact := &store.SatisfactionArtifact{
		ConversationID: id,
		Rating:         rating,
		Comment:        comment,
		CreatedAt:      s.now(),
	}
	artifactID, err := s.store.InsertArtifact(ctx, artifact)
	if err != nil {
		return nil, fmt.Errorf("saving survey for %s: %w", id, err)
	}
	artifact.ID = artifactID
	return artifact, nil
}

// SetAgentAvailability records an agent's presence and chat limit.
func (s *Service) SetAgentAvailability(ctx context.Context, agentID string, availability store.Availability, maxChats int) (*store.AgentStatus, error) {
	return s.gate.SetAvailability(ctx, agentID, availability, maxChats)
}

// AgentStatus reads an agent's capacity record.
func (s *Service) AgentStatus(ctx context.Context, agentID string) (*store.AgentStatus, error) {
	return s.store.GetAgentStatus(ctx, agentID)
}

// SubscribeToReload registers fn for coalesced reload signals on interests.
// The subscription ends when ctx is cancelled or Unsubscribe is called.
func (s *Service) SubscribeToReload(ctx context.Context, interests []realtime.Interest, fn realtime.ReloadFunc) (realtime.Handle, error) {
	return s.realtime.Subscribe(ctx, interests, fn)
}

// Unsubscribe ends a reload subscription.
func (s *Service) Unsubscribe(h realtime.Handle) {
	s.realtime.Unsubscribe(h)
}

// View is a freshly read snapshot of one interest.
type View struct {
	Interest      realtime.Interest   `json:"interest"`
	Conversation  *ConversationView   `json:"conversation,omitempty"`
	Conversations []*ConversationView `json:"conversations,omitempty"`
	Agent         *AgentView          `json:"agent,omitempty"`
}

// ConversationView is the wire shape of a conversation.
type ConversationView struct {
	ID                 string    `json:"id"`
	Status             string    `json:"status"`
	AgentID            string    `json:"agent_id,omitempty"`
	DepartmentID       string    `json:"department_id,omitempty"`
	ServiceID          string    `json:"service_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	InactivityWarnings int       `json:"inactivity_warnings"`
	InProgress         bool      `json:"in_progress,omitempty"`
	QueuePosition      int       `json:"queue_position,omitempty"`
}

// AgentView is the wire shape of an agent's capacity.
type AgentView struct {
	AgentID              string    `json:"agent_id"`
	Status               string    `json:"status"`
	ActiveChats          int       `json:"active_chats"`
	MaxSimultaneousChats int       `json:"max_simultaneous_chats"`
	LastActiveAt         time.Time `json:"last_active_at"`
}

// NewConversationView converts a store row.
func NewConversationView(c *store.Conversation) *ConversationView {
	return &ConversationView{
		ID:                 c.ID,
		Status:             string(c.Status),
		AgentID:            c.AgentID,
		DepartmentID:       c.DepartmentID,
		ServiceID:          c.ServiceID,
		CreatedAt:          c.CreatedAt,
		LastMessageAt:      c.LastMessageAt,
		UpdatedAt:          c.UpdatedAt,
		InactivityWarnings: c.InactivityWarnings,
		InProgress:         c.InProgress(),
	}
}

// NewAgentView converts a store row.
func NewAgentView(a *store.AgentStatus) *AgentView {
	return &AgentView{
		AgentID:              a.AgentID,
		Status:               string(a.Status),
		ActiveChats:          a.ActiveChats,
		MaxSimultaneousChats: a.MaxSimultaneousChats,
		LastActiveAt:         a.LastActiveAt,
	}
}

// Snapshot re-reads everything a viewer of in needs to render.
func (s *Service) Snapshot(ctx context.Context, in realtime.Interest) (*View, error) {
	v := &View{Interest: in}
	switch in.Kind {
	case realtime.KindWaitingPool:
		queue, err := s.engine.Queue(ctx, 0)
		if err != nil {
			return nil, err
		}
		v.Conversations = make([]*ConversationView, 0, len(queue))
		for i, c := range queue {
			cv := NewConversationView(c)
			cv.QueuePosition = i + 1
			v.Conversations = append(v.Conversations, cv)
		}

	case realtime.KindAgent:
		agent, err := s.store.GetAgentStatus(ctx, in.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Agent has never set availability; render an empty console.
		case err != nil:
			return nil, err
		default:
			v.Agent = NewAgentView(agent)
		}
		convs, err := s.AgentConversations(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		v.Conversations = make([]*ConversationView, 0, len(convs))
		for _, c := range convs {
			v.Conversations = append(v.Conversations, NewConversationView(c))
		}

	case realtime.KindConversation:
		conv, err := s.store.GetConversation(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		v.Conversation = NewConversationView(conv)
		if conv.Status == store.StatusWaiting {
			pos, err := s.engine.QueuePosition(ctx, conv.ID)
			switch {
			case errors.Is(err, dispatch.ErrNotWaiting):
				// Claimed between the two reads; the next reload catches up.
			case err != nil:
				return nil, err
			default:
				v.Conversation.QueuePosition = pos
			}
		}

	default:
		return nil, fmt.Errorf("unknown interest kind %q", in.Kind)
	}
	return v, nil
}

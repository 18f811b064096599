// ABOUTME: Store interface and data types for desk-gateway persistence
// ABOUTME: Defines Conversation, AgentStatus, SatisfactionArtifact and the conditional-update contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose ID already exists
var ErrDuplicate = errors.New("already exists")

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusBot       Status = "bot"       // bot is gathering intent
	StatusWaiting   Status = "waiting"   // escalated, queued for an agent
	StatusActive    Status = "active"    // assigned to exactly one agent
	StatusClosed    Status = "closed"    // resolved
	StatusAbandoned Status = "abandoned" // reaped by the sweeper
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusBot, StatusWaiting, StatusActive, StatusClosed, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether s can never be left.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusAbandoned
}

// Conversation is one citizen conversation moving through the queue.
type Conversation struct {
	ID                 string
	Status             Status
	AgentID            string // empty unless Status is active
	DepartmentID       string
	ServiceID          string
	CreatedAt          time.Time
	LastMessageAt      time.Time
	UpdatedAt          time.Time
	InactivityWarnings int
}

// InProgress reports an active conversation whose agent has not been
// observed yet. Views render it as "in progress" instead of failing.
func (c *Conversation) InProgress() bool {
	return c.Status == StatusActive && c.AgentID == ""
}

// Author identifies who sent a message on a conversation.
type Author string

const (
	AuthorCitizen Author = "citizen"
	AuthorAgent   Author = "agent"
	AuthorBot     Author = "bot"
)

// Availability is an agent's self-reported presence.
type Availability string

const (
	AgentOnline  Availability = "online"
	AgentBreak   Availability = "break"
	AgentOffline Availability = "offline"
)

// Valid reports whether a is a known availability value.
func (a Availability) Valid() bool {
	return a == AgentOnline || a == AgentBreak || a == AgentOffline
}

// AgentStatus is the capacity record read on every claim.
type AgentStatus struct {
	AgentID              string
	Status               Availability
	ActiveChats          int
	MaxSimultaneousChats int
	LastActiveAt         time.Time
}

// SatisfactionArtifact is an append-only rating attached to a finished conversation.
// Rating 0 with comment "abandoned" marks a sweeper reap.
type SatisfactionArtifact struct {
	ID             string
	ConversationID string
	Rating         int
	Comment        string
	CreatedAt      time.Time
}

// Condition is the WHERE clause of a conditional update. Status is required;
// the other fields narrow the match when set.
type Condition struct {
	Status            Status
	AgentID           string    // match only if the row is held by this agent
	LastMessageBefore time.Time // match only if last_message_at is older
}

// Update is the SET clause of a conditional update. Status and AgentID are
// always written together; an empty AgentID clears the assignment.
type Update struct {
	Status    Status
	AgentID   string
	UpdatedAt time.Time
}

// ConversationFilter selects conversations for list views.
// Results are ordered by created_at then id, ascending. A non-empty AfterID
// resumes strictly after the (AfterCreatedAt, AfterID) key of a previous page.
type ConversationFilter struct {
	Status         Status
	AgentID        string
	Limit          int
	AfterCreatedAt time.Time
	AfterID        string
}

// ConversationStore persists conversations.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ConditionalUpdate applies upd only if the row still matches cond and
	// reports how many rows changed (0 or 1). It is the only write path for
	// status and agent assignment.
	ConditionalUpdate(ctx context.Context, id string, cond Condition, upd Update) (int64, error)

	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// ListStaleConversations returns conversations in status whose
	// last_message_at is older than before, oldest first.
	ListStaleConversations(ctx context.Context, status Status, before time.Time, limit int) ([]*Conversation, error)

	// CountQueuedAhead counts waiting conversations ordered at or before
	// (createdAt, id).
	CountQueuedAhead(ctx context.Context, createdAt time.Time, id string) (int, error)

	// RecordMessage bumps last_message_at (never backwards) and resets the
	// inactivity warnings when the citizen speaks.
	RecordMessage(ctx context.Context, id string, author Author, at time.Time) error

	// RecordInactivityWarning increments the warning counter if the row is
	// still active, still has expected warnings, and is idle since before.
	RecordInactivityWarning(ctx context.Context, id string, expected int, idleBefore time.Time) (bool, error)
}

// ArtifactStore persists satisfaction artifacts.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, artifact *SatisfactionArtifact) (string, error)
	ListArtifacts(ctx context.Context, conversationID string) ([]*SatisfactionArtifact, error)
}

// AgentStore persists agent availability and capacity.
type AgentStore interface {
	// UpsertAgentStatus writes availability and limits. ActiveChats is
	// recounted from the agent's active conversations on insert and when the
	// stored availability moves to online from anything else. Otherwise it is
	// kept, so slots reserved by in-flight claims survive a refresh.
	UpsertAgentStatus(ctx context.Context, status *AgentStatus) error
	GetAgentStatus(ctx context.Context, agentID string) (*AgentStatus, error)
	ListAgentStatuses(ctx context.Context) ([]*AgentStatus, error)

	// ReserveChatSlot increments active_chats only while the agent is online
	// and below its limit. It returns the number of rows changed.
	ReserveChatSlot(ctx context.Context, agentID string) (int64, error)

	// ReleaseChatSlot decrements active_chats, never below zero.
	ReleaseChatSlot(ctx context.Context, agentID string) error
}

// Store combines every persistence concern used by the engine.
type Store interface {
	ConversationStore
	ArtifactStore
	AgentStore

	Ping(ctx context.Context) error
	Close() error
}

// List sizes. Callers wanting more than MaxListLimit rows page with
// ConversationFilter.AfterID.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// NormalizeLimit applies the default and maximum list sizes.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

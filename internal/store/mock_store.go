// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping conditional-update semantics

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// Every method takes the lock, so ConditionalUpdate is atomic like the
// SQL backends.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation            // keyed by conversation ID
	artifacts     map[string][]*SatisfactionArtifact // keyed by conversation ID
	agents        map[string]*AgentStatus            // keyed by agent ID

	// Err, when set, is returned by every method. Tests use it to simulate
	// transport failures.
	Err error
	// ArtifactErr, when set, is returned only by InsertArtifact.
	ArtifactErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		artifacts:     make(map[string][]*SatisfactionArtifact),
		agents:        make(map[string]*AgentStatus),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicate
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a copy of a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

// ConditionalUpdate applies upd when the stored row matches cond.
func (m *MockStore) ConditionalUpdate(ctx context.Context, id string, cond Condition, upd Update) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	c, ok := m.conversations[id]
	if !ok || c.Status != cond.Status {
		return 0, nil
	}
	if cond.AgentID != "" && c.AgentID != cond.AgentID {
		return 0, nil
	}
	if !cond.LastMessageBefore.IsZero() && !c.LastMessageAt.Before(cond.LastMessageBefore) {
		return 0, nil
	}

	c.Status = upd.Status
	c.AgentID = upd.AgentID
	c.UpdatedAt = upd.UpdatedAt
	return 1, nil
}

// ListConversations returns matching conversations in queue order.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var out []*Conversation
	for _, c := range m.conversations {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && c.AgentID != filter.AgentID {
			continue
		}
		if filter.AfterID != "" && !queuedBefore(&Conversation{CreatedAt: filter.AfterCreatedAt, ID: filter.AfterID}, c) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return queuedBefore(out[i], out[j])
	})
	return truncate(out, NormalizeLimit(filter.Limit)), nil
}

// ListStaleConversations returns idle conversations, oldest activity first.
func (m *MockStore) ListStaleConversations(ctx context.Context, status Status, before time.Time, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var out []*Conversation
	for _, c := range m.conversations {
		if c.Status == status && c.LastMessageAt.Before(before) {
			cp := *c
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.Before(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, NormalizeLimit(limit)), nil
}

// CountQueuedAhead counts waiting conversations at or before (createdAt, id).
func (m *MockStore) CountQueuedAhead(ctx context.Context, createdAt time.Time, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return 0, m.Err
	}

	ref := &Conversation{ID: id, CreatedAt: createdAt}
	n := 0
	for _, c := range m.conversations {
		if c.Status != StatusWaiting {
			continue
		}
		if c.ID == id || queuedBefore(c, ref) {
			n++
		}
	}
	return n, nil
}

// RecordMessage bumps last_message_at and resets warnings on citizen messages.
func (m *MockStore) RecordMessage(ctx context.Context, id string, author Author, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	if author == AuthorCitizen {
		c.InactivityWarnings = 0
	}
	return nil
}

// RecordInactivityWarning increments the warning counter under a guard.
func (m *MockStore) RecordInactivityWarning(ctx context.Context, id string, expected int, idleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}

	c, ok := m.conversations[id]
	if !ok || c.Status != StatusActive || c.InactivityWarnings != expected || !c.LastMessageAt.Before(idleBefore) {
		return false, nil
	}
	c.InactivityWarnings++
	return true, nil
}

// InsertArtifact appends an artifact.
func (m *MockStore) InsertArtifact(ctx context.Context, artifact *SatisfactionArtifact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if m.ArtifactErr != nil {
		return "", m.ArtifactErr
	}
	if _, ok := m.conversations[artifact.ConversationID]; !ok {
		return "", errors.New("artifact references unknown conversation")
	}

	a := *artifact
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.artifacts[a.ConversationID] = append(m.artifacts[a.ConversationID], &a)
	return a.ID, nil
}

// ListArtifacts returns copies of a conversation's artifacts.
func (m *MockStore) ListArtifacts(ctx context.Context, conversationID string) ([]*SatisfactionArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var out []*SatisfactionArtifact
	for _, a := range m.artifacts[conversationID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// UpsertAgentStatus writes availability and limits. ActiveChats is recounted
// on insert and when the agent comes online from another availability.
func (m *MockStore) UpsertAgentStatus(ctx context.Context, status *AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	a := *status
	existing, ok := m.agents[a.AgentID]
	if ok && (existing.Status == AgentOnline || a.Status != AgentOnline) {
		a.ActiveChats = existing.ActiveChats
	} else {
		a.ActiveChats = m.countActiveLocked(a.AgentID)
	}
	m.agents[a.AgentID] = &a
	return nil
}

// GetAgentStatus retrieves a copy of an agent's record.
func (m *MockStore) GetAgentStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

// ListAgentStatuses returns every agent record ordered by agent ID.
func (m *MockStore) ListAgentStatuses(ctx context.Context) ([]*AgentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	out := make([]*AgentStatus, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// ReserveChatSlot increments ActiveChats while the agent has room.
func (m *MockStore) ReserveChatSlot(ctx context.Context, agentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	a, ok := m.agents[agentID]
	if !ok || a.Status != AgentOnline || a.ActiveChats >= a.MaxSimultaneousChats {
		return 0, nil
	}
	a.ActiveChats++
	return 1, nil
}

// ReleaseChatSlot decrements ActiveChats without going negative.
func (m *MockStore) ReleaseChatSlot(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if a, ok := m.agents[agentID]; ok && a.ActiveChats > 0 {
		a.ActiveChats--
	}
	return nil
}

func (m *MockStore) countActiveLocked(agentID string) int {
	n := 0
	for _, c := range m.conversations {
		if c.Status == StatusActive && c.AgentID == agentID {
			n++
		}
	}
	return n
}

// Ping reports the injected error, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Err
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// queuedBefore orders conversations by created_at then id.
func queuedBefore(a, b *Conversation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func truncate[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)

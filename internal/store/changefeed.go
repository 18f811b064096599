// ABOUTME: Store decorator that publishes a change event after every committed write
// ABOUTME: Plays the role of the database change feed for in-process and broker buses

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/desk-gateway/internal/eventbus"
)

// publishTimeout bounds how long a write waits for the bus after commit.
const publishTimeout = 5 * time.Second

// Publisher is the subset of eventbus.Bus the change feed needs.
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event) error
}

// ChangeFeed wraps a Store and emits one event per successful write.
// Publish failures are logged and never undo or fail the write.
type ChangeFeed struct {
	Store
	bus    Publisher
	logger *slog.Logger
}

// NewChangeFeed decorates inner so writes are announced on bus.
func NewChangeFeed(inner Store, bus Publisher, logger *slog.Logger) *ChangeFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeed{
		Store:  inner,
		bus:    bus,
		logger: logger.With("component", "changefeed"),
	}
}

// CreateConversation inserts and announces a new conversation.
func (f *ChangeFeed) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := f.Store.CreateConversation(ctx, conv); err != nil {
		return err
	}
	f.emit(ctx, eventbus.Event{
		Topic:          eventbus.TopicConversations,
		Type:           eventbus.TypeInsert,
		RowID:          conv.ID,
		ConversationID: conv.ID,
		AgentID:        conv.AgentID,
		Status:         string(conv.Status),
		CommittedAt:    conv.CreatedAt,
	})
	return nil
}

// ConditionalUpdate announces the transition only when a row changed.
func (f *ChangeFeed) ConditionalUpdate(ctx context.Context, id string, cond Condition, upd Update) (int64, error) {
	rows, err := f.Store.ConditionalUpdate(ctx, id, cond, upd)
	if err != nil || rows == 0 {
		return rows, err
	}

	agentID := upd.AgentID
	if agentID == "" {
		agentID = cond.AgentID
	}
	f.emit(ctx, eventbus.Event{
		Topic:          eventbus.TopicConversations,
		Type:           eventbus.TypeUpdate,
		RowID:          id,
		ConversationID: id,
		AgentID:        agentID,
		Status:         string(upd.Status),
		PreviousStatus: string(cond.Status),
		CommittedAt:    upd.UpdatedAt,
	})
	return rows, nil
}

// RecordMessage records activity and announces it on the messages topic.
func (f *ChangeFeed) RecordMessage(ctx context.Context, id string, author Author, at time.Time) error {
	if err := f.Store.RecordMessage(ctx, id, author, at); err != nil {
		return err
	}
	f.emit(ctx, eventbus.Event{
		Topic:          eventbus.TopicMessages,
		Type:           eventbus.TypeInsert,
		RowID:          id,
		ConversationID: id,
		Status:         string(author),
		CommittedAt:    at,
	})
	return nil
}

// RecordInactivityWarning announces a nudge so the citizen view refreshes.
func (f *ChangeFeed) RecordInactivityWarning(ctx context.Context, id string, expected int, idleBefore time.Time) (bool, error) {
	ok, err := f.Store.RecordInactivityWarning(ctx, id, expected, idleBefore)
	if err != nil || !ok {
		return ok, err
	}
	f.emit(ctx, eventbus.Event{
		Topic:          eventbus.TopicConversations,
		Type:           eventbus.TypeUpdate,
		RowID:          id,
		ConversationID: id,
		Status:         string(StatusActive),
		PreviousStatus: string(StatusActive),
		CommittedAt:    time.Now().UTC(),
	})
	return true, nil
}

// InsertArtifact appends and announces a satisfaction artifact.
func (f *ChangeFeed) InsertArtifact(ctx context.Context, artifact *SatisfactionArtifact) (string, error) {
	id, err := f.Store.InsertArtifact(ctx, artifact)
	if err != nil {
		return "", err
	}
	f.emit(ctx, eventbus.Event{
		Topic:          eventbus.TopicArtifacts,
		Type:           eventbus.TypeInsert,
		RowID:          id,
		ConversationID: artifact.ConversationID,
		CommittedAt:    time.Now().UTC(),
	})
	return id, nil
}

// UpsertAgentStatus writes and announces an availability change.
func (f *ChangeFeed) UpsertAgentStatus(ctx context.Context, status *AgentStatus) error {
	if err := f.Store.UpsertAgentStatus(ctx, status); err != nil {
		return err
	}
	f.emitAgent(ctx, status.AgentID, string(status.Status))
	return nil
}

// ReserveChatSlot announces a capacity change when a slot was taken.
func (f *ChangeFeed) ReserveChatSlot(ctx context.Context, agentID string) (int64, error) {
	rows, err := f.Store.ReserveChatSlot(ctx, agentID)
	if err != nil || rows == 0 {
		return rows, err
	}
	f.emitAgent(ctx, agentID, "")
	return rows, nil
}

// ReleaseChatSlot announces a capacity change.
func (f *ChangeFeed) ReleaseChatSlot(ctx context.Context, agentID string) error {
	if err := f.Store.ReleaseChatSlot(ctx, agentID); err != nil {
		return err
	}
	f.emitAgent(ctx, agentID, "")
	return nil
}

func (f *ChangeFeed) emitAgent(ctx context.Context, agentID, status string) {
	f.emit(ctx, eventbus.Event{
		Topic:       eventbus.TopicAgentStatus,
		Type:        eventbus.TypeUpdate,
		RowID:       agentID,
		AgentID:     agentID,
		Status:      status,
		CommittedAt: time.Now().UTC(),
	})
}

func (f *ChangeFeed) emit(ctx context.Context, ev eventbus.Event) {
	// The write is committed; a cancelled caller must not suppress the event.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := f.bus.Publish(pubCtx, ev); err != nil {
		f.logger.Warn("failed to publish change",
			"routing_key", ev.RoutingKey(),
			"row_id", ev.RowID,
			"error", err,
		)
		return
	}
	f.logger.Debug("published change", "routing_key", ev.RoutingKey(), "row_id", ev.RowID)
}

var _ Store = (*ChangeFeed)(nil)

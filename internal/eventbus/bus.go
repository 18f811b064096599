// ABOUTME: Event and Bus contract for row-level change notifications
// ABOUTME: Topics mirror store tables; types mirror the write that produced the change

package eventbus

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Topics emitted by the store change feed.
const (
	TopicConversations = "conversations"
	TopicMessages      = "messages"
	TopicAgentStatus   = "agent_status"
	TopicArtifacts     = "satisfaction_artifacts"
)

// Type is the kind of write behind an event.
type Type string

const (
	TypeInsert Type = "INSERT"
	TypeUpdate Type = "UPDATE"
)

// Event is a change notification. Fields beyond Topic/Type/RowID are hints
// for relevance filtering only.
type Event struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	Type           Type      `json:"type"`
	RowID          string    `json:"row_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	CommittedAt    time.Time `json:"committed_at"`
}

// RoutingKey returns "<topic>.<type>".
func (e Event) RoutingKey() string {
	return e.Topic + "." + string(e.Type)
}

// Fingerprint identifies the underlying change rather than the delivery, so
// two notifications of the same write collapse to one key.
func (e Event) Fingerprint() string {
	return e.Topic + "|" + string(e.Type) + "|" + e.RowID + "|" + e.Status + "|" +
		strconv.FormatInt(e.CommittedAt.UnixNano(), 10)
}

// Handle identifies a subscription.
type Handle string

// DeliverFunc receives events. It must not block for long; slow work
// belongs on the subscriber's own goroutine.
type DeliverFunc func(Event)

// Bus is the EventBus contract.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers deliver for the cross product of topics and types.
	// Empty types means every type.
	Subscribe(topics []string, types []Type, deliver DeliverFunc) (Handle, error)
	Unsubscribe(h Handle) error
	Close() error
}

// AllTypes lists every event type.
var AllTypes = []Type{TypeInsert, TypeUpdate}

func normalizeTypes(types []Type) []Type {
	if len(types) == 0 {
		return AllTypes
	}
	return types
}

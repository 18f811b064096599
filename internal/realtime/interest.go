// ABOUTME: Interests a viewer can subscribe to and the event relevance filter
// ABOUTME: Maps a change event to the views that must refetch

package realtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/desk-gateway/internal/eventbus"
	"github.com/2389/desk-gateway/internal/store"
)

// Kind names a class of view.
type Kind string

const (
	KindWaitingPool  Kind = "waiting_pool"
	KindAgent        Kind = "agent"
	KindConversation Kind = "conversation"
)

// Interest is one view a subscriber renders. It is comparable and used as
// a map key.
type Interest struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// WaitingPool is the shared queue every online agent watches.
func WaitingPool() Interest {
	return Interest{Kind: KindWaitingPool}
}

// AgentAssignments is an agent's active set and capacity.
func AgentAssignments(agentID string) Interest {
	return Interest{Kind: KindAgent, ID: agentID}
}

// Conversation is a single conversation, as the citizen sees it.
func Conversation(id string) Interest {
	return Interest{Kind: KindConversation, ID: id}
}

func (i Interest) String() string {
	if i.ID == "" {
		return string(i.Kind)
	}
	return string(i.Kind) + ":" + i.ID
}

// ErrInvalidInterest is returned by ParseInterest for malformed input.
var ErrInvalidInterest = errors.New("invalid interest")

// ParseInterest is the inverse of Interest.String: "waiting_pool",
// "agent:<id>" or "conversation:<id>".
func ParseInterest(s string) (Interest, error) {
	kind, id, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch Kind(kind) {
	case KindWaitingPool:
		if id != "" {
			return Interest{}, fmt.Errorf("%w: %q takes no id", ErrInvalidInterest, s)
		}
		return WaitingPool(), nil
	case KindAgent, KindConversation:
		if id == "" {
			return Interest{}, fmt.Errorf("%w: %q needs an id", ErrInvalidInterest, s)
		}
		return Interest{Kind: Kind(kind), ID: id}, nil
	}
	return Interest{}, fmt.Errorf("%w: unknown kind in %q", ErrInvalidInterest, s)
}

// Relevant returns the interests affected by ev. An empty result means no
// view needs to reload.
func Relevant(ev eventbus.Event) []Interest {
	var out []Interest
	switch ev.Topic {
	case eventbus.TopicConversations:
		if ev.ConversationID != "" {
			out = append(out, Conversation(ev.ConversationID))
		}
		waiting := string(store.StatusWaiting)
		if ev.Status == waiting || ev.PreviousStatus == waiting {
			out = append(out, WaitingPool())
		}
		if ev.AgentID != "" {
			out = append(out, AgentAssignments(ev.AgentID))
		}
	case eventbus.TopicMessages:
		if ev.ConversationID != "" {
			out = append(out, Conversation(ev.ConversationID))
		}
	case eventbus.TopicAgentStatus:
		if ev.AgentID != "" {
			out = append(out, AgentAssignments(ev.AgentID))
		}
	}
	return out
}

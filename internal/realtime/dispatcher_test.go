// ABOUTME: Tests for the realtime dispatcher
// ABOUTME: Covers relevance filtering, duplicate suppression, coalescing and teardown

package realtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/desk-gateway/internal/eventbus"
	"github.com/2389/desk-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func newDispatcher(t *testing.T) (*Dispatcher, *eventbus.MemoryBus) {
	t.Helper()
	bus := eventbus.NewMemoryBus(nil)
	d := New(bus, Options{}, nil, nil)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		d.Close()
		bus.Close()
	})
	return d, bus
}

func recorder() (ReloadFunc, <-chan Reload) {
	ch := make(chan Reload, 64)
	return func(r Reload) { ch <- r }, ch
}

func next(t *testing.T, ch <-chan Reload) Reload {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
		return Reload{}
	}
}

func quiet(t *testing.T, ch <-chan Reload) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected reload: %v", r.Interests)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelevant(t *testing.T) {
	tests := []struct {
		name string
		ev   eventbus.Event
		want []Interest
	}{
		{
			name: "escalation touches conversation and pool",
			ev: eventbus.Event{Topic: eventbus.TopicConversations, ConversationID: "c1",
				Status: "waiting", PreviousStatus: "bot"},
			want: []Interest{Conversation("c1"), WaitingPool()},
		},
		{
			name: "claim touches conversation, pool and agent",
			ev: eventbus.Event{Topic: eventbus.TopicConversations, ConversationID: "c1",
				Status: "active", PreviousStatus: "waiting", AgentID: "a1"},
			want: []Interest{Conversation("c1"), WaitingPool(), AgentAssignments("a1")},
		},
		{
			name: "close touches conversation and agent",
			ev: eventbus.Event{Topic: eventbus.TopicConversations, ConversationID: "c1",
				Status: "closed", PreviousStatus: "active", AgentID: "a1"},
			want: []Interest{Conversation("c1"), AgentAssignments("a1")},
		},
		{
			name: "bot conversation created",
			ev:   eventbus.Event{Topic: eventbus.TopicConversations, ConversationID: "c1", Status: "bot"},
			want: []Interest{Conversation("c1")},
		},
		{
			name: "message",
			ev:   eventbus.Event{Topic: eventbus.TopicMessages, ConversationID: "c1", Status: "citizen"},
			want: []Interest{Conversation("c1")},
		},
		{
			name: "agent capacity",
			ev:   eventbus.Event{Topic: eventbus.TopicAgentStatus, AgentID: "a1"},
			want: []Interest{AgentAssignments("a1")},
		},
		{
			name: "artifact",
			ev:   eventbus.Event{Topic: eventbus.TopicArtifacts, ConversationID: "c1"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Relevant(tt.ev))
		})
	}
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "waiting_pool", WaitingPool().String())
	assert.Equal(t, "agent:a1", AgentAssignments("a1").String())
	assert.Equal(t, "conversation:c1", Conversation("c1").String())
}

func TestParseInterest(t *testing.T) {
	for _, in := range []Interest{WaitingPool(), AgentAssignments("a1"), Conversation("c:1")} {
		got, err := ParseInterest(in.String())
		require.NoError(t, err, in.String())
		assert.Equal(t, in, got)
	}

	for _, bad := range []string{"", "waiting_pool:x", "agent", "agent:", "queue:1"} {
		_, err := ParseInterest(bad)
		assert.ErrorIs(t, err, ErrInvalidInterest, bad)
	}
}

func TestDispatcher_DeliversOnlyToInterestedSubscribers(t *testing.T) {
	d, bus := newDispatcher(t)
	ctx := context.Background()

	poolFn, pool := recorder()
	otherFn, other := recorder()
	_, err := d.Subscribe(ctx, []Interest{WaitingPool()}, poolFn)
	require.NoError(t, err)
	_, err = d.Subscribe(ctx, []Interest{Conversation("c9")}, otherFn)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, eventbus.Event{
		Topic: eventbus.TopicConversations, Type: eventbus.TypeUpdate,
		RowID: "c1", ConversationID: "c1", Status: "waiting", PreviousStatus: "bot", CommittedAt: t0,
	}))

	got := next(t, pool)
	assert.Equal(t, []Interest{WaitingPool()}, got.Interests)
	assert.False(t, got.At.IsZero())
	quiet(t, other)
}

func TestDispatcher_DropsDuplicateNotifications(t *testing.T) {
	d, _ := newDispatcher(t)
	fn, ch := recorder()
	_, err := d.Subscribe(context.Background(), []Interest{Conversation("c1")}, fn)
	require.NoError(t, err)

	ev := eventbus.Event{
		Topic: eventbus.TopicMessages, Type: eventbus.TypeInsert,
		RowID: "c1", ConversationID: "c1", Status: "citizen", CommittedAt: t0,
	}
	d.deliver(ev)
	next(t, ch)

	ev.ID = "redelivery"
	d.deliver(ev)
	quiet(t, ch)

	ev.CommittedAt = t0.Add(time.Second)
	d.deliver(ev)
	next(t, ch)
}

func TestDispatcher_CoalescesWhileSubscriberIsBusy(t *testing.T) {
	d, _ := newDispatcher(t)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls atomic.Int32
	got := make(chan Reload, 8)
	fn := func(r Reload) {
		if calls.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
		got <- r
	}
	_, err := d.Subscribe(context.Background(), []Interest{Conversation("c1"), AgentAssignments("a1")}, fn)
	require.NoError(t, err)

	d.deliver(eventbus.Event{Topic: eventbus.TopicMessages, RowID: "c1", ConversationID: "c1", CommittedAt: t0})
	<-entered

	for i := 1; i <= 5; i++ {
		d.deliver(eventbus.Event{Topic: eventbus.TopicMessages, RowID: "c1", ConversationID: "c1",
			CommittedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	d.deliver(eventbus.Event{Topic: eventbus.TopicAgentStatus, RowID: "a1", AgentID: "a1", CommittedAt: t0})
	close(release)

	first := next(t, got)
	assert.Equal(t, []Interest{Conversation("c1")}, first.Interests)

	second := next(t, got)
	assert.Equal(t, []Interest{AgentAssignments("a1"), Conversation("c1")}, second.Interests)

	quiet(t, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_ChangeFeedClaimReachesAgentAndPool(t *testing.T) {
	d, bus := newDispatcher(t)
	ctx := context.Background()
	st := store.NewChangeFeed(store.NewMockStore(), bus, nil)

	require.NoError(t, st.CreateConversation(ctx, &store.Conversation{
		ID: "c1", Status: store.StatusWaiting, CreatedAt: t0, LastMessageAt: t0, UpdatedAt: t0,
	}))

	agentFn, agent := recorder()
	poolFn, pool := recorder()
	_, err := d.Subscribe(ctx, []Interest{AgentAssignments("a1")}, agentFn)
	require.NoError(t, err)
	_, err = d.Subscribe(ctx, []Interest{WaitingPool()}, poolFn)
	require.NoError(t, err)

	rows, err := st.ConditionalUpdate(ctx, "c1",
		store.Condition{Status: store.StatusWaiting},
		store.Update{Status: store.StatusActive, AgentID: "a1", UpdatedAt: t0.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)

	assert.Contains(t, next(t, agent).Interests, AgentAssignments("a1"))
	assert.Contains(t, next(t, pool).Interests, WaitingPool())
}

func TestDispatcher_UnsubscribeStopsDelivery(t *testing.T) {
	d, _ := newDispatcher(t)
	fn, ch := recorder()
	h, err := d.Subscribe(context.Background(), []Interest{Conversation("c1")}, fn)
	require.NoError(t, err)

	d.Unsubscribe(h)
	d.Unsubscribe(h)
	assert.Equal(t, 0, d.Subscribers())

	d.deliver(eventbus.Event{Topic: eventbus.TopicMessages, RowID: "c1", ConversationID: "c1", CommittedAt: t0})
	quiet(t, ch)
}

func TestDispatcher_NoCallbackAfterUnsubscribeWithPendingWake(t *testing.T) {
	d, _ := newDispatcher(t)

	for i := 0; i < 20; i++ {
		entered := make(chan struct{}, 1)
		release := make(chan struct{})
		var calls atomic.Int32
		fn := func(Reload) {
			if calls.Add(1) == 1 {
				entered <- struct{}{}
				<-release
			}
		}
		h, err := d.Subscribe(context.Background(), []Interest{Conversation("c1")}, fn)
		require.NoError(t, err)

		d.deliver(eventbus.Event{Topic: eventbus.TopicMessages, RowID: "c1", ConversationID: "c1",
			CommittedAt: t0.Add(time.Duration(2*i) * time.Second)})
		<-entered

		// Queue a second wake-up, then unsubscribe while the first callback runs.
		d.deliver(eventbus.Event{Topic: eventbus.TopicMessages, RowID: "c1", ConversationID: "c1",
			CommittedAt: t0.Add(time.Duration(2*i+1) * time.Second)})
		d.Unsubscribe(h)
		close(release)

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load(), "iteration %d", i)
	}
}

func TestDispatcher_ContextCancelUnsubscribes(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())

	fn, _ := recorder()
	_, err := d.Subscribe(ctx, []Interest{WaitingPool(), WaitingPool()}, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Subscribers())

	cancel()
	assert.Eventually(t, func() bool { return d.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_StartIsIdempotentAndCloseRejects(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	defer bus.Close()
	d := New(bus, Options{}, nil, nil)

	require.NoError(t, d.Start())
	require.NoError(t, d.Start())

	fn, _ := recorder()
	_, err := d.Subscribe(context.Background(), []Interest{WaitingPool()}, fn)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 0, d.Subscribers())

	_, err = d.Subscribe(context.Background(), []Interest{WaitingPool()}, fn)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Start(), ErrClosed)
}

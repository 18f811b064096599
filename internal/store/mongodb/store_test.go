// ABOUTME: Integration tests for the MongoDB store
// ABOUTME: Skipped unless DESK_TEST_MONGO_URI is set

package mongodb

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/desk-gateway/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("DESK_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("DESK_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, uri, "desk_test_"+uuid.New().String()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		s.Close()
	})
	return s
}

func TestMongoStore_ClaimRace(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.CreateConversation(ctx, &store.Conversation{
		ID: "c1", Status: store.StatusWaiting, CreatedAt: now, LastMessageAt: now, UpdatedAt: now,
	}))

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			rows, err := s.ConditionalUpdate(ctx, "c1",
				store.Condition{Status: store.StatusWaiting},
				store.Update{Status: store.StatusActive, AgentID: agent, UpdatedAt: time.Now()})
			assert.NoError(t, err)
			wins.Add(rows)
		}(uuid.New().String())
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestMongoStore_QueueAndMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	for _, id := range []string{"b", "a"} {
		require.NoError(t, s.CreateConversation(ctx, &store.Conversation{
			ID: id, Status: store.StatusWaiting, CreatedAt: created, LastMessageAt: created, UpdatedAt: created,
		}))
	}
	assert.ErrorIs(t, s.CreateConversation(ctx, &store.Conversation{ID: "a", Status: store.StatusBot}), store.ErrDuplicate)

	n, err := s.CountQueuedAhead(ctx, created, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.RecordMessage(ctx, "a", store.AuthorCitizen, created.Add(-time.Minute)))
	got, err := s.GetConversation(ctx, "a")
	require.NoError(t, err)
	assert.True(t, created.Equal(got.LastMessageAt), "$max keeps the newer timestamp")
}

func TestMongoStore_AgentSlots(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAgentStatus(ctx, &store.AgentStatus{
		AgentID: "agent-a", Status: store.AgentOnline, MaxSimultaneousChats: 1, LastActiveAt: time.Now(),
	}))

	rows, err := s.ReserveChatSlot(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	rows, err = s.ReserveChatSlot(ctx, "agent-a")
	require.NoError(t, err)
	assert.Zero(t, rows)

	online := &store.AgentStatus{
		AgentID: "agent-a", Status: store.AgentOnline, MaxSimultaneousChats: 1, LastActiveAt: time.Now(),
	}
	require.NoError(t, s.UpsertAgentStatus(ctx, online))
	got, err := s.GetAgentStatus(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActiveChats, "refresh while online keeps the reservation")

	require.NoError(t, s.UpsertAgentStatus(ctx, &store.AgentStatus{
		AgentID: "agent-a", Status: store.AgentBreak, MaxSimultaneousChats: 1, LastActiveAt: time.Now(),
	}))
	require.NoError(t, s.UpsertAgentStatus(ctx, online))
	got, err = s.GetAgentStatus(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 0, got.ActiveChats, "coming online recounts held conversations")
}

func TestOpen_RequiresURI(t *testing.T) {
	_, err := Open(context.Background(), "", "")
	assert.Error(t, err)
}

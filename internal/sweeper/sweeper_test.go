// ABOUTME: Tests for the abandonment sweeper
// ABOUTME: Drives passes with a fixed clock against the mock store and the real state machine

package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2389/desk-gateway/internal/capacity"
	"github.com/2389/desk-gateway/internal/lifecycle"
	"github.com/2389/desk-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *store.MockStore, id string, status store.Status, agentID string, lastMessage time.Time) {
	t.Helper()
	require.NoError(t, st.CreateConversation(context.Background(), &store.Conversation{
		ID:            id,
		Status:        status,
		AgentID:       agentID,
		CreatedAt:     lastMessage,
		LastMessageAt: lastMessage,
		UpdatedAt:     lastMessage,
	}))
}

func newSweeper(st *store.MockStore, machine Abandoner, p Policy, now time.Time) *Sweeper {
	s := New(st, machine, p, nil, nil)
	s.now = func() time.Time { return now }
	return s
}

func realMachine(st *store.MockStore) *lifecycle.Machine {
	return lifecycle.New(st, capacity.New(st, nil), nil, nil)
}

func status(t *testing.T, st store.Store, id string) store.Status {
	t.Helper()
	c, err := st.GetConversation(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestSweepOnce_AbandonsStaleWaitingOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	seed(t, st, "idle-waiting", store.StatusWaiting, "", t0)
	seed(t, st, "fresh-waiting", store.StatusWaiting, "", t0.Add(4*time.Minute))
	seed(t, st, "idle-active", store.StatusActive, "agent-a", t0)

	s := newSweeper(st, realMachine(st), DefaultPolicy(), t0.Add(5*time.Minute))
	report, err := s.SweepOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, store.StatusAbandoned, status(t, st, "idle-waiting"))
	assert.Equal(t, store.StatusWaiting, status(t, st, "fresh-waiting"))
	assert.Equal(t, store.StatusActive, status(t, st, "idle-active"))

	artifacts, err := st.ListArtifacts(ctx, "idle-waiting")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, 0, artifacts[0].Rating)
	assert.Equal(t, AbandonedComment, artifacts[0].Comment)
}

func TestSweepOnce_AbandonsStaleActiveAndReleasesSlot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	require.NoError(t, st.UpsertAgentStatus(ctx, &store.AgentStatus{
		AgentID: "agent-a", Status: store.AgentOnline, MaxSimultaneousChats: 3,
	}))
	_, err := st.ReserveChatSlot(ctx, "agent-a")
	require.NoError(t, err)
	seed(t, st, "c1", store.StatusActive, "agent-a", t0)

	s := newSweeper(st, realMachine(st), DefaultPolicy(), t0.Add(31*time.Minute))
	report, err := s.SweepOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, store.StatusAbandoned, status(t, st, "c1"))

	agent, err := st.GetAgentStatus(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.ActiveChats)
}

func TestSweepOnce_SecondPassIsNoop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	seed(t, st, "c1", store.StatusWaiting, "", t0)

	s := newSweeper(st, realMachine(st), DefaultPolicy(), t0.Add(10*time.Minute))
	first, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Abandoned)

	second, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, second)

	artifacts, err := st.ListArtifacts(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}

func TestSweepOnce_LeavesTerminalConversationsAlone(t *testing.T) {
	st := store.NewMockStore()
	seed(t, st, "closed", store.StatusClosed, "", t0)
	seed(t, st, "bot", store.StatusBot, "", t0)

	s := newSweeper(st, realMachine(st), DefaultPolicy(), t0.Add(time.Hour))
	report, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, store.StatusClosed, status(t, st, "closed"))
	assert.Equal(t, store.StatusBot, status(t, st, "bot"))
}

// scriptedAbandoner returns canned results per conversation ID.
type scriptedAbandoner struct {
	mu       sync.Mutex
	outcomes map[string]lifecycle.Outcome
	errs     map[string]error
	calls    []string
}

func (a *scriptedAbandoner) Abandon(ctx context.Context, conv *store.Conversation, staleBefore time.Time) (lifecycle.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, conv.ID)
	if err := a.errs[conv.ID]; err != nil {
		return lifecycle.Failed, err
	}
	if out, ok := a.outcomes[conv.ID]; ok {
		return out, nil
	}
	return lifecycle.Success, nil
}

func TestSweepOnce_ConflictIsSkippedWithoutArtifact(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	seed(t, st, "claimed-meanwhile", store.StatusWaiting, "", t0)

	ab := &scriptedAbandoner{outcomes: map[string]lifecycle.Outcome{"claimed-meanwhile": lifecycle.Conflict}}
	s := newSweeper(st, ab, DefaultPolicy(), t0.Add(5*time.Minute))

	report, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 0, report.Abandoned)
	assert.Equal(t, 0, report.Failures)

	artifacts, err := st.ListArtifacts(ctx, "claimed-meanwhile")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestSweepOnce_RowFailureDoesNotStopPass(t *testing.T) {
	st := store.NewMockStore()
	seed(t, st, "a", store.StatusWaiting, "", t0)
	seed(t, st, "b", store.StatusWaiting, "", t0.Add(time.Second))

	ab := &scriptedAbandoner{errs: map[string]error{"a": errors.New("connection reset")}}
	s := newSweeper(st, ab, DefaultPolicy(), t0.Add(5*time.Minute))

	report, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ab.calls)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 1, report.Abandoned)
}

func TestSweepOnce_ArtifactFailureKeepsAbandonment(t *testing.T) {
	st := store.NewMockStore()
	seed(t, st, "c1", store.StatusWaiting, "", t0)
	st.ArtifactErr = errors.New("disk full")

	s := newSweeper(st, realMachine(st), DefaultPolicy(), t0.Add(5*time.Minute))
	report, err := s.SweepOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, store.StatusAbandoned, status(t, st, "c1"))
}

func TestSweepOnce_ListFailureIsReported(t *testing.T) {
	st := store.NewMockStore()
	st.Err = errors.New("database is locked")

	s := newSweeper(st, realMachine(st), DefaultPolicy(), t0)
	_, err := s.SweepOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting")
	assert.Contains(t, err.Error(), "active")
}

func TestSweepOnce_InactivityWarnings(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	seed(t, st, "c1", store.StatusActive, "agent-a", t0)

	p := DefaultPolicy()
	p.WarnAfter = 5 * time.Minute
	p.MaxWarnings = 2
	s := newSweeper(st, realMachine(st), p, t0.Add(6*time.Minute))

	warnings := func() int {
		c, err := st.GetConversation(ctx, "c1")
		require.NoError(t, err)
		return c.InactivityWarnings
	}

	report, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warned)
	assert.Equal(t, 1, warnings())

	// Not due again until a second WarnAfter has elapsed.
	report, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Warned)

	s.now = func() time.Time { return t0.Add(11 * time.Minute) }
	report, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warned)
	assert.Equal(t, 2, warnings())

	s.now = func() time.Time { return t0.Add(20 * time.Minute) }
	report, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Warned)
	assert.Equal(t, store.StatusActive, status(t, st, "c1"))
}

func TestSweepOnce_CitizenMessageResetsWarnings(t *testing.T) {
	ctx := context.Background()
	st := store.NewMockStore()
	seed(t, st, "c1", store.StatusActive, "agent-a", t0)

	p := DefaultPolicy()
	p.WarnAfter = 5 * time.Minute
	p.MaxWarnings = 1
	s := newSweeper(st, realMachine(st), p, t0.Add(6*time.Minute))

	_, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, st.RecordMessage(ctx, "c1", store.AuthorCitizen, t0.Add(7*time.Minute)))

	c, err := st.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.InactivityWarnings)

	s.now = func() time.Time { return t0.Add(13 * time.Minute) }
	report, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warned)
}

func TestSetPolicy_NormalizesAndSwaps(t *testing.T) {
	s := New(store.NewMockStore(), &scriptedAbandoner{}, Policy{}, nil, nil)
	assert.Equal(t, DefaultPolicy(), s.Policy())

	s.SetPolicy(Policy{WaitingAfter: time.Minute})
	got := s.Policy()
	assert.Equal(t, time.Minute, got.WaitingAfter)
	assert.Equal(t, DefaultPolicy().ActiveAfter, got.ActiveAfter)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	st := store.NewMockStore()
	seed(t, st, "c1", store.StatusWaiting, "", t0)

	p := DefaultPolicy()
	p.Interval = 10 * time.Millisecond
	s := newSweeper(st, realMachine(st), p, t0.Add(5*time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		c, err := st.GetConversation(context.Background(), "c1")
		return err == nil && c.Status == store.StatusAbandoned
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ABOUTME: Tests for the HTTP console API and gateway wiring
// ABOUTME: Drives the full engine over an in-memory SQLite store and memory bus

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/desk-gateway/internal/config"
	"github.com/2389/desk-gateway/internal/conversation"
	"github.com/2389/desk-gateway/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, Path: ":memory:"},
		EventBus: config.EventBusConfig{Driver: config.BusMemory},
		Logging:  config.LoggingConfig{Level: "debug", Format: "text"},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(context.Background(), testConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, gw.Shutdown(ctx))
	})
	return gw
}

// do sends a JSON request through the router and returns the recorder.
func do(t *testing.T, gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func openWaiting(t *testing.T, gw *Gateway, id string) {
	t.Helper()
	rec := do(t, gw, http.MethodPost, "/api/conversations", OpenConversationRequest{ID: id, Waiting: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func setOnline(t *testing.T, gw *Gateway, agentID string, max int) {
	t.Helper()
	rec := do(t, gw, http.MethodPut, "/api/agents/"+agentID+"/status",
		AvailabilityRequest{Status: "online", MaxSimultaneousChats: max})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, gw, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestOpenConversation(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/api/conversations", OpenConversationRequest{DepartmentID: "tax"})
	require.Equal(t, http.StatusCreated, rec.Code)
	view := decodeResponse[conversation.ConversationView](t, rec)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, string(store.StatusBot), view.Status)
	assert.Equal(t, "tax", view.DepartmentID)

	rec = do(t, gw, http.MethodPost, "/api/conversations", OpenConversationRequest{ID: view.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/conversations/"+view.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, view.ID, decodeResponse[conversation.ConversationView](t, rec).ID)

	rec = do(t, gw, http.MethodGet, "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscalateAndQueue(t *testing.T) {
	gw := newTestGateway(t)

	for _, id := range []string{"c1", "c2"} {
		rec := do(t, gw, http.MethodPost, "/api/conversations", OpenConversationRequest{ID: id})
		require.Equal(t, http.StatusCreated, rec.Code)
		time.Sleep(2 * time.Millisecond)
	}

	rec := do(t, gw, http.MethodPost, "/api/conversations/c1/position", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/conversations/c1/position", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "bot conversations have no position")

	for _, id := range []string{"c2", "c1"} {
		rec = do(t, gw, http.MethodPost, "/api/conversations/"+id+"/escalate", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		out := decodeResponse[OutcomeResponse](t, rec)
		assert.Equal(t, "success", out.Outcome)
		assert.Equal(t, string(store.StatusWaiting), out.Conversation.Status)
	}

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/escalate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeResponse[OutcomeResponse](t, rec).Outcome)

	rec = do(t, gw, http.MethodPost, "/api/conversations/missing/escalate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeResponse[OutcomeResponse](t, rec).Outcome)

	// Queue order is creation order, not escalation order.
	rec = do(t, gw, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decodeResponse[[]conversation.ConversationView](t, rec)
	require.Len(t, queue, 2)
	assert.Equal(t, "c1", queue[0].ID)
	assert.Equal(t, 1, queue[0].QueuePosition)
	assert.Equal(t, "c2", queue[1].ID)
	assert.Equal(t, 2, queue[1].QueuePosition)

	rec = do(t, gw, http.MethodGet, "/api/conversations/c2/position", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, PositionResponse{ConversationID: "c2", Position: 2}, decodeResponse[PositionResponse](t, rec))

	rec = do(t, gw, http.MethodGet, "/api/queue?limit=1", nil)
	assert.Len(t, decodeResponse[[]conversation.ConversationView](t, rec), 1)

	rec = do(t, gw, http.MethodGet, "/api/queue?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	openWaiting(t, gw, "c1")

	// Unknown agents hold no capacity.
	rec := do(t, gw, http.MethodPost, "/api/conversations/c1/claim", ClaimRequest{AgentID: "a1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "capacity_exceeded", decodeResponse[OutcomeResponse](t, rec).Outcome)

	setOnline(t, gw, "a1", 1)
	setOnline(t, gw, "a2", 1)

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/claim", ClaimRequest{AgentID: "a1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeResponse[OutcomeResponse](t, rec)
	assert.Equal(t, "success", out.Outcome)
	assert.Equal(t, string(store.StatusActive), out.Conversation.Status)
	assert.Equal(t, "a1", out.Conversation.AgentID)

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/claim", ClaimRequest{AgentID: "a2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	out = decodeResponse[OutcomeResponse](t, rec)
	assert.Equal(t, "already_claimed", out.Outcome)
	assert.Equal(t, MsgJustTaken, out.Message)

	// a2's reserved slot was returned.
	rec = do(t, gw, http.MethodGet, "/api/agents/a2/conversations", nil)
	view := decodeResponse[conversation.View](t, rec)
	require.NotNil(t, view.Agent)
	assert.Equal(t, 0, view.Agent.ActiveChats)

	rec = do(t, gw, http.MethodGet, "/api/agents/a1/conversations", nil)
	view = decodeResponse[conversation.View](t, rec)
	require.NotNil(t, view.Agent)
	assert.Equal(t, 1, view.Agent.ActiveChats)
	require.Len(t, view.Conversations, 1)
	assert.Equal(t, "c1", view.Conversations[0].ID)

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/close", CloseRequest{AgentID: "a2"})
	assert.Equal(t, http.StatusConflict, rec.Code, "only the holder may close")

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/close", CloseRequest{AgentID: "a1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(store.StatusClosed), decodeResponse[OutcomeResponse](t, rec).Conversation.Status)

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/close", CloseRequest{AgentID: "a1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, gw, http.MethodGet, "/api/agents/a1/conversations", nil)
	view = decodeResponse[conversation.View](t, rec)
	assert.Equal(t, 0, view.Agent.ActiveChats)
	assert.Empty(t, view.Conversations)
}

func TestClose_CitizenEndsBotConversation(t *testing.T) {
	gw := newTestGateway(t)
	rec := do(t, gw, http.MethodPost, "/api/conversations", OpenConversationRequest{ID: "c1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	openWaiting(t, gw, "c2")

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(store.StatusClosed), decodeResponse[OutcomeResponse](t, rec).Conversation.Status)

	// A queued conversation ends by claim or by the sweeper, not by close.
	rec = do(t, gw, http.MethodPost, "/api/conversations/c2/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestClose_ChunkedBodies(t *testing.T) {
	gw := newTestGateway(t)
	rec := do(t, gw, http.MethodPost, "/api/conversations", OpenConversationRequest{ID: "c1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	openWaiting(t, gw, "c2")
	setOnline(t, gw, "agent-a", 1)
	rec = do(t, gw, http.MethodPost, "/api/conversations/c2/claim", ClaimRequest{AgentID: "agent-a"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A reader of unknown size makes the request chunked.
	chunked := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, io.MultiReader(strings.NewReader(body)))
		require.Equal(t, int64(-1), req.ContentLength)
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec = chunked("/api/conversations/c1/close", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(store.StatusClosed), decodeResponse[OutcomeResponse](t, rec).Conversation.Status)

	rec = chunked("/api/conversations/c2/close", `{"agent_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = chunked("/api/conversations/c2/close", `{"agent_id":"agent-a"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(store.StatusClosed), decodeResponse[OutcomeResponse](t, rec).Conversation.Status)
}

func TestMessagesAndSurvey(t *testing.T) {
	gw := newTestGateway(t)
	rec := do(t, gw, http.MethodPost, "/api/conversations", OpenConversationRequest{ID: "c1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/messages", MessageRequest{Author: "citizen"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/survey", SurveyRequest{Rating: 4})
	assert.Equal(t, http.StatusConflict, rec.Code, "survey needs a closed conversation")

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/messages", MessageRequest{Author: "citizen"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, gw, http.MethodPost, "/api/conversations/c1/survey", SurveyRequest{Rating: 4, Comment: "quick"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeResponse[map[string]any](t, rec)
	assert.Equal(t, "c1", body["conversation_id"])
	assert.EqualValues(t, 4, body["rating"])

	rec = do(t, gw, http.MethodPost, "/api/conversations/missing/survey", SurveyRequest{Rating: 4})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	gw := newTestGateway(t)
	openWaiting(t, gw, "c1")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"claim without agent", http.MethodPost, "/api/conversations/c1/claim", ClaimRequest{}},
		{"unknown author", http.MethodPost, "/api/conversations/c1/messages", MessageRequest{Author: "robot"}},
		{"rating too high", http.MethodPost, "/api/conversations/c1/survey", SurveyRequest{Rating: 9}},
		{"rating missing", http.MethodPost, "/api/conversations/c1/survey", map[string]any{"comment": "x"}},
		{"unknown availability", http.MethodPut, "/api/agents/a1/status", AvailabilityRequest{Status: "asleep"}},
		{"negative limit", http.MethodPut, "/api/agents/a1/status", AvailabilityRequest{Status: "online", MaxSimultaneousChats: -1}},
		{"not json", http.MethodPost, "/api/conversations", "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeResponse[ErrorResponse](t, rec).Error)
		})
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(context.Background(), testConfig(), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))
	require.NoError(t, gw.Shutdown(ctx))
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "oracle"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

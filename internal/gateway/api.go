// ABOUTME: HTTP console API over the conversation service
// ABOUTME: chi routes, validated JSON requests and outcome-to-status mapping

package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/2389/desk-gateway/internal/capacity"
	"github.com/2389/desk-gateway/internal/conversation"
	"github.com/2389/desk-gateway/internal/dispatch"
	"github.com/2389/desk-gateway/internal/lifecycle"
	"github.com/2389/desk-gateway/internal/realtime"
	"github.com/2389/desk-gateway/internal/store"
)

// MsgJustTaken is shown to an agent who lost a claim race.
const MsgJustTaken = "this conversation was just taken"

var validate = validator.New(validator.WithRequiredStructEnabled())

// OpenConversationRequest is the body of POST /api/conversations.
type OpenConversationRequest struct {
	ID           string `json:"id" validate:"omitempty,max=128"`
	DepartmentID string `json:"department_id" validate:"max=128"`
	ServiceID    string `json:"service_id" validate:"max=128"`
	Waiting      bool   `json:"waiting"`
}

// ClaimRequest is the body of POST /api/conversations/{id}/claim.
type ClaimRequest struct {
	AgentID string `json:"agent_id" validate:"required,max=128"`
}

// CloseRequest is the body of POST /api/conversations/{id}/close. An empty
// agent closes on behalf of the citizen.
type CloseRequest struct {
	AgentID string `json:"agent_id" validate:"max=128"`
}

// MessageRequest is the body of POST /api/conversations/{id}/messages.
type MessageRequest struct {
	Author string `json:"author" validate:"required,oneof=citizen agent bot"`
}

// SurveyRequest is the body of POST /api/conversations/{id}/survey.
type SurveyRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

// AvailabilityRequest is the body of PUT /api/agents/{id}/status.
type AvailabilityRequest struct {
	Status               string `json:"status" validate:"required,oneof=online break offline"`
	MaxSimultaneousChats int    `json:"max_simultaneous_chats" validate:"gte=0,lte=100"`
}

// OutcomeResponse reports the result of a transition request.
type OutcomeResponse struct {
	Outcome      string                         `json:"outcome"`
	Message      string                         `json:"message,omitempty"`
	Conversation *conversation.ConversationView `json:"conversation,omitempty"`
}

// PositionResponse is the body of GET /api/conversations/{id}/position.
type PositionResponse struct {
	ConversationID string `json:"conversation_id"`
	Position       int    `json:"position"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// routes builds the HTTP router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.requestLogger)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Method(http.MethodGet, g.config.Metrics.Path, g.metrics.Handler())
	}
	r.Get("/ws", g.handleWebsocket)

	r.Route("/api", func(api chi.Router) {
		api.Get("/reload/stream", g.handleReloadStream)

		api.Group(func(j chi.Router) {
			j.Use(render.SetContentType(render.ContentTypeJSON))

			j.Post("/conversations", g.handleOpen)
			j.Route("/conversations/{id}", func(c chi.Router) {
				c.Get("/", g.handleGet)
				c.Post("/escalate", g.handleEscalate)
				c.Post("/claim", g.handleClaim)
				c.Post("/close", g.handleClose)
				c.Post("/messages", g.handleMessage)
				c.Post("/survey", g.handleSurvey)
				c.Get("/position", g.handlePosition)
			})
			j.Get("/queue", g.handleQueue)
			j.Get("/agents/{id}/conversations", g.handleAgentConversations)
			j.Put("/agents/{id}/status", g.handleAvailability)
		})
	})
	return r
}

// requestLogger logs one line per request at debug level.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// decode parses and validates a JSON body into dst.
func decode(r *http.Request, dst any) error {
	return decodeBody(r, dst, false)
}

// decodeOptional accepts a missing body, whatever the transfer encoding.
func decodeOptional(r *http.Request, dst any) error {
	return decodeBody(r, dst, true)
}

func decodeBody(r *http.Request, dst any, optional bool) error {
	err := render.DecodeJSON(r.Body, dst)
	if optional && errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return errors.New("invalid JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.New(fe.Field() + " failed " + fe.Tag() + " validation")
		}
		return err
	}
	return nil
}

func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

// sendInternal logs err and replies 500 without leaking details.
func (g *Gateway) sendInternal(w http.ResponseWriter, r *http.Request, op string, err error) {
	g.logger.Error(op+" failed",
		"error", err,
		"request_id", middleware.GetReqID(r.Context()),
	)
	g.sendError(w, r, http.StatusInternalServerError, "internal server error")
}

// outcomeStatus maps a transition outcome to an HTTP status.
func outcomeStatus(o lifecycle.Outcome) int {
	switch o {
	case lifecycle.Success:
		return http.StatusOK
	case lifecycle.NotFound:
		return http.StatusNotFound
	case lifecycle.Conflict, lifecycle.AlreadyClaimed, lifecycle.CapacityExceeded:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func outcomeMessage(o lifecycle.Outcome) string {
	switch o {
	case lifecycle.AlreadyClaimed:
		return MsgJustTaken
	case lifecycle.CapacityExceeded:
		return "agent is unavailable or at the simultaneous chat limit"
	case lifecycle.Conflict:
		return "conversation is no longer in the expected state"
	case lifecycle.NotFound:
		return "conversation not found"
	}
	return ""
}

// sendOutcome writes the outcome with the conversation's fresh state.
func (g *Gateway) sendOutcome(w http.ResponseWriter, r *http.Request, id string, o lifecycle.Outcome) {
	resp := OutcomeResponse{Outcome: o.String(), Message: outcomeMessage(o)}
	if o != lifecycle.NotFound {
		if conv, err := g.service.Get(r.Context(), id); err == nil {
			resp.Conversation = conversation.NewConversationView(conv)
		}
	}
	render.Status(r, outcomeStatus(o))
	render.JSON(w, r, resp)
}

func (g *Gateway) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenConversationRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.service.Open(r.Context(), conversation.OpenRequest{
		ID:           req.ID,
		DepartmentID: req.DepartmentID,
		ServiceID:    req.ServiceID,
		Waiting:      req.Waiting,
	})
	if errors.Is(err, store.ErrDuplicate) {
		g.sendError(w, r, http.StatusConflict, "conversation already exists")
		return
	}
	if err != nil {
		g.sendInternal(w, r, "open conversation", err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, conversation.NewConversationView(conv))
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := g.service.Snapshot(r.Context(), realtime.Conversation(chi.URLParam(r, "id")))
	if errors.Is(err, store.ErrNotFound) {
		g.sendError(w, r, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.sendInternal(w, r, "get conversation", err)
		return
	}
	render.JSON(w, r, view.Conversation)
}

func (g *Gateway) handleEscalate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := g.service.Escalate(r.Context(), id)
	if err != nil {
		g.sendInternal(w, r, "escalate", err)
		return
	}
	g.sendOutcome(w, r, id, out)
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	out, err := g.service.Claim(r.Context(), id, req.AgentID)
	if err != nil {
		g.sendInternal(w, r, "claim", err)
		return
	}
	g.sendOutcome(w, r, id, out)
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := decodeOptional(r, &req); err != nil {
		g.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	out, err := g.service.Close(r.Context(), id, req.AgentID)
	if err != nil {
		g.sendInternal(w, r, "close", err)
		return
	}
	g.sendOutcome(w, r, id, out)
}

func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := g.service.RecordMessage(r.Context(), chi.URLParam(r, "id"), store.Author(req.Author))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		g.sendError(w, r, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrEnded):
		g.sendError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrInvalidAuthor):
		g.sendError(w, r, http.StatusBadRequest, err.Error())
	default:
		g.sendInternal(w, r, "record message", err)
	}
}

func (g *Gateway) handleSurvey(w http.ResponseWriter, r *http.Request) {
	var req SurveyRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	artifact, err := g.service.SubmitSurvey(r.Context(), chi.URLParam(r, "id"), req.Rating, req.Comment)
	switch {
	case err == nil:
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, map[string]any{
			"id":              artifact.ID,
			"conversation_id": artifact.ConversationID,
			"rating":          artifact.Rating,
			"created_at":      artifact.CreatedAt,
		})
	case errors.Is(err, store.ErrNotFound):
		g.sendError(w, r, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrNotClosed):
		g.sendError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrInvalidRating):
		g.sendError(w, r, http.StatusBadRequest, err.Error())
	default:
		g.sendInternal(w, r, "submit survey", err)
	}
}

func (g *Gateway) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, err := g.service.QueuePosition(r.Context(), id)
	switch {
	case err == nil:
		render.JSON(w, r, PositionResponse{ConversationID: id, Position: pos})
	case errors.Is(err, store.ErrNotFound):
		g.sendError(w, r, http.StatusNotFound, "conversation not found")
	case errors.Is(err, dispatch.ErrNotWaiting):
		g.sendError(w, r, http.StatusConflict, "conversation is not waiting")
	default:
		g.sendInternal(w, r, "queue position", err)
	}
}

func (g *Gateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	queue, err := g.service.Queue(r.Context(), limit)
	if err != nil {
		g.sendInternal(w, r, "list queue", err)
		return
	}
	views := make([]*conversation.ConversationView, 0, len(queue))
	for i, c := range queue {
		v := conversation.NewConversationView(c)
		v.QueuePosition = i + 1
		views = append(views, v)
	}
	render.JSON(w, r, views)
}

func (g *Gateway) handleAgentConversations(w http.ResponseWriter, r *http.Request) {
	view, err := g.service.Snapshot(r.Context(), realtime.AgentAssignments(chi.URLParam(r, "id")))
	if err != nil {
		g.sendInternal(w, r, "agent conversations", err)
		return
	}
	render.JSON(w, r, view)
}

func (g *Gateway) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityRequest
	if err := decode(r, &req); err != nil {
		g.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	agentID := chi.URLParam(r, "id")
	status, err := g.service.SetAgentAvailability(r.Context(), agentID, store.Availability(req.Status), req.MaxSimultaneousChats)
	switch {
	case err == nil:
		render.JSON(w, r, conversation.NewAgentView(status))
	case errors.Is(err, capacity.ErrInvalidAvailability):
		g.sendError(w, r, http.StatusBadRequest, err.Error())
	default:
		g.logger.Warn("availability update failed", slog.String("agent_id", agentID), slog.Any("error", err))
		g.sendInternal(w, r, "set availability", err)
	}
}

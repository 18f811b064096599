// ABOUTME: MongoDB implementation of store.Store using the official driver
// ABOUTME: Filtered UpdateOne calls act as the conditional update for claims and transitions

package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/desk-gateway/internal/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	conversationsCollection = "conversations"
	artifactsCollection     = "satisfaction_artifacts"
	agentsCollection        = "agent_status"
)

type conversationDoc struct {
	ID                 string    `bson:"_id"`
	Status             string    `bson:"status"`
	AgentID            *string   `bson:"agent_id"`
	DepartmentID       string    `bson:"department_id"`
	ServiceID          string    `bson:"service_id"`
	CreatedAt          time.Time `bson:"created_at"`
	LastMessageAt      time.Time `bson:"last_message_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
	InactivityWarnings int       `bson:"inactivity_warnings"`
}

type artifactDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	Rating         int       `bson:"rating"`
	Comment        string    `bson:"comment"`
	CreatedAt      time.Time `bson:"created_at"`
}

type agentDoc struct {
	AgentID              string    `bson:"_id"`
	Status               string    `bson:"status"`
	ActiveChats          int       `bson:"active_chats"`
	MaxSimultaneousChats int       `bson:"max_simultaneous_chats"`
	LastActiveAt         time.Time `bson:"last_active_at"`
}

// Store is the MongoDB implementation of store.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// Open connects, pings and creates indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo URI required")
	}
	if database == "" {
		database = "desk"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect error: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb ping error: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(database),
		logger: slog.Default().With("component", "store", "driver", "mongo"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	s.logger.Info("mongo store initialized", "database", database)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(conversationsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_message_at", Value: 1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating conversation indexes: %w", err)
	}

	_, err = s.db.Collection(artifactsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating artifact indexes: %w", err)
	}
	return nil
}

// Ping checks the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) conversations() *mongo.Collection {
	return s.db.Collection(conversationsCollection)
}

// CreateConversation stores a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	_, err := s.conversations().InsertOne(ctx, toConversationDoc(conv))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	return doc.toConversation(), nil
}

// ConditionalUpdate applies upd to the document only if it matches cond.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, cond store.Condition, upd store.Update) (int64, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(cond.Status)},
	}
	if cond.AgentID != "" {
		filter = append(filter, bson.E{Key: "agent_id", Value: cond.AgentID})
	}
	if !cond.LastMessageBefore.IsZero() {
		filter = append(filter, bson.E{Key: "last_message_at", Value: bson.D{{Key: "$lt", Value: cond.LastMessageBefore.UTC()}}})
	}

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(upd.Status)},
		{Key: "agent_id", Value: optional(upd.AgentID)},
		{Key: "updated_at", Value: upd.UpdatedAt.UTC()},
	}}}

	res, err := s.conversations().UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("updating conversation: %w", err)
	}
	return res.MatchedCount, nil
}

// ListConversations returns matching conversations in queue order.
func (s *Store) ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	f := bson.D{}
	if filter.Status != "" {
		f = append(f, bson.E{Key: "status", Value: string(filter.Status)})
	}
	if filter.AgentID != "" {
		f = append(f, bson.E{Key: "agent_id", Value: filter.AgentID})
	}
	if filter.AfterID != "" {
		ts := filter.AfterCreatedAt.UTC()
		f = append(f, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "created_at", Value: bson.D{{Key: "$gt", Value: ts}}}},
			bson.D{{Key: "created_at", Value: ts}, {Key: "_id", Value: bson.D{{Key: "$gt", Value: filter.AfterID}}}},
		}})
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(store.NormalizeLimit(filter.Limit)))
	return s.findConversations(ctx, f, opts)
}

// ListStaleConversations returns idle conversations in status, oldest first.
func (s *Store) ListStaleConversations(ctx context.Context, status store.Status, before time.Time, limit int) ([]*store.Conversation, error) {
	f := bson.D{
		{Key: "status", Value: string(status)},
		{Key: "last_message_at", Value: bson.D{{Key: "$lt", Value: before.UTC()}}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(store.NormalizeLimit(limit)))
	return s.findConversations(ctx, f, opts)
}

// CountQueuedAhead counts waiting conversations at or before (createdAt, id).
func (s *Store) CountQueuedAhead(ctx context.Context, createdAt time.Time, id string) (int, error) {
	ts := createdAt.UTC()
	f := bson.D{
		{Key: "status", Value: string(store.StatusWaiting)},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "created_at", Value: bson.D{{Key: "$lt", Value: ts}}}},
			bson.D{{Key: "created_at", Value: ts}, {Key: "_id", Value: bson.D{{Key: "$lte", Value: id}}}},
		}},
	}
	n, err := s.conversations().CountDocuments(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return int(n), nil
}

// RecordMessage bumps last_message_at with $max and resets warnings for citizens.
func (s *Store) RecordMessage(ctx context.Context, id string, author store.Author, at time.Time) error {
	update := bson.D{{Key: "$max", Value: bson.D{{Key: "last_message_at", Value: at.UTC()}}}}
	if author == store.AuthorCitizen {
		update = append(update, bson.E{Key: "$set", Value: bson.D{{Key: "inactivity_warnings", Value: 0}}})
	}

	res, err := s.conversations().UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update)
	if err != nil {
		return fmt.Errorf("recording message: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordInactivityWarning increments the warning counter under a guard.
func (s *Store) RecordInactivityWarning(ctx context.Context, id string, expected int, idleBefore time.Time) (bool, error) {
	f := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(store.StatusActive)},
		{Key: "inactivity_warnings", Value: expected},
		{Key: "last_message_at", Value: bson.D{{Key: "$lt", Value: idleBefore.UTC()}}},
	}
	res, err := s.conversations().UpdateOne(ctx, f, bson.D{{Key: "$inc", Value: bson.D{{Key: "inactivity_warnings", Value: 1}}}})
	if err != nil {
		return false, fmt.Errorf("recording inactivity warning: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) findConversations(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]*store.Conversation, error) {
	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	defer cur.Close(ctx)

	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding conversations: %w", err)
	}
	out := make([]*store.Conversation, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toConversation())
	}
	return out, nil
}

// InsertArtifact appends a satisfaction artifact.
func (s *Store) InsertArtifact(ctx context.Context, artifact *store.SatisfactionArtifact) (string, error) {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Collection(artifactsCollection).InsertOne(ctx, artifactDoc{
		ID:             artifact.ID,
		ConversationID: artifact.ConversationID,
		Rating:         artifact.Rating,
		Comment:        artifact.Comment,
		CreatedAt:      artifact.CreatedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return "", store.ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("inserting artifact: %w", err)
	}
	return artifact.ID, nil
}

// ListArtifacts returns a conversation's artifacts, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, conversationID string) ([]*store.SatisfactionArtifact, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.db.Collection(artifactsCollection).Find(ctx, bson.D{{Key: "conversation_id", Value: conversationID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	defer cur.Close(ctx)

	var docs []artifactDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding artifacts: %w", err)
	}
	out := make([]*store.SatisfactionArtifact, 0, len(docs))
	for _, d := range docs {
		out = append(out, &store.SatisfactionArtifact{
			ID:             d.ID,
			ConversationID: d.ConversationID,
			Rating:         d.Rating,
			Comment:        d.Comment,
			CreatedAt:      d.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// UpsertAgentStatus writes availability and limits. active_chats is
// recounted on insert and when the agent comes online from another
// availability; a refresh while online keeps the live counter.
func (s *Store) UpsertAgentStatus(ctx context.Context, status *store.AgentStatus) error {
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(status.Status)},
			{Key: "max_simultaneous_chats", Value: status.MaxSimultaneousChats},
			{Key: "last_active_at", Value: status.LastActiveAt.UTC()},
		}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "active_chats", Value: 0}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var before agentDoc
	err := s.db.Collection(agentsCollection).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: status.AgentID}}, update, opts).Decode(&before)
	inserted := errors.Is(err, mongo.ErrNoDocuments)
	if err != nil && !inserted {
		return fmt.Errorf("upserting agent status: %w", err)
	}

	if inserted || (status.Status == store.AgentOnline && before.Status != string(store.AgentOnline)) {
		if err := s.recountActiveChats(ctx, status.AgentID); err != nil {
			return err
		}
	}
	return nil
}

// GetAgentStatus retrieves an agent's capacity record.
func (s *Store) GetAgentStatus(ctx context.Context, agentID string) (*store.AgentStatus, error) {
	var doc agentDoc
	err := s.db.Collection(agentsCollection).FindOne(ctx, bson.D{{Key: "_id", Value: agentID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	return doc.toAgentStatus(), nil
}

// ListAgentStatuses returns every agent ordered by ID.
func (s *Store) ListAgentStatuses(ctx context.Context) ([]*store.AgentStatus, error) {
	cur, err := s.db.Collection(agentsCollection).Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb find error: %w", err)
	}
	defer cur.Close(ctx)

	var docs []agentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding agent statuses: %w", err)
	}
	out := make([]*store.AgentStatus, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toAgentStatus())
	}
	return out, nil
}

// ReserveChatSlot increments active_chats while the agent has room.
func (s *Store) ReserveChatSlot(ctx context.Context, agentID string) (int64, error) {
	f := bson.D{
		{Key: "_id", Value: agentID},
		{Key: "status", Value: string(store.AgentOnline)},
		{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$active_chats", "$max_simultaneous_chats"}}}},
	}
	res, err := s.db.Collection(agentsCollection).UpdateOne(ctx, f,
		bson.D{{Key: "$inc", Value: bson.D{{Key: "active_chats", Value: 1}}}})
	if err != nil {
		return 0, fmt.Errorf("reserving chat slot: %w", err)
	}
	return res.MatchedCount, nil
}

// ReleaseChatSlot decrements active_chats without going negative.
func (s *Store) ReleaseChatSlot(ctx context.Context, agentID string) error {
	f := bson.D{
		{Key: "_id", Value: agentID},
		{Key: "active_chats", Value: bson.D{{Key: "$gt", Value: 0}}},
	}
	_, err := s.db.Collection(agentsCollection).UpdateOne(ctx, f,
		bson.D{{Key: "$inc", Value: bson.D{{Key: "active_chats", Value: -1}}}})
	if err != nil {
		return fmt.Errorf("releasing chat slot: %w", err)
	}
	return nil
}

// recountActiveChats derives active_chats from the conversations collection.
// The count and the write are two operations, unlike the SQL stores.
func (s *Store) recountActiveChats(ctx context.Context, agentID string) error {
	n, err := s.conversations().CountDocuments(ctx, bson.D{
		{Key: "agent_id", Value: agentID},
		{Key: "status", Value: string(store.StatusActive)},
	})
	if err != nil {
		return fmt.Errorf("counting active chats: %w", err)
	}

	_, err = s.db.Collection(agentsCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: agentID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "active_chats", Value: int(n)}}}})
	if err != nil {
		return fmt.Errorf("recounting active chats: %w", err)
	}
	return nil
}

func toConversationDoc(c *store.Conversation) conversationDoc {
	return conversationDoc{
		ID:                 c.ID,
		Status:             string(c.Status),
		AgentID:            optional(c.AgentID),
		DepartmentID:       c.DepartmentID,
		ServiceID:          c.ServiceID,
		CreatedAt:          c.CreatedAt.UTC(),
		LastMessageAt:      c.LastMessageAt.UTC(),
		UpdatedAt:          c.UpdatedAt.UTC(),
		InactivityWarnings: c.InactivityWarnings,
	}
}

func (d *conversationDoc) toConversation() *store.Conversation {
	c := &store.Conversation{
		ID:                 d.ID,
		Status:             store.Status(d.Status),
		DepartmentID:       d.DepartmentID,
		ServiceID:          d.ServiceID,
		CreatedAt:          d.CreatedAt.UTC(),
		LastMessageAt:      d.LastMessageAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
		InactivityWarnings: d.InactivityWarnings,
	}
	if d.AgentID != nil {
		c.AgentID = *d.AgentID
	}
	return c
}

func (d *agentDoc) toAgentStatus() *store.AgentStatus {
	return &store.AgentStatus{
		AgentID:              d.AgentID,
		Status:               store.Availability(d.Status),
		ActiveChats:          d.ActiveChats,
		MaxSimultaneousChats: d.MaxSimultaneousChats,
		LastActiveAt:         d.LastActiveAt.UTC(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ store.Store = (*Store)(nil)

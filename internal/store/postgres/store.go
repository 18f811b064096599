// ABOUTME: PostgreSQL implementation of store.Store using a pgx connection pool
// ABOUTME: Conditional updates rely on row-level locking for at-most-one claims

package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/2389/desk-gateway/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open opens a pool and runs pending migrations. An empty dsn falls back to
// DATABASE_URL.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: slog.Default().With("component", "store", "driver", "postgres"),
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("postgres store initialized", "max_conns", cfg.MaxConns)
	return s, nil
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type migration struct {
		version int
		name    string
		sql     string
	}
	var pending []migration

	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		pending = append(pending, migration{v, f.Name(), string(body)})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying %s: %w", m.name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
			m.version, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("recording %s: %w", m.name, err)
		}
		s.logger.Info("applied migration", "name", m.name)
	}
	return nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

const conversationColumns = `id, status, agent_id, department_id, service_id,
	created_at, last_message_at, updated_at, inactivity_warnings`

// CreateConversation stores a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *store.Conversation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		conv.ID, string(conv.Status), nullable(conv.AgentID), conv.DepartmentID, conv.ServiceID,
		conv.CreatedAt.UTC(), conv.LastMessageAt.UTC(), conv.UpdatedAt.UTC(), conv.InactivityWarnings,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ConditionalUpdate writes status and agent in one guarded statement.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, cond store.Condition, upd store.Update) (int64, error) {
	args := []any{string(upd.Status), nullable(upd.AgentID), upd.UpdatedAt.UTC(), id, string(cond.Status)}
	where := []string{"id = $4", "status = $5"}

	if cond.AgentID != "" {
		args = append(args, cond.AgentID)
		where = append(where, "agent_id = $"+strconv.Itoa(len(args)))
	}
	if !cond.LastMessageBefore.IsZero() {
		args = append(args, cond.LastMessageBefore.UTC())
		where = append(where, "last_message_at < $"+strconv.Itoa(len(args)))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = $1, agent_id = $2, updated_at = $3 WHERE `+strings.Join(where, " AND "),
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("updating conversation: %w", err)
	}

	s.logger.Debug("conditional update", "conversation_id", id, "expected", cond.Status, "next", upd.Status, "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// ListConversations returns matching conversations in queue order.
func (s *Store) ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where = append(where, "agent_id = $"+strconv.Itoa(len(args)))
	}
	if filter.AfterID != "" {
		args = append(args, filter.AfterCreatedAt.UTC(), filter.AfterID)
		where = append(where, "(created_at, id) > ($"+strconv.Itoa(len(args)-1)+", $"+strconv.Itoa(len(args))+")")
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, store.NormalizeLimit(filter.Limit))
	query += ` ORDER BY created_at ASC, id ASC LIMIT $` + strconv.Itoa(len(args))

	return s.queryConversations(ctx, query, args...)
}

// ListStaleConversations returns idle conversations in status, oldest first.
func (s *Store) ListStaleConversations(ctx context.Context, status store.Status, before time.Time, limit int) ([]*store.Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status = $1 AND last_message_at < $2
		ORDER BY last_message_at ASC, id ASC
		LIMIT $3`,
		string(status), before.UTC(), store.NormalizeLimit(limit),
	)
}

// CountQueuedAhead counts waiting conversations at or before (createdAt, id).
func (s *Store) CountQueuedAhead(ctx context.Context, createdAt time.Time, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM conversations
		WHERE status = 'waiting' AND (created_at, id) <= ($1, $2)`,
		createdAt.UTC(), id,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return n, nil
}

// RecordMessage bumps last_message_at and resets warnings on citizen messages.
func (s *Store) RecordMessage(ctx context.Context, id string, author store.Author, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message_at = GREATEST(last_message_at, $1),
		    inactivity_warnings = CASE WHEN $2 THEN 0 ELSE inactivity_warnings END
		WHERE id = $3`,
		at.UTC(), author == store.AuthorCitizen, id,
	)
	if err != nil {
		return fmt.Errorf("recording message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordInactivityWarning increments the warning counter under a guard.
func (s *Store) RecordInactivityWarning(ctx context.Context, id string, expected int, idleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET inactivity_warnings = inactivity_warnings + 1
		WHERE id = $1 AND status = 'active' AND inactivity_warnings = $2 AND last_message_at < $3`,
		id, expected, idleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("recording inactivity warning: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) queryConversations(ctx context.Context, query string, args ...any) ([]*store.Conversation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO satisfaction_artifacts (id, conversation_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		artifact.ID, artifact.ConversationID, artifact.Rating, artifact.Comment, artifact.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", store.ErrDuplicate
		}
		return "", fmt.Errorf("inserting artifact: %w", err)
	}
	return artifact.ID, nil
}

// ListArtifacts returns a conversation's artifacts, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, conversationID string) ([]*store.SatisfactionArtifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, rating, comment, created_at
		FROM satisfaction_artifacts WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var out []*store.SatisfactionArtifact
	for rows.Next() {
		var a store.SatisfactionArtifact
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.Rating, &a.Comment, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpsertAgentStatus writes availability and limits. active_chats is
// recounted only when the agent comes online from another availability.
func (s *Store) UpsertAgentStatus(ctx context.Context, status *store.AgentStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_status (agent_id, status, active_chats, max_simultaneous_chats, last_active_at)
		VALUES ($1, $2,
			(SELECT COUNT(*) FROM conversations WHERE agent_id = $1 AND status = 'active')::int,
			$3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			active_chats = CASE
				WHEN agent_status.status <> 'online' AND EXCLUDED.status = 'online' THEN EXCLUDED.active_chats
				ELSE agent_status.active_chats
			END,
			status = EXCLUDED.status,
			max_simultaneous_chats = EXCLUDED.max_simultaneous_chats,
			last_active_at = EXCLUDED.last_active_at`,
		status.AgentID, string(status.Status), status.MaxSimultaneousChats, status.LastActiveAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting agent status: %w", err)
	}
	return nil
}

// GetAgentStatus retrieves an agent's capacity record.
func (s *Store) GetAgentStatus(ctx context.Context, agentID string) (*store.AgentStatus, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, status, active_chats, max_simultaneous_chats, last_active_at
		FROM agent_status WHERE agent_id = $1`, agentID)
	a, err := scanAgentStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent status: %w", err)
	}
	return a, nil
}

// ListAgentStatuses returns every agent ordered by ID.
func (s *Store) ListAgentStatuses(ctx context.Context) ([]*store.AgentStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, status, active_chats, max_simultaneous_chats, last_active_at
		FROM agent_status ORDER BY agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agent statuses: %w", err)
	}
	defer rows.Close()

	var out []*store.AgentStatus
	for rows.Next() {
		a, err := scanAgentStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent status: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReserveChatSlot increments active_chats while the agent has room.
func (s *Store) ReserveChatSlot(ctx context.Context, agentID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_status SET active_chats = active_chats + 1
		WHERE agent_id = $1 AND status = 'online' AND active_chats < max_simultaneous_chats`, agentID)
	if err != nil {
		return 0, fmt.Errorf("reserving chat slot: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReleaseChatSlot decrements active_chats without going negative.
func (s *Store) ReleaseChatSlot(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agent_status SET active_chats = GREATEST(active_chats - 1, 0)
		WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("releasing chat slot: %w", err)
	}
	return nil
}

func scanConversation(row pgx.Row) (*store.Conversation, error) {
	var c store.Conversation
	var status string
	var agentID *string
	err := row.Scan(
		&c.ID, &status, &agentID, &c.DepartmentID, &c.ServiceID,
		&c.CreatedAt, &c.LastMessageAt, &c.UpdatedAt, &c.InactivityWarnings,
	)
	if err != nil {
		return nil, err
	}
	c.Status = store.Status(status)
	if agentID != nil {
		c.AgentID = *agentID
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastMessageAt = c.LastMessageAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanAgentStatus(row pgx.Row) (*store.AgentStatus, error) {
	var a store.AgentStatus
	var status string
	if err := row.Scan(&a.AgentID, &status, &a.ActiveChats, &a.MaxSimultaneousChats, &a.LastActiveAt); err != nil {
		return nil, err
	}
	a.Status = store.Availability(status)
	a.LastActiveAt = a.LastActiveAt.UTC()
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ store.Store = (*Store)(nil)

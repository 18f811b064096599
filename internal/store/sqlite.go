// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conditional updates on the conversations table provide the claim and transition primitive

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers; conditional updates then
	// never see SQLITE_BUSY and :memory: databases stay shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			status          TEXT NOT NULL,
			agent_id        TEXT,
			department_id   TEXT NOT NULL DEFAULT '',
			service_id      TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			last_message_at TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('bot', 'waiting', 'active', 'closed', 'abandoned')),
			CHECK ((status = 'active') = (agent_id IS NOT NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_queue
			ON conversations(status, created_at, id);

		CREATE INDEX IF NOT EXISTS idx_conversations_idle
			ON conversations(status, last_message_at);

		CREATE INDEX IF NOT EXISTS idx_conversations_agent
			ON conversations(agent_id, status);

		CREATE TABLE IF NOT EXISTS satisfaction_artifacts (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			rating          INTEGER NOT NULL,
			comment         TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_artifacts_conversation
			ON satisfaction_artifacts(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS agent_status (
			agent_id               TEXT PRIMARY KEY,
			status                 TEXT NOT NULL,
			active_chats           INTEGER NOT NULL DEFAULT 0,
			max_simultaneous_chats INTEGER NOT NULL DEFAULT 0,
			last_active_at         TEXT NOT NULL,

			CHECK (status IN ('online', 'break', 'offline')),
			CHECK (active_chats >= 0)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "conversations",
			column: "inactivity_warnings",
			apply:  `ALTER TABLE conversations ADD COLUMN inactivity_warnings INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const conversationColumns = `id, status, agent_id, department_id, service_id,
	created_at, last_message_at, updated_at, inactivity_warnings`

// CreateConversation stores a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		string(conv.Status),
		nullString(conv.AgentID),
		conv.DepartmentID,
		conv.ServiceID,
		formatTime(conv.CreatedAt),
		formatTime(conv.LastMessageAt),
		formatTime(conv.UpdatedAt),
		conv.InactivityWarnings,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID, "status", conv.Status)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ConditionalUpdate writes status and agent assignment in one statement,
// guarded by cond.
func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, id string, cond Condition, upd Update) (int64, error) {
	where := []string{"id = ?", "status = ?"}
	args := []any{string(upd.Status), nullString(upd.AgentID), formatTime(upd.UpdatedAt), id, string(cond.Status)}

	if cond.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, cond.AgentID)
	}
	if !cond.LastMessageBefore.IsZero() {
		where = append(where, "last_message_at < ?")
		args = append(args, formatTime(cond.LastMessageBefore))
	}

	query := `UPDATE conversations SET status = ?, agent_id = ?, updated_at = ? WHERE ` +
		strings.Join(where, " AND ")

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	s.logger.Debug("conditional update",
		"conversation_id", id,
		"expected", cond.Status,
		"next", upd.Status,
		"rows", rows,
	)
	return rows, nil
}

// ListConversations returns conversations matching filter in queue order.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.AfterID != "" {
		ts := formatTime(filter.AfterCreatedAt)
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, ts, ts, filter.AfterID)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, NormalizeLimit(filter.Limit))

	return s.queryConversations(ctx, query, args...)
}

// ListStaleConversations returns idle conversations in status, oldest first.
func (s *SQLiteStore) ListStaleConversations(ctx context.Context, status Status, before time.Time, limit int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = ? AND last_message_at < ?
		ORDER BY last_message_at ASC, id ASC
		LIMIT ?
	`
	return s.queryConversations(ctx, query, string(status), formatTime(before), NormalizeLimit(limit))
}

// CountQueuedAhead counts waiting conversations at or before (createdAt, id).
func (s *SQLiteStore) CountQueuedAhead(ctx context.Context, createdAt time.Time, id string) (int, error) {
	ts := formatTime(createdAt)
	query := `
		SELECT COUNT(*) FROM conversations
		WHERE status = 'waiting'
		  AND (created_at < ? OR (created_at = ? AND id <= ?))
	`

	var n int
	if err := s.db.QueryRowContext(ctx, query, ts, ts, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return n, nil
}

// RecordMessage bumps last_message_at and resets warnings on citizen messages.
func (s *SQLiteStore) RecordMessage(ctx context.Context, id string, author Author, at time.Time) error {
	query := `
		UPDATE conversations
		SET last_message_at = MAX(last_message_at, ?),
		    inactivity_warnings = CASE WHEN ? THEN 0 ELSE inactivity_warnings END
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, formatTime(at), author == AuthorCitizen, id)
	if err != nil {
		return fmt.Errorf("recording message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordInactivityWarning increments the warning counter under a guard.
func (s *SQLiteStore) RecordInactivityWarning(ctx context.Context, id string, expected int, idleBefore time.Time) (bool, error) {
	query := `
		UPDATE conversations
		SET inactivity_warnings = inactivity_warnings + 1
		WHERE id = ? AND status = 'active' AND inactivity_warnings = ? AND last_message_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, id, expected, formatTime(idleBefore))
	if err != nil {
		return false, fmt.Errorf("recording inactivity warning: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows == 1, nil
}

func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
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

// InsertArtifact appends a satisfaction artifact and returns its ID.
func (s *SQLiteStore) InsertArtifact(ctx context.Context, artifact *SatisfactionArtifact) (string, error) {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO satisfaction_artifacts (id, conversation_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		artifact.ID,
		artifact.ConversationID,
		artifact.Rating,
		artifact.Comment,
		formatTime(artifact.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("inserting artifact: %w", err)
	}
	return artifact.ID, nil
}

// ListArtifacts returns artifacts for a conversation, oldest first.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, conversationID string) ([]*SatisfactionArtifact, error) {
	query := `
		SELECT id, conversation_id, rating, comment, created_at
		FROM satisfaction_artifacts
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var out []*SatisfactionArtifact
	for rows.Next() {
		var a SatisfactionArtifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.Rating, &a.Comment, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating artifacts: %w", err)
	}
	return out, nil
}

// UpsertAgentStatus writes availability and limits. active_chats is
// recounted from the conversations table only when the agent comes online
// from another availability; a refresh while online keeps the live counter.
func (s *SQLiteStore) UpsertAgentStatus(ctx context.Context, status *AgentStatus) error {
	query := `
		INSERT INTO agent_status (agent_id, status, active_chats, max_simultaneous_chats, last_active_at)
		VALUES (?, ?, (SELECT COUNT(*) FROM conversations WHERE agent_id = ? AND status = 'active'), ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			active_chats = CASE
				WHEN agent_status.status <> 'online' AND excluded.status = 'online' THEN excluded.active_chats
				ELSE agent_status.active_chats
			END,
			status = excluded.status,
			max_simultaneous_chats = excluded.max_simultaneous_chats,
			last_active_at = excluded.last_active_at
	`

	_, err := s.db.ExecContext(ctx, query,
		status.AgentID,
		string(status.Status),
		status.AgentID,
		status.MaxSimultaneousChats,
		formatTime(status.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent status: %w", err)
	}

	s.logger.Debug("upserted agent status", "agent_id", status.AgentID, "status", status.Status)
	return nil
}

// GetAgentStatus retrieves an agent's capacity record.
func (s *SQLiteStore) GetAgentStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	query := `
		SELECT agent_id, status, active_chats, max_simultaneous_chats, last_active_at
		FROM agent_status WHERE agent_id = ?
	`

	status, err := scanAgentStatus(s.db.QueryRowContext(ctx, query, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent status: %w", err)
	}
	return status, nil
}

// ListAgentStatuses returns every agent record ordered by agent ID.
func (s *SQLiteStore) ListAgentStatuses(ctx context.Context) ([]*AgentStatus, error) {
	query := `
		SELECT agent_id, status, active_chats, max_simultaneous_chats, last_active_at
		FROM agent_status ORDER BY agent_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agent statuses: %w", err)
	}
	defer rows.Close()

	var out []*AgentStatus
	for rows.Next() {
		status, err := scanAgentStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent status: %w", err)
		}
		out = append(out, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent statuses: %w", err)
	}
	return out, nil
}

// ReserveChatSlot increments active_chats while the agent has room.
func (s *SQLiteStore) ReserveChatSlot(ctx context.Context, agentID string) (int64, error) {
	query := `
		UPDATE agent_status
		SET active_chats = active_chats + 1
		WHERE agent_id = ? AND status = 'online' AND active_chats < max_simultaneous_chats
	`

	result, err := s.db.ExecContext(ctx, query, agentID)
	if err != nil {
		return 0, fmt.Errorf("reserving chat slot: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows, nil
}

// ReleaseChatSlot decrements active_chats without going negative.
func (s *SQLiteStore) ReleaseChatSlot(ctx context.Context, agentID string) error {
	query := `
		UPDATE agent_status
		SET active_chats = MAX(active_chats - 1, 0)
		WHERE agent_id = ?
	`

	if _, err := s.db.ExecContext(ctx, query, agentID); err != nil {
		return fmt.Errorf("releasing chat slot: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status string
	var agentID sql.NullString
	var createdAt, lastMessageAt, updatedAt string

	err := row.Scan(
		&c.ID,
		&status,
		&agentID,
		&c.DepartmentID,
		&c.ServiceID,
		&createdAt,
		&lastMessageAt,
		&updatedAt,
		&c.InactivityWarnings,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.AgentID = agentID.String
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanAgentStatus(row rowScanner) (*AgentStatus, error) {
	var a AgentStatus
	var status, lastActiveAt string

	if err := row.Scan(&a.AgentID, &status, &a.ActiveChats, &a.MaxSimultaneousChats, &lastActiveAt); err != nil {
		return nil, err
	}

	a.Status = Availability(status)
	var err error
	if a.LastActiveAt, err = parseTime(lastActiveAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullString returns nil for empty strings so optional columns stay NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY")
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// Package store provides persistence for conversations, agent capacity and
// satisfaction artifacts.
//
// # Architecture
//
// The package is interface-driven:
//
//   - ConversationStore: conversations, queue ordering, conditional updates
//   - ArtifactStore: append-only satisfaction artifacts
//   - AgentStore: agent availability and active-chat slots
//   - Store: all of the above plus Ping and Close
//
// SQLiteStore implements Store in a single struct. PostgreSQL and MongoDB
// backends live in the store/postgres and store/mongodb sub-packages.
// ChangeFeed decorates any Store and publishes an eventbus.Event for every
// committed write.
//
// # Conditional Updates
//
// ConditionalUpdate is the only path that writes status and agent_id. It
// compiles to a single statement of the form
//
//	UPDATE conversations SET status = ?, agent_id = ?, updated_at = ?
//	WHERE id = ? AND status = ? [AND agent_id = ?] [AND last_message_at < ?]
//
// and reports the number of affected rows. Zero rows means another writer
// got there first; callers translate that into a conflict outcome.
//
// # Queue Ordering
//
// Waiting conversations are ordered by (created_at, id). Timestamps are
// stored as fixed-width UTC strings with nanosecond precision so lexical
// and chronological order agree.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pool is limited to one connection so writes serialize inside the
// process.
//
// # Testing
//
// Use NewMockStore() for unit tests. It honors the same conditional-update
// semantics and exposes Err and ArtifactErr for failure injection.
package store

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Session is a row of session_manager.sessions.
type Session struct {
	SessionID       string
	ChannelID       string
	ThreadID        string
	Project         string
	ProjectPath     string
	ContainerName   string
	SessionType     string
	ParentSessionID *string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	MessageCount    int32
	CompactionCount int32
}

const sessionColumns = `session_id, channel_id, thread_id, project, project_path, container_name,
	session_type, parent_session_id, created_at, last_activity_at, message_count, compaction_count`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.SessionID, &s.ChannelID, &s.ThreadID, &s.Project, &s.ProjectPath,
		&s.ContainerName, &s.SessionType, &s.ParentSessionID,
		&s.CreatedAt, &s.LastActivityAt, &s.MessageCount, &s.CompactionCount,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s.sessions (session_id, channel_id, thread_id, project, project_path,
			container_name, session_type, parent_session_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, schema),
		sess.SessionID, sess.ChannelID, sess.ThreadID, sess.Project, sess.ProjectPath,
		sess.ContainerName, sess.SessionType, sess.ParentSessionID,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSessionByThread is the primary routing query: one session per
// (channel, thread) pair.
func (s *Store) GetSessionByThread(ctx context.Context, channelID, threadID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.sessions WHERE channel_id = $1 AND thread_id = $2`, sessionColumns, schema),
		channelID, threadID,
	)
	sess, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session by thread: %w", err)
	}
	return sess, nil
}

// GetSessionByIDPrefix finds a session whose ID starts with prefix, for
// `stop <short-id>`-style commands. The prefix is validated to contain only
// UUID characters before being interpolated into a LIKE pattern.
func (s *Store) GetSessionByIDPrefix(ctx context.Context, prefix string) (*Session, error) {
	if prefix == "" || !isHexOrHyphen(prefix) {
		return nil, ErrInvalidSessionPrefix
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.sessions WHERE session_id LIKE $1 LIMIT 1`, sessionColumns, schema),
		prefix+"%",
	)
	sess, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session by id prefix: %w", err)
	}
	return sess, nil
}

func isHexOrHyphen(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF-", c) {
			return false
		}
	}
	return true
}

// GetNonWorkerSessionsByChannel returns standard and orchestrator sessions in
// a channel (excludes worker sessions), used for top-level message routing.
func (s *Store) GetNonWorkerSessionsByChannel(ctx context.Context, channelID string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.sessions WHERE channel_id = $1 AND session_type != 'worker'`, sessionColumns, schema),
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("get non-worker sessions by channel: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// GetAllSessions returns every persisted session, used at startup to
// reconnect surviving containers.
func (s *Store) GetAllSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s.sessions`, sessionColumns, schema))
	if err != nil {
		return nil, fmt.Errorf("get all sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes a session and any pending requests tied to it, in a
// single transaction.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete session tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.pending_requests WHERE session_id = $1`, schema), sessionID); err != nil {
		return fmt.Errorf("delete pending requests: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.sessions WHERE session_id = $1`, schema), sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit(ctx)
}

// TouchSession increments the message count and bumps last_activity_at,
// returning the updated message count.
func (s *Store) TouchSession(ctx context.Context, sessionID string) (int32, error) {
	var count int32
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`UPDATE %s.sessions SET last_activity_at = NOW(), message_count = message_count + 1
		 WHERE session_id = $1 RETURNING message_count`, schema),
		sessionID,
	).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("touch session: %w", err)
	}
	return count, nil
}

// RecordCompaction increments the compaction counter for a session.
func (s *Store) RecordCompaction(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s.sessions SET compaction_count = compaction_count + 1 WHERE session_id = $1`, schema),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("record compaction: %w", err)
	}
	return nil
}

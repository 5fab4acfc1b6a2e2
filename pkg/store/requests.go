package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PendingRequest is a row of session_manager.pending_requests: an
// outstanding network-access approval awaiting a human's allow/deny.
type PendingRequest struct {
	RequestID string
	ChannelID string
	ThreadID  string
	SessionID string
	Domain    string
	PostID    string
	CreatedAt time.Time
}

const requestColumns = `request_id, channel_id, thread_id, session_id, domain, post_id, created_at`

func scanRequest(row pgx.Row) (*PendingRequest, error) {
	var r PendingRequest
	err := row.Scan(&r.RequestID, &r.ChannelID, &r.ThreadID, &r.SessionID, &r.Domain, &r.PostID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreatePendingRequest persists a new approval request.
func (s *Store) CreatePendingRequest(ctx context.Context, r PendingRequest) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s.pending_requests (request_id, channel_id, thread_id, session_id, domain, post_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`, schema),
		r.RequestID, r.ChannelID, r.ThreadID, r.SessionID, r.Domain, r.PostID,
	)
	if err != nil {
		return fmt.Errorf("create pending request: %w", err)
	}
	return nil
}

// GetPendingRequest looks up an approval request by its ID.
func (s *Store) GetPendingRequest(ctx context.Context, requestID string) (*PendingRequest, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.pending_requests WHERE request_id = $1`, requestColumns, schema),
		requestID,
	)
	r, err := scanRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pending request: %w", err)
	}
	return r, nil
}

// DeletePendingRequest removes a resolved (approved or denied) request.
func (s *Store) DeletePendingRequest(ctx context.Context, requestID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.pending_requests WHERE request_id = $1`, schema), requestID)
	if err != nil {
		return fmt.Errorf("delete pending request: %w", err)
	}
	return nil
}

// GetPendingRequestByDomainAndSession supports the dedup check in the
// Approval Coordinator: don't post a second card for a domain already
// awaiting approval in the same session.
func (s *Store) GetPendingRequestByDomainAndSession(ctx context.Context, domain, sessionID string) (*PendingRequest, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.pending_requests WHERE domain = $1 AND session_id = $2`, requestColumns, schema),
		domain, sessionID,
	)
	r, err := scanRequest(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pending request by domain and session: %w", err)
	}
	return r, nil
}

// CleanupStaleRequests deletes pending requests older than maxAgeHours and
// returns the number of rows removed.
func (s *Store) CleanupStaleRequests(ctx context.Context, maxAgeHours int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s.pending_requests WHERE created_at < NOW() - INTERVAL '1 hour' * $1`, schema),
		maxAgeHours,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

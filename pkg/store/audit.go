package store

import (
	"context"
	"fmt"
)

// LogApproval appends an audit-log entry recording an approve/deny decision.
func (s *Store) LogApproval(ctx context.Context, requestID, domain, action, approvedBy string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s.audit_log (request_id, domain, action, approved_by) VALUES ($1, $2, $3, $4)`, schema),
		requestID, domain, action, approvedBy,
	)
	if err != nil {
		return fmt.Errorf("log approval: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProjectChannel is a row of session_manager.project_channels: the
// persisted mapping from a repo's canonical project name to its Mattermost
// channel.
type ProjectChannel struct {
	Project     string
	ChannelID   string
	ChannelName string
	CreatedAt   time.Time
}

// GetProjectChannel looks up the channel mapping for a project.
func (s *Store) GetProjectChannel(ctx context.Context, project string) (*ProjectChannel, error) {
	var pc ProjectChannel
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT project, channel_id, channel_name, created_at FROM %s.project_channels WHERE project = $1`, schema),
		project,
	).Scan(&pc.Project, &pc.ChannelID, &pc.ChannelName, &pc.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project channel: %w", err)
	}
	return &pc, nil
}

// CreateProjectChannel persists a project-to-channel mapping. A conflicting
// project is left untouched (first writer wins).
func (s *Store) CreateProjectChannel(ctx context.Context, project, channelID, channelName string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s.project_channels (project, channel_id, channel_name)
		 VALUES ($1, $2, $3) ON CONFLICT (project) DO NOTHING`, schema),
		project, channelID, channelName,
	)
	if err != nil {
		return fmt.Errorf("create project channel: %w", err)
	}
	return nil
}

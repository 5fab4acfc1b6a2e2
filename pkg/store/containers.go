package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Container is a row of session_manager.containers: the durable record
// backing an in-memory containerregistry.Entry.
type Container struct {
	ID                   int64
	Repo                 string
	Branch               string
	ContainerName        string
	State                string
	SessionCount         int32
	GRPCPort             int32
	DevcontainerJSONHash *string
	LastActivityAt       time.Time
}

const containerColumns = `id, repo, branch, container_name, state, session_count, grpc_port, devcontainer_json_hash, last_activity_at`

func scanContainer(row pgx.Row) (*Container, error) {
	var c Container
	err := row.Scan(&c.ID, &c.Repo, &c.Branch, &c.ContainerName, &c.State, &c.SessionCount,
		&c.GRPCPort, &c.DevcontainerJSONHash, &c.LastActivityAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateContainer inserts a new container row in the "running" state and
// returns its generated ID.
func (s *Store) CreateContainer(ctx context.Context, repo, branch, containerName string, devcontainerJSONHash *string, grpcPort uint16) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s.containers (repo, branch, container_name, devcontainer_json_hash, grpc_port)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`, schema),
		repo, branch, containerName, devcontainerJSONHash, grpcPort,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create container: %w", err)
	}
	return id, nil
}

// GetRunningContainers returns every container currently in the "running"
// state, used to repopulate the in-memory registry at startup.
func (s *Store) GetRunningContainers(ctx context.Context) ([]*Container, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.containers WHERE state = 'running'`, containerColumns, schema))
	if err != nil {
		return nil, fmt.Errorf("get running containers: %w", err)
	}
	defer rows.Close()

	var out []*Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan container row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateContainerSessionCount persists a container's current session count
// and bumps its activity timestamp.
func (s *Store) UpdateContainerSessionCount(ctx context.Context, containerID int64, count int32) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s.containers SET session_count = $1, last_activity_at = NOW() WHERE id = $2`, schema),
		count, containerID,
	)
	if err != nil {
		return fmt.Errorf("update container session count: %w", err)
	}
	return nil
}

// UpdateContainerState persists a container's lifecycle state transition.
func (s *Store) UpdateContainerState(ctx context.Context, containerID int64, state string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s.containers SET state = $1 WHERE id = $2`, schema),
		state, containerID,
	)
	if err != nil {
		return fmt.Errorf("update container state: %w", err)
	}
	return nil
}

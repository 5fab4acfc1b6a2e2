package containerregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/jcttech/session-manager/pkg/store"
)

// SyncFromDB populates the registry from persisted "running" containers at
// startup, discarding any prior in-memory state.
func (r *Registry) SyncFromDB(ctx context.Context, db *store.Store) error {
	containers, err := db.GetRunningContainers(ctx)
	if err != nil {
		return fmt.Errorf("sync container registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[key]Entry, len(containers))
	for _, c := range containers {
		e := Entry{
			ContainerID:    c.ID,
			ContainerName:  c.ContainerName,
			State:          ParseState(c.State),
			SessionCount:   c.SessionCount,
			GRPCPort:       uint16(c.GRPCPort),
			LastActivityAt: c.LastActivityAt,
		}
		if c.DevcontainerJSONHash != nil {
			e.DevcontainerJSONHash = *c.DevcontainerJSONHash
		}
		if c.SessionCount == 0 {
			e.LastSessionStoppedAt = c.LastActivityAt
		}
		r.entries[key{c.Repo, c.Branch}] = e
	}
	return nil
}

// Creator persists a newly built container row; *store.Store satisfies
// this directly, so callers building a container (e.g. Session Core's
// ContainerBuilder) can fake it in tests without a live database.
type Creator interface {
	CreateContainer(ctx context.Context, repo, branch, containerName string, devcontainerJSONHash *string, grpcPort uint16) (int64, error)
}

// RegisterContainer persists a newly started container and adds it to the
// in-memory registry, returning its generated ID.
func (r *Registry) RegisterContainer(ctx context.Context, db Creator, repo, branch, containerName string, devcontainerJSONHash *string, grpcPort uint16) (int64, error) {
	id, err := db.CreateContainer(ctx, repo, branch, containerName, devcontainerJSONHash, grpcPort)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	e := Entry{
		ContainerID:           id,
		ContainerName:         containerName,
		State:                 StateRunning,
		SessionCount:          0,
		GRPCPort:              grpcPort,
		LastActivityAt:        now,
		LastSessionStoppedAt:  now,
	}
	if devcontainerJSONHash != nil {
		e.DevcontainerJSONHash = *devcontainerJSONHash
	}
	r.Register(repo, branch, e)
	return id, nil
}

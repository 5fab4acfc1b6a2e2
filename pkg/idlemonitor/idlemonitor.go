// Package idlemonitor tears down devcontainer instances that have sat with
// zero active sessions longer than the configured idle timeout.
package idlemonitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/jcttech/session-manager/pkg/containerregistry"
)

// Remover removes a container's runtime instance on the VM; the production
// implementation shells a "podman rm -f" equivalent through remoteexec.
type Remover interface {
	RemoveContainer(ctx context.Context, containerName string) error
}

// Monitor periodically tears down idle containers.
type Monitor struct {
	registry     *containerregistry.Registry
	backend      containerregistry.Backend
	remover      Remover
	idleTimeout  time.Duration
	tickInterval time.Duration
	log          *slog.Logger
}

// New returns a Monitor. idleTimeout of zero disables teardown entirely.
func New(registry *containerregistry.Registry, backend containerregistry.Backend, remover Remover, idleTimeout time.Duration, log *slog.Logger) *Monitor {
	return &Monitor{
		registry:     registry,
		backend:      backend,
		remover:      remover,
		idleTimeout:  idleTimeout,
		tickInterval: 60 * time.Second,
		log:          log.With("component", "idle_monitor"),
	}
}

// Run blocks, checking for idle containers every tick until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckAndTeardownIdle(ctx); err != nil {
				m.log.Error("idle monitor check failed", "error", err)
			}
		}
	}
}

// CheckAndTeardownIdle scans every tracked container and tears down any
// that have exceeded the idle timeout. A zero idleTimeout disables the
// check entirely.
func (m *Monitor) CheckAndTeardownIdle(ctx context.Context) error {
	if m.idleTimeout == 0 {
		return nil
	}

	now := time.Now()
	for _, tracked := range m.registry.ListAll() {
		repo, branch, entry := tracked.Repo, tracked.Branch, tracked.Entry
		if !ShouldTeardown(entry, m.idleTimeout, now) {
			continue
		}

		log := m.log.With("repo", repo, "branch", branch, "container", entry.ContainerName, "container_id", entry.ContainerID)
		log.Info("tearing down idle container", "idle_timeout", m.idleTimeout)

		if err := m.registry.SetState(ctx, m.backend, repo, branch, containerregistry.StateStopping); err != nil {
			log.Error("failed to set container state to stopping", "error", err)
			continue
		}

		if err := m.remover.RemoveContainer(ctx, entry.ContainerName); err != nil {
			// Best-effort: the registry entry is removed regardless so a
			// container stuck on the VM doesn't get retried forever.
			log.Error("failed to remove idle container via ssh", "error", err)
		}

		if err := m.registry.Remove(ctx, m.backend, repo, branch); err != nil {
			log.Error("failed to remove container from registry", "error", err)
		}
	}
	return nil
}

// ShouldTeardown reports whether entry has been idle for at least
// idleTimeout, measuring idleness from LastSessionStoppedAt (falling back
// to LastActivityAt when unset). Only running containers with zero active
// sessions are eligible.
func ShouldTeardown(entry containerregistry.Entry, idleTimeout time.Duration, now time.Time) bool {
	if entry.State != containerregistry.StateRunning || entry.SessionCount > 0 {
		return false
	}

	idleSince := entry.LastSessionStoppedAt
	if idleSince.IsZero() {
		idleSince = entry.LastActivityAt
	}

	return now.Sub(idleSince) >= idleTimeout
}

// sshRemover is the production Remover, running a "podman rm -f <name>"
// equivalent through a remote executor.
type sshRemover struct {
	runCommand func(ctx context.Context, cmd string) (string, error)
	runtime    string
}

// NewSSHRemover builds a Remover backed by an SSH command runner (typically
// a *remoteexec.Executor's Run method) using the configured container
// runtime binary (e.g. "podman").
func NewSSHRemover(runCommand func(ctx context.Context, cmd string) (string, error), runtime string) Remover {
	return &sshRemover{runCommand: runCommand, runtime: runtime}
}

func (r *sshRemover) RemoveContainer(ctx context.Context, containerName string) error {
	cmd := fmt.Sprintf("%s rm -f %s", shellescape.Quote(r.runtime), shellescape.Quote(containerName))
	_, err := r.runCommand(ctx, cmd)
	return err
}

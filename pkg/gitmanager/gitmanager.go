// Package gitmanager clones and manages GitHub repository worktrees on
// the remote VM over the Remote-Exec Adapter.
package gitmanager

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"al.essio.dev/pkg/shellescape"

	"github.com/jcttech/session-manager/pkg/reporef"
)

// Runner executes a shell command on the remote VM and returns its
// combined output. It is satisfied by *remoteexec.Executor.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// Manager clones repositories and creates per-session worktrees on the
// VM, tracking which repos currently have an active session against
// their main clone.
type Manager struct {
	run Runner

	reposBasePath string
	worktreesPath string
	autoPull      bool

	mu          sync.Mutex
	activeRepos map[string]string // repo full name -> session ID
}

// Config configures path layout and pull behavior.
type Config struct {
	ReposBasePath string
	WorktreesPath string
	AutoPull      bool
}

// New builds a Manager that issues commands through run.
func New(run Runner, cfg Config) *Manager {
	return &Manager{
		run:           run,
		reposBasePath: cfg.ReposBasePath,
		worktreesPath: cfg.WorktreesPath,
		autoPull:      cfg.AutoPull,
		activeRepos:   make(map[string]string),
	}
}

func (m *Manager) repoPath(ref reporef.Ref) string {
	return path.Join(m.reposBasePath, "github.com", ref.Org, ref.Repo)
}

func (m *Manager) worktreePath(name string) string {
	return path.Join(m.worktreesPath, name)
}

// EnsureRepo clones ref's repository on the VM if it isn't already
// present, optionally fast-forward pulling an existing clone, and
// returns the path to the main clone.
func (m *Manager) EnsureRepo(ctx context.Context, ref reporef.Ref) (string, error) {
	repoPath := m.repoPath(ref)

	checkCmd := fmt.Sprintf("test -d %s && echo exists", shellescape.Quote(repoPath))
	out, err := m.run.Run(ctx, checkCmd)
	exists := err == nil && strings.Contains(out, "exists")

	if exists {
		if m.autoPull {
			pullCmd := fmt.Sprintf("cd %s && git pull --ff-only 2>/dev/null || true", shellescape.Quote(repoPath))
			// Best-effort: a pull failure should not block session start
			// against the existing clone's current state.
			_, _ = m.run.Run(ctx, pullCmd)
		}
		return repoPath, nil
	}

	parentDir := path.Dir(repoPath)
	if _, err := m.run.Run(ctx, fmt.Sprintf("mkdir -p %s", shellescape.Quote(parentDir))); err != nil {
		return "", fmt.Errorf("create repo parent directory: %w", err)
	}

	cloneURL := fmt.Sprintf("https://$GH_TOKEN@github.com/%s/%s.git",
		shellescape.Quote(ref.Org), shellescape.Quote(ref.Repo))
	cloneCmd := fmt.Sprintf("git clone %s %s", cloneURL, shellescape.Quote(repoPath))
	if _, err := m.run.Run(ctx, cloneCmd); err != nil {
		return "", fmt.Errorf("clone repository (is GH_TOKEN set for private repos?): %w", err)
	}

	return repoPath, nil
}

// CreateWorktree ensures the repo's main clone exists, then creates a
// worktree for sessionID and returns its path.
func (m *Manager) CreateWorktree(ctx context.Context, ref reporef.Ref, sessionID string) (string, error) {
	repoPath, err := m.EnsureRepo(ctx, ref)
	if err != nil {
		return "", err
	}

	worktreeName := ref.WorktreeName
	if ref.Worktree != reporef.WorktreeNamed {
		suffix := sessionID
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		worktreeName = fmt.Sprintf("%s-%s", ref.Repo, suffix)
	}

	worktreePath := m.worktreePath(worktreeName)

	if _, err := m.run.Run(ctx, fmt.Sprintf("mkdir -p %s", shellescape.Quote(m.worktreesPath))); err != nil {
		return "", fmt.Errorf("create worktrees directory: %w", err)
	}

	var worktreeCmd string
	if ref.Branch != "" {
		worktreeCmd = fmt.Sprintf("git -C %s worktree add %s %s",
			shellescape.Quote(repoPath), shellescape.Quote(worktreePath), shellescape.Quote(ref.Branch))
	} else {
		worktreeCmd = fmt.Sprintf("git -C %s worktree add %s",
			shellescape.Quote(repoPath), shellescape.Quote(worktreePath))
	}

	if _, err := m.run.Run(ctx, worktreeCmd); err != nil {
		return "", fmt.Errorf("create worktree: %w", err)
	}

	return worktreePath, nil
}

// TryAcquireRepo atomically claims ref's repo for sessionID, returning
// the session ID already holding it if it's in use.
func (m *Manager) TryAcquireRepo(ref reporef.Ref, sessionID string) (heldBy string, acquired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ref.FullName()
	if existing, ok := m.activeRepos[name]; ok {
		return existing, false
	}
	m.activeRepos[name] = sessionID
	return "", true
}

// ReleaseRepoBySession releases any repo claim held by sessionID.
func (m *Manager) ReleaseRepoBySession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for repo, holder := range m.activeRepos {
		if holder == sessionID {
			delete(m.activeRepos, repo)
		}
	}
}

// CleanupWorktreeByPath best-effort removes a worktree directory by path
// (used during session cleanup when the originating Ref is unavailable).
func (m *Manager) CleanupWorktreeByPath(ctx context.Context, worktreePath string) error {
	removeCmd := fmt.Sprintf("rm -rf %s", shellescape.Quote(worktreePath))
	if _, err := m.run.Run(ctx, removeCmd); err != nil {
		return fmt.Errorf("cleanup worktree %s: %w", worktreePath, err)
	}
	return nil
}

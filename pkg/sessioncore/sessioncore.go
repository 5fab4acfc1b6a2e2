// Package sessioncore orchestrates the full lifecycle of a coding session:
// resolving a repository, bringing up its devcontainer, attaching a worker
// client, and tearing everything down again exactly once.
package sessioncore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcttech/session-manager/pkg/containerregistry"
	"github.com/jcttech/session-manager/pkg/liveness"
	"github.com/jcttech/session-manager/pkg/metrics"
	"github.com/jcttech/session-manager/pkg/outputpipeline"
	"github.com/jcttech/session-manager/pkg/reporef"
	"github.com/jcttech/session-manager/pkg/store"
)

// ChatClient is the subset of the chat adapter Session Core needs to
// anchor and narrate a session's thread.
type ChatClient interface {
	PostRoot(ctx context.Context, channelID, message string) (string, error)
	PostInThread(ctx context.Context, channelID, threadID, message string) (string, error)
	UpdatePost(ctx context.Context, postID, message string) error
}

// GitManager is the subset of pkg/gitmanager.Manager Session Core depends
// on, named here so it can be faked in tests without standing up SSH.
type GitManager interface {
	EnsureRepo(ctx context.Context, ref reporef.Ref) (string, error)
	CreateWorktree(ctx context.Context, ref reporef.Ref, sessionID string) (string, error)
	TryAcquireRepo(ref reporef.Ref, sessionID string) (heldBy string, acquired bool)
	ReleaseRepoBySession(sessionID string)
	CleanupWorktreeByPath(ctx context.Context, worktreePath string) error
}

// Containers resolves (and, on first use, builds) the devcontainer backing
// a repo/branch pair.
type Containers interface {
	EnsureContainer(ctx context.Context, ref reporef.Ref, projectPath string) (addr string, containerName string, err error)
}

// Worker is the subset of *workerclient.Client a live session needs once
// attached; named here so tests can substitute a fake worker.
type Worker interface {
	Execute(ctx context.Context, prompt, systemPromptAppend, permissionMode string, env map[string]string, out chan<- outputpipeline.Event) (string, error)
	SendMessage(ctx context.Context, sessionID, prompt string, out chan<- outputpipeline.Event) (string, error)
	Interrupt(ctx context.Context, sessionID string) (bool, error)
	Close() error
}

// Dialer connects to a worker sidecar at addr.
type Dialer func(ctx context.Context, addr string) (Worker, error)

// MarkerHandler is passed straight through to each session's output
// pipeline; see outputpipeline.MarkerHandler.
type MarkerHandler = outputpipeline.MarkerHandler

type markerContextKey struct{}

// MarkerInfo identifies the session a marker line was read from. A single
// MarkerHandler is shared across every live session, so it recovers this
// from the context Streamer.Run was called with rather than from its own
// closure state.
type MarkerInfo struct {
	SessionID string
	ChannelID string
	ThreadID  string
}

// MarkerInfoFromContext extracts the MarkerInfo a session's output
// pipeline context carries. Used by a MarkerHandler to learn which
// session/thread an embedded command marker belongs to.
func MarkerInfoFromContext(ctx context.Context) (MarkerInfo, bool) {
	info, ok := ctx.Value(markerContextKey{}).(MarkerInfo)
	return info, ok
}

// SessionStore is the subset of *store.Store Session Core persists
// sessions through; combined with containerregistry.Backend so the same
// value can be handed to the Container Registry's increment/decrement
// calls.
type SessionStore interface {
	CreateSession(ctx context.Context, sess store.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	containerregistry.Backend
}

// Config bundles the Session Core's static dependencies.
type Config struct {
	Store      SessionStore
	Chat       ChatClient
	Git        GitManager
	Containers Containers
	Registry   *containerregistry.Registry
	Liveness   *liveness.State
	Dial       Dialer
	Marker     MarkerHandler
	Log        *slog.Logger

	// PermissionMode and EnvVars are passed to every Worker.Execute call.
	PermissionMode string
	EnvVars        map[string]string
}

type liveSession struct {
	ref             reporef.Ref
	channelID       string
	threadID        string
	containerName   string
	workerAddr      string
	worktreePath    string
	usingWorktree   bool
	parentSessionID string
	worker          Worker
	events          chan outputpipeline.Event

	planMode        bool
	claudeSessionID string
}

// Info is the subset of a live session's state the Command Router reports
// back through `status`/`context`.
type Info struct {
	PlanMode        bool
	ClaudeSessionID string
}

// Core tracks every live session in memory and is the single place that
// starts or tears one down.
type Core struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// New returns a Core ready to start and clean up sessions.
func New(cfg Config) *Core {
	return &Core{
		cfg:      cfg,
		log:      cfg.Log.With("component", "session_core"),
		sessions: make(map[string]*liveSession),
	}
}

// StartSession resolves repo_ref, brings up (or reuses) its devcontainer,
// attaches a worker client, persists the session, and spawns its output
// pipeline. On any failure after the repo is claimed, it unwinds what it
// already did before returning the error.
func (c *Core) StartSession(ctx context.Context, channelID, projectInput string, ref reporef.Ref, sessionType string, parentSessionID string, initialPrompt string, planMode bool) (string, error) {
	sessionID := uuid.New().String()
	log := c.log.With("session_id", sessionID, "project", projectInput, "session_type", sessionType)
	startTimer := metrics.NewTimer()

	projectPath, usingWorktree, worktreePath, err := c.resolveProject(ctx, ref, sessionID)
	if err != nil {
		return "", err
	}

	threadID, err := c.cfg.Chat.PostRoot(ctx, channelID, formatRootLabel(sessionType, ref.FullName()))
	if err != nil {
		c.unwindRepoClaim(ctx, ref, sessionID, usingWorktree, worktreePath)
		return "", fmt.Errorf("post session root message: %w", err)
	}
	_, _ = c.cfg.Chat.PostInThread(ctx, channelID, threadID, "Starting session...")

	addr, containerName, err := c.cfg.Containers.EnsureContainer(ctx, ref, projectPath)
	if err != nil {
		c.unwindRepoClaim(ctx, ref, sessionID, usingWorktree, worktreePath)
		return "", fmt.Errorf("bring up container: %w", err)
	}

	if _, err := c.cfg.Registry.IncrementSessions(ctx, c.cfg.Store, ref.FullName(), ref.Branch); err != nil {
		c.unwindRepoClaim(ctx, ref, sessionID, usingWorktree, worktreePath)
		return "", fmt.Errorf("attach to container: %w", err)
	}

	worker, err := c.cfg.Dial(ctx, addr)
	if err != nil {
		_, _ = c.cfg.Registry.DecrementSessions(ctx, c.cfg.Store, ref.FullName(), ref.Branch)
		c.unwindRepoClaim(ctx, ref, sessionID, usingWorktree, worktreePath)
		return "", fmt.Errorf("connect to worker: %w", err)
	}

	ls := &liveSession{
		ref:             ref,
		channelID:       channelID,
		threadID:        threadID,
		containerName:   containerName,
		workerAddr:      addr,
		worktreePath:    worktreePath,
		usingWorktree:   usingWorktree,
		parentSessionID: parentSessionID,
		worker:          worker,
		events:          make(chan outputpipeline.Event, 64),
		planMode:        planMode,
	}

	c.mu.Lock()
	c.sessions[sessionID] = ls
	c.mu.Unlock()

	if err := c.cfg.Store.CreateSession(ctx, store.Session{
		SessionID:       sessionID,
		ChannelID:       channelID,
		ThreadID:        threadID,
		Project:         projectInput,
		ProjectPath:     projectPath,
		ContainerName:   containerName,
		SessionType:     sessionType,
		ParentSessionID: nonEmptyPtr(parentSessionID),
	}); err != nil {
		log.Error("failed to persist session, cleaning up", "error", err)
		c.CleanupSession(ctx, sessionID)
		return "", fmt.Errorf("persist session: %w", err)
	}

	c.cfg.Liveness.Register(sessionID, channelID, threadID)
	_, _ = c.cfg.Chat.PostInThread(ctx, channelID, threadID, fmt.Sprintf("Ready. Container: `%s`", containerName))

	streamer := &outputpipeline.Streamer{
		Poster:        c.cfg.Chat,
		ChannelID:     channelID,
		ThreadID:      threadID,
		SessionID:     sessionID,
		MarkerHandler: c.cfg.Marker,
		Log:           c.log,
		OnTokens: func(inputTokens, outputTokens uint64) {
			metrics.TokensInput.Add(float64(inputTokens))
			metrics.TokensOutput.Add(float64(outputTokens))
		},
	}
	streamCtx := context.WithValue(context.Background(), markerContextKey{}, MarkerInfo{
		SessionID: sessionID,
		ChannelID: channelID,
		ThreadID:  threadID,
	})
	// ls.events stays open for the session's whole life: one gRPC Execute
	// call is one turn, and SendMessage/RestartSession feed later turns'
	// events into the same channel. Run only returns once CleanupSession
	// closes it, so this goroutine's own CleanupSession call is normally a
	// no-op second claim attempt — it exists to cover the rare case where
	// the channel is closed by something other than CleanupSession.
	go func() {
		streamer.Run(streamCtx, ls.events)
		c.CleanupSession(context.Background(), sessionID)
	}()

	go func() {
		claudeSessionID, err := worker.Execute(context.Background(), initialPrompt, "", c.permissionMode(planMode), c.cfg.EnvVars, ls.events)
		if err != nil {
			log.Warn("worker execute ended with error", "error", err)
		}
		c.mu.Lock()
		ls.claudeSessionID = claudeSessionID
		c.mu.Unlock()
	}()

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	startTimer.ObserveDuration(metrics.SessionStartDuration)

	log.Info("session started", "container", containerName)
	return sessionID, nil
}

// resolveProject determines a session's working directory: a fresh
// worktree, or the repo's main clone (exclusively claimed).
func (c *Core) resolveProject(ctx context.Context, ref reporef.Ref, sessionID string) (projectPath string, usingWorktree bool, worktreePath string, err error) {
	if ref.Worktree != reporef.WorktreeNone {
		path, err := c.cfg.Git.CreateWorktree(ctx, ref, sessionID)
		if err != nil {
			return "", false, "", fmt.Errorf("create worktree: %w", err)
		}
		return path, true, path, nil
	}

	heldBy, acquired := c.cfg.Git.TryAcquireRepo(ref, sessionID)
	if !acquired {
		return "", false, "", fmt.Errorf(
			"repository **%s** is already in use by session `%s`.\nUse `--worktree` for an isolated working directory",
			ref.FullName(), shortPrefix(heldBy))
	}

	path, err := c.cfg.Git.EnsureRepo(ctx, ref)
	if err != nil {
		c.cfg.Git.ReleaseRepoBySession(sessionID)
		return "", false, "", fmt.Errorf("prepare repository: %w", err)
	}
	return path, false, "", nil
}

func (c *Core) unwindRepoClaim(ctx context.Context, ref reporef.Ref, sessionID string, usingWorktree bool, worktreePath string) {
	if usingWorktree {
		_ = c.cfg.Git.CleanupWorktreeByPath(ctx, worktreePath)
		return
	}
	c.cfg.Git.ReleaseRepoBySession(sessionID)
}

// ClaimSession atomically removes sessionID from the live map, returning
// the session and true if this caller won the race, or (nil, false) if it
// was already claimed (or never existed).
func (c *Core) ClaimSession(sessionID string) (*liveSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(c.sessions, sessionID)
	return ls, true
}

// CleanupSession is the single teardown path: it decrements the
// container's session count, closes the worker and its shared events
// channel (which in turn lets the session's output streamer exit),
// releases any repo claim or worktree, deletes the session row, and
// notifies a parent orchestrator if there is one. Safe to call more than
// once for the same session; only the first caller does anything.
func (c *Core) CleanupSession(ctx context.Context, sessionID string) {
	ls, claimed := c.ClaimSession(sessionID)
	if !claimed {
		c.log.Debug("session already cleaned up", "session_id", sessionID)
		return
	}
	metrics.ActiveSessions.Dec()

	log := c.log.With("session_id", sessionID)

	if _, err := c.cfg.Registry.DecrementSessions(ctx, c.cfg.Store, ls.ref.FullName(), ls.ref.Branch); err != nil {
		log.Warn("failed to decrement container session count", "error", err)
	}

	if err := ls.worker.Close(); err != nil {
		log.Warn("failed to close worker connection", "error", err)
	}
	close(ls.events)

	if ls.usingWorktree {
		if err := c.cfg.Git.CleanupWorktreeByPath(ctx, ls.worktreePath); err != nil {
			log.Warn("failed to clean up worktree", "error", err)
		}
	} else {
		c.cfg.Git.ReleaseRepoBySession(sessionID)
	}

	if err := c.cfg.Store.DeleteSession(ctx, sessionID); err != nil {
		log.Warn("failed to delete session from store", "error", err)
	}

	c.cfg.Liveness.Remove(sessionID)
	log.Info("session cleaned up")

	if ls.parentSessionID != "" {
		c.notifyParent(ctx, ls.parentSessionID, fmt.Sprintf("[SESSION_ENDED: %s]", sessionID))
	}
}

// notifyParent feeds text into a still-running parent session's worker as
// a follow-up message, best-effort: a missing or already-gone parent is
// silently ignored.
func (c *Core) notifyParent(ctx context.Context, parentSessionID, text string) {
	c.mu.Lock()
	parent, ok := c.sessions[parentSessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if _, err := parent.worker.SendMessage(ctx, parentSessionID, text, parent.events); err != nil {
		c.log.Warn("failed to notify parent session", "parent_session_id", parentSessionID, "error", err)
	}
}

// SendMessage forwards a follow-up prompt to sessionID's worker, returning
// an error if the session is no longer live.
func (c *Core) SendMessage(ctx context.Context, sessionID, text string) error {
	c.mu.Lock()
	ls, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	claudeSessionID, err := ls.worker.SendMessage(ctx, sessionID, text, ls.events)
	c.mu.Lock()
	if claudeSessionID != "" {
		ls.claudeSessionID = claudeSessionID
	}
	c.mu.Unlock()
	return err
}

// RestartSession interrupts the current turn, replaces the worker client
// in place, and re-sends the continuation prompt, preserving the
// container and session row.
func (c *Core) RestartSession(ctx context.Context, sessionID, continuationPrompt string) error {
	c.mu.Lock()
	ls, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}

	_, _ = ls.worker.Interrupt(ctx, sessionID)
	_ = ls.worker.Close()

	worker, err := c.cfg.Dial(ctx, ls.workerAddr)
	if err != nil {
		return fmt.Errorf("reconnect to worker: %w", err)
	}

	c.mu.Lock()
	ls.worker = worker
	planMode := ls.planMode
	c.mu.Unlock()

	go func() {
		claudeSessionID, err := worker.Execute(context.Background(), continuationPrompt, "", c.permissionMode(planMode), c.cfg.EnvVars, ls.events)
		if err != nil {
			c.log.Warn("restarted session ended with error", "session_id", sessionID, "error", err)
		}
		c.mu.Lock()
		ls.claudeSessionID = claudeSessionID
		c.mu.Unlock()
	}()
	return nil
}

func (c *Core) permissionMode(planMode bool) string {
	if planMode {
		return "plan"
	}
	return c.cfg.PermissionMode
}

// SetPlanMode sets whether sessionID's next turn runs in Claude's read-only
// plan mode. It takes effect on the next Execute or RestartSession call;
// an in-flight SendMessage is unaffected, since the worker protocol fixes
// permission mode for the life of a turn.
func (c *Core) SetPlanMode(sessionID string, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	ls.planMode = enabled
	return true
}

// Info reports a live session's plan-mode state and last-known Claude
// session ID, for the `status`/`context` commands.
func (c *Core) Info(sessionID string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	return Info{PlanMode: ls.planMode, ClaudeSessionID: ls.claudeSessionID}, true
}

func formatRootLabel(sessionType, project string) string {
	switch sessionType {
	case "orchestrator":
		return fmt.Sprintf("**Orchestrator session** for **%s**", project)
	case "worker":
		return fmt.Sprintf("**Worker session** for **%s**", project)
	case "reviewer":
		return fmt.Sprintf("**Reviewer session** for **%s**", project)
	default:
		return fmt.Sprintf("**Session** for **%s**", project)
	}
}

func shortPrefix(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Package commandrouter is the single entry point for chat traffic: it
// classifies an incoming post as a bot command, a thread reply routed to
// an existing session, or a bare top-level message, and dispatches it.
package commandrouter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jcttech/session-manager/pkg/chat"
	"github.com/jcttech/session-manager/pkg/liveness"
	"github.com/jcttech/session-manager/pkg/reporef"
	"github.com/jcttech/session-manager/pkg/sessioncore"
	"github.com/jcttech/session-manager/pkg/store"
)

// Poster is the subset of the chat adapter the router needs to reply.
type Poster interface {
	Post(ctx context.Context, channelID, message string) (string, error)
	PostInThread(ctx context.Context, channelID, rootID, message string) (string, error)
	UpdatePost(ctx context.Context, postID, message string) error
}

// ChannelResolver finds or creates the Mattermost channel a project's
// sessions live in, creating the project/channel mapping and best-effort
// sidebar category on first use.
type ChannelResolver interface {
	ResolveProjectChannel(ctx context.Context, projectInput, requestingUserID string) (channelID, channelName string, ref reporef.Ref, err error)
}

// Sessions is the subset of *sessioncore.Core the router drives.
type Sessions interface {
	StartSession(ctx context.Context, channelID, projectInput string, ref reporef.Ref, sessionType, parentSessionID, initialPrompt string, planMode bool) (string, error)
	CleanupSession(ctx context.Context, sessionID string)
	SendMessage(ctx context.Context, sessionID, text string) error
	RestartSession(ctx context.Context, sessionID, continuationPrompt string) error
	SetPlanMode(sessionID string, enabled bool) bool
	Info(sessionID string) (sessioncore.Info, bool)
}

// SessionLookup is the subset of *store.Store the router queries for
// routing and status reporting.
type SessionLookup interface {
	GetSessionByThread(ctx context.Context, channelID, threadID string) (*store.Session, error)
	GetSessionByIDPrefix(ctx context.Context, prefix string) (*store.Session, error)
	GetNonWorkerSessionsByChannel(ctx context.Context, channelID string) ([]*store.Session, error)
	GetAllSessions(ctx context.Context) ([]*store.Session, error)
	TouchSession(ctx context.Context, sessionID string) (int32, error)
	RecordCompaction(ctx context.Context, sessionID string) error
}

// Config bundles the Command Router's dependencies.
type Config struct {
	Chat       Poster
	Channels   ChannelResolver
	Sessions   Sessions
	Store      SessionLookup
	BotTrigger string

	OrchestratorCompactThreshold int32
	Log                          *slog.Logger
}

// Router classifies and dispatches chat posts.
type Router struct {
	cfg Config
	log *slog.Logger
}

// New returns a Router.
func New(cfg Config) *Router {
	return &Router{cfg: cfg, log: cfg.Log.With("component", "command_router")}
}

// Handle processes one incoming chat post to completion. It never returns
// an error: every failure is reported back into chat and logged.
func (r *Router) Handle(ctx context.Context, post chat.Post) {
	text := strings.TrimSpace(post.Message)

	if post.RootID != "" {
		r.handleThreadReply(ctx, post, text)
		return
	}
	r.handleTopLevel(ctx, post, text)
}

func (r *Router) handleThreadReply(ctx context.Context, post chat.Post, text string) {
	channelID, rootID := post.ChannelID, post.RootID

	session, err := r.cfg.Store.GetSessionByThread(ctx, channelID, rootID)
	if err != nil {
		if strings.HasPrefix(text, r.cfg.BotTrigger) {
			r.reply(ctx, channelID, rootID, "No active session in this thread.")
		}
		return
	}

	if strings.HasPrefix(text, r.cfg.BotTrigger) {
		cmd := strings.TrimSpace(strings.TrimPrefix(text, r.cfg.BotTrigger))
		if r.dispatchThreadCommand(ctx, session, channelID, rootID, cmd) {
			return
		}
	}

	if err := r.cfg.Sessions.SendMessage(ctx, session.SessionID, text); err != nil {
		r.log.Warn("failed to forward thread message to session", "session_id", session.SessionID, "error", err)
	}

	msgCount, err := r.cfg.Store.TouchSession(ctx, session.SessionID)
	if err != nil {
		return
	}
	threshold := r.cfg.OrchestratorCompactThreshold
	if session.SessionType == "orchestrator" && threshold > 0 && msgCount > 0 && msgCount%threshold == 0 {
		if err := r.cfg.Sessions.SendMessage(ctx, session.SessionID, "/compact"); err == nil {
			_ = r.cfg.Store.RecordCompaction(ctx, session.SessionID)
			r.log.Info("auto-compacted orchestrator session", "session_id", session.SessionID, "message_count", msgCount)
		}
	}
}

// dispatchThreadCommand handles the in-thread command set (stop, compact,
// clear, restart, plan, title, status/context). Returns true if cmd
// matched a command, whether or not it succeeded.
func (r *Router) dispatchThreadCommand(ctx context.Context, session *store.Session, channelID, rootID, cmd string) bool {
	switch {
	case cmd == "stop":
		r.cfg.Sessions.CleanupSession(ctx, session.SessionID)
		r.reply(ctx, channelID, rootID, "Stopped.")
		return true

	case cmd == "compact":
		_ = r.cfg.Sessions.SendMessage(ctx, session.SessionID, "/compact")
		_ = r.cfg.Store.RecordCompaction(ctx, session.SessionID)
		r.reply(ctx, channelID, rootID, "Compacting context...")
		return true

	case cmd == "clear":
		_ = r.cfg.Sessions.SendMessage(ctx, session.SessionID, "/clear")
		r.reply(ctx, channelID, rootID, "Context cleared.")
		return true

	case cmd == "restart":
		r.reply(ctx, channelID, rootID, "Restarting session...")
		if err := r.cfg.Sessions.RestartSession(ctx, session.SessionID, ""); err != nil {
			r.reply(ctx, channelID, rootID, fmt.Sprintf("Restart failed: %s", err))
		} else {
			r.reply(ctx, channelID, rootID, "Restarted. Next message starts a fresh conversation.")
		}
		return true

	case cmd == "plan" || strings.HasPrefix(cmd, "plan "):
		r.handlePlanCommand(ctx, session, channelID, rootID, strings.TrimSpace(strings.TrimPrefix(cmd, "plan")))
		return true

	case cmd == "title" || strings.HasPrefix(cmd, "title "):
		r.handleTitleCommand(ctx, session, channelID, rootID, strings.TrimSpace(strings.TrimPrefix(cmd, "title")))
		return true

	case cmd == "context" || cmd == "status":
		r.handleSessionStatus(ctx, session, channelID, rootID)
		return true
	}
	return false
}

func (r *Router) handlePlanCommand(ctx context.Context, session *store.Session, channelID, rootID, arg string) {
	info, _ := r.cfg.Sessions.Info(session.SessionID)

	var newState bool
	switch arg {
	case "on":
		newState = true
	case "off":
		newState = false
	case "":
		newState = !info.PlanMode
	default:
		r.reply(ctx, channelID, rootID, "Usage: `plan` (toggle), `plan on`, `plan off`")
		return
	}

	r.cfg.Sessions.SetPlanMode(session.SessionID, newState)
	if newState {
		r.reply(ctx, channelID, rootID, "Plan mode **enabled**. Claude will analyze but not modify files.")
	} else {
		r.reply(ctx, channelID, rootID, "Plan mode **disabled**. Claude can modify files.")
	}
}

func (r *Router) handleTitleCommand(ctx context.Context, session *store.Session, channelID, rootID, arg string) {
	if arg == "" {
		_ = r.cfg.Sessions.SendMessage(ctx, session.SessionID,
			"Summarize this conversation in 5-10 words as a thread title. Output ONLY the title text, nothing else. No quotes, no punctuation at the end.")
		r.reply(ctx, channelID, rootID, "_Generating title..._")
		return
	}
	label := formatRootLabel(session.SessionType, session.Project)
	_ = r.cfg.Chat.UpdatePost(ctx, rootID, fmt.Sprintf("%s — %s", label, arg))
	r.reply(ctx, channelID, rootID, "Title updated.")
}

func (r *Router) handleSessionStatus(ctx context.Context, session *store.Session, channelID, rootID string) {
	now := time.Now()
	info, _ := r.cfg.Sessions.Info(session.SessionID)

	claudeSID := "_none_"
	if info.ClaudeSessionID != "" {
		claudeSID = "`" + shortPrefix(info.ClaudeSessionID) + "`"
	}
	planMode := "off"
	if info.PlanMode {
		planMode = "on"
	}

	msg := fmt.Sprintf(
		"**Session Status:**\n"+
			"| | |\n"+
			"|---|---|\n"+
			"| Session | `%s` |\n"+
			"| Claude ID | %s |\n"+
			"| Type | %s |\n"+
			"| Project | **%s** |\n"+
			"| Messages | %d |\n"+
			"| Compactions | %d |\n"+
			"| Plan mode | %s |\n"+
			"| Age | %s |\n"+
			"| Idle | %s |",
		shortPrefix(session.SessionID),
		claudeSID,
		session.SessionType,
		session.Project,
		session.MessageCount,
		session.CompactionCount,
		planMode,
		liveness.FormatDurationShort(now.Sub(session.CreatedAt)),
		liveness.FormatDurationShort(now.Sub(session.LastActivityAt)),
	)
	r.reply(ctx, channelID, rootID, msg)
}

func (r *Router) handleTopLevel(ctx context.Context, post chat.Post, text string) {
	channelID := post.ChannelID

	if !strings.HasPrefix(text, r.cfg.BotTrigger) {
		r.routeBareTopLevelMessage(ctx, channelID, text)
		return
	}

	cmdText := strings.TrimSpace(strings.TrimPrefix(text, r.cfg.BotTrigger))

	switch {
	case strings.HasPrefix(cmdText, "start "):
		r.handleStart(ctx, post, strings.TrimSpace(strings.TrimPrefix(cmdText, "start ")))
	case strings.HasPrefix(cmdText, "orchestrate "):
		r.handleOrchestrate(ctx, post, strings.TrimSpace(strings.TrimPrefix(cmdText, "orchestrate ")))
	case cmdText == "stop" || strings.HasPrefix(cmdText, "stop "):
		r.handleStopByPrefix(ctx, channelID, strings.TrimSpace(strings.TrimPrefix(cmdText, "stop")))
	case cmdText == "status":
		r.handleGlobalStatus(ctx, channelID)
	case cmdText == "help":
		r.handleHelp(ctx, channelID)
	default:
		_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Unknown command. Try `%s help`.", r.cfg.BotTrigger))
	}
}

func (r *Router) handleStart(ctx context.Context, post chat.Post, projectInput string) {
	channelID := post.ChannelID
	if projectInput == "" {
		_, _ = r.cfg.Chat.Post(ctx, channelID, "Usage: `start <org/repo>` or `start <repo>`")
		return
	}

	planMode, projectInput := extractPlanFlag(projectInput)

	projChannelID, channelName, ref, err := r.cfg.Channels.ResolveProjectChannel(ctx, projectInput, post.UserID)
	if err != nil {
		_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Failed: %s", err))
		return
	}

	sessionID, err := r.cfg.Sessions.StartSession(ctx, projChannelID, projectInput, ref, "standard", "", "", planMode)
	if err != nil {
		_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Failed: %s", err))
		return
	}
	_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Session `%s` started in ~%s", shortPrefix(sessionID), channelName))
}

func (r *Router) handleOrchestrate(ctx context.Context, post chat.Post, projectInput string) {
	channelID := post.ChannelID
	if projectInput == "" {
		_, _ = r.cfg.Chat.Post(ctx, channelID, "Usage: `orchestrate <org/repo>` or `orchestrate <repo>`")
		return
	}

	projChannelID, channelName, ref, err := r.cfg.Channels.ResolveProjectChannel(ctx, projectInput, post.UserID)
	if err != nil {
		_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Failed: %s", err))
		return
	}

	sessionID, err := r.cfg.Sessions.StartSession(ctx, projChannelID, projectInput, ref, "orchestrator", "", "", false)
	if err != nil {
		_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Failed: %s", err))
		return
	}
	_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Orchestrator `%s` started in ~%s", shortPrefix(sessionID), channelName))
}

func (r *Router) handleStopByPrefix(ctx context.Context, channelID, shortID string) {
	if shortID == "" {
		_, _ = r.cfg.Chat.Post(ctx, channelID, "Usage: `stop <session-id-prefix>` or reply `stop` in a session thread.")
		return
	}

	session, err := r.cfg.Store.GetSessionByIDPrefix(ctx, shortID)
	if err != nil {
		if err == store.ErrNotFound {
			_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("No session found matching `%s`.", shortID))
			return
		}
		_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Error: %s", err))
		return
	}

	r.cfg.Sessions.CleanupSession(ctx, session.SessionID)
	_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Stopped session `%s`.", shortPrefix(session.SessionID)))
}

func (r *Router) handleGlobalStatus(ctx context.Context, channelID string) {
	sessions, err := r.cfg.Store.GetAllSessions(ctx)
	if err != nil {
		_, _ = r.cfg.Chat.Post(ctx, channelID, fmt.Sprintf("Error: %s", err))
		return
	}
	if len(sessions) == 0 {
		_, _ = r.cfg.Chat.Post(ctx, channelID, "No active sessions.")
		return
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString("**Active Sessions:**\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "- `%s` | %s | **%s** | %d msgs | %d compactions | idle %s\n",
			shortPrefix(s.SessionID), s.SessionType, s.Project, s.MessageCount, s.CompactionCount,
			liveness.FormatDurationShort(now.Sub(s.LastActivityAt)))
	}
	_, _ = r.cfg.Chat.Post(ctx, channelID, b.String())
}

func (r *Router) handleHelp(ctx context.Context, channelID string) {
	trigger := r.cfg.BotTrigger
	msg := fmt.Sprintf(
		"**Commands:**\n"+
			"- `%[1]s start <org/repo>` — Start a standard session\n"+
			"- `%[1]s start <repo> --worktree` — Start with isolated worktree\n"+
			"- `%[1]s start <repo> --plan` — Start in plan mode (read-only analysis)\n"+
			"- `%[1]s orchestrate <org/repo>` — Start an orchestrator session\n"+
			"- `%[1]s stop <id-prefix>` — Stop a session by ID prefix\n"+
			"- `%[1]s status` — List all active sessions\n"+
			"- `%[1]s help` — Show this message\n"+
			"\n"+
			"**In a session thread:**\n"+
			"- Reply directly to send input\n"+
			"- `%[1]s stop` — End the session\n"+
			"- `%[1]s compact` — Compact/summarize context\n"+
			"- `%[1]s clear` — Clear conversation history\n"+
			"- `%[1]s restart` — Restart Claude conversation\n"+
			"- `%[1]s plan` — Toggle plan mode (read-only analysis)\n"+
			"- `%[1]s title [text]` — Set thread title (auto-generate if no text)\n"+
			"- `%[1]s status` — Show session status and context health",
		trigger,
	)
	_, _ = r.cfg.Chat.Post(ctx, channelID, msg)
}

// routeBareTopLevelMessage forwards a non-command top-level post to the
// sole active session in its channel, if exactly one exists.
func (r *Router) routeBareTopLevelMessage(ctx context.Context, channelID, text string) {
	sessions, err := r.cfg.Store.GetNonWorkerSessionsByChannel(ctx, channelID)
	if err != nil || len(sessions) == 0 {
		return
	}
	if len(sessions) > 1 {
		_, _ = r.cfg.Chat.Post(ctx, channelID, "Multiple sessions active in this channel. Please reply in the specific session thread.")
		return
	}

	session := sessions[0]
	if err := r.cfg.Sessions.SendMessage(ctx, session.SessionID, text); err != nil {
		r.log.Warn("failed to forward top-level message to session", "session_id", session.SessionID, "error", err)
	}
	_, _ = r.cfg.Store.TouchSession(ctx, session.SessionID)
}

func (r *Router) reply(ctx context.Context, channelID, rootID, message string) {
	_, _ = r.cfg.Chat.PostInThread(ctx, channelID, rootID, message)
}

// extractPlanFlag pulls a "--plan" token out of project input, which
// start (but not orchestrate) accepts anywhere among its whitespace-
// separated words.
func extractPlanFlag(input string) (planMode bool, cleaned string) {
	words := strings.Fields(input)
	kept := words[:0]
	for _, w := range words {
		if w == "--plan" {
			planMode = true
			continue
		}
		kept = append(kept, w)
	}
	return planMode, strings.Join(kept, " ")
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

package commandrouter

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/jcttech/session-manager/pkg/chat"
	"github.com/jcttech/session-manager/pkg/reporef"
	"github.com/jcttech/session-manager/pkg/sessioncore"
	"github.com/jcttech/session-manager/pkg/store"
)

type recordedPost struct {
	channelID, rootID, message string
}

type fakePoster struct {
	posts         []recordedPost
	threadReplies []recordedPost
	updated       map[string]string
}

func newFakePoster() *fakePoster { return &fakePoster{updated: make(map[string]string)} }

func (f *fakePoster) Post(ctx context.Context, channelID, message string) (string, error) {
	f.posts = append(f.posts, recordedPost{channelID: channelID, message: message})
	return "post-1", nil
}

func (f *fakePoster) PostInThread(ctx context.Context, channelID, rootID, message string) (string, error) {
	f.threadReplies = append(f.threadReplies, recordedPost{channelID: channelID, rootID: rootID, message: message})
	return "reply-1", nil
}

func (f *fakePoster) UpdatePost(ctx context.Context, postID, message string) error {
	f.updated[postID] = message
	return nil
}

type fakeChannels struct {
	channelID, channelName string
	ref                    reporef.Ref
	err                    error
}

func (f *fakeChannels) ResolveProjectChannel(ctx context.Context, projectInput, requestingUserID string) (string, string, reporef.Ref, error) {
	if f.err != nil {
		return "", "", reporef.Ref{}, f.err
	}
	return f.channelID, f.channelName, f.ref, nil
}

type fakeSessions struct {
	started       []string
	cleanedUp     []string
	sent          []string
	restarted     []string
	planModeCalls map[string]bool
	info          map[string]sessioncore.Info
	startErr      error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{planModeCalls: make(map[string]bool), info: make(map[string]sessioncore.Info)}
}

func (f *fakeSessions) StartSession(ctx context.Context, channelID, projectInput string, ref reporef.Ref, sessionType, parentSessionID, initialPrompt string, planMode bool) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	id := fmt.Sprintf("session-%d", len(f.started))
	f.started = append(f.started, id)
	return id, nil
}

func (f *fakeSessions) CleanupSession(ctx context.Context, sessionID string) {
	f.cleanedUp = append(f.cleanedUp, sessionID)
}

func (f *fakeSessions) SendMessage(ctx context.Context, sessionID, text string) error {
	f.sent = append(f.sent, sessionID+":"+text)
	return nil
}

func (f *fakeSessions) RestartSession(ctx context.Context, sessionID, continuationPrompt string) error {
	f.restarted = append(f.restarted, sessionID)
	return nil
}

func (f *fakeSessions) SetPlanMode(sessionID string, enabled bool) bool {
	f.planModeCalls[sessionID] = enabled
	return true
}

func (f *fakeSessions) Info(sessionID string) (sessioncore.Info, bool) {
	info, ok := f.info[sessionID]
	return info, ok
}

type fakeLookup struct {
	byThread    map[string]*store.Session
	byPrefix    map[string]*store.Session
	byChannel   map[string][]*store.Session
	all         []*store.Session
	touchCounts map[string]int32
	compactions []string
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		byThread:    make(map[string]*store.Session),
		byPrefix:    make(map[string]*store.Session),
		byChannel:   make(map[string][]*store.Session),
		touchCounts: make(map[string]int32),
	}
}

func (f *fakeLookup) GetSessionByThread(ctx context.Context, channelID, threadID string) (*store.Session, error) {
	s, ok := f.byThread[channelID+"/"+threadID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeLookup) GetSessionByIDPrefix(ctx context.Context, prefix string) (*store.Session, error) {
	s, ok := f.byPrefix[prefix]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeLookup) GetNonWorkerSessionsByChannel(ctx context.Context, channelID string) ([]*store.Session, error) {
	return f.byChannel[channelID], nil
}

func (f *fakeLookup) GetAllSessions(ctx context.Context) ([]*store.Session, error) {
	return f.all, nil
}

func (f *fakeLookup) TouchSession(ctx context.Context, sessionID string) (int32, error) {
	f.touchCounts[sessionID]++
	return f.touchCounts[sessionID], nil
}

func (f *fakeLookup) RecordCompaction(ctx context.Context, sessionID string) error {
	f.compactions = append(f.compactions, sessionID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestRouter(poster *fakePoster, channels *fakeChannels, sessions Sessions, lookup *fakeLookup) *Router {
	return New(Config{
		Chat:                         poster,
		Channels:                     channels,
		Sessions:                     sessions,
		Store:                        lookup,
		BotTrigger:                   "@claude",
		OrchestratorCompactThreshold: 50,
		Log:                          testLogger(),
	})
}

func TestHandle_StartCommandCreatesSession(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{channelID: "proj-chan", channelName: "widgets", ref: reporef.Ref{Org: "acme", Repo: "widgets"}}
	sessions := newFakeSessions()
	lookup := newFakeLookup()
	r := newTestRouter(poster, channels, sessions, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", UserID: "u1", Message: "@claude start acme/widgets"})

	if len(sessions.started) != 1 {
		t.Fatalf("expected one session started, got %d", len(sessions.started))
	}
	if len(poster.posts) != 1 || poster.posts[0].channelID != "ch1" {
		t.Fatalf("expected a confirmation posted to ch1, got %+v", poster.posts)
	}
}

func TestHandle_StartWithPlanFlagSetsPlanMode(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{channelID: "proj-chan", channelName: "widgets", ref: reporef.Ref{Org: "acme", Repo: "widgets"}}

	var capturedPlanMode bool
	sessions := newFakeSessions()
	lookup := newFakeLookup()
	planCapture := &planCapturingSessions{fakeSessions: sessions, plan: &capturedPlanMode}
	r := newTestRouter(poster, channels, planCapture, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", UserID: "u1", Message: "@claude start acme/widgets --plan"})

	if !capturedPlanMode {
		t.Errorf("expected plan mode to be passed through from --plan flag")
	}
}

type planCapturingSessions struct {
	*fakeSessions
	plan *bool
}

func (p *planCapturingSessions) StartSession(ctx context.Context, channelID, projectInput string, ref reporef.Ref, sessionType, parentSessionID, initialPrompt string, planMode bool) (string, error) {
	*p.plan = planMode
	return p.fakeSessions.StartSession(ctx, channelID, projectInput, ref, sessionType, parentSessionID, initialPrompt, planMode)
}

func TestHandle_ThreadStopCleansUpSession(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{}
	sessions := newFakeSessions()
	lookup := newFakeLookup()
	lookup.byThread["ch1/root1"] = &store.Session{SessionID: "sess-1", SessionType: "standard"}
	r := newTestRouter(poster, channels, sessions, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", RootID: "root1", Message: "@claude stop"})

	if len(sessions.cleanedUp) != 1 || sessions.cleanedUp[0] != "sess-1" {
		t.Fatalf("expected sess-1 cleaned up, got %v", sessions.cleanedUp)
	}
	if len(poster.threadReplies) != 1 || poster.threadReplies[0].message != "Stopped." {
		t.Fatalf("expected a 'Stopped.' reply, got %+v", poster.threadReplies)
	}
}

func TestHandle_ThreadPlainMessageForwardsToSession(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{}
	sessions := newFakeSessions()
	lookup := newFakeLookup()
	lookup.byThread["ch1/root1"] = &store.Session{SessionID: "sess-1", SessionType: "standard"}
	r := newTestRouter(poster, channels, sessions, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", RootID: "root1", Message: "please fix the bug"})

	if len(sessions.sent) != 1 || sessions.sent[0] != "sess-1:please fix the bug" {
		t.Fatalf("expected forwarded message, got %v", sessions.sent)
	}
	if lookup.touchCounts["sess-1"] != 1 {
		t.Errorf("expected session to be touched once, got %d", lookup.touchCounts["sess-1"])
	}
}

func TestHandle_ThreadPlanToggleFlipsState(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{}
	sessions := newFakeSessions()
	sessions.info["sess-1"] = sessioncore.Info{PlanMode: false}
	lookup := newFakeLookup()
	lookup.byThread["ch1/root1"] = &store.Session{SessionID: "sess-1", SessionType: "standard"}
	r := newTestRouter(poster, channels, sessions, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", RootID: "root1", Message: "@claude plan"})

	if enabled, ok := sessions.planModeCalls["sess-1"]; !ok || !enabled {
		t.Errorf("expected plan mode to be toggled on, got %v ok=%v", enabled, ok)
	}
}

func TestHandle_ThreadAutoCompactsOrchestratorAtThreshold(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{}
	sessions := newFakeSessions()
	lookup := newFakeLookup()
	lookup.byThread["ch1/root1"] = &store.Session{SessionID: "sess-1", SessionType: "orchestrator"}
	lookup.touchCounts["sess-1"] = 49 // next touch lands on 50, the configured threshold
	r := newTestRouter(poster, channels, sessions, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", RootID: "root1", Message: "keep going"})

	found := false
	for _, s := range sessions.sent {
		if s == "sess-1:/compact" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an auto-compact message, got %v", sessions.sent)
	}
	if len(lookup.compactions) != 1 {
		t.Errorf("expected one recorded compaction, got %d", len(lookup.compactions))
	}
}

func TestHandle_TopLevelBareMessageRoutesToSoleSession(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{}
	sessions := newFakeSessions()
	lookup := newFakeLookup()
	lookup.byChannel["ch1"] = []*store.Session{{SessionID: "sess-1"}}
	r := newTestRouter(poster, channels, sessions, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", Message: "hello there"})

	if len(sessions.sent) != 1 || sessions.sent[0] != "sess-1:hello there" {
		t.Fatalf("expected forwarded message, got %v", sessions.sent)
	}
}

func TestHandle_TopLevelBareMessageMultipleSessionsAsksForThread(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{}
	sessions := newFakeSessions()
	lookup := newFakeLookup()
	lookup.byChannel["ch1"] = []*store.Session{{SessionID: "sess-1"}, {SessionID: "sess-2"}}
	r := newTestRouter(poster, channels, sessions, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", Message: "hello there"})

	if len(sessions.sent) != 0 {
		t.Fatalf("expected no message forwarded with multiple candidates, got %v", sessions.sent)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("expected a guidance post, got %+v", poster.posts)
	}
}

func TestHandle_StopByPrefixNotFound(t *testing.T) {
	poster := newFakePoster()
	channels := &fakeChannels{}
	sessions := newFakeSessions()
	lookup := newFakeLookup()
	r := newTestRouter(poster, channels, sessions, lookup)

	r.Handle(context.Background(), chat.Post{ChannelID: "ch1", Message: "@claude stop abc123"})

	if len(sessions.cleanedUp) != 0 {
		t.Fatalf("expected no cleanup for unknown prefix, got %v", sessions.cleanedUp)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("expected a 'no session found' post, got %+v", poster.posts)
	}
}

func TestExtractPlanFlag(t *testing.T) {
	plan, cleaned := extractPlanFlag("acme/widgets --plan --worktree")
	if !plan {
		t.Error("expected plan flag detected")
	}
	if cleaned != "acme/widgets --worktree" {
		t.Errorf("got cleaned input %q", cleaned)
	}
}

func TestExtractPlanFlag_NoFlag(t *testing.T) {
	plan, cleaned := extractPlanFlag("acme/widgets")
	if plan {
		t.Error("expected no plan flag")
	}
	if cleaned != "acme/widgets" {
		t.Errorf("got cleaned input %q", cleaned)
	}
}

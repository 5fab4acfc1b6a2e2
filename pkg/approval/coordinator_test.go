package approval

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type fakeStore struct {
	pending map[string]PendingRequest
	deleted []string
	logged  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{pending: make(map[string]PendingRequest)}
}

func (s *fakeStore) GetPendingRequestByDomainAndSession(ctx context.Context, domain, sessionID string) (PendingRequest, bool, error) {
	for _, req := range s.pending {
		if req.Domain == domain && req.SessionID == sessionID {
			return req, true, nil
		}
	}
	return PendingRequest{}, false, nil
}

func (s *fakeStore) CreatePendingRequest(ctx context.Context, req PendingRequest) error {
	s.pending[req.RequestID] = req
	return nil
}

func (s *fakeStore) GetPendingRequest(ctx context.Context, requestID string) (PendingRequest, bool, error) {
	req, ok := s.pending[requestID]
	return req, ok, nil
}

func (s *fakeStore) DeletePendingRequest(ctx context.Context, requestID string) error {
	delete(s.pending, requestID)
	s.deleted = append(s.deleted, requestID)
	return nil
}

func (s *fakeStore) LogApproval(ctx context.Context, requestID, domain, action, userName string) error {
	s.logged = append(s.logged, requestID+":"+action+":"+userName)
	return nil
}

type fakePosterApproval struct {
	posts   []map[string]any
	updates map[string]string
}

func newFakePosterApproval() *fakePosterApproval {
	return &fakePosterApproval{updates: make(map[string]string)}
}

func (f *fakePosterApproval) PostWithProps(ctx context.Context, channelID, threadID, message string, props any) (string, error) {
	f.posts = append(f.posts, props.(map[string]any))
	return "post-1", nil
}

func (f *fakePosterApproval) UpdatePost(ctx context.Context, postID, message string) error {
	f.updates[postID] = message
	return nil
}

type fakeSessions struct {
	sent map[string]string
}

func (f *fakeSessions) Send(ctx context.Context, sessionID, text string) error {
	if f.sent == nil {
		f.sent = make(map[string]string)
	}
	f.sent[sessionID] = text
	return nil
}

type fakeFirewall struct {
	shouldFail bool
	added      []string
}

func (f *fakeFirewall) AddDomain(ctx context.Context, domain string) (bool, error) {
	f.added = append(f.added, domain)
	if f.shouldFail {
		return false, errors.New("firewall unreachable")
	}
	return true, nil
}

func newCoordinator(store *fakeStore, poster *fakePosterApproval, sessions *fakeSessions, firewall *fakeFirewall, cfg Config) *Coordinator {
	id := 0
	return New(store, poster, sessions, firewall, cfg, slog.Default(), func() string {
		id++
		return "req-" + string(rune('0'+id))
	})
}

func TestRequestNetworkAccess_PostsPromptAndPersists(t *testing.T) {
	store := newFakeStore()
	poster := newFakePosterApproval()
	c := newCoordinator(store, poster, &fakeSessions{}, &fakeFirewall{}, Config{CallbackSecret: "s", CallbackURL: "https://cb"})

	if err := c.RequestNetworkAccess(context.Background(), "ch1", "th1", "sess1", "example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(store.pending))
	}
	if len(poster.posts) != 1 {
		t.Fatalf("expected one post, got %d", len(poster.posts))
	}
}

func TestRequestNetworkAccess_DeduplicatesSameDomainAndSession(t *testing.T) {
	store := newFakeStore()
	store.pending["existing"] = PendingRequest{RequestID: "existing", Domain: "example.com", SessionID: "sess1"}
	poster := newFakePosterApproval()
	c := newCoordinator(store, poster, &fakeSessions{}, &fakeFirewall{}, Config{CallbackSecret: "s"})

	if err := c.RequestNetworkAccess(context.Background(), "ch1", "th1", "sess1", "example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(poster.posts) != 0 {
		t.Errorf("expected no new post for a duplicate request, got %d", len(poster.posts))
	}
	if len(store.pending) != 1 {
		t.Errorf("expected pending count unchanged, got %d", len(store.pending))
	}
}

func TestHandleCallback_UnauthorizedApprover(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store, newFakePosterApproval(), &fakeSessions{}, &fakeFirewall{}, Config{
		CallbackSecret:   "s",
		AllowedApprovers: []string{"alice"},
	})

	result := c.HandleCallback(context.Background(), "req-1", "approve", "sig", "mallory")
	if result.EphemeralText == "" {
		t.Error("expected an ephemeral rejection message")
	}
}

func TestHandleCallback_InvalidSignature(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store, newFakePosterApproval(), &fakeSessions{}, &fakeFirewall{}, Config{CallbackSecret: "s"})

	result := c.HandleCallback(context.Background(), "req-1", "approve", "bad-sig", "alice")
	if result.EphemeralText == "" {
		t.Error("expected an ephemeral rejection message for an invalid signature")
	}
}

func TestHandleCallback_RequestExpired(t *testing.T) {
	store := newFakeStore()
	c := newCoordinator(store, newFakePosterApproval(), &fakeSessions{}, &fakeFirewall{}, Config{CallbackSecret: "s"})

	sig := Sign("s", "req-1", "approve")
	result := c.HandleCallback(context.Background(), "req-1", "approve", sig, "alice")
	if result.EphemeralText == "" {
		t.Error("expected an ephemeral message for a missing/expired request")
	}
}

func TestHandleCallback_ApproveAddsDomainAndNotifies(t *testing.T) {
	store := newFakeStore()
	store.pending["req-1"] = PendingRequest{RequestID: "req-1", Domain: "example.com", SessionID: "sess1", PostID: "post-1"}
	poster := newFakePosterApproval()
	sessions := &fakeSessions{}
	c := newCoordinator(store, poster, sessions, &fakeFirewall{}, Config{CallbackSecret: "s"})

	sig := Sign("s", "req-1", "approve")
	result := c.HandleCallback(context.Background(), "req-1", "approve", sig, "alice")

	if result.EphemeralText != "" {
		t.Errorf("expected no ephemeral text on success, got %q", result.EphemeralText)
	}
	if _, stillPending := store.pending["req-1"]; stillPending {
		t.Error("expected pending request to be removed")
	}
	if sessions.sent["sess1"] != "[NETWORK_APPROVED: example.com]" {
		t.Errorf("got session notification %q", sessions.sent["sess1"])
	}
	if poster.updates["post-1"] == "" {
		t.Error("expected the approval post to be updated")
	}
}

func TestHandleCallback_DenyDoesNotTouchFirewall(t *testing.T) {
	store := newFakeStore()
	store.pending["req-1"] = PendingRequest{RequestID: "req-1", Domain: "example.com", SessionID: "sess1", PostID: "post-1"}
	sessions := &fakeSessions{}
	firewall := &fakeFirewall{}
	c := newCoordinator(store, newFakePosterApproval(), sessions, firewall, Config{CallbackSecret: "s"})

	sig := Sign("s", "req-1", "deny")
	result := c.HandleCallback(context.Background(), "req-1", "deny", sig, "alice")

	if result.EphemeralText != "" {
		t.Errorf("expected no ephemeral text, got %q", result.EphemeralText)
	}
	if len(firewall.added) != 0 {
		t.Errorf("expected no firewall change on deny, got %v", firewall.added)
	}
	if sessions.sent["sess1"] != "[NETWORK_DENIED: example.com]" {
		t.Errorf("got session notification %q", sessions.sent["sess1"])
	}
}

func TestHandleCallback_FirewallFailureKeepsRequestPending(t *testing.T) {
	store := newFakeStore()
	store.pending["req-1"] = PendingRequest{RequestID: "req-1", Domain: "example.com", SessionID: "sess1", PostID: "post-1"}
	c := newCoordinator(store, newFakePosterApproval(), &fakeSessions{}, &fakeFirewall{shouldFail: true}, Config{CallbackSecret: "s"})

	sig := Sign("s", "req-1", "approve")
	result := c.HandleCallback(context.Background(), "req-1", "approve", sig, "alice")

	if result.EphemeralText == "" {
		t.Error("expected an ephemeral failure message")
	}
	if _, stillPending := store.pending["req-1"]; !stillPending {
		t.Error("expected the pending request to remain so the user can retry")
	}
}

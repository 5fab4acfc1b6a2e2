package commandrouter

import (
	"context"
	"testing"

	"github.com/jcttech/session-manager/pkg/store"
)

type fakeChannelStore struct {
	mapped  map[string]*store.ProjectChannel
	created []store.ProjectChannel
}

func newFakeChannelStore() *fakeChannelStore {
	return &fakeChannelStore{mapped: make(map[string]*store.ProjectChannel)}
}

func (f *fakeChannelStore) GetProjectChannel(ctx context.Context, project string) (*store.ProjectChannel, error) {
	pc, ok := f.mapped[project]
	if !ok {
		return nil, store.ErrNotFound
	}
	return pc, nil
}

func (f *fakeChannelStore) CreateProjectChannel(ctx context.Context, project, channelID, channelName string) error {
	f.created = append(f.created, store.ProjectChannel{Project: project, ChannelID: channelID, ChannelName: channelName})
	f.mapped[project] = &store.ProjectChannel{Project: project, ChannelID: channelID, ChannelName: channelName}
	return nil
}

type fakeChatChannels struct {
	existingByName map[string]string
	createdChannel string
	memberIDs      []string
	categoryCalls  []string
	addedToCat     []string
}

func (f *fakeChatChannels) GetChannelByName(ctx context.Context, teamID, name string) (string, bool, error) {
	id, ok := f.existingByName[name]
	return id, ok, nil
}

func (f *fakeChatChannels) CreateChannel(ctx context.Context, teamID, name, displayName, purpose string) (string, error) {
	f.createdChannel = name
	return "new-channel-id", nil
}

func (f *fakeChatChannels) GetTeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	return f.memberIDs, nil
}

func (f *fakeChatChannels) EnsureSidebarCategory(ctx context.Context, userID, teamID, categoryName string) (string, error) {
	f.categoryCalls = append(f.categoryCalls, userID)
	return "cat-1", nil
}

func (f *fakeChatChannels) AddChannelToCategory(ctx context.Context, userID, teamID, categoryID, channelID string) error {
	f.addedToCat = append(f.addedToCat, userID+":"+channelID)
	return nil
}

func TestResolveProjectChannel_CreatesNewChannelAndMapping(t *testing.T) {
	chatChannels := &fakeChatChannels{existingByName: map[string]string{}, memberIDs: []string{"u1", "u2"}}
	chanStore := newFakeChannelStore()
	resolver := &ProjectChannelResolver{
		Chat:            chatChannels,
		Store:           chanStore,
		TeamID:          "team-1",
		ChannelCategory: "CLAUDE-SESSIONS",
		Log:             testLogger(),
	}

	channelID, channelName, ref, err := resolver.ResolveProjectChannel(context.Background(), "acme/widgets", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if channelID != "new-channel-id" {
		t.Errorf("got channel id %q", channelID)
	}
	if channelName != "widgets" {
		t.Errorf("got channel name %q", channelName)
	}
	if ref.FullName() != "acme/widgets" {
		t.Errorf("got ref %+v", ref)
	}
	if len(chanStore.created) != 1 {
		t.Fatalf("expected a persisted project/channel mapping, got %v", chanStore.created)
	}
	if len(chatChannels.addedToCat) != 2 {
		t.Errorf("expected sidebar sync for both team members, got %v", chatChannels.addedToCat)
	}
}

func TestResolveProjectChannel_ReusesExistingMapping(t *testing.T) {
	chatChannels := &fakeChatChannels{}
	chanStore := newFakeChannelStore()
	chanStore.mapped["acme/widgets"] = &store.ProjectChannel{Project: "acme/widgets", ChannelID: "existing-chan", ChannelName: "widgets"}
	resolver := &ProjectChannelResolver{
		Chat:            chatChannels,
		Store:           chanStore,
		TeamID:          "team-1",
		ChannelCategory: "CLAUDE-SESSIONS",
		Log:             testLogger(),
	}

	channelID, _, _, err := resolver.ResolveProjectChannel(context.Background(), "acme/widgets", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if channelID != "existing-chan" {
		t.Errorf("got channel id %q, expected reuse of existing mapping", channelID)
	}
	if chatChannels.createdChannel != "" {
		t.Errorf("expected no new channel creation, created %q", chatChannels.createdChannel)
	}
}

func TestResolveProjectChannel_InvalidInput(t *testing.T) {
	resolver := &ProjectChannelResolver{
		Chat:  &fakeChatChannels{},
		Store: newFakeChannelStore(),
		Log:   testLogger(),
	}

	_, _, _, err := resolver.ResolveProjectChannel(context.Background(), "not-a-valid-repo-ref-!!", "u1")
	if err == nil {
		t.Fatal("expected an error for malformed input")
	}
}

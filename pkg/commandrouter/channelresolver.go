package commandrouter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcttech/session-manager/pkg/chat"
	"github.com/jcttech/session-manager/pkg/reporef"
	"github.com/jcttech/session-manager/pkg/store"
)

// channelLookup is the subset of *store.Store the resolver needs.
type channelLookup interface {
	GetProjectChannel(ctx context.Context, project string) (*store.ProjectChannel, error)
	CreateProjectChannel(ctx context.Context, project, channelID, channelName string) error
}

// ChatChannels is the subset of *chat.Client the resolver needs to find or
// create a project's channel and keep its sidebar category current.
type ChatChannels interface {
	GetChannelByName(ctx context.Context, teamID, name string) (string, bool, error)
	CreateChannel(ctx context.Context, teamID, name, displayName, purpose string) (string, error)
	GetTeamMemberIDs(ctx context.Context, teamID string) ([]string, error)
	EnsureSidebarCategory(ctx context.Context, userID, teamID, categoryName string) (string, error)
	AddChannelToCategory(ctx context.Context, userID, teamID, categoryID, channelID string) error
}

// ProjectChannelResolver implements ChannelResolver, grounded on
// resolve_project_channel: parse the repo reference, find or create its
// channel, persist the mapping, and best-effort sync every team member's
// sidebar category.
type ProjectChannelResolver struct {
	Chat            ChatChannels
	Store           channelLookup
	TeamID          string
	ChannelCategory string
	DefaultOrg      string
	Log             *slog.Logger
}

func (p *ProjectChannelResolver) ResolveProjectChannel(ctx context.Context, projectInput, requestingUserID string) (string, string, reporef.Ref, error) {
	ref, ok := reporef.ParseWithDefaultOrg(projectInput, p.DefaultOrg)
	if !ok {
		return "", "", reporef.Ref{}, fmt.Errorf(
			"invalid repository format. Use: `org/repo`, `repo` (with default org), `org/repo@branch`, or add `--worktree`")
	}

	fullName := ref.FullName()
	channelName := chat.SanitizeChannelName(ref.Repo)

	channelID, err := p.findOrCreateChannel(ctx, fullName, channelName, ref.Repo)
	if err != nil {
		return "", "", reporef.Ref{}, err
	}

	p.syncSidebarCategories(ctx, channelID)
	return channelID, channelName, ref, nil
}

func (p *ProjectChannelResolver) findOrCreateChannel(ctx context.Context, fullName, channelName, repoName string) (string, error) {
	if pc, err := p.Store.GetProjectChannel(ctx, fullName); err == nil {
		return pc.ChannelID, nil
	} else if err != store.ErrNotFound {
		p.Log.Warn("failed to look up project channel mapping", "project", fullName, "error", err)
	}

	channelID, found, err := p.Chat.GetChannelByName(ctx, p.TeamID, channelName)
	if err != nil || !found {
		channelID, err = p.Chat.CreateChannel(ctx, p.TeamID, channelName, repoName, fmt.Sprintf("Claude sessions for %s", fullName))
		if err != nil {
			return "", fmt.Errorf("create project channel: %w", err)
		}
	}

	if err := p.Store.CreateProjectChannel(ctx, fullName, channelID, channelName); err != nil {
		p.Log.Warn("failed to persist project channel mapping", "project", fullName, "error", err)
	}
	return channelID, nil
}

// syncSidebarCategories adds channelID to every team member's configured
// sidebar category. Best-effort: a failure for one user is logged and
// skipped, never propagated.
func (p *ProjectChannelResolver) syncSidebarCategories(ctx context.Context, channelID string) {
	memberIDs, err := p.Chat.GetTeamMemberIDs(ctx, p.TeamID)
	if err != nil {
		p.Log.Debug("failed to list team members for sidebar sync", "error", err)
		return
	}

	for _, userID := range memberIDs {
		categoryID, err := p.Chat.EnsureSidebarCategory(ctx, userID, p.TeamID, p.ChannelCategory)
		if err != nil {
			p.Log.Debug("failed to ensure sidebar category", "user_id", userID, "error", err)
			continue
		}
		if err := p.Chat.AddChannelToCategory(ctx, userID, p.TeamID, categoryID, channelID); err != nil {
			p.Log.Debug("failed to add channel to sidebar category", "user_id", userID, "error", err)
		}
	}
}

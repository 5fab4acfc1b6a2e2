package chat

import (
	"context"
	"fmt"
	"net/http"
)

type channelResponse struct {
	ID string `json:"id"`
}

// CreateChannel creates a public channel in a team and returns its ID.
func (c *Client) CreateChannel(ctx context.Context, teamID, name, displayName, purpose string) (string, error) {
	body := map[string]interface{}{
		"team_id":      teamID,
		"name":         name,
		"display_name": displayName,
		"purpose":      purpose,
		"type":         "O",
	}
	var resp channelResponse
	if err := c.doJSON(ctx, http.MethodPost, "/channels", body, &resp); err != nil {
		return "", fmt.Errorf("create channel %q: %w", name, err)
	}
	return resp.ID, nil
}

// GetChannelByName looks up a channel by name within a team, returning
// ("", false, nil) if no such channel exists.
func (c *Client) GetChannelByName(ctx context.Context, teamID, name string) (string, bool, error) {
	var resp channelResponse
	status, err := c.doJSONStatus(ctx, http.MethodGet, fmt.Sprintf("/teams/%s/channels/name/%s", teamID, name), nil, &resp)
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get channel %q: %w", name, err)
	}
	return resp.ID, true, nil
}

type teamMember struct {
	UserID string `json:"user_id"`
}

// GetTeamMemberIDs returns every user ID on a team, paginating
// automatically.
func (c *Client) GetTeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	const perPage = 200
	var ids []string

	for page := 0; ; page++ {
		var members []teamMember
		path := fmt.Sprintf("/teams/%s/members?page=%d&per_page=%d", teamID, page, perPage)
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &members); err != nil {
			return nil, fmt.Errorf("get team members: %w", err)
		}
		for _, m := range members {
			ids = append(ids, m.UserID)
		}
		if len(members) < perPage {
			break
		}
	}
	return ids, nil
}

type sidebarCategory struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	ChannelIDs  []string `json:"channel_ids"`
}

type sidebarCategoriesResponse struct {
	Categories []sidebarCategory `json:"categories"`
}

// EnsureSidebarCategory returns the ID of a user's sidebar category named
// categoryName, creating it if it doesn't already exist.
func (c *Client) EnsureSidebarCategory(ctx context.Context, userID, teamID, categoryName string) (string, error) {
	var existing sidebarCategoriesResponse
	path := fmt.Sprintf("/users/%s/teams/%s/channels/categories", userID, teamID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &existing); err == nil {
		for _, cat := range existing.Categories {
			if cat.DisplayName == categoryName {
				return cat.ID, nil
			}
		}
	}

	body := map[string]interface{}{
		"user_id":      userID,
		"team_id":      teamID,
		"display_name": categoryName,
		"type":         "custom",
		"channel_ids":  []string{},
	}
	var created sidebarCategory
	if err := c.doJSON(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", fmt.Errorf("create sidebar category %q: %w", categoryName, err)
	}
	return created.ID, nil
}

// AddChannelToCategory adds a channel to a user's sidebar category,
// preserving any channels already in it. A no-op if the channel is
// already present.
func (c *Client) AddChannelToCategory(ctx context.Context, userID, teamID, categoryID, channelID string) error {
	path := fmt.Sprintf("/users/%s/teams/%s/channels/categories/%s", userID, teamID, categoryID)

	var cat sidebarCategory
	var channelIDs []string
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &cat); err == nil {
		channelIDs = cat.ChannelIDs
	}

	for _, id := range channelIDs {
		if id == channelID {
			return nil
		}
	}
	channelIDs = append(channelIDs, channelID)

	body := map[string]interface{}{"id": categoryID, "channel_ids": channelIDs}
	if err := c.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("add channel to category %q: %w", categoryID, err)
	}
	return nil
}

// FollowThread subscribes a user to a thread's notifications.
func (c *Client) FollowThread(ctx context.Context, userID, threadID string) error {
	path := fmt.Sprintf("/users/%s/threads/%s/following", userID, threadID)
	if err := c.doJSON(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("follow thread %q: %w", threadID, err)
	}
	return nil
}

// UnfollowThread unsubscribes a user from a thread's notifications.
func (c *Client) UnfollowThread(ctx context.Context, userID, threadID string) error {
	path := fmt.Sprintf("/users/%s/threads/%s/following", userID, threadID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("unfollow thread %q: %w", threadID, err)
	}
	return nil
}

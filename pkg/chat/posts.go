package chat

import "context"

type postRequest struct {
	ChannelID string      `json:"channel_id"`
	Message   string      `json:"message"`
	RootID    string      `json:"root_id,omitempty"`
	Props     interface{} `json:"props,omitempty"`
}

type postResponse struct {
	ID string `json:"id"`
}

// Post sends a top-level message to a channel and returns the new post's
// ID.
func (c *Client) Post(ctx context.Context, channelID, message string) (string, error) {
	var resp postResponse
	err := c.doJSON(ctx, "POST", "/posts", postRequest{ChannelID: channelID, Message: message}, &resp)
	return resp.ID, err
}

// PostRoot posts a message that becomes a thread's anchor; identical to
// Post but named for call-site clarity.
func (c *Client) PostRoot(ctx context.Context, channelID, message string) (string, error) {
	return c.Post(ctx, channelID, message)
}

// PostInThread replies within an existing thread and returns the new
// post's ID.
func (c *Client) PostInThread(ctx context.Context, channelID, rootID, message string) (string, error) {
	var resp postResponse
	err := c.doJSON(ctx, "POST", "/posts", postRequest{ChannelID: channelID, Message: message, RootID: rootID}, &resp)
	return resp.ID, err
}

// PostWithProps replies within a thread carrying custom props, e.g.
// interactive approve/deny attachments.
func (c *Client) PostWithProps(ctx context.Context, channelID, rootID, message string, props interface{}) (string, error) {
	var resp postResponse
	err := c.doJSON(ctx, "POST", "/posts", postRequest{ChannelID: channelID, Message: message, RootID: rootID, Props: props}, &resp)
	return resp.ID, err
}

// UpdatePost replaces a post's message text and clears its attachments.
func (c *Client) UpdatePost(ctx context.Context, postID, message string) error {
	body := map[string]interface{}{
		"id":      postID,
		"message": message,
		"props":   map[string]interface{}{"attachments": []interface{}{}},
	}
	return c.doJSON(ctx, "PUT", "/posts/"+postID, body, nil)
}

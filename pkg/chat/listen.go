package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/coder/websocket"
)

const (
	initialBackoff    = 1 * time.Second
	maxBackoff        = 60 * time.Second
	backoffMultiplier = 2
)

// Listen connects to the WebSocket event feed and delivers every "posted"
// event not authored by the bot itself to out, reconnecting with
// exponential backoff and jitter on disconnect. Blocks until ctx is
// cancelled.
func (c *Client) Listen(ctx context.Context, out chan<- Post) error {
	backoff := initialBackoff
	var consecutiveFailures int

	for {
		if ctx.Err() != nil {
			return nil
		}

		connectedSuccessfully, err := c.connectAndListen(ctx, out)
		if err == nil {
			if !connectedSuccessfully {
				c.log.Info("websocket connection closed normally")
				return nil
			}
			backoff = initialBackoff
			consecutiveFailures = 0
			c.log.Info("websocket connection closed, reconnecting immediately")
			continue
		}

		if connectedSuccessfully {
			backoff = initialBackoff
			consecutiveFailures = 0
		}
		consecutiveFailures++
		jitter :=time.Duration(rand.Int63n(int64(backoff) / 4 + 1))
		delay := backoff + jitter

		c.log.Warn("websocket disconnected, reconnecting after backoff",
			"error", err, "backoff", backoff, "jitter", jitter, "consecutive_failures", consecutiveFailures)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		backoff *= backoffMultiplier
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// wsEnvelope is the subset of a Mattermost WebSocket event this adapter
// cares about: the "posted" event, whose "post" field is itself a
// JSON-encoded string rather than a nested object.
type wsEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Post string `json:"post"`
	} `json:"data"`
}

// connectAndListen dials the WebSocket endpoint, authenticates, and reads
// events until the connection closes. Returns true if at least one
// message was received before the disconnect (used by Listen to decide
// whether to reset its backoff).
func (c *Client) connectAndListen(ctx context.Context, out chan<- Post) (bool, error) {
	c.log.Info("connecting to chat websocket")

	conn, _, err := websocket.Dial(ctx, c.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	auth, _ := json.Marshal(map[string]interface{}{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": c.token},
	})
	if err := conn.Write(ctx, websocket.MessageText, auth); err != nil {
		return false, fmt.Errorf("send auth challenge: %w", err)
	}
	c.log.Info("websocket connected and authenticated")

	received := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return received, err
		}
		received = true

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Event != "posted" || env.Data.Post == "" {
			continue
		}

		var post Post
		if err := json.Unmarshal([]byte(env.Data.Post), &post); err != nil {
			continue
		}
		if post.UserID == c.BotUserID {
			continue
		}

		select {
		case out <- post:
		default:
			c.log.Warn("message handler channel full, dropping message to prevent backpressure")
		}
	}
}

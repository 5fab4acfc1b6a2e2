// Package workerclient talks to a devcontainer's Agent SDK worker sidecar
// over gRPC, mapping its event stream onto outputpipeline.Event.
package workerclient

import (
	"context"
	"fmt"
	"io"
	"time"

	agentworker "github.com/jcttech/session-manager/proto/agentworker"
	"github.com/jcttech/session-manager/pkg/outputpipeline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// connectTimeout bounds the initial dial; callTimeout bounds any single
// RPC once connected (generous, since Execute/SendMessage streams can run
// for the length of an entire agent turn).
const (
	connectTimeout = 5 * time.Second
	callTimeout    = 10 * time.Minute
)

// Client is a gRPC connection to one worker sidecar.
type Client struct {
	conn   *grpc.ClientConn
	client agentworker.AgentWorkerClient
}

// Connect dials a worker at addr (e.g. "dns:///localhost:50051").
func Connect(ctx context.Context, addr string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to worker at %s: %w", addr, err)
	}

	return &Client{conn: conn, client: agentworker.NewAgentWorkerClient(conn)}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute runs a new prompt as the first message of a session, streaming
// events to out, and returns the session ID captured from the worker's
// SessionInit event (if any).
func (c *Client) Execute(ctx context.Context, prompt, systemPromptAppend, permissionMode string, env map[string]string, out chan<- outputpipeline.Event) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	stream, err := c.client.Execute(ctx, &agentworker.ExecuteRequest{
		Prompt:             prompt,
		PermissionMode:     permissionMode,
		Env:                env,
		SystemPromptAppend: systemPromptAppend,
	})
	if err != nil {
		return "", fmt.Errorf("execute rpc: %w", err)
	}
	return processEventStream(ctx, stream, out)
}

// SendMessage sends a follow-up prompt to an existing session, streaming
// events to out.
func (c *Client) SendMessage(ctx context.Context, sessionID, prompt string, out chan<- outputpipeline.Event) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	stream, err := c.client.SendMessage(ctx, &agentworker.SendMessageRequest{
		SessionId: sessionID,
		Prompt:    prompt,
	})
	if err != nil {
		return "", fmt.Errorf("send_message rpc: %w", err)
	}
	return processEventStream(ctx, stream, out)
}

// Interrupt cancels a session's current turn.
func (c *Client) Interrupt(ctx context.Context, sessionID string) (bool, error) {
	resp, err := c.client.Interrupt(ctx, &agentworker.InterruptRequest{SessionId: sessionID})
	if err != nil {
		return false, fmt.Errorf("interrupt rpc: %w", err)
	}
	return resp.Success, nil
}

// Health reports worker readiness and version.
func (c *Client) Health(ctx context.Context) (bool, string, error) {
	resp, err := c.client.Health(ctx, &agentworker.HealthRequest{})
	if err != nil {
		return false, "", fmt.Errorf("health rpc: %w", err)
	}
	return resp.Ready, resp.WorkerVersion, nil
}

// eventStream is satisfied by the generated Execute/SendMessage response
// stream types.
type eventStream interface {
	Recv() (*agentworker.AgentEvent, error)
}

func processEventStream(ctx context.Context, stream eventStream, out chan<- outputpipeline.Event) (string, error) {
	var sessionID string
	var buf outputpipeline.LineBuffer

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			return sessionID, nil
		}
		if err != nil {
			return sessionID, fmt.Errorf("event stream: %w", err)
		}

		switch e := event.Event.(type) {
		case *agentworker.AgentEvent_SessionInit:
			sessionID = e.SessionInit.SessionId

		case *agentworker.AgentEvent_Text:
			if e.Text.IsPartial {
				continue
			}
			for _, line := range buf.Feed(e.Text.Text) {
				if !sendEvent(ctx, out, outputpipeline.TextLine{Line: line}) {
					return sessionID, nil
				}
			}

		case *agentworker.AgentEvent_ToolUse:
			action := outputpipeline.FormatToolAction(e.ToolUse.ToolName, e.ToolUse.InputJson)
			if !sendEvent(ctx, out, outputpipeline.ToolAction{Action: action}) {
				return sessionID, nil
			}

		case *agentworker.AgentEvent_ToolResult:
			// Tool results are informational; not surfaced to chat.

		case *agentworker.AgentEvent_Subagent:
			// Subagent lifecycle events are dropped here: they are neither
			// surfaced as chat events nor logged.

		case *agentworker.AgentEvent_Result:
			sendEvent(ctx, out, outputpipeline.ProcessingStarted{InputTokens: e.Result.InputTokens})
			if e.Result.IsError {
				exitCode := 1
				sendEvent(ctx, out, outputpipeline.ProcessDied{ExitCode: &exitCode})
			} else {
				sendEvent(ctx, out, outputpipeline.ResponseComplete{
					InputTokens:  e.Result.InputTokens,
					OutputTokens: e.Result.OutputTokens,
				})
			}

		case *agentworker.AgentEvent_Error:
			signal := fmt.Sprintf("%s: %s", e.Error.ErrorType, e.Error.Message)
			exitCode := 1
			sendEvent(ctx, out, outputpipeline.ProcessDied{ExitCode: &exitCode, Signal: &signal})
		}
	}
}

// sendEvent delivers e to out, returning false if ctx was cancelled first
// so the caller can stop draining the stream.
func sendEvent(ctx context.Context, out chan<- outputpipeline.Event, e outputpipeline.Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitForHealth polls a worker's health endpoint until it reports ready
// or maxRetries is exhausted.
func WaitForHealth(ctx context.Context, addr string, maxRetries int, retryInterval time.Duration) error {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ready := tryHealth(ctx, addr); ready {
			return nil
		}
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryInterval):
			}
		}
	}
	return fmt.Errorf("worker at %s failed health check after %d attempts", addr, maxRetries)
}

func tryHealth(ctx context.Context, addr string) bool {
	c, err := Connect(ctx, addr)
	if err != nil {
		return false
	}
	defer c.Close()

	ready, _, err := c.Health(ctx)
	return err == nil && ready
}

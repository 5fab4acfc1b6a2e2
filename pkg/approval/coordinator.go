// Package approval signs and verifies network-access approval actions
// and drives the request/approve/deny flow for domains an agent session
// wants outbound access to.
package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcttech/session-manager/pkg/metrics"
)

// PendingRequest is a network-access request awaiting an approve/deny
// decision.
type PendingRequest struct {
	RequestID string
	ChannelID string
	ThreadID  string
	SessionID string
	Domain    string
	PostID    string
}

// Store persists pending requests and their resolution log. Satisfied by
// the durable store package.
type Store interface {
	GetPendingRequestByDomainAndSession(ctx context.Context, domain, sessionID string) (PendingRequest, bool, error)
	CreatePendingRequest(ctx context.Context, req PendingRequest) error
	GetPendingRequest(ctx context.Context, requestID string) (PendingRequest, bool, error)
	DeletePendingRequest(ctx context.Context, requestID string) error
	LogApproval(ctx context.Context, requestID, domain, action, userName string) error
}

// Poster posts and edits the Mattermost thread message carrying the
// approve/deny buttons.
type Poster interface {
	PostWithProps(ctx context.Context, channelID, threadID, message string, props any) (string, error)
	UpdatePost(ctx context.Context, postID, message string) error
}

// SessionNotifier forwards a marker string to a running session's
// worker, e.g. "[NETWORK_APPROVED: domain]".
type SessionNotifier interface {
	Send(ctx context.Context, sessionID, text string) error
}

// FirewallAdder adds an approved domain to the outbound allow-list.
type FirewallAdder interface {
	AddDomain(ctx context.Context, domain string) (bool, error)
}

// Config carries the signing secret, the externally reachable callback
// URL embedded in approve/deny button payloads, and the optional
// approver allow-list.
type Config struct {
	CallbackSecret   string
	CallbackURL      string
	AllowedApprovers []string
}

// Coordinator runs the request/approve/deny flow.
type Coordinator struct {
	store    Store
	poster   Poster
	sessions SessionNotifier
	firewall FirewallAdder
	cfg      Config
	log      *slog.Logger
	newUUID  func() string
}

// New builds a Coordinator. newUUID generates request IDs (injected so
// tests can supply deterministic IDs).
func New(store Store, poster Poster, sessions SessionNotifier, firewall FirewallAdder, cfg Config, log *slog.Logger, newUUID func() string) *Coordinator {
	return &Coordinator{store: store, poster: poster, sessions: sessions, firewall: firewall, cfg: cfg, log: log, newUUID: newUUID}
}

// RequestNetworkAccess posts an approve/deny prompt for domain in the
// session's thread, deduplicating against any already-pending request
// for the same domain and session.
func (c *Coordinator) RequestNetworkAccess(ctx context.Context, channelID, threadID, sessionID, domain string) error {
	metrics.NetworkRequests.Inc()

	if _, found, err := c.store.GetPendingRequestByDomainAndSession(ctx, domain, sessionID); err != nil {
		c.logWarn("check for duplicate pending request", err)
	} else if found {
		metrics.NetworkRequestsDeduplicated.Inc()
		return nil
	}

	requestID := c.newUUID()
	approveSig := Sign(c.cfg.CallbackSecret, requestID, "approve")
	denySig := Sign(c.cfg.CallbackSecret, requestID, "deny")

	props := map[string]any{
		"attachments": []any{
			map[string]any{
				"color": "#FFA500",
				"text":  fmt.Sprintf("**Network Request:** `%s`", domain),
				"actions": []any{
					approvalAction("approve", "Approve", c.cfg.CallbackURL, requestID, approveSig),
					approvalAction("deny", "Deny", c.cfg.CallbackURL, requestID, denySig),
				},
			},
		},
	}

	postID, err := c.poster.PostWithProps(ctx, channelID, threadID, "", props)
	if err != nil {
		return fmt.Errorf("post approval prompt: %w", err)
	}

	if err := c.store.CreatePendingRequest(ctx, PendingRequest{
		RequestID: requestID,
		ChannelID: channelID,
		ThreadID:  threadID,
		SessionID: sessionID,
		Domain:    domain,
		PostID:    postID,
	}); err != nil {
		c.logWarn("persist pending request", err)
	}
	return nil
}

func approvalAction(id, name, callbackURL, requestID, signature string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": name,
		"integration": map[string]any{
			"url": callbackURL,
			"context": map[string]any{
				"action":     id,
				"request_id": requestID,
				"signature":  signature,
			},
		},
	}
}

// CallbackResult is what the HTTP callback handler renders back to
// Mattermost as the integration response.
type CallbackResult struct {
	EphemeralText string // shown only to the clicking user; "" means none
}

// HandleCallback verifies the approver, the signature, and the pending
// request, then applies an approve/deny decision.
func (c *Coordinator) HandleCallback(ctx context.Context, requestID, action, signature, userName string) CallbackResult {
	if len(c.cfg.AllowedApprovers) > 0 && !contains(c.cfg.AllowedApprovers, userName) {
		c.log.Warn("unauthorized approval attempt", "user", userName, "request_id", requestID)
		return CallbackResult{EphemeralText: "You are not authorized to approve or deny requests."}
	}

	if !Verify(c.cfg.CallbackSecret, requestID, action, signature) {
		c.log.Warn("invalid callback signature", "request_id", requestID, "action", action, "user", userName)
		return CallbackResult{EphemeralText: "Invalid signature. Request rejected."}
	}

	req, found, err := c.store.GetPendingRequest(ctx, requestID)
	if err != nil {
		c.log.Error("load pending request", "error", err)
		return CallbackResult{EphemeralText: "Internal error."}
	}
	if !found {
		return CallbackResult{EphemeralText: "Request expired or already processed."}
	}

	if action == "approve" {
		if _, err := c.firewall.AddDomain(ctx, req.Domain); err != nil {
			c.log.Error("add domain to firewall, request not approved", "request_id", requestID, "domain", req.Domain, "error", err)
			return CallbackResult{EphemeralText: fmt.Sprintf("Failed to add domain to firewall: %v. Please try again.", err)}
		}
		c.resolve(ctx, req, action, userName, fmt.Sprintf("`%s` approved by @%s", req.Domain, userName), fmt.Sprintf("[NETWORK_APPROVED: %s]", req.Domain))
	} else {
		c.resolve(ctx, req, action, userName, fmt.Sprintf("`%s` denied by @%s", req.Domain, userName), fmt.Sprintf("[NETWORK_DENIED: %s]", req.Domain))
	}

	return CallbackResult{}
}

func (c *Coordinator) resolve(ctx context.Context, req PendingRequest, action, userName, postMessage, sessionMarker string) {
	metrics.Approvals.WithLabelValues(action).Inc()
	if err := c.store.DeletePendingRequest(ctx, req.RequestID); err != nil {
		c.logWarn("delete pending request", err)
	}
	if err := c.store.LogApproval(ctx, req.RequestID, req.Domain, action, userName); err != nil {
		c.logWarn("log approval decision", err)
	}
	if err := c.poster.UpdatePost(ctx, req.PostID, postMessage); err != nil {
		c.logWarn("update approval post", err)
	}
	if err := c.sessions.Send(ctx, req.SessionID, sessionMarker); err != nil {
		c.logWarn("notify session of decision", err)
	}
}

func (c *Coordinator) logWarn(action string, err error) {
	if c.log == nil {
		return
	}
	c.log.Warn("approval: "+action+" failed", "error", err)
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

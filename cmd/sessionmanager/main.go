// Command sessionmanager is the chat-driven Claude Code session manager:
// it listens for Mattermost posts, spins up per-repo devcontainers running
// an Agent SDK worker sidecar, and streams each session's output back into
// its thread.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"al.essio.dev/pkg/shellescape"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/google/uuid"

	"github.com/jcttech/session-manager/pkg/approval"
	"github.com/jcttech/session-manager/pkg/chat"
	"github.com/jcttech/session-manager/pkg/commandrouter"
	"github.com/jcttech/session-manager/pkg/config"
	"github.com/jcttech/session-manager/pkg/containerregistry"
	"github.com/jcttech/session-manager/pkg/firewall"
	"github.com/jcttech/session-manager/pkg/gitmanager"
	"github.com/jcttech/session-manager/pkg/idlemonitor"
	"github.com/jcttech/session-manager/pkg/liveness"
	"github.com/jcttech/session-manager/pkg/metrics"
	"github.com/jcttech/session-manager/pkg/ratelimit"
	"github.com/jcttech/session-manager/pkg/remoteexec"
	"github.com/jcttech/session-manager/pkg/sessioncore"
	"github.com/jcttech/session-manager/pkg/store"
	"github.com/jcttech/session-manager/pkg/workerclient"
)

func main() {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, nil)
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, store.Config{DatabaseURL: cfg.DatabaseURL, PoolSize: cfg.DatabasePoolSize}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	registry := containerregistry.New()
	if err := registry.SyncFromDB(ctx, db); err != nil {
		log.Warn("container registry recovery failed", "error", err)
	}

	chatClient, err := chat.New(ctx, cfg.MattermostURL, cfg.MattermostToken)
	if err != nil {
		return fmt.Errorf("connect to chat: %w", err)
	}

	vmRun, err := remoteexec.New(remoteexec.Config{
		Host:    cfg.VMHost,
		User:    cfg.VMUser,
		KeyPEM:  cfg.VMSSHKey,
		KeyPath: cfg.VMSSHKeyPath,
		Timeout: cfg.SSHTimeout(),
	})
	if err != nil {
		return fmt.Errorf("build remote executor: %w", err)
	}

	git := gitmanager.New(vmRun, gitmanager.Config{
		ReposBasePath: cfg.ReposBasePath,
		WorktreesPath: cfg.WorktreesPath,
		AutoPull:      cfg.AutoPull,
	})

	containers := sessioncore.NewContainerBuilder(vmRun, registry, db, sessioncore.ContainerConfig{
		Image:               cfg.ContainerImage,
		Network:             cfg.ContainerNetwork,
		ContainerRuntime:    cfg.ContainerRuntime,
		VMHost:              cfg.VMHost,
		DevcontainerTimeout: cfg.DevcontainerTimeout(),
		GRPCPortStart:       cfg.GRPCPortStart,
	})

	fw := firewall.New(firewall.Config{
		BaseURL:   cfg.OpnsenseURL,
		Key:       cfg.OpnsenseKey,
		Secret:    cfg.OpnsenseSecret,
		Alias:     cfg.OpnsenseAlias,
		VerifyTLS: cfg.OpnsenseVerifyTLS,
		Timeout:   cfg.OpnsenseTimeout(),
	})

	liveSessions := liveness.New()

	// approvalCoordinator is filled in once Session Core exists (it needs
	// a SessionNotifier backed by *sessioncore.Core); the marker handler
	// closure reads it indirectly so it can be wired into Core's Config
	// up front.
	var approvalCoordinator *approval.Coordinator

	core := sessioncore.New(sessioncore.Config{
		Store:      db,
		Chat:       chatClient,
		Git:        git,
		Containers: containers,
		Registry:   registry,
		Liveness:   liveSessions,
		Dial: func(ctx context.Context, addr string) (sessioncore.Worker, error) {
			return workerclient.Connect(ctx, addr)
		},
		Marker:         newNetworkRequestMarkerHandler(&approvalCoordinator, log),
		Log:            log,
		PermissionMode: "acceptEdits",
		EnvVars:        map[string]string{},
	})

	approvalCoordinator = approval.New(
		approval.StoreAdapter{Store: db},
		chatClient,
		sessionSender{core: core},
		fw,
		approval.Config{
			CallbackSecret:   cfg.CallbackSecret,
			CallbackURL:      cfg.CallbackURL,
			AllowedApprovers: cfg.AllowedApprovers,
		},
		log,
		newRequestID,
	)

	channels := &commandrouter.ProjectChannelResolver{
		Chat:            chatClient,
		Store:           db,
		TeamID:          cfg.MattermostTeamID,
		ChannelCategory: cfg.ChannelCategory,
		DefaultOrg:      cfg.DefaultOrg,
		Log:             log,
	}

	router := commandrouter.New(commandrouter.Config{
		Chat:                         chatClient,
		Channels:                     channels,
		Sessions:                     core,
		Store:                        db,
		BotTrigger:                   cfg.BotTrigger,
		OrchestratorCompactThreshold: cfg.OrchestratorCompactThresh,
		Log:                          log,
	})

	idle := idlemonitor.New(registry, db, containerRemover{run: vmRun, runtime: cfg.ContainerRuntime}, cfg.ContainerIdleTimeout(), log)

	rateLimiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)

	e := echo.New()
	e.Use(rateLimiter.Middleware())
	e.GET("/health", func(c *echo.Context) error {
		status, err := db.Health(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, status)
		}
		return c.JSON(http.StatusOK, status)
	})
	e.POST("/callback", func(c *echo.Context) error {
		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.CallbackDuration)

		var body callbackRequest
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed callback body"})
		}
		result := approvalCoordinator.HandleCallback(
			c.Request().Context(),
			body.Context.RequestID,
			body.Context.Action,
			body.Context.Signature,
			body.UserName,
		)
		return c.JSON(http.StatusOK, callbackResponse{EphemeralText: result.EphemeralText})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: e}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server exited", "error", err)
		}
	}()

	go idle.Run(ctx)
	go runStaleRequestSweep(ctx, db, log)
	go runLivenessWatch(ctx, liveSessions, chatClient, cfg.SessionLivenessTimeout(), log)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup()
			}
		}
	}()

	posts := make(chan chat.Post, 64)
	go func() {
		if err := chatClient.Listen(ctx, posts); err != nil {
			log.Error("chat listener exited", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
			return nil
		case post := <-posts:
			go router.Handle(context.Background(), post)
		}
	}
}

var networkRequestMarker = regexp.MustCompile(`\[NETWORK_REQUEST:\s*([^\]]+)\]`)

// newNetworkRequestMarkerHandler returns a MarkerHandler that intercepts
// "[NETWORK_REQUEST: domain]" lines and routes them to the Approval
// Coordinator, grounded on main.rs's NETWORK_REQUEST_RE/
// handle_network_request pairing. coordinator is a pointer-to-pointer
// since the Coordinator itself depends on Session Core, which in turn
// needs this handler at construction time.
func newNetworkRequestMarkerHandler(coordinator **approval.Coordinator, log *slog.Logger) func(ctx context.Context, line string) bool {
	return func(ctx context.Context, line string) bool {
		m := networkRequestMarker.FindStringSubmatch(line)
		if m == nil {
			return false
		}
		domain := strings.TrimSpace(m[1])
		info, ok := sessioncore.MarkerInfoFromContext(ctx)
		if !ok || *coordinator == nil {
			return false
		}
		timer := metrics.NewTimer()
		err := (*coordinator).RequestNetworkAccess(ctx, info.ChannelID, info.ThreadID, info.SessionID, domain)
		timer.ObserveDuration(metrics.NetworkRequestDuration)
		if err != nil {
			log.Warn("network access request failed", "session_id", info.SessionID, "domain", domain, "error", err)
		}
		return true
	}
}

// callbackRequest mirrors the JSON body Mattermost POSTs when a user clicks
// an approve/deny button on an interactive card's integration.
type callbackRequest struct {
	Context struct {
		Action    string `json:"action"`
		RequestID string `json:"request_id"`
		Signature string `json:"signature"`
	} `json:"context"`
	UserName string `json:"user_name"`
}

// callbackResponse is the integration response body Mattermost renders
// back to the clicking user.
type callbackResponse struct {
	EphemeralText string `json:"ephemeral_text,omitempty"`
}

// sessionSender adapts Session Core's SendMessage to the name the Approval
// Coordinator's SessionNotifier interface expects.
type sessionSender struct {
	core *sessioncore.Core
}

func (s sessionSender) Send(ctx context.Context, sessionID, text string) error {
	return s.core.SendMessage(ctx, sessionID, text)
}

// containerRemover adapts the Remote-Exec Adapter to the Idle Monitor's
// Remover interface.
type containerRemover struct {
	run     *remoteexec.Executor
	runtime string
}

func (r containerRemover) RemoveContainer(ctx context.Context, containerName string) error {
	_, err := r.run.Run(ctx, fmt.Sprintf("%s rm -f %s", r.runtime, shellescape.Quote(containerName)))
	return err
}

func newRequestID() string {
	return uuid.New().String()
}

// runStaleRequestSweep periodically discards pending network-access
// requests nobody resolved, mirroring the Rust original's sweep loop.
func runStaleRequestSweep(ctx context.Context, db *store.Store, log *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupStaleRequests(ctx, 24)
			if err != nil {
				log.Warn("stale request sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("swept stale pending requests", "count", n)
			}
		}
	}
}

// runLivenessWatch posts a one-time warning into a session's thread once
// it has gone quiet for timeout, matching liveness.rs's warning semantics.
func runLivenessWatch(ctx context.Context, state *liveness.State, poster commandrouter.Poster, timeout time.Duration, log *slog.Logger) {
	if timeout <= 0 {
		return
	}
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stale := range state.GetStale(timeout) {
				msg := fmt.Sprintf(":warning: No output for %s — the session may be stuck.", stale.IdleDuration.Round(time.Second))
				if _, err := poster.PostInThread(ctx, stale.ChannelID, stale.ThreadID, msg); err != nil {
					log.Warn("liveness warning post failed", "session_id", stale.SessionID, "error", err)
					continue
				}
				state.MarkWarned(stale.SessionID)
			}
		}
	}
}

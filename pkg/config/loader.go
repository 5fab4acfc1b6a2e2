package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds a Settings from the process environment: it loads a local
// .env file if present (non-fatal if missing), reads every SM_-prefixed
// variable, merges the result over the built-in defaults, applies an
// optional static YAML overlay, and validates required fields.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := fromEnv()

	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("merge default settings: %w", err)
	}
	// mergo treats an explicit 0 or false as unset and replaces it with the
	// default; restore the settings where that value means "off".
	if !envBool("SM_OPNSENSE_VERIFY_TLS", true) {
		cfg.OpnsenseVerifyTLS = false
	}
	if os.Getenv("SM_ORCHESTRATOR_COMPACT_THRESHOLD") == "0" {
		cfg.OrchestratorCompactThresh = 0
	}
	if os.Getenv("SM_CONTAINER_IDLE_TIMEOUT_SECS") == "0" {
		cfg.ContainerIdleTimeoutSecs = 0
	}
	if os.Getenv("SM_SESSION_LIVENESS_TIMEOUT_SECS") == "0" {
		cfg.SessionLivenessTimeoutSecs = 0
	}

	if overridePath := os.Getenv("SM_CONFIG_FILE"); overridePath != "" {
		if err := applyYAMLOverlay(&cfg, overridePath); err != nil {
			return nil, fmt.Errorf("apply config overlay %s: %w", overridePath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// fromEnv reads every SM_* environment variable into a Settings. Unset
// fields are left at the zero value; Load merges defaults over them
// afterward.
func fromEnv() Settings {
	var s Settings

	s.MattermostURL = os.Getenv("SM_MATTERMOST_URL")
	s.MattermostToken = os.Getenv("SM_MATTERMOST_TOKEN")
	s.MattermostTeamID = os.Getenv("SM_MATTERMOST_TEAM_ID")
	s.ChannelCategory = os.Getenv("SM_CHANNEL_CATEGORY")
	s.DefaultOrg = os.Getenv("SM_DEFAULT_ORG")

	s.VMHost = os.Getenv("SM_VM_HOST")
	s.VMUser = os.Getenv("SM_VM_USER")
	s.VMSSHKey = os.Getenv("SM_VM_SSH_KEY")
	s.VMSSHKeyPath = os.Getenv("SM_VM_SSH_KEY_PATH")

	s.ContainerRuntime = os.Getenv("SM_CONTAINER_RUNTIME")
	s.ContainerImage = os.Getenv("SM_CONTAINER_IMAGE")
	s.ContainerNetwork = os.Getenv("SM_CONTAINER_NETWORK")
	s.DevcontainerTimeoutSecs = envInt64("SM_DEVCONTAINER_TIMEOUT_SECS")
	s.OrchestratorCompactThresh = int32(envInt64("SM_ORCHESTRATOR_COMPACT_THRESHOLD"))

	s.OpnsenseURL = os.Getenv("SM_OPNSENSE_URL")
	s.OpnsenseKey = os.Getenv("SM_OPNSENSE_KEY")
	s.OpnsenseSecret = os.Getenv("SM_OPNSENSE_SECRET")
	s.OpnsenseAlias = os.Getenv("SM_OPNSENSE_ALIAS")
	s.OpnsenseVerifyTLS = envBool("SM_OPNSENSE_VERIFY_TLS", true)
	s.OpnsenseTimeoutSecs = envInt64("SM_OPNSENSE_TIMEOUT_SECS")

	s.ReposBasePath = os.Getenv("SM_REPOS_BASE_PATH")
	s.WorktreesPath = os.Getenv("SM_WORKTREES_PATH")
	s.AutoPull = envBool("SM_AUTO_PULL", false)

	s.CallbackURL = os.Getenv("SM_CALLBACK_URL")
	s.ListenAddr = os.Getenv("SM_LISTEN_ADDR")
	s.BotTrigger = os.Getenv("SM_BOT_TRIGGER")

	s.CallbackSecret = os.Getenv("SM_CALLBACK_SECRET")

	s.DatabaseURL = os.Getenv("SM_DATABASE_URL")
	s.DatabasePoolSize = int32(envInt64("SM_DATABASE_POOL_SIZE"))

	s.SSHTimeoutSecs = envInt64("SM_SSH_TIMEOUT_SECS")

	s.RateLimitRPS = uint64(envInt64("SM_RATE_LIMIT_RPS"))
	s.RateLimitBurst = uint32(envInt64("SM_RATE_LIMIT_BURST"))

	if v := os.Getenv("SM_ALLOWED_APPROVERS"); v != "" {
		s.AllowedApprovers = splitCSV(v)
	}

	s.ContainerMaxSessions = int32(envInt64("SM_CONTAINER_MAX_SESSIONS"))
	s.ContainerIdleTimeoutSecs = envInt64("SM_CONTAINER_IDLE_TIMEOUT_SECS")
	s.SessionLivenessTimeoutSecs = envInt64("SM_SESSION_LIVENESS_TIMEOUT_SECS")

	s.GRPCPortStart = uint16(envInt64("SM_GRPC_PORT_START"))

	return s
}

func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("ignoring invalid integer env var", "key", key, "value", v)
		return 0
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring invalid boolean env var", "key", key, "value", v)
		return fallback
	}
	return b
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// configOverlay is the shape of the optional static YAML file, holding only
// the settings that legitimately benefit from file-based (rather than
// per-process env-var) configuration: the deprecated project map and a
// couple of cosmetic defaults.
type configOverlay struct {
	ChannelCategory string            `yaml:"channel_category,omitempty"`
	BotTrigger      string            `yaml:"bot_trigger,omitempty"`
	Projects        map[string]string `yaml:"projects,omitempty"`
}

func applyYAMLOverlay(cfg *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var overlay configOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if overlay.ChannelCategory != "" {
		cfg.ChannelCategory = overlay.ChannelCategory
	}
	if overlay.BotTrigger != "" {
		cfg.BotTrigger = overlay.BotTrigger
	}
	for name, path := range overlay.Projects {
		cfg.Projects[name] = path
	}
	return nil
}

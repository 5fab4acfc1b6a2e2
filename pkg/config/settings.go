// Package config loads the session manager's settings from SM_-prefixed
// environment variables, with an optional static YAML overlay for the
// deprecated project map and a few cosmetic defaults.
package config

import "time"

// Settings is the complete, flat configuration surface for the session
// manager — one field per SM_* environment variable, mirroring the Rust
// original's Settings struct field-for-field.
type Settings struct {
	MattermostURL     string
	MattermostToken   string
	MattermostTeamID  string
	ChannelCategory   string
	DefaultOrg        string

	VMHost       string
	VMUser       string
	VMSSHKey     string // inline private key content, takes priority over VMSSHKeyPath
	VMSSHKeyPath string

	ContainerRuntime          string
	ContainerImage            string
	ContainerNetwork          string
	DevcontainerTimeoutSecs   int64
	OrchestratorCompactThresh int32

	OpnsenseURL        string
	OpnsenseKey        string
	OpnsenseSecret     string
	OpnsenseAlias      string
	OpnsenseVerifyTLS  bool
	OpnsenseTimeoutSecs int64

	// Projects is the deprecated static name->path map, superseded by
	// org/repo syntax. It is still read from the YAML overlay, but nothing
	// consults it: a bare project name is never resolved through it.
	Projects map[string]string

	ReposBasePath  string
	WorktreesPath  string
	AutoPull       bool

	CallbackURL string
	ListenAddr  string
	BotTrigger  string

	CallbackSecret string

	DatabaseURL      string
	DatabasePoolSize int32

	SSHTimeoutSecs int64

	RateLimitRPS   uint64
	RateLimitBurst uint32

	AllowedApprovers []string

	ContainerMaxSessions        int32
	ContainerIdleTimeoutSecs    int64
	SessionLivenessTimeoutSecs  int64

	GRPCPortStart uint16
}

// Defaults returns a Settings populated with every default value the Rust
// original bakes into its `#[serde(default = ...)]` attributes.
func Defaults() Settings {
	return Settings{
		ChannelCategory:             "CLAUDE-SESSIONS",
		VMUser:                      "claude",
		VMSSHKeyPath:                "/secrets/ssh/id_ed25519",
		ContainerRuntime:            "podman",
		ContainerImage:              "claude-code:latest",
		ContainerNetwork:            "isolated",
		DevcontainerTimeoutSecs:     120,
		OrchestratorCompactThresh:   50,
		OpnsenseAlias:               "llm_approved_domains",
		OpnsenseVerifyTLS:           true,
		OpnsenseTimeoutSecs:         30,
		ReposBasePath:               "/home/claude/repos",
		WorktreesPath:               "/home/claude/worktrees",
		CallbackURL:                 "http://session-manager:8000/callback",
		ListenAddr:                  "0.0.0.0:8000",
		BotTrigger:                  "@claude",
		DatabasePoolSize:            5,
		SSHTimeoutSecs:              30,
		RateLimitRPS:                10,
		RateLimitBurst:              20,
		ContainerMaxSessions:        5,
		ContainerIdleTimeoutSecs:    1800,
		SessionLivenessTimeoutSecs:  120,
		GRPCPortStart:               50051,
		Projects:                    map[string]string{},
	}
}

// DevcontainerTimeout returns the devcontainer bootstrap timeout as a
// time.Duration.
func (s Settings) DevcontainerTimeout() time.Duration {
	return time.Duration(s.DevcontainerTimeoutSecs) * time.Second
}

// OpnsenseTimeout returns the firewall API timeout as a time.Duration.
func (s Settings) OpnsenseTimeout() time.Duration {
	return time.Duration(s.OpnsenseTimeoutSecs) * time.Second
}

// SSHTimeout returns the SSH command timeout as a time.Duration.
func (s Settings) SSHTimeout() time.Duration {
	return time.Duration(s.SSHTimeoutSecs) * time.Second
}

// ContainerIdleTimeout returns the container idle-teardown threshold.
// Zero means auto-teardown is disabled.
func (s Settings) ContainerIdleTimeout() time.Duration {
	return time.Duration(s.ContainerIdleTimeoutSecs) * time.Second
}

// SessionLivenessTimeout returns the liveness-warning threshold. Zero means
// liveness warnings are disabled.
func (s Settings) SessionLivenessTimeout() time.Duration {
	return time.Duration(s.SessionLivenessTimeoutSecs) * time.Second
}

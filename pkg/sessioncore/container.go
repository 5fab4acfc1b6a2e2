package sessioncore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/jcttech/session-manager/pkg/containerregistry"
	"github.com/jcttech/session-manager/pkg/devcontainer"
	"github.com/jcttech/session-manager/pkg/reporef"
)

// Runner executes a shell command on the remote VM. Satisfied by
// *remoteexec.Executor and shared with pkg/gitmanager and pkg/devcontainer.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// ContainerConfig holds the settings ContainerBuilder needs to generate a
// devcontainer and bring it up via the remote `devcontainer` CLI.
type ContainerConfig struct {
	Image               string
	Network             string
	ContainerRuntime    string
	VMHost              string
	DevcontainerTimeout time.Duration
	GRPCPortStart       uint16
}

// ContainerBuilder ensures a devcontainer instance is running for a given
// repo/branch, reusing one already tracked by the registry rather than
// building a second.
type ContainerBuilder struct {
	run      Runner
	registry *containerregistry.Registry
	store    containerregistry.Creator
	cfg      ContainerConfig
}

// NewContainerBuilder returns a ContainerBuilder.
func NewContainerBuilder(run Runner, registry *containerregistry.Registry, st containerregistry.Creator, cfg ContainerConfig) *ContainerBuilder {
	return &ContainerBuilder{run: run, registry: registry, store: st, cfg: cfg}
}

// EnsureContainer returns the worker gRPC address and container name for
// (ref.FullName(), ref.Branch), building and registering a new devcontainer
// instance if none is tracked yet.
func (b *ContainerBuilder) EnsureContainer(ctx context.Context, ref reporef.Ref, projectPath string) (addr string, containerName string, err error) {
	if entry, ok := b.registry.Get(ref.FullName(), ref.Branch); ok {
		return b.workerAddr(entry.GRPCPort), entry.ContainerName, nil
	}

	port := b.registry.AllocatePort(b.cfg.GRPCPortStart)

	hash, err := b.writeDevcontainerConfig(ctx, projectPath, port)
	if err != nil {
		return "", "", fmt.Errorf("prepare devcontainer config: %w", err)
	}

	name, err := b.bringUp(ctx, projectPath)
	if err != nil {
		return "", "", fmt.Errorf("bring up devcontainer: %w", err)
	}

	var hashPtr *string
	if hash != "" {
		hashPtr = &hash
	}
	if _, err := b.registry.RegisterContainer(ctx, b.store, ref.FullName(), ref.Branch, name, hashPtr, port); err != nil {
		return "", "", fmt.Errorf("register container: %w", err)
	}

	return b.workerAddr(port), name, nil
}

func (b *ContainerBuilder) workerAddr(port uint16) string {
	return net.JoinHostPort(b.cfg.VMHost, strconv.Itoa(int(port)))
}

// writeDevcontainerConfig generates a default devcontainer.json when the
// project has none, or overrides the port mapping in an existing one, and
// returns the hex SHA-256 of the project's devcontainer.json as read back
// from the VM (for an existing config, the original file, not the override).
func (b *ContainerBuilder) writeDevcontainerConfig(ctx context.Context, projectPath string, port uint16) (string, error) {
	if !devcontainer.HasConfig(ctx, b.run, projectPath) {
		config := devcontainer.GenerateDefaultConfig(b.cfg.Image, b.cfg.Network, port)
		if err := devcontainer.WriteDefaultConfig(ctx, b.run, projectPath, config); err != nil {
			return "", err
		}
		hash, _ := devcontainer.HashConfig(ctx, b.run, projectPath)
		return hash, nil
	}

	content, ok := devcontainer.ReadConfigContent(ctx, b.run, projectPath)
	if !ok {
		return "", fmt.Errorf("devcontainer config reported present but could not be read")
	}
	override, err := devcontainer.BuildOverrideConfig(content, port)
	if err != nil {
		return "", err
	}
	if _, err := devcontainer.WriteOverrideConfig(ctx, b.run, port, override); err != nil {
		return "", err
	}
	hash, _ := devcontainer.HashConfig(ctx, b.run, projectPath)
	return hash, nil
}

type devcontainerUpOutput struct {
	ContainerID string `json:"containerId"`
}

// bringUp runs `devcontainer up`, honoring the configured timeout, and
// returns the container ID reported in its JSON output.
func (b *ContainerBuilder) bringUp(ctx context.Context, projectPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.DevcontainerTimeout)
	defer cancel()

	cmd := fmt.Sprintf("devcontainer up --docker-path %s --workspace-folder %s",
		shellescape.Quote(b.cfg.ContainerRuntime), shellescape.Quote(projectPath))

	out, err := b.run.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("devcontainer up: %w", err)
	}

	var parsed devcontainerUpOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return "", fmt.Errorf("parse devcontainer up output: %w", err)
	}
	if parsed.ContainerID == "" {
		return "", fmt.Errorf("devcontainer up output had no containerId")
	}
	return parsed.ContainerID, nil
}

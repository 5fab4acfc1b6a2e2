// Package devcontainer generates, reads, and overrides a project's
// devcontainer.json on the remote VM so it boots a gRPC agent worker
// sidecar with a host port mapped in.
package devcontainer

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// agentWorkerPostStart is the command injected into every devcontainer's
// postStartCommand so the session manager has a gRPC worker to dial once
// the container is up.
const agentWorkerPostStart = "python3 -m agent_worker --port 50051 &"

// workerPort is the port the worker sidecar listens on inside the
// container; only the host-side mapping varies per session.
const workerPort = 50051

// Runner executes a shell command on the remote VM. Satisfied by
// *remoteexec.Executor.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// HasConfig reports whether project at projectPath already has a
// devcontainer.json, checking .devcontainer/devcontainer.json then
// .devcontainer.json.
func HasConfig(ctx context.Context, run Runner, projectPath string) bool {
	escaped := shellescape.Quote(projectPath)
	cmd := fmt.Sprintf("test -f %s/.devcontainer/devcontainer.json || test -f %s/.devcontainer.json", escaped, escaped)
	_, err := run.Run(ctx, cmd)
	return err == nil
}

// GenerateDefaultConfig produces a minimal devcontainer.json for projects
// that don't have one, mapping hostPort to the worker's in-container
// port.
func GenerateDefaultConfig(image, network string, hostPort uint16) string {
	return fmt.Sprintf(`{
    "image": %q,
    "mounts": [
        "source=claude-config-shared,target=/home/vscode/.claude,type=volume",
        "source=claude-mem-shared,target=/home/vscode/.claude-mem,type=volume"
    ],
    "containerEnv": {
        "ANTHROPIC_API_KEY": "${localEnv:ANTHROPIC_API_KEY}"
    },
    "postStartCommand": %q,
    "runArgs": ["--network=%s", "-p", "%d:%d"]
}`, image, agentWorkerPostStart, network, hostPort, workerPort)
}

// ReadConfigContent reads the raw devcontainer.json content from the
// project on the VM, or ("", false) if neither location exists.
func ReadConfigContent(ctx context.Context, run Runner, projectPath string) (string, bool) {
	escaped := shellescape.Quote(projectPath)
	cmd := fmt.Sprintf(
		"cat %s/.devcontainer/devcontainer.json 2>/dev/null || cat %s/.devcontainer.json 2>/dev/null",
		escaped, escaped)
	content, err := run.Run(ctx, cmd)
	if err != nil || content == "" {
		return "", false
	}
	return content, true
}

// BuildOverrideConfig reads an existing devcontainer.json (JSONC
// comments allowed), merges in the worker's postStartCommand and a
// host-port runArg (replacing any prior :50051 mapping while keeping
// every other runArg, including the repo's own --network), and returns
// the resulting JSON.
func BuildOverrideConfig(originalContent string, hostPort uint16) (string, error) {
	stripped := stripJSONCComments(originalContent)

	var config map[string]any
	if err := json.Unmarshal([]byte(stripped), &config); err != nil {
		return "", fmt.Errorf("parse devcontainer.json: %w", err)
	}

	config["postStartCommand"] = agentWorkerPostStart

	var runArgs []any
	if existing, ok := config["runArgs"].([]any); ok {
		runArgs = existing
	}
	runArgs = replacePortMapping(runArgs, workerPort)
	runArgs = append(runArgs, "-p", fmt.Sprintf("%d:%d", hostPort, workerPort))
	config["runArgs"] = runArgs

	out, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize override config: %w", err)
	}
	return string(out), nil
}

// replacePortMapping drops any "-p", "<n>:containerPort" pair (and any
// bare arg containing ":containerPort") from runArgs, preserving every
// other element's order.
func replacePortMapping(runArgs []any, containerPort int) []any {
	suffix := fmt.Sprintf(":%d", containerPort)
	out := make([]any, 0, len(runArgs))

	for i := 0; i < len(runArgs); i++ {
		s, _ := runArgs[i].(string)
		if s == "-p" && i+1 < len(runArgs) {
			next, _ := runArgs[i+1].(string)
			if strings.Contains(next, suffix) {
				i++ // drop the paired value too
				continue
			}
		}
		if strings.Contains(s, suffix) {
			continue
		}
		out = append(out, runArgs[i])
	}
	return out
}

// WriteOverrideConfig writes config to a temp path on the VM keyed by
// hostPort, for use with `devcontainer up --override-config`.
func WriteOverrideConfig(ctx context.Context, run Runner, hostPort uint16, config string) (string, error) {
	path := fmt.Sprintf("/tmp/sm-override-%d.json", hostPort)
	cmd := fmt.Sprintf("cat > %s << 'OCEOF'\n%s\nOCEOF", shellescape.Quote(path), config)
	if _, err := run.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("write override config: %w", err)
	}
	return path, nil
}

// WriteDefaultConfig writes configContent as
// projectPath/.devcontainer/devcontainer.json on the VM, creating the
// directory if needed.
func WriteDefaultConfig(ctx context.Context, run Runner, projectPath, configContent string) error {
	escaped := shellescape.Quote(projectPath)
	cmd := fmt.Sprintf("mkdir -p %s/.devcontainer && cat > %s/.devcontainer/devcontainer.json << 'DCEOF'\n%s\nDCEOF",
		escaped, escaped, configContent)
	if _, err := run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("write default devcontainer.json: %w", err)
	}
	return nil
}

// Config is the subset of devcontainer.json fields this package cares
// about.
type Config struct {
	Image string
}

// ParseConfig parses devcontainer.json content (JSONC comments
// tolerated), returning a zero Config on any parse failure.
func ParseConfig(content string) Config {
	stripped := stripJSONCComments(content)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
		return Config{}
	}

	image, _ := parsed["image"].(string)
	return Config{Image: image}
}

// HashConfig returns a hex SHA-256 digest of the project's
// devcontainer.json content on the VM, or ("", false) if it can't be
// read.
func HashConfig(ctx context.Context, run Runner, projectPath string) (string, bool) {
	content, ok := ReadConfigContent(ctx, run, projectPath)
	if !ok {
		return "", false
	}
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum), true
}

// stripJSONCComments removes `//` line comments and `/* */` block
// comments from JSONC content, leaving comment-like sequences inside
// JSON string literals untouched.
func stripJSONCComments(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	runes := []rune(content)
	n := len(runes)
	inString := false
	escapeNext := false

	for i := 0; i < n; {
		if escapeNext {
			escapeNext = false
			out.WriteRune(runes[i])
			i++
			continue
		}

		switch {
		case runes[i] == '\\' && inString:
			escapeNext = true
			out.WriteRune('\\')
			i++
		case runes[i] == '"':
			inString = !inString
			out.WriteRune('"')
			i++
		case !inString && runes[i] == '/' && i+1 < n && runes[i+1] == '/':
			i += 2
			for i < n && runes[i] != '\n' {
				i++
			}
		case !inString && runes[i] == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				if runes[i] == '\n' {
					out.WriteRune('\n')
				}
				i++
			}
			if i+1 < n {
				i += 2
			}
		default:
			out.WriteRune(runes[i])
			i++
		}
	}

	return out.String()
}

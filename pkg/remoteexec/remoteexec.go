// Package remoteexec runs commands on the devcontainer VM over SSH.
package remoteexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/crypto/ssh"
)

// Config holds the VM connection details and the private key material (one
// of KeyPEM or KeyPath must be set; KeyPEM takes priority).
type Config struct {
	Host    string
	Port    string // defaults to "22" when empty
	User    string
	KeyPEM  string
	KeyPath string
	Timeout time.Duration
}

// Executor runs one-shot commands on the VM over a fresh SSH connection per
// call, matching the original's "dial, run, disconnect" shape rather than
// pooling a persistent session.
type Executor struct {
	addr    string
	user    string
	signer  ssh.Signer
	timeout time.Duration
}

// New parses the configured key material and returns an Executor ready to
// run commands. If KeyPEM is set it is used directly (and, when it lacks a
// trailing newline, treated as if one were appended, since OpenSSH requires
// PEM blocks to end in a newline); otherwise the key is read from KeyPath.
func New(cfg Config) (*Executor, error) {
	keyBytes, err := loadKey(cfg)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}

	port := cfg.Port
	if port == "" {
		port = "22"
	}

	return &Executor{
		addr:    net.JoinHostPort(cfg.Host, port),
		user:    cfg.User,
		signer:  signer,
		timeout: cfg.Timeout,
	}, nil
}

func loadKey(cfg Config) ([]byte, error) {
	if cfg.KeyPEM != "" {
		b := []byte(cfg.KeyPEM)
		if !bytes.HasSuffix(b, []byte("\n")) {
			b = append(b, '\n')
		}
		return b, nil
	}
	b, err := os.ReadFile(filepath.Clean(cfg.KeyPath))
	if err != nil {
		return nil, fmt.Errorf("read ssh key file %s: %w", cfg.KeyPath, err)
	}
	return b, nil
}

// LoginShell wraps cmd so it runs under a login shell on the remote VM.
// Non-interactive SSH sessions get a minimal PATH; bash -lc sources the
// user's profile so tools like devcontainer are found on it.
func LoginShell(cmd string) string {
	return "bash -lc " + shellescape.Quote(cmd)
}

// Run executes cmd on the VM under a login shell and returns its stdout.
// The connection is torn down before Run returns, success or failure.
func (e *Executor) Run(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	client, err := e.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(LoginShell(cmd)) }()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("ssh command timed out after %s", e.timeout)
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("ssh command failed: %s", stderr.String())
		}
		return stdout.String(), nil
	}
}

func (e *Executor) dial(ctx context.Context) (*ssh.Client, error) {
	clientCfg := &ssh.ClientConfig{
		User: e.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		// Host keys are not checked: any key is accepted on every connection
		// and none is recorded, so a changed key goes unnoticed. The VM is
		// short-lived infrastructure the operator provisions, not a host we
		// pin keys for.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.timeout,
	}

	dialer := net.Dialer{Timeout: e.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, e.addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", e.addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

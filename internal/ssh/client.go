// Package ssh runs commands on the source host over a single SSH connection.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes connection parameters for an SSH session.
type Config struct {
	User       string        // remote user (required)
	Host       string        // remote host or host:port (required)
	Port       int           // used when Host carries no port; 0 means 22
	KeyPath    string        // private key; empty = default keys under ~/.ssh plus agent
	KnownHosts string        // known_hosts file; empty = ~/.ssh/known_hosts
	Insecure   bool          // skip host key verification
	Timeout    time.Duration // dial + handshake timeout; 0 = DefaultTimeout
}

// DefaultTimeout used when Config.Timeout==0.
const DefaultTimeout = 10 * time.Second

// defaultKeyNames are tried in ~/.ssh when Config.KeyPath is empty.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// maxOutput caps what Output buffers.
const maxOutput = 1 << 20

// closeWait bounds how long Run waits for a cancelled session to wind down.
const closeWait = 5 * time.Second

// Client wraps ssh.Client and simplifies command execution.
// Close must be called when no longer needed.
type Client struct {
	addr   string
	user   string
	client *ssh.Client
}

// Dial establishes SSH connection according to cfg. Host keys are checked
// against known_hosts unless cfg.Insecure is set; a missing known_hosts file
// is an error.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.User == "" || cfg.Host == "" {
		return nil, errors.New("ssh: user and host required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	auth, err := authMethods(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	addr := Addr(cfg.Host, cfg.Port)
	slog.Debug("ssh dial", "addr", addr, "user", cfg.User)

	dctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: dial %s: %w", addr, err)
	}
	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Timeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh: handshake with %s: %w", addr, err)
	}
	// the handshake deadline must not apply to long running sessions
	_ = conn.SetDeadline(time.Time{})
	return &Client{addr: addr, user: cfg.User, client: ssh.NewClient(c, chans, reqs)}, nil
}

// Addr joins host with port unless host already carries one.
func Addr(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
}

// Close underlying ssh.Client.
func (c *Client) Close() error { return c.client.Close() }

// Run executes cmd in a new session with stdout/stderr attached (nil = discard).
// Cancelling ctx sends TERM to the remote command and closes the session.
func (c *Client) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh: new session: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	slog.Debug("ssh run", "addr", c.addr, "cmd", cmd)
	if err := session.Start(cmd); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// most servers ignore signals for sessions without a pty; closing
		// the channel makes sshd hang up on the remote process group
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		select {
		case <-done:
		case <-time.After(closeWait):
		}
		return ctx.Err()
	}
}

// Ping runs a no-op command to prove the remote shell accepts commands.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.Output(ctx, "true"); err != nil {
		return fmt.Errorf("ssh %s@%s: %w", c.user, c.addr, err)
	}
	return nil
}

// Output runs cmd and returns its combined output, at most 1 MiB.
func (c *Client) Output(ctx context.Context, cmd string) ([]byte, error) {
	lb := &limitedBuffer{N: maxOutput}
	if err := c.Run(ctx, cmd, lb, lb); err != nil {
		return lb.Bytes(), err
	}
	return lb.Bytes(), nil
}

// ExitStatus returns the remote exit code carried by err, 0 for nil and -1
// when the command never reported one (transport failure, signal). Any error
// with an ExitStatus() int method counts, *ssh.ExitError included.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee interface{ ExitStatus() int }
	if errors.As(err, &ee) {
		return ee.ExitStatus()
	}
	return -1
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.Insecure {
		slog.Warn("ssh: host key verification disabled", "host", cfg.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("ssh: locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("ssh: load %s (use --insecure-ssh to skip verification): %w", path, err)
	}
	return cb, nil
}

// authMethods uses keyPath when set, otherwise every readable default key;
// a running agent is always added last.
func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	var signers []ssh.Signer
	if keyPath != "" {
		s, err := loadSigner(keyPath)
		if err != nil {
			return nil, err
		}
		signers = append(signers, s)
	} else if home, err := os.UserHomeDir(); err == nil {
		for _, name := range defaultKeyNames {
			s, err := loadSigner(filepath.Join(home, ".ssh", name))
			if err != nil {
				slog.Debug("ssh: skip default key", "name", name, "err", err)
				continue
			}
			signers = append(signers, s)
		}
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh: no auth methods found (provide --ssh-key or run ssh-agent)")
	}
	return methods, nil
}

// loadSigner parses an unencrypted private key.
func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ssh: read key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("ssh: parse key %s: %w", path, err)
	}
	return signer, nil
}

// limitedBuffer prevents unbounded memory when capturing command output.
type limitedBuffer struct {
	buf bytes.Buffer
	N   int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.N > 0 && b.buf.Len()+len(p) > b.N {
		return 0, fmt.Errorf("ssh output exceeds %d bytes", b.N)
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }

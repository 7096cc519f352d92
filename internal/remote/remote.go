// Package remote provides the execution channel to a worker: a single
// SSH command invocation with a bounded timeout. Both the worker probe
// and the command dispatcher are built on this channel; neither holds
// persistent connections.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds one full probe or dispatch round trip. Seconds,
// not minutes: a worker that cannot answer quickly is treated as
// unreachable, which is never interpreted as stopped.
const DefaultTimeout = 10 * time.Second

// Config holds the SSH credentials shared by all workers in a fleet.
type Config struct {
	// User is the SSH login user on the workers.
	User string

	// KeyPath is the path to the private key file.
	KeyPath string

	// Port is the SSH port. Default: 22.
	Port int

	// Timeout bounds connection establishment and command execution
	// combined. Default: DefaultTimeout.
	Timeout time.Duration
}

// Result is the outcome of one remote command that actually ran.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes one command on a remote host. Run returns an error
// only when the command could not be executed at all (dial failure,
// auth failure, timeout); a command that ran and exited non-zero is
// reported through Result.ExitCode with a nil error.
type Runner interface {
	Run(ctx context.Context, address, command string) (Result, error)
}

// SSHRunner is the production Runner. Each Run dials a fresh
// connection; workers are probed at most once per polling interval, so
// connection reuse is not worth the state it would carry.
type SSHRunner struct {
	cfg    Config
	signer ssh.Signer
}

// Compile-time check.
var _ Runner = (*SSHRunner)(nil)

// NewSSHRunner loads the private key and returns a ready Runner.
func NewSSHRunner(cfg Config) (*SSHRunner, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyPath, err)
	}

	return &SSHRunner{cfg: cfg, signer: signer}, nil
}

// Run executes command on address and blocks until the remote exit
// status is known or the deadline passes. It never fires in the
// background.
func (r *SSHRunner) Run(ctx context.Context, address, command string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	hostPort := net.JoinHostPort(address, fmt.Sprintf("%d", r.cfg.Port))

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", hostPort, err)
	}

	// The ssh package does not take a context; enforce the deadline at
	// the transport so a hung handshake or command cannot outlive it.
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return Result{}, fmt.Errorf("set deadline on %s: %w", hostPort, err)
		}
	}

	clientConfig := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.Timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, hostPort, clientConfig)
	if err != nil {
		conn.Close()
		return Result{}, fmt.Errorf("ssh handshake %s: %w", hostPort, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("ssh session %s: %w", hostPort, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	runErr := session.Run(command)

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			// The command ran to completion and failed; that is a
			// result, not a transport error.
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return Result{}, fmt.Errorf("run %q on %s: %w", command, hostPort, runErr)
	}

	return res, nil
}

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/probehub/backend/internal/core/ports"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrSSHConnection     = errors.New("ssh: connection failed")
	ErrSSHAuthentication = errors.New("ssh: authentication failed")
	ErrSSHCommandFailed  = errors.New("ssh: command execution failed")
	ErrSSHTimeout        = errors.New("ssh: connection timeout")
	ErrSFTP              = errors.New("sftp: operation failed")
)

type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	// KnownHosts pins host keys when set. Empty means trust-on-first-use:
	// the sandbox is a fixed, operator-controlled host.
	KnownHosts  string
	Timeout     time.Duration
	MaxAttempts int
}

type SSHClient struct {
	config SSHConfig
}

var _ ports.RemoteTransport = (*SSHClient)(nil)

func NewSSHClient(cfg SSHConfig) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &SSHClient{config: cfg}
}

func (c *SSHClient) Address() string {
	return net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
}

func (c *SSHClient) getAuthMethods() ([]ssh.AuthMethod, error) {
	var authMethods []ssh.AuthMethod

	if c.config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(c.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key", ErrSSHAuthentication)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.config.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.config.Password))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}

	return authMethods, nil
}

func (c *SSHClient) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.config.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.config.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("%w: load known_hosts: %v", ErrSSHConnection, err)
	}
	return cb, nil
}

// Connect opens a fresh connection to the sandbox. Every attempt is bounded
// by the configured timeout.
func (c *SSHClient) Connect(ctx context.Context) (ports.RemoteConn, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &sshConn{client: client}, nil
}

func (c *SSHClient) dial(ctx context.Context) (*ssh.Client, error) {
	authMethods, err := c.getAuthMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.config.Timeout,
	}

	addr := c.Address()
	var connectErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSSHConnection, err)
		}

		dialer := net.Dialer{
			Timeout:   c.config.Timeout,
			KeepAlive: 60 * time.Second,
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			connectErr = err
		} else {
			// Bound the handshake; cleared once the session is up.
			conn.SetDeadline(time.Now().Add(c.config.Timeout))

			cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
			if err != nil {
				conn.Close()
				connectErr = err
			} else {
				conn.SetDeadline(time.Time{})
				return ssh.NewClient(cc, chans, reqs), nil
			}
		}

		if attempt < c.config.MaxAttempts {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	return nil, classifyDialError(connectErr, c.config.MaxAttempts)
}

func classifyDialError(err error, attempts int) error {
	if err == nil {
		return ErrSSHConnection
	}
	msg := err.Error()
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout(),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline"):
		return fmt.Errorf("%w: %v (after %d attempts)", ErrSSHTimeout, err, attempts)
	case strings.Contains(msg, "unable to authenticate"):
		return fmt.Errorf("%w: %v", ErrSSHAuthentication, err)
	default:
		return fmt.Errorf("%w: %v (after %d attempts)", ErrSSHConnection, err, attempts)
	}
}

// Run executes a short command on a fresh connection and returns stdout.
func (c *SSHClient) Run(ctx context.Context, cmd string) (string, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	return execute(ctx, client, cmd)
}

func execute(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: failed to create session", ErrSSHConnection)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return "", fmt.Errorf("%w: command timed out or cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			errMsg := stderr.String()
			if errMsg == "" {
				errMsg = err.Error()
			}
			return stdout.String(), fmt.Errorf("%w: %s", ErrSSHCommandFailed, errMsg)
		}
	}

	return stdout.String(), nil
}

// sshConn implements ports.RemoteConn on one ssh.Client. The SFTP subsystem
// is opened lazily and shares the connection.
type sshConn struct {
	client *ssh.Client

	mu        sync.Mutex
	sftp      *sftp.Client
	closeOnce sync.Once
	closeErr  error
}

func (c *sshConn) Exec(ctx context.Context, cmd string) (ports.RemoteProcess, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session: %v", ErrSSHConnection, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSSHConnection, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSSHConnection, err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: start: %v", ErrSSHCommandFailed, err)
	}

	p := &sshProcess{
		session: session,
		stdout:  stdout,
		stderr:  stderr,
		done:    make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			p.Close()
		case <-p.done:
		}
	}()

	return p, nil
}

func (c *sshConn) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create sftp client: %v", ErrSFTP, err)
	}
	c.sftp = client
	return client, nil
}

func (c *sshConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.sftp != nil {
			c.sftp.Close()
		}
		c.mu.Unlock()

		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

type sshProcess struct {
	session *ssh.Session
	stdout  io.Reader
	stderr  io.Reader

	done      chan struct{}
	closeOnce sync.Once
}

func (p *sshProcess) Stdout() io.Reader { return p.stdout }
func (p *sshProcess) Stderr() io.Reader { return p.stderr }

func (p *sshProcess) Wait() (int, error) {
	err := p.session.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}

	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, fmt.Errorf("%w: remote exited without status", ErrSSHCommandFailed)
	}

	return -1, fmt.Errorf("%w: %v", ErrSSHConnection, err)
}

func (p *sshProcess) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.session.Close()
	})
	return nil
}

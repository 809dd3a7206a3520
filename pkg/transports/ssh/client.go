package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyopkg/pkg/image"
)

// Client holds one SSH connection to a host and, once FS is called, one
// SFTP session on it.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	conn        *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("host", config.Address()).Logger(),
	}, nil
}

// Connect establishes the SSH connection if it is not already up.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.client(ctx)
	return err
}

func (c *Client) client(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: strings.Contains(err.Error(), "unable to authenticate"),
		}
	}
	_ = netConn.SetDeadline(time.Time{})

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.connectedAt = time.Now()
	c.logger.Info().Str("user", c.config.User).Msg("SSH connection established")
	return c.conn, nil
}

// Close shuts down the SFTP session and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
		c.sftp = nil
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
		c.conn = nil
		c.logger.Debug().Dur("connected_for", time.Since(c.connectedAt)).Msg("SSH connection closed")
	}
	return errors.Join(errs...)
}

// Run executes argv on the remote host and returns its combined output and
// exit status. It implements actuator.Executor.
func (c *Client) Run(ctx context.Context, argv []string) ([]byte, int, error) {
	conn, err := c.client(ctx)
	if err != nil {
		return nil, -1, err
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, -1, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	command := shellquote.Join(argv...)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, -1, ctx.Err()
	case res = <-done:
	}

	var exitErr *ssh.ExitError
	switch {
	case res.err == nil:
		return res.out, 0, nil
	case errors.As(res.err, &exitErr):
		return res.out, exitErr.ExitStatus(), nil
	default:
		return res.out, -1, &TransportError{Op: "exec", Err: res.err}
	}
}

// FS returns the remote filesystem, opening the SFTP session on first use.
func (c *Client) FS(ctx context.Context) (image.FS, error) {
	conn, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		client, err := sftp.NewClient(conn)
		if err != nil {
			return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to start SFTP session: %w", err)}
		}
		c.sftp = client
	}
	return &remoteFS{client: c.sftp}, nil
}

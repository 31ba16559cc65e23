package protocols

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHClient is a Transport running commands over one SSH connection.
type SSHClient struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyFile    string // private key, PEM or OpenSSH format
	KnownHosts string // known_hosts file; empty disables host key checks
	Timeout    time.Duration
	conn       *ssh.Client
}

func (s *SSHClient) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if s.KeyFile != "" {
		key, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", s.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.Password != "" {
		auth = append(auth, ssh.Password(s.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: no password or key file configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if s.KnownHosts != "" {
		cb, err := knownhosts.New(s.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            s.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

func (s *SSHClient) Init() error {
	config, err := s.clientConfig()
	if err != nil {
		return err
	}
	port := s.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(s.Host, fmt.Sprint(port))
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *SSHClient) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Client exposes the underlying connection, e.g. for an SFTP subsystem.
func (s *SSHClient) Client() *ssh.Client { return s.conn }

// Exec starts command in a new session.
func (s *SSHClient) Exec(ctx context.Context, command string) (Channel, error) {
	if s.conn == nil {
		return nil, errors.New("ssh: not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := s.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	ch := &sshChannel{session: session}
	if ch.stdin, err = session.StdinPipe(); err != nil {
		session.Close()
		return nil, err
	}
	if ch.stdout, err = session.StdoutPipe(); err != nil {
		session.Close()
		return nil, err
	}
	if ch.stderr, err = session.StderrPipe(); err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	return ch, nil
}

type sshChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

func (c *sshChannel) Stdin() io.WriteCloser { return c.stdin }
func (c *sshChannel) Stdout() io.Reader     { return c.stdout }
func (c *sshChannel) Stderr() io.Reader     { return c.stderr }

func (c *sshChannel) Wait() error {
	err := c.session.Wait()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("remote command exited with status %d: %w", exitErr.ExitStatus(), err)
	}
	return err
}

func (c *sshChannel) Close() error {
	err := c.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

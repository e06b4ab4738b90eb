package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"
	"golang.org/x/crypto/ssh"
)

const (
	defaultDialTimeout = 10 * time.Second
	probeTimeout       = 2 * time.Second
)

// SSHShell runs processes on a guest over SSH. The connection is made on
// the first Start and reused afterwards.
type SSHShell struct {
	Host        string
	Port        int
	User        string
	Auth        []ssh.AuthMethod
	DialTimeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHShell returns a shell authenticating with the private key at
// keyPath.
func NewSSHShell(host string, port int, user, keyPath string) (*SSHShell, error) {
	signer, err := LoadSigner(keyPath)
	if err != nil {
		return nil, err
	}
	return &SSHShell{
		Host: host,
		Port: port,
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
	}, nil
}

// Netloc returns host:port.
func (s *SSHShell) Netloc() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s *SSHShell) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	timeout := s.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", s.Netloc())
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", s.Netloc(), err)
	}
	cfg := &ssh.ClientConfig{
		User:            s.User,
		Auth:            s.Auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.Netloc(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote: ssh handshake with %s: %w", s.Netloc(), err)
	}
	s.client = ssh.NewClient(c, chans, reqs)
	log.G(ctx).WithField("addr", s.Netloc()).Debug("ssh connected")
	return s.client, nil
}

// IsWorking reports whether the guest answers on the SSH port and runs a
// command. A listening port alone is not enough: forwarded ports accept
// connections before the guest is up.
func (s *SSHShell) IsWorking(ctx context.Context) bool {
	conn, err := net.DialTimeout("tcp", s.Netloc(), probeTimeout)
	if err != nil {
		return false
	}
	conn.SetReadDeadline(time.Now().Add(probeTimeout))
	banner := make([]byte, 1)
	_, err = io.ReadFull(conn, banner)
	conn.Close()
	if err != nil {
		return false
	}
	_, _, err = Exec(ctx, s, Command{Args: []string{"whoami"}}, nil, 10*time.Second)
	if err != nil {
		log.G(ctx).WithError(err).Debug("ssh probe failed")
		s.reset()
		return false
	}
	return true
}

func (s *SSHShell) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *SSHShell) Start(ctx context.Context, cmd Command) (Run, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		// A dead connection is noticed here; reconnect once.
		s.reset()
		if client, err = s.connect(ctx); err != nil {
			return nil, err
		}
		if sess, err = client.NewSession(); err != nil {
			return nil, fmt.Errorf("remote: open session: %w", err)
		}
	}
	line := cmd.String()
	log.G(ctx).WithField("command", line).WithField("mode", cmd.Mode).Debug("starting ssh process")
	if cmd.Mode == ModePTY {
		return startSSHPTY(sess, line)
	}
	return startSSHExec(sess, line)
}

func startSSHExec(sess *ssh.Session, line string) (Run, error) {
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Start(line); err != nil {
		sess.Close()
		return nil, fmt.Errorf("remote: start %s: %w", line, err)
	}
	return newProcRun(procConfig{
		command: line,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		wait:    func() (int, error) { return sshExitCode(sess.Wait()) },
		release: func() error { return ignoreEOF(sess.Close()) },
	}), nil
}

func startSSHPTY(sess *ssh.Session, line string) (Run, error) {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", 24, 80, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("remote: request pty: %w", err)
	}
	keys, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Start(line); err != nil {
		sess.Close()
		return nil, fmt.Errorf("remote: start %s on pty: %w", line, err)
	}
	r := newProcRun(procConfig{
		command: line,
		stdout:  stdout,
		wait:    func() (int, error) { return sshExitCode(sess.Wait()) },
		release: func() error { return ignoreEOF(sess.Close()) },
	})
	r.terminate = func() error { return interrupt(keys, r.done) }
	return r, nil
}

func sshExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus(), nil
	}
	return 0, err
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *SSHShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Client returns the underlying SSH client, connecting if needed. The
// SFTP filesystem rides on it.
func (s *SSHShell) Client(ctx context.Context) (*ssh.Client, error) {
	return s.connect(ctx)
}

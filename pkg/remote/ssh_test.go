package remote_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/javanstorm/vmlab/pkg/remote"
)

// guestServer is an SSH server with a few canned commands:
//
//	whoami  prints the user
//	cat     echoes stdin until EOF
//	fail    prints to stderr and exits 3
//	sleep   blocks until the channel is closed
type guestServer struct {
	ln  net.Listener
	cfg *ssh.ServerConfig

	mu    sync.Mutex
	conns []*ssh.ServerConn
	ptys  int
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

func startGuestServer(t *testing.T) (*guestServer, *remote.SSHShell) {
	t.Helper()
	clientKey := newSigner(t)
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !bytes.Equal(key.Marshal(), clientKey.PublicKey().Marshal()) {
				return nil, assert.AnError
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(newSigner(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &guestServer{ln: ln, cfg: cfg}
	go srv.serve()
	t.Cleanup(func() { ln.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)
	sh := &remote.SSHShell{
		Host:        host,
		Port:        portNum,
		User:        "tester",
		Auth:        []ssh.AuthMethod{ssh.PublicKeys(clientKey)},
		DialTimeout: 5 * time.Second,
	}
	t.Cleanup(func() { sh.Close() })
	return srv, sh
}

func (s *guestServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			sc, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
			if err != nil {
				conn.Close()
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, sc)
			s.mu.Unlock()
			go ssh.DiscardRequests(reqs)
			for nc := range chans {
				if nc.ChannelType() != "session" {
					nc.Reject(ssh.UnknownChannelType, "sessions only")
					continue
				}
				ch, chReqs, err := nc.Accept()
				if err != nil {
					continue
				}
				go s.session(sc.User(), ch, chReqs)
			}
		}()
	}
}

func (s *guestServer) session(user string, ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			s.mu.Lock()
			s.ptys++
			s.mu.Unlock()
			req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go run(user, payload.Command, ch)
		default:
			req.Reply(false, nil)
		}
	}
}

func run(user, command string, ch ssh.Channel) {
	defer ch.Close()
	code := 0
	switch command {
	case "whoami":
		io.WriteString(ch, user+"\n")
	case "cat":
		io.Copy(ch, ch)
	case "fail":
		io.WriteString(ch.Stderr(), "boom\n")
		code = 3
	case "sleep":
		io.Copy(io.Discard, ch)
		return
	default:
		io.WriteString(ch.Stderr(), "unknown command\n")
		code = 127
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func (s *guestServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *guestServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func TestSSHExec(t *testing.T) {
	_, sh := startGuestServer(t)
	ctx := context.Background()

	begin := time.Now()
	out, _, err := remote.Exec(ctx, sh, remote.Command{Args: []string{"whoami"}}, nil, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tester\n", string(out))
	assert.Less(t, time.Since(begin), 5*time.Second)

	_, _, err = remote.Exec(ctx, sh, remote.Command{Args: []string{"fail"}}, nil, 30*time.Second)
	var ee *remote.ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "boom\n", string(ee.Stderr))
}

func TestSSHStdinHalfClose(t *testing.T) {
	_, sh := startGuestServer(t)
	input := bytes.Repeat([]byte("0123456789abcdef"), 8*1024)

	out, _, err := remote.Exec(context.Background(), sh, remote.Command{Args: []string{"cat"}}, input, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, input, out)
}

func TestSSHExecCannotSignal(t *testing.T) {
	_, sh := startGuestServer(t)

	r, err := sh.Start(context.Background(), remote.Command{Args: []string{"sleep"}})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Terminate(), remote.ErrUnsupported)
	assert.ErrorIs(t, r.Kill(), remote.ErrUnsupported)
	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestSSHPTYRejectsSend(t *testing.T) {
	srv, sh := startGuestServer(t)
	ctx := context.Background()

	r, err := sh.Start(ctx, remote.Command{Args: []string{"sleep"}, Mode: remote.ModePTY})
	require.NoError(t, err)
	defer r.Close()
	assert.ErrorIs(t, r.Send(ctx, []byte("x"), false), remote.ErrUnsupported)
	assert.ErrorIs(t, r.Kill(), remote.ErrUnsupported)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, 1, srv.ptys)
}

func TestSSHReconnects(t *testing.T) {
	srv, sh := startGuestServer(t)
	ctx := context.Background()

	_, _, err := remote.Exec(ctx, sh, remote.Command{Args: []string{"whoami"}}, nil, 30*time.Second)
	require.NoError(t, err)
	srv.dropConnections()

	out, _, err := remote.Exec(ctx, sh, remote.Command{Args: []string{"whoami"}}, nil, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tester\n", string(out))
	assert.Equal(t, 2, srv.connections())
}

func TestSSHIsWorking(t *testing.T) {
	srv, sh := startGuestServer(t)
	assert.True(t, sh.IsWorking(context.Background()))
	assert.Equal(t, srv.ln.Addr().String(), sh.Netloc())

	srv.ln.Close()
	sh.Close()
	assert.False(t, sh.IsWorking(context.Background()))
}

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"remsh/client"
	"remsh/config"
	"remsh/executor"
	"remsh/security"
	"remsh/session"
	"remsh/wire"
)

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.StatusAddr = "127.0.0.1:0"
	s := New(cfg, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) *client.Client {
	t.Helper()
	c, err := client.Dial(s.Addr(), client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("no /bin/sh")
	}
}

type processorFunc func(ctx context.Context, stmt string) executor.Result

func (f processorFunc) Execute(ctx context.Context, stmt string) executor.Result {
	return f(ctx, stmt)
}

func TestExecuteCommand(t *testing.T) {
	skipWithoutShell(t)
	s := startServer(t)
	c := dial(t, s)

	res, err := c.Execute("echo hello")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestHandshakeEstablishesSignedMode(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	assert.Equal(t, session.ModeSigned, c.Mode())
	assert.NotEmpty(t, c.PeerFingerprint())

	res, err := c.Execute("#: mode")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "signature\n", res.Stdout)
}

func TestModeSwitchLockstep(t *testing.T) {
	skipWithoutShell(t)
	s := startServer(t)
	c := dial(t, s)

	res, err := c.Execute("#: mode.encrypt")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, session.ModeEncrypted, c.Mode())

	// Both peers switched in lockstep: subsequent traffic uses encrypted
	// envelopes in both directions.
	res, err = c.Execute("echo secret")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "secret\n", res.Stdout)

	res, err = c.Execute("#: mode")
	require.NoError(t, err)
	assert.Equal(t, "encrypt\n", res.Stdout)

	res, err = c.Execute("#: mode.signature")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Stdout, "insecure")
	assert.Equal(t, session.ModeSigned, c.Mode())

	res, err = c.Execute("#: mode")
	require.NoError(t, err)
	assert.Equal(t, "signature\n", res.Stdout)
}

func TestHelpAndUnknownMetacommand(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	res, err := c.Execute("#: help")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Stdout, "mode.encrypt")

	res, err = c.Execute("#: frobnicate")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Stdout, "No metacommand named frobnicate")
}

func TestExitTerminatesSession(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	_, err := c.Execute("#: exit")
	require.ErrorIs(t, err, wire.ErrClosed)

	// The accept loop survives; a fresh connection works.
	c2 := dial(t, s)
	res, err := c2.Execute("#: mode")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestInteractiveRead(t *testing.T) {
	skipWithoutShell(t)
	s := startServer(t)
	c := dial(t, s)

	res, err := c.Execute("read NAME who are you:")
	require.NoError(t, err)
	require.True(t, res.InputRequested)
	assert.Equal(t, "who are you:", res.Stdout)

	res, err = c.SendLine("gopher")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.InputRequested)

	res, err = c.Execute("echo hello $NAME")
	require.NoError(t, err)
	assert.Equal(t, "hello gopher\n", res.Stdout)
}

func TestTwoInputRequestsOneStatement(t *testing.T) {
	s := startServer(t, WithProcessorFactory(func(input executor.InputFunc) executor.Processor {
		return processorFunc(func(ctx context.Context, stmt string) executor.Result {
			first, err := input("first:")
			if err != nil {
				return executor.Failf("input: %s", err)
			}
			second, err := input("second:")
			if err != nil {
				return executor.Failf("input: %s", err)
			}
			return executor.OK(first + "|" + second)
		})
	}))
	c := dial(t, s)

	res, err := c.Execute("combine")
	require.NoError(t, err)
	require.True(t, res.InputRequested)
	assert.Equal(t, "first:", res.Stdout)

	res, err = c.SendLine("one")
	require.NoError(t, err)
	require.True(t, res.InputRequested)
	assert.Equal(t, "second:", res.Stdout)

	res, err = c.SendLine("two")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.InputRequested)
	assert.Equal(t, "one|two", res.Stdout)
}

func TestNestedInputUnderEncryption(t *testing.T) {
	skipWithoutShell(t)
	s := startServer(t)
	c := dial(t, s)

	_, err := c.Execute("#: mode.encrypt")
	require.NoError(t, err)

	res, err := c.Execute("read SECRET")
	require.NoError(t, err)
	require.True(t, res.InputRequested)

	res, err = c.SendLine("hunter2")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = c.Execute("echo got $SECRET")
	require.NoError(t, err)
	assert.Equal(t, "got hunter2\n", res.Stdout)
}

// rawPeer speaks the protocol by hand so tests can tamper with envelopes.
type rawPeer struct {
	conn *wire.Conn
	sec  *security.Manager
}

func dialRaw(t *testing.T, addr string) *rawPeer {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })

	sec, err := security.NewManager()
	require.NoError(t, err)

	conn := wire.NewConn(nc)
	require.NoError(t, conn.Send(sec.ExportPublic()))
	reply, err := conn.Recv()
	require.NoError(t, err)
	require.NoError(t, sec.LoadRemote(reply))
	return &rawPeer{conn: conn, sec: sec}
}

func (p *rawPeer) sendSigned(t *testing.T, payload []byte) {
	t.Helper()
	sig, err := p.sec.Sign(payload)
	require.NoError(t, err)
	require.NoError(t, p.conn.Send(append(sig, payload...)))
}

func (p *rawPeer) recvSignedResult(t *testing.T) executor.Result {
	t.Helper()
	env, err := p.conn.Recv()
	require.NoError(t, err)
	n := p.sec.SignatureSize()
	require.Greater(t, len(env), n)
	ok, err := p.sec.Verify(env[n:], env[:n])
	require.NoError(t, err)
	require.True(t, ok)
	res, err := executor.Unpack(env[n:])
	require.NoError(t, err)
	return res
}

func TestTamperedSignatureYieldsSynthesizedOutcome(t *testing.T) {
	invoked := make(chan string, 8)
	s := startServer(t, WithProcessorFactory(func(input executor.InputFunc) executor.Processor {
		return processorFunc(func(ctx context.Context, stmt string) executor.Result {
			invoked <- stmt
			return executor.OK("ran " + stmt)
		})
	}))
	p := dialRaw(t, s.Addr())

	// Sign one payload, deliver another: verification must fail and the
	// processor must never see the message.
	sig, err := p.sec.Sign([]byte("what was signed"))
	require.NoError(t, err)
	require.NoError(t, p.conn.Send(append(sig, []byte("what was sent")...)))

	res := p.recvSignedResult(t)
	require.False(t, res.Success)
	assert.Equal(t, executor.InvalidSignatureError, res.Error)

	// The channel survives: a valid message right after is processed.
	p.sendSigned(t, []byte("valid statement"))
	res = p.recvSignedResult(t)
	require.True(t, res.Success)
	assert.Equal(t, "ran valid statement", res.Stdout)

	select {
	case stmt := <-invoked:
		assert.Equal(t, "valid statement", stmt)
	case <-time.After(time.Second):
		t.Fatal("processor never invoked for the valid statement")
	}
	select {
	case stmt := <-invoked:
		t.Fatalf("processor invoked unexpectedly for %q", stmt)
	default:
	}
}

func TestIntegrityFaultClosesOnlyThatConnection(t *testing.T) {
	s := startServer(t)
	p := dialRaw(t, s.Addr())

	// Switch the server to encrypted mode, then deliver garbage where an
	// encrypted envelope is expected.
	p.sendSigned(t, []byte("#: mode.encrypt"))
	env, err := p.conn.Recv()
	require.NoError(t, err)
	require.NotEmpty(t, env)

	junk := make([]byte, 256)
	require.NoError(t, p.conn.Send(junk))

	_, err = p.conn.Recv()
	require.ErrorIs(t, err, wire.ErrClosed)

	// The server keeps accepting fresh sessions.
	c := dial(t, s)
	res, err := c.Execute("#: mode")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestStatusAPI(t *testing.T) {
	s := startServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.StatusAddr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c := dial(t, s)
	_, err = c.Execute("#: mode.encrypt")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sessions, err := client.Sessions(context.Background(), "http://"+s.StatusAddr())
		if err != nil || len(sessions) != 1 {
			return false
		}
		return sessions[0].Mode == "encrypt" && sessions[0].PeerFingerprint != ""
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		sessions, err := client.Sessions(context.Background(), "http://"+s.StatusAddr())
		return err == nil && len(sessions) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWebSocketTransport(t *testing.T) {
	skipWithoutShell(t)
	s := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.DialWS(ctx, fmt.Sprintf("ws://%s/shell", s.StatusAddr()),
		client.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Execute("echo over websocket")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "over websocket\n", res.Stdout)

	res, err = c.Execute("#: mode.encrypt")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = c.Execute("echo still works")
	require.NoError(t, err)
	assert.Equal(t, "still works\n", res.Stdout)
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	skipWithoutShell(t)
	s := startServer(t)

	c1 := dial(t, s)
	c2 := dial(t, s)

	_, err := c1.Execute("#: mode.encrypt")
	require.NoError(t, err)

	// c2 is untouched by c1's mode switch.
	res, err := c2.Execute("#: mode")
	require.NoError(t, err)
	assert.Equal(t, "signature\n", res.Stdout)

	res, err = c1.Execute("NAME=one")
	require.NoError(t, err)
	require.True(t, res.Success)

	// Scope is per-session too.
	res, err = c2.Execute("echo [$NAME]")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", res.Stdout)

	res, err = c1.Execute("echo [$NAME]")
	require.NoError(t, err)
	assert.Equal(t, "[one]\n", res.Stdout)
}

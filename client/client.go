// Package client implements the connecting side of the shell channel: it
// dials the server over TCP or WebSocket, performs the key exchange, and
// submits statements, mirroring mode-switch metacommands locally so both
// peers change security mode in lockstep.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"remsh/executor"
	"remsh/session"
)

// Client is one live connection to a shell server.
type Client struct {
	log  *zap.SugaredLogger
	sess *session.Session
	addr string
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	logger      *zap.Logger
	sessionOpts []session.Option
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}

// WithKeySize sets the RSA modulus size in bits for the client keypair.
func WithKeySize(bits int) Option {
	return func(c *clientConfig) {
		c.sessionOpts = append(c.sessionOpts, session.WithKeySize(bits))
	}
}

// WithAESKeySize sets the ephemeral AES key size in bytes.
func WithAESKeySize(n int) Option {
	return func(c *clientConfig) {
		c.sessionOpts = append(c.sessionOpts, session.WithAESKeySize(n))
	}
}

// Dial connects over TCP and performs the handshake. On return the session
// is in signed mode and both sides hold each other's public key.
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return newClient(conn, addr, opts...)
}

// DialWS connects over a WebSocket carrying the same byte protocol and
// performs the handshake.
func DialWS(ctx context.Context, url string, opts ...Option) (*Client, error) {
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	wsConn.SetReadLimit(32 << 20)
	nc := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)
	return newClient(nc, url, opts...)
}

func newClient(conn net.Conn, addr string, opts ...Option) (*Client, error) {
	var cfg clientConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	sess, err := session.New(conn, append([]session.Option{session.WithLogger(cfg.logger)}, cfg.sessionOpts...)...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := sess.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}

	log := cfg.logger.Named("client").Sugar()
	log.Debugw("connected", "Addr", addr, "PeerFingerprint", sess.RemoteFingerprint())
	return &Client{log: log, sess: sess, addr: addr}, nil
}

// Addr returns the dialed address.
func (c *Client) Addr() string { return c.addr }

// Mode returns the client side's active security mode.
func (c *Client) Mode() session.Mode { return c.sess.Mode() }

// PeerFingerprint returns the server key fingerprint.
func (c *Client) PeerFingerprint() string { return c.sess.RemoteFingerprint() }

// Execute submits one statement and waits for its Result. Mode-switch
// metacommands are applied locally after sending and before receiving, so
// the server's response already arrives under the new mode.
//
// A Result with the input-requested marker means the command is paused
// waiting for a line; supply it with SendLine.
func (c *Client) Execute(stmt string) (executor.Result, error) {
	if err := c.sess.Send([]byte(stmt)); err != nil {
		return executor.Result{}, err
	}
	switch ctl, _ := session.ParseControl(stmt); ctl {
	case session.ControlModeEncrypt:
		c.sess.SwitchMode(session.ModeEncrypted)
	case session.ControlModeSign:
		c.sess.SwitchMode(session.ModeSigned)
	}
	return c.recvResult()
}

// SendLine answers a pending input request with one line and waits for the
// next Result, which may itself request further input.
func (c *Client) SendLine(line string) (executor.Result, error) {
	if err := c.sess.Send([]byte(line)); err != nil {
		return executor.Result{}, err
	}
	return c.recvResult()
}

func (c *Client) recvResult() (executor.Result, error) {
	payload, err := c.sess.Recv()
	if errors.Is(err, session.ErrBadSignature) {
		// Tampered or corrupted response: surfaced as an ordinary failed
		// Result, the channel stays usable.
		return executor.InvalidSignature(), nil
	}
	if err != nil {
		return executor.Result{}, err
	}
	return executor.Unpack(payload)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.sess.Close()
}

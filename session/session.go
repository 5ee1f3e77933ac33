// Package session implements the per-connection secure channel: the
// handshake that exchanges public keys, the security-mode state machine,
// and envelope protection for every message sent or received after the
// handshake.
//
// A session moves through three states: awaiting handshake, active, closed.
// While active, the mode is one of Signed or Encrypted and changes only
// through explicit control commands. Mode switches are mirrored: each side
// applies the same command locally with no acknowledgement from the peer,
// so both are expected to change in lockstep. This is a known fragility of
// the protocol, kept as specified.
package session

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"remsh/security"
	"remsh/wire"
)

// Mode is the active security mode of a session.
type Mode int

const (
	// ModePlaintext passes payloads unchanged. Only used before the
	// handshake completes.
	ModePlaintext Mode = iota

	// ModeSigned prefixes each payload with a fixed-length signature.
	ModeSigned

	// ModeEncrypted applies the hybrid RSA-OAEP + AES-CBC scheme.
	ModeEncrypted
)

func (m Mode) String() string {
	switch m {
	case ModePlaintext:
		return "plaintext"
	case ModeSigned:
		return "signature"
	case ModeEncrypted:
		return "encrypt"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ErrBadSignature indicates a received signed message failed verification.
// The message is discarded but the session stays usable; callers surface
// this as an application-level failure rather than a transport fault.
var ErrBadSignature = fmt.Errorf("session: invalid message signature")

// ErrTerminate is the clean-shutdown signal raised when a peer issues the
// exit control command. It unwinds the serving loop for one connection.
var ErrTerminate = fmt.Errorf("session: terminated")

// Session is the unit of state for one connection: the framed stream, the
// local keypair, the peer's public key once exchanged, and the current mode.
// Sessions share nothing with each other. A Session is not safe for
// concurrent use; one worker owns it for its lifetime.
type Session struct {
	log  *zap.SugaredLogger
	id   string
	conn *wire.Conn
	sec  *security.Manager

	mode       Mode
	handshaken bool

	remoteFingerprint string
}

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	logger     *zap.Logger
	secOpts    []security.Option
	maxPayload uint32
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *sessionConfig) {
		c.logger = l
	}
}

// WithKeySize sets the RSA modulus size in bits for the session keypair.
func WithKeySize(bits int) Option {
	return func(c *sessionConfig) {
		c.secOpts = append(c.secOpts, security.WithKeySize(bits))
	}
}

// WithAESKeySize sets the ephemeral AES key size in bytes.
func WithAESKeySize(n int) Option {
	return func(c *sessionConfig) {
		c.secOpts = append(c.secOpts, security.WithAESKeySize(n))
	}
}

// WithMaxPayload caps incoming frame sizes. Zero disables the cap.
func WithMaxPayload(n uint32) Option {
	return func(c *sessionConfig) {
		c.maxPayload = n
	}
}

// New builds a session over rwc with a freshly generated keypair.
// The session starts in plaintext mode awaiting a handshake.
func New(rwc io.ReadWriteCloser, opts ...Option) (*Session, error) {
	var cfg sessionConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	sec, err := security.NewManager(cfg.secOpts...)
	if err != nil {
		return nil, fmt.Errorf("building security manager: %w", err)
	}

	conn := wire.NewConn(rwc)
	conn.SetMaxPayload(cfg.maxPayload)

	id := uuid.NewString()
	return &Session{
		log:  cfg.logger.Named("session").Sugar().With("SessionID", id),
		id:   id,
		conn: conn,
		sec:  sec,
		mode: ModePlaintext,
	}, nil
}

// ID returns the session's unique ID.
func (s *Session) ID() string { return s.id }

// Mode returns the active security mode.
func (s *Session) Mode() Mode { return s.mode }

// Handshaken reports whether the key exchange has completed.
func (s *Session) Handshaken() bool { return s.handshaken }

// RemoteFingerprint returns the SHA-256 fingerprint of the peer's public
// key, or the empty string before the handshake.
func (s *Session) RemoteFingerprint() string { return s.remoteFingerprint }

// SwitchMode changes the active security mode. The change applies only to
// messages sent or received afterwards, never retroactively.
func (s *Session) SwitchMode(m Mode) {
	s.log.Debugw("switching security mode", "From", s.mode.String(), "To", m.String())
	s.mode = m
}

// Handshake performs the connecting side of the key exchange: send the
// local public key as one unprotected frame, load the peer's reply as the
// remote key, then enter signed mode. This exchange is the only traffic
// ever sent outside the active mode's protection.
func (s *Session) Handshake() error {
	if s.handshaken {
		return fmt.Errorf("session: handshake already completed")
	}
	if err := s.conn.Send(s.sec.ExportPublic()); err != nil {
		return fmt.Errorf("sending public key: %w", err)
	}
	reply, err := s.conn.Recv()
	if err != nil {
		return fmt.Errorf("receiving peer key: %w", err)
	}
	return s.finishHandshake(reply)
}

// AcceptHandshake performs the accepting side: receive the peer's public
// key, load it, reply with the local public key, then enter signed mode.
func (s *Session) AcceptHandshake() error {
	if s.handshaken {
		return fmt.Errorf("session: handshake already completed")
	}
	der, err := s.conn.Recv()
	if err != nil {
		return fmt.Errorf("receiving peer key: %w", err)
	}
	if err := s.loadPeer(der); err != nil {
		return err
	}
	if err := s.conn.Send(s.sec.ExportPublic()); err != nil {
		return fmt.Errorf("sending public key: %w", err)
	}
	s.mode = ModeSigned
	s.handshaken = true
	return nil
}

func (s *Session) finishHandshake(der []byte) error {
	if err := s.loadPeer(der); err != nil {
		return err
	}
	s.mode = ModeSigned
	s.handshaken = true
	return nil
}

func (s *Session) loadPeer(der []byte) error {
	if err := s.sec.LoadRemote(der); err != nil {
		return fmt.Errorf("loading peer key: %w", err)
	}
	s.remoteFingerprint = security.Fingerprint(der)
	s.log.Debugw("loaded peer key", "Fingerprint", s.remoteFingerprint)
	return nil
}

// Send wraps payload in the current mode's envelope and writes one frame.
func (s *Session) Send(payload []byte) error {
	env, err := s.protect(payload)
	if err != nil {
		return err
	}
	return s.conn.Send(env)
}

// Recv reads one frame and unwraps its envelope per the current mode.
//
// A failed signature check returns ErrBadSignature: the message is lost but
// the connection stays open and the next message is still processed. A
// padding fault surfaces security.ErrInvalidPadding and is fatal to the
// connection. A clean peer close returns wire.ErrClosed.
func (s *Session) Recv() ([]byte, error) {
	env, err := s.conn.Recv()
	if err != nil {
		return nil, err
	}
	return s.unprotect(env)
}

func (s *Session) protect(payload []byte) ([]byte, error) {
	switch s.mode {
	case ModeSigned:
		sig, err := s.sec.Sign(payload)
		if err != nil {
			return nil, err
		}
		return append(sig, payload...), nil
	case ModeEncrypted:
		return s.sec.Encrypt(payload)
	default:
		return payload, nil
	}
}

func (s *Session) unprotect(env []byte) ([]byte, error) {
	switch s.mode {
	case ModeSigned:
		n := s.sec.SignatureSize()
		if len(env) < n {
			return nil, ErrBadSignature
		}
		sig, body := env[:n], env[n:]
		ok, err := s.sec.Verify(body, sig)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Warnw("dropping message with invalid signature", "Bytes", len(body))
			return nil, ErrBadSignature
		}
		return body, nil
	case ModeEncrypted:
		return s.sec.Decrypt(env)
	default:
		return env, nil
	}
}

// Close releases the session's connection. The closed state is terminal.
func (s *Session) Close() error {
	return s.conn.Close()
}

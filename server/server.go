// Package server accepts shell-channel connections and serves each one to
// completion: handshake, then a receive/execute/respond loop under the
// session's active security mode. Sessions share nothing; each connection
// gets its own worker, keypair, and processor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"remsh/config"
	"remsh/executor"
	"remsh/security"
	"remsh/session"
	"remsh/wire"
)

// ProcessorFactory builds a fresh processor for one connection, wired to
// that connection's input upcall.
type ProcessorFactory func(input executor.InputFunc) executor.Processor

// Server owns the protocol listener and the status HTTP listener.
type Server struct {
	log    *zap.SugaredLogger
	logger *zap.Logger
	cfg    config.Config

	newProcessor ProcessorFactory

	ln         net.Listener
	statusLn   net.Listener
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*SessionStatus
	conns    map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithProcessorFactory overrides the per-connection processor. The default
// builds the shell executor.
func WithProcessorFactory(f ProcessorFactory) Option {
	return func(s *Server) {
		s.newProcessor = f
	}
}

// New builds a server from cfg.
func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		logger:   zap.NewNop(),
		cfg:      cfg,
		sessions: map[string]*SessionStatus{},
		conns:    map[net.Conn]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.logger.Named("server").Sugar()
	if s.newProcessor == nil {
		s.newProcessor = func(input executor.InputFunc) executor.Processor {
			return executor.NewShell(input, executor.WithLogger(s.logger))
		}
	}
	return s
}

// Start begins listening on the protocol and status addresses and serving
// connections in the background. Use Stop or Run for teardown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.ListenAddr, err)
	}
	s.ln = ln

	statusLn, err := net.Listen("tcp", s.cfg.Server.StatusAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.StatusAddr, err)
	}
	s.statusLn = statusLn
	s.httpServer = &http.Server{Handler: s.statusRouter()}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.group, _ = errgroup.WithContext(s.ctx)

	s.log.Infow("listening", "Addr", ln.Addr().String(), "StatusAddr", statusLn.Addr().String())

	s.group.Go(s.acceptLoop)
	s.group.Go(func() error {
		err := s.httpServer.Serve(statusLn)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return nil
}

// Run starts the server and blocks until ctx is cancelled or a listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-done:
		s.Stop()
		return err
	}
}

// Stop closes the listeners, cancels in-flight commands, closes live
// connections, and waits for connection workers to finish.
func (s *Server) Stop() error {
	s.cancel()
	s.ln.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	err := s.group.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the protocol listener address, useful when configured
// with port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// StatusAddr returns the status listener address.
func (s *Server) StatusAddr() string { return s.statusLn.Addr().String() }

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, conn.RemoteAddr().String())
		}()
	}
}

// handleConn serves one connection to completion. Nothing that happens on
// a single connection unwinds the accept loop.
func (s *Server) handleConn(conn net.Conn, remoteAddr string) {
	defer conn.Close()
	s.trackConn(conn)
	defer s.untrackConn(conn)

	sess, err := session.New(conn,
		session.WithLogger(s.logger),
		session.WithKeySize(s.cfg.Security.RSAKeySize),
		session.WithAESKeySize(s.cfg.Security.AESKeySize),
		session.WithMaxPayload(s.cfg.Server.MaxPayload),
	)
	if err != nil {
		s.log.Errorw("building session", "RemoteAddr", remoteAddr, "Error", err)
		return
	}

	if err := sess.AcceptHandshake(); err != nil {
		s.log.Warnw("handshake failed", "RemoteAddr", remoteAddr, "Error", err)
		return
	}
	s.log.Infow("session established",
		"SessionID", sess.ID(), "RemoteAddr", remoteAddr, "PeerFingerprint", sess.RemoteFingerprint())

	s.register(sess, remoteAddr)
	defer s.unregister(sess.ID())

	proc := s.newProcessor(func(prompt string) (string, error) {
		return s.requestInput(sess, prompt)
	})

	err = s.serve(sess, proc)
	switch {
	case err == nil, errors.Is(err, session.ErrTerminate):
		s.log.Infow("session terminated", "SessionID", sess.ID())
	case errors.Is(err, wire.ErrClosed):
		s.log.Infow("peer disconnected", "SessionID", sess.ID())
	case errors.Is(err, security.ErrInvalidPadding):
		// Integrity fault on the encrypted path: the channel's crypto
		// state is untrustworthy, so the connection goes down. The
		// server itself keeps accepting.
		s.log.Warnw("message integrity fault, closing connection", "SessionID", sess.ID(), "Error", err)
	default:
		s.log.Warnw("session error", "SessionID", sess.ID(), "Error", err)
	}
}

func (s *Server) serve(sess *session.Session, proc executor.Processor) error {
	for {
		payload, err := sess.Recv()
		if errors.Is(err, session.ErrBadSignature) {
			// Recovered per-message fault: answer with a synthesized
			// failure and keep reading.
			if err := s.sendResult(sess, executor.InvalidSignature()); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		stmt := string(payload)
		if session.IsControl(stmt) {
			res, terminate := s.handleControl(sess, stmt)
			if terminate {
				return session.ErrTerminate
			}
			if err := s.sendResult(sess, res); err != nil {
				return err
			}
			continue
		}

		if err := s.sendResult(sess, proc.Execute(s.ctx, stmt)); err != nil {
			return err
		}
	}
}

// handleControl interprets a control command. Mode switches mutate the
// session before the response is sent, so the response already travels
// under the new mode.
func (s *Server) handleControl(sess *session.Session, stmt string) (executor.Result, bool) {
	ctl, name := session.ParseControl(stmt)
	switch ctl {
	case session.ControlModeEncrypt:
		sess.SwitchMode(session.ModeEncrypted)
		s.setMode(sess.ID(), sess.Mode())
		return executor.OK(""), false
	case session.ControlModeSign:
		sess.SwitchMode(session.ModeSigned)
		s.setMode(sess.ID(), sess.Mode())
		return executor.OK("Warning: switching to insecure context.\n"), false
	case session.ControlModeQuery:
		return executor.OK(sess.Mode().String() + "\n"), false
	case session.ControlHelp:
		return executor.OK(s.cfg.Shell.HelpText()), false
	case session.ControlExit:
		return executor.Result{}, true
	default:
		return executor.OK(fmt.Sprintf("No metacommand named %s\n", name)), false
	}
}

// requestInput runs one round of the interactive input sub-protocol: an
// input-requested result goes out under the current mode, then a nested
// receive pulls the reply line. A signature failure on the nested receive
// aborts the pending request, which fails the in-progress command.
func (s *Server) requestInput(sess *session.Session, prompt string) (string, error) {
	if err := s.sendResult(sess, executor.InputRequest(prompt)); err != nil {
		return "", err
	}
	payload, err := sess.Recv()
	if err != nil {
		return "", fmt.Errorf("reading input response: %w", err)
	}
	return string(payload), nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) sendResult(sess *session.Session, res executor.Result) error {
	packed, err := res.Pack()
	if err != nil {
		return err
	}
	return sess.Send(packed)
}

// Package chatserver wires the registry, worker pool, epoll dispatcher and
// idle auditor into one runnable unit, the same way internal/server wired
// the hub, codec and TCP listener for the CAN bridge this package is
// descended from.
package chatserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-bcp-chatd/internal/auditor"
	"github.com/kstaniek/go-bcp-chatd/internal/dispatcher"
	"github.com/kstaniek/go-bcp-chatd/internal/logging"
	"github.com/kstaniek/go-bcp-chatd/internal/pool"
	"github.com/kstaniek/go-bcp-chatd/internal/registry"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen  = errors.New("listen")
	ErrPoller  = errors.New("poller_setup")
	ErrContext = errors.New("context_cancelled")
)

const (
	defaultPort         = 8080
	defaultWorkers      = 64
	defaultIdleTimeout  = 5 * time.Minute
	defaultTickInterval = dispatcher.DefaultTickInterval

	// DefaultShutdownGrace is the default drain bound for shutdown (the
	// cmd/chatd -shutdown-grace flag defaults to the same 10s). Shutdown
	// itself does not read it: it waits until the caller's ctx is done.
	DefaultShutdownGrace = 10 * time.Second
)

// Server owns the listening socket, epoll loop and worker pool for one
// chat instance.
type Server struct {
	mu   sync.RWMutex
	port int

	workers      int
	idleTimeout  time.Duration
	tickInterval time.Duration
	identity     string

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	logger *slog.Logger

	Reg  *registry.Registry
	Pool *pool.Pool

	disp   *dispatcher.Dispatcher
	sig    *dispatcher.SignalPipe
	tick   *dispatcher.TickPipe
	lnFd   int
	doneCh chan struct{}
}

type ServerOption func(*Server)

// New constructs a Server from functional options, applying the same
// zero-value-sensible defaults the CAN bridge's NewServer did.
func New(opts ...ServerOption) *Server {
	s := &Server{
		port:         defaultPort,
		workers:      defaultWorkers,
		idleTimeout:  defaultIdleTimeout,
		tickInterval: defaultTickInterval,
		identity:     "[Server]",
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		logger:       logging.L(),
		lnFd:         -1,
	}
	for _, o := range opts {
		o(s)
	}
	s.Reg = registry.New(s.identity)
	s.Pool = pool.New(s.workers)
	return s
}

func WithPort(p int) ServerOption {
	return func(s *Server) {
		if p > 0 {
			s.port = p
		}
	}
}

func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

func WithTickInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

func WithIdentity(name string) ServerOption {
	return func(s *Server) {
		if name != "" {
			s.identity = name
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Port() int               { s.mu.RLock(); defer s.mu.RUnlock(); return s.port }
func (s *Server) Ready() <-chan struct{}   { return s.readyCh }
func (s *Server) Errors() <-chan error     { return s.errCh }
func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve binds the listen socket, arms the epoll set and runs the event
// loop until Shutdown closes it or the loop's own signal pipe fires
// (spec §4.5).
func (s *Server) Serve(ctx context.Context) error {
	s.Pool.Start()

	lnFd, err := dispatcher.ListenTCP(s.Port())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	boundPort, err := dispatcher.BoundPort(lnFd)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.lnFd = lnFd
	s.port = boundPort
	s.mu.Unlock()

	poller, err := dispatcher.NewPoller()
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrPoller, err)
		s.setError(wrap)
		return wrap
	}
	sig, err := dispatcher.NewSignalPipe()
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrPoller, err)
		s.setError(wrap)
		return wrap
	}
	tick, err := dispatcher.NewTickPipe(s.tickInterval)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrPoller, err)
		s.setError(wrap)
		return wrap
	}
	s.sig = sig
	s.tick = tick

	au := auditor.New(s.Reg, s.Pool, poller, s.idleTimeout)
	s.disp = dispatcher.New(poller, lnFd, sig, tick, s.Reg, s.Pool, au)
	if err := s.disp.Arm(); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrPoller, err)
		s.setError(wrap)
		return wrap
	}

	s.doneCh = make(chan struct{})
	if s.readyCh != nil {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
	s.logger.Info("listen", "port", s.Port())
	s.logger.Info("ready")

	go func() {
		<-ctx.Done()
		_ = s.sig.Raise()
	}()

	runErr := s.disp.Run(func() { close(s.doneCh) })
	if runErr != nil {
		s.setError(runErr)
	}
	return runErr
}

// Shutdown stops the pool and tears down dispatcher resources. The pool is
// shut down in drain mode: tasks already queued run to completion, but a
// task that requeues itself after this point is dropped, so a connection
// mid-chain is not carried on to a stable state. Peer sockets are not
// closed here. If ctx is done first, Shutdown returns an ErrContext error.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sig != nil {
		_ = s.sig.Raise()
	}
	done := make(chan struct{})
	go func() {
		if s.doneCh != nil {
			<-s.doneCh
		}
		s.Pool.Shutdown(true)
		s.Pool.Join()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		if s.disp != nil {
			s.disp.Close()
		}
		s.mu.RLock()
		lnFd := s.lnFd
		s.mu.RUnlock()
		if lnFd >= 0 {
			_ = dispatcher.CloseFd(lnFd)
		}
		s.logger.Info("shutdown_summary", "active_connections", s.Reg.CountActive(), "registered_total", s.Reg.Count())
		return nil
	}
}

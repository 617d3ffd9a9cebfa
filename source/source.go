// Package source turns a listening socket into an ordered stream of raw
// connections. A failing Accept never ends the stream; only Stop or a closed
// listener does.
package source

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/netutil/reaper"
	"github.com/pkg/errors"

	"github.com/One-com/ozhost/rawconn"
)

// DefaultAddress is the loopback name bound when no address is given.
const DefaultAddress = "localhost"

const (
	defaultBacklog = 128
	minBackoff     = 5 * time.Millisecond
	maxBackoff     = time.Second
)

// BindError is returned by Start when the listening socket can't be created.
type BindError struct {
	Addr  string
	Cause error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %s", e.Addr, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e *BindError) Unwrap() error {
	return e.Cause
}

// AcceptError wraps a failure to accept a single connection.
type AcceptError struct {
	Cause error
}

// Error implements the error interface.
func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept failed: %s", e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e *AcceptError) Unwrap() error {
	return e.Cause
}

type options struct {
	logger            *log.Logger
	backlog           int
	ioActivityTimeout time.Duration
	reusePort         bool
	identify          func(net.Conn) rawconn.Identity
	onAcceptError     func(error)
}

// Option configures a Source.
type Option func(*options)

// Logger sets the logger accept failures are reported to.
func Logger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Backlog sets how many accepted connections may wait for a consumer before
// the accept loop blocks.
func Backlog(n int) Option {
	return func(o *options) {
		o.backlog = n
	}
}

// IOActivityTimeout closes connections which see no IO for the given duration.
func IOActivityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.ioActivityTimeout = d
	}
}

// ReusePort binds with SO_REUSEPORT where the platform has it, letting a
// reloaded host bind the port while the old one is still draining.
func ReusePort(enable bool) Option {
	return func(o *options) {
		o.reusePort = enable
	}
}

// Identifier attaches a platform identity to each accepted connection.
func Identifier(f func(net.Conn) rawconn.Identity) Option {
	return func(o *options) {
		o.identify = f
	}
}

// OnAcceptError is called for every failed Accept, after it has been logged.
func OnAcceptError(f func(error)) Option {
	return func(o *options) {
		o.onAcceptError = f
	}
}

// Source accepts connections and publishes them on a channel.
// The first retry after a failed Accept is immediate. Further consecutive
// failures back off from 5ms doubling up to 1s, so a persistent error such
// as descriptor exhaustion can't spin a CPU.
type Source struct {
	opts  options
	ln    net.Listener
	conns chan *rawconn.Conn

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
	finished chan struct{}
}

// Start binds address:port and begins accepting at once.
// An empty address binds DefaultAddress.
func Start(address string, port int, opts ...Option) (*Source, error) {
	if address == "" {
		address = DefaultAddress
	}
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var lc net.ListenConfig
	if o.reusePort {
		lc.Control = reusePortControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Cause: err}
	}
	return Listen(ln, opts...), nil
}

// Listen starts accepting on an already bound listener.
func Listen(ln net.Listener, opts ...Option) *Source {
	o := options{
		logger:  log.GetLogger("ozhost/source"),
		backlog: defaultBacklog,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backlog < 0 {
		o.backlog = 0
	}

	if o.ioActivityTimeout > 0 {
		ln = reaper.NewIOActivityTimeoutListener(ln, o.ioActivityTimeout, o.ioActivityTimeout/2)
	}

	s := &Source{
		opts:     o,
		ln:       ln,
		conns:    make(chan *rawconn.Conn, o.backlog),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go s.acceptLoop()
	return s
}

// Addr returns the bound address.
func (s *Source) Addr() net.Addr {
	return s.ln.Addr()
}

// Conns returns the stream of accepted connections. The channel is closed
// once the source has stopped.
func (s *Source) Conns() <-chan *rawconn.Conn {
	return s.conns
}

// Done is closed when the accept loop has exited.
func (s *Source) Done() <-chan struct{} {
	return s.finished
}

// Stop releases the listening socket. Calling it again is a no-op.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		err := s.ln.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.stopErr = err
		}
	})
	return s.stopErr
}

func (s *Source) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Source) acceptLoop() {
	defer close(s.finished)
	defer close(s.conns)

	var failures int
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				s.opts.logger.DEBUG("Listener closed", "addr", s.ln.Addr())
				return
			}
			s.reportAcceptError(err)
			if failures > 0 && !s.backoff(failures) {
				return
			}
			failures++
			continue
		}
		failures = 0

		var id rawconn.Identity
		if s.opts.identify != nil {
			id = s.opts.identify(nc)
		}

		select {
		case s.conns <- rawconn.New(nc, id):
		case <-s.done:
			nc.Close()
			return
		}
	}
}

func (s *Source) reportAcceptError(err error) {
	aerr := &AcceptError{Cause: err}
	s.opts.logger.WARN("Accept failed", "addr", s.ln.Addr(), "err", err)
	if s.opts.onAcceptError != nil {
		s.opts.onAcceptError(aerr)
	}
}

// backoff sleeps before retrying after consecutive failures.
// It returns false if the source was stopped meanwhile.
func (s *Source) backoff(failures int) bool {
	d := minBackoff << uint(failures-1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.done:
		return false
	}
}

package ozhost

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/One-com/gone/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/One-com/ozhost/adapter"
	"github.com/One-com/ozhost/pipeline"
	"github.com/One-com/ozhost/rawconn"
	"github.com/One-com/ozhost/source"
	"github.com/One-com/ozhost/staticfile"
)

// ErrHostStarted is returned by Start on a host which has already been started.
var ErrHostStarted = errors.New("host already started")

// HostOptions defines a dispatch host.
type HostOptions struct {
	Address string // defaults to localhost
	Port    int

	VirtualRoot  string // defaults to "/"
	PhysicalRoot string // relative paths are relative to the executable

	// Application serves what no module answered. Ignored if Pipeline is set
	// and can't take an application.
	Application http.Handler
	// Pipeline replaces the default pipeline.Runtime.
	Pipeline pipeline.Pipeline

	DisableStaticFiles bool
	StaticFileExclude  []string // defaults to the script extensions
	ScriptExtensions   []string // defaults to adapter.DefaultScriptExtensions

	MaxConcurrentRequests int // 0 means unbounded
	Backlog               int
	ReadHeaderTimeout     time.Duration
	IOActivityTimeout     time.Duration
	ReusePort             bool

	Identifier func(net.Conn) rawconn.Identity

	Logger    *log.Logger
	AccessLog io.Writer
	// Measure is called with status and body size once a request has completed.
	Measure func(status int, size int64)
	// OnAcceptError is called for every failed accept.
	OnAcceptError func(error)
}

// moduleRegistrar is implemented by pipelines taking begin-request modules.
type moduleRegistrar interface {
	RegisterModule(pipeline.Module)
}

// applicationSetter is implemented by pipelines hosting an http.Handler.
type applicationSetter interface {
	SetApplication(http.Handler)
}

// Host binds a port and runs every request arriving on it through a pipeline.
// A Host implements daemon.Server.
type Host struct {
	name   string
	opts   HostOptions
	logger *log.Logger

	mu         sync.Mutex
	roots      adapter.Roots
	pipeline   pipeline.Pipeline
	src        *source.Source
	group      *errgroup.Group
	dispatched chan struct{}

	alog     *hostAccessLog
	inflight int64
	served   int64
}

// NewHost returns a host which isn't bound yet. Call Start or Serve.
func NewHost(name string, opts HostOptions) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = log.GetLogger("ozhost/" + name)
	}
	h := &Host{
		name:   name,
		opts:   opts,
		logger: logger,
		alog:   newHostAccessLog(),
	}
	if opts.AccessLog != nil {
		h.alog.ToggleAccessLog(nil, opts.AccessLog)
	}
	return h
}

// Name returns the host name.
func (h *Host) Name() string {
	return h.name
}

// Addr returns the bound address, or nil before Start.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.src == nil {
		return nil
	}
	return h.src.Addr()
}

// Roots returns the resolved roots. They are zero before Start.
func (h *Host) Roots() adapter.Roots {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roots
}

// InFlight returns the number of requests being processed.
func (h *Host) InFlight() int64 {
	return atomic.LoadInt64(&h.inflight)
}

// Served returns the number of requests completed.
func (h *Host) Served() int64 {
	return atomic.LoadInt64(&h.served)
}

// ToggleAccessLog replaces old with new among the access log outputs.
// Either may be nil.
func (h *Host) ToggleAccessLog(old, new io.Writer) {
	h.alog.ToggleAccessLog(old, new)
}

// Start resolves the roots, assembles the pipeline and binds the port.
// Connections are dispatched from then on.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.src != nil {
		return ErrHostStarted
	}

	roots, err := adapter.ResolveRoots(h.opts.VirtualRoot, h.opts.PhysicalRoot)
	if err != nil {
		return errors.Wrapf(err, "host %s", h.name)
	}

	pl := h.opts.Pipeline
	if pl == nil {
		pl = pipeline.NewRuntime(nil)
	}

	exts := h.opts.ScriptExtensions
	if len(exts) == 0 {
		exts = adapter.DefaultScriptExtensions
	}

	if !h.opts.DisableStaticFiles {
		if r, ok := pl.(moduleRegistrar); ok {
			exclude := h.opts.StaticFileExclude
			if exclude == nil {
				exclude = exts
			}
			r.RegisterModule(staticfile.New(staticfile.Exclude(exclude...)))
		} else {
			h.logger.WARN("Pipeline takes no modules, static files disabled", "host", h.name)
		}
	}
	if h.opts.Application != nil {
		if s, ok := pl.(applicationSetter); ok {
			s.SetApplication(h.opts.Application)
		} else {
			h.logger.WARN("Pipeline takes no application", "host", h.name)
		}
	}

	srcopts := []source.Option{
		source.Logger(h.logger),
		source.IOActivityTimeout(h.opts.IOActivityTimeout),
		source.ReusePort(h.opts.ReusePort),
	}
	if h.opts.Backlog > 0 {
		srcopts = append(srcopts, source.Backlog(h.opts.Backlog))
	}
	if h.opts.Identifier != nil {
		srcopts = append(srcopts, source.Identifier(h.opts.Identifier))
	}
	if h.opts.OnAcceptError != nil {
		srcopts = append(srcopts, source.OnAcceptError(h.opts.OnAcceptError))
	}

	// The socket is bound last; nothing may arrive before the pipeline is complete.
	src, err := source.Start(h.opts.Address, h.opts.Port, srcopts...)
	if err != nil {
		return err
	}

	h.roots = roots
	h.pipeline = pl
	h.src = src
	h.group = new(errgroup.Group)
	if h.opts.MaxConcurrentRequests > 0 {
		h.group.SetLimit(h.opts.MaxConcurrentRequests)
	}
	h.dispatched = make(chan struct{})

	h.logger.INFO("Host started", "host", h.name, "addr", src.Addr(), "root", roots.Physical, "vroot", roots.Virtual)

	go h.dispatchLoop(src, exts)
	return nil
}

// Stop releases the socket. Requests in flight are left to finish on their own.
// Calling Stop again, or on a host never started, does nothing.
func (h *Host) Stop() error {
	h.mu.Lock()
	src := h.src
	h.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Stop()
}

// Wait blocks until the host is stopped and every request has completed.
func (h *Host) Wait() {
	h.mu.Lock()
	dispatched, group := h.dispatched, h.group
	h.mu.Unlock()
	if dispatched == nil {
		return
	}
	<-dispatched
	group.Wait()
}

// Description implements daemon.Server.
func (h *Host) Description() string {
	addr := net.JoinHostPort(h.opts.Address, strconv.Itoa(h.opts.Port))
	if a := h.Addr(); a != nil {
		addr = a.String()
	}
	return "Host " + h.name + " on " + addr
}

// Serve implements daemon.Server. The host is started unless it already is,
// and serves until ctx is cancelled. Requests in flight are then allowed to complete.
func (h *Host) Serve(ctx context.Context) error {
	err := h.Start()
	if err != nil && err != ErrHostStarted {
		h.logger.ERROR("Host failed to start", "host", h.name, "err", err)
		return err
	}

	h.mu.Lock()
	src := h.src
	h.mu.Unlock()

	trackHost(h)
	defer untrackHost(h)

	select {
	case <-ctx.Done():
	case <-src.Done():
		h.logger.INFO("Host stopped accepting", "host", h.name)
	}

	err = h.Stop()
	h.logger.INFO("Host draining", "host", h.name, "inflight", h.InFlight())
	h.Wait()
	h.logger.INFO("Host stopped", "host", h.name, "served", h.Served())
	return err
}

func (h *Host) dispatchLoop(src *source.Source, exts []string) {
	defer close(h.dispatched)
	for c := range src.Conns() {
		c := c
		atomic.AddInt64(&h.inflight, 1)
		h.group.Go(func() error {
			defer atomic.AddInt64(&h.inflight, -1)
			h.handle(c, exts)
			return nil
		})
	}
}

// handle runs one connection from request to close. Nothing escapes it.
func (h *Host) handle(c *rawconn.Conn, exts []string) {
	defer h.complete(c)

	err := c.ReadRequest(h.opts.ReadHeaderTimeout)
	if err != nil {
		remote, _ := c.RemoteEndpoint()
		if errors.Is(err, io.EOF) {
			h.logger.DEBUG("Connection closed before request", "remote", remote)
			c.Close()
			return
		}
		h.logger.WARN("Malformed request", "remote", remote, "err", err)
		c.WriteError(http.StatusBadRequest)
		return
	}

	wr, err := adapter.New(c, h.roots, adapter.ScriptExtensions(exts...))
	if err != nil {
		h.logger.ERROR("Could not adapt request", "err", err)
		c.WriteError(http.StatusInternalServerError)
		return
	}

	ctx, err := pipeline.NewContext(context.Background(), wr, "", h.logger)
	if err != nil {
		h.logger.ERROR("Could not create request context", "err", err)
		c.WriteError(http.StatusInternalServerError)
		return
	}
	logger := pipeline.LoggerFromContext(ctx)

	if err = h.process(ctx, c, wr); err != nil {
		logger.ERROR("Request failed", "method", wr.HTTPVerbName(), "uri", wr.RawURL(), "err", err)
	}
	if err = wr.EndOfRequest(); err != nil {
		logger.DEBUG("Closing connection", "err", err)
	}
}

// process invokes the pipeline, turning a panic into an error.
func (h *Host) process(ctx context.Context, c *rawconn.Conn, wr pipeline.WorkerRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("pipeline panic: %v", r)
			if !c.Committed() && !c.Closed() {
				c.WriteError(http.StatusInternalServerError)
			}
		}
	}()
	return h.pipeline.ProcessRequest(ctx, wr)
}

// complete records a finished request, including the ones answered with 400.
func (h *Host) complete(c *rawconn.Conn) {
	defer atomic.AddInt64(&h.served, 1)
	// Nothing to log for a connection closed before sending a request.
	if c.Request() == nil && !c.Committed() {
		return
	}
	h.alog.Log(c, time.Now())
	if h.opts.Measure != nil {
		h.opts.Measure(c.Status(), c.Written())
	}
}

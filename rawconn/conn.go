// Package rawconn holds a single accepted HTTP/1.x transaction: one request read
// from a socket and one response written back before the socket is closed.
package rawconn

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// maxDiscardBytes bounds how much unread request body is drained before closing,
// so the client gets the response instead of a reset.
const maxDiscardBytes = 256 << 10

const discardTimeout = time.Second

// statusNewlineToSpace keeps a status description on the status line.
var statusNewlineToSpace = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Identity is a principal the platform authenticated before the request reached us.
type Identity interface {
	Name() string
	AuthenticationType() string
	Token() uintptr
}

// TranslationError is returned when the bytes on a connection can't be turned
// into a request the pipeline understands.
type TranslationError struct {
	Cause error
}

// Error implements the error interface.
func (e *TranslationError) Error() string {
	return fmt.Sprintf("malformed request: %s", e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e *TranslationError) Unwrap() error {
	return e.Cause
}

// Conn is one accepted connection carrying exactly one request.
// A Conn is owned by a single goroutine from accept to Close.
type Conn struct {
	nc       net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	identity Identity
	accepted time.Time

	req            *http.Request
	expectContinue bool

	status      int
	description string
	header      http.Header
	wroteHeader bool
	written     int64

	closeOnce sync.Once
	closeErr  error
	closed    int32
}

// New wraps an accepted connection. id may be nil.
func New(nc net.Conn, id Identity) *Conn {
	return &Conn{
		nc:       nc,
		br:       bufio.NewReader(nc),
		bw:       bufio.NewWriter(nc),
		identity: id,
		accepted: time.Now(),
		header:   make(http.Header),
	}
}

// ReadRequest parses the request line, headers and body framing.
// A non-zero timeout bounds the time spent reading the header block.
func (c *Conn) ReadRequest(timeout time.Duration) error {
	if timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(timeout))
		defer c.nc.SetReadDeadline(time.Time{})
	}

	req, err := http.ReadRequest(c.br)
	if err != nil {
		return &TranslationError{Cause: err}
	}
	if req.ProtoMajor != 1 {
		return &TranslationError{Cause: errors.Errorf("unsupported protocol %s", req.Proto)}
	}
	c.req = req
	c.expectContinue = req.ProtoAtLeast(1, 1) && strings.EqualFold(req.Header.Get("Expect"), "100-continue")
	return nil
}

// Request returns the parsed request, or nil before ReadRequest succeeded.
func (c *Conn) Request() *http.Request {
	return c.req
}

// Identity returns the authenticated principal, or nil.
func (c *Conn) Identity() Identity {
	return c.identity
}

// Accepted is the time the connection was accepted.
func (c *Conn) Accepted() time.Time {
	return c.accepted
}

// LocalEndpoint returns the address and port the connection was accepted on.
func (c *Conn) LocalEndpoint() (string, int) {
	return splitAddr(c.nc.LocalAddr())
}

// RemoteEndpoint returns the address and port of the client.
func (c *Conn) RemoteEndpoint() (string, int) {
	return splitAddr(c.nc.RemoteAddr())
}

func splitAddr(a net.Addr) (string, int) {
	if a == nil {
		return "", 0
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// Read reads from the request body. A client waiting for "100 Continue"
// is sent the interim response on the first read.
func (c *Conn) Read(p []byte) (int, error) {
	if c.req == nil {
		return 0, io.EOF
	}
	if c.expectContinue {
		c.expectContinue = false
		if !c.wroteHeader {
			c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
			if err := c.bw.Flush(); err != nil {
				return 0, err
			}
		}
	}
	return c.req.Body.Read(p)
}

// SetStatus sets the response status. An empty description uses the standard text.
func (c *Conn) SetStatus(code int, description string) {
	c.status = code
	c.description = description
}

// Header returns the response headers. They can be changed until the first
// body byte is written or flushed.
func (c *Conn) Header() http.Header {
	return c.header
}

// Status returns the response status code.
func (c *Conn) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

// Written returns the number of body bytes written.
func (c *Conn) Written() int64 {
	return c.written
}

// Committed reports whether the status line and headers have been sent.
func (c *Conn) Committed() bool {
	return c.wroteHeader
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Conn) bodyAllowed() bool {
	if c.req != nil && c.req.Method == http.MethodHead {
		return false
	}
	status := c.Status()
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func (c *Conn) writeHeader() error {
	if c.wroteHeader {
		return nil
	}
	c.wroteHeader = true

	status := c.Status()
	desc := statusNewlineToSpace.Replace(c.description)
	if desc == "" {
		desc = http.StatusText(status)
	}
	proto := "HTTP/1.1"
	if c.req != nil && !c.req.ProtoAtLeast(1, 1) {
		proto = "HTTP/1.0"
	}

	// One transaction per connection.
	c.header.Set("Connection", "close")
	c.header.Del("Transfer-Encoding")
	if c.header.Get("Date") == "" {
		c.header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	fmt.Fprintf(c.bw, "%s %03d %s\r\n", proto, status, desc)
	if err := c.header.Write(c.bw); err != nil {
		return err
	}
	_, err := c.bw.WriteString("\r\n")
	return err
}

// Write writes response body bytes, committing the header block first.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.writeHeader(); err != nil {
		return 0, err
	}
	if !c.bodyAllowed() {
		return len(p), nil
	}
	n, err := c.bw.Write(p)
	c.written += int64(n)
	return n, err
}

// Flush pushes buffered output to the client. It can be called any number of times.
func (c *Conn) Flush() error {
	if err := c.writeHeader(); err != nil {
		return err
	}
	return c.bw.Flush()
}

// WriteError sends a minimal plain text response and closes the connection.
func (c *Conn) WriteError(code int) error {
	c.SetStatus(code, "")
	c.header = make(http.Header)
	c.header.Set("Content-Type", "text/plain; charset=utf-8")
	body := http.StatusText(code) + "\n"
	c.header.Set("Content-Length", strconv.Itoa(len(body)))
	if _, err := io.WriteString(c, body); err != nil {
		c.Close()
		return err
	}
	return c.Close()
}

// Abort closes the socket without flushing buffered output, so a client
// reading a partial response sees it cut short. It counts as the Close.
func (c *Conn) Abort() error {
	c.closeOnce.Do(func() {
		if tcp, ok := c.nc.(*net.TCPConn); ok {
			tcp.SetLinger(0)
		}
		cerr := c.nc.Close()
		atomic.StoreInt32(&c.closed, 1)
		c.closeErr = errors.Wrap(cerr, "aborting connection")
	})
	return c.closeErr
}

// Close ends the transaction: the response is flushed, the write side shut
// down and the socket closed. Only the first call has any effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		// A connection which never carried a request gets no response.
		var werr error
		if c.req != nil || c.wroteHeader {
			werr = c.Flush()
		}

		if cw, ok := c.nc.(interface{ CloseWrite() error }); ok && werr == nil {
			cw.CloseWrite()
		}
		if c.req != nil && c.req.Body != nil {
			c.nc.SetReadDeadline(time.Now().Add(discardTimeout))
			io.CopyN(io.Discard, c.req.Body, maxDiscardBytes)
		}

		cerr := c.nc.Close()
		atomic.StoreInt32(&c.closed, 1)

		switch {
		case werr != nil:
			c.closeErr = errors.Wrap(werr, "flushing response")
		case cerr != nil:
			c.closeErr = errors.Wrap(cerr, "closing connection")
		}
	})
	return c.closeErr
}

package rawconn

import (
	"bytes"
	"errors"
	"io"
	"io/ioutil"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in     *strings.Reader
	out    bytes.Buffer
	closed int
	local  net.Addr
	remote net.Addr
}

func newFakeConn(input string) *fakeConn {
	return &fakeConn{
		in:     strings.NewReader(input),
		local:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080},
		remote: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50123},
	}
}

func (c *fakeConn) Read(p []byte) (int, error)         { return c.in.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error)        { return c.out.Write(p) }
func (c *fakeConn) Close() error                       { c.closed++; return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return c.local }
func (c *fakeConn) RemoteAddr() net.Addr               { return c.remote }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type testIdentity struct{}

func (testIdentity) Name() string               { return "DOMAIN\\alice" }
func (testIdentity) AuthenticationType() string { return "Negotiate" }
func (testIdentity) Token() uintptr             { return 42 }

func TestReadRequestAndRespond(t *testing.T) {
	nc := newFakeConn("GET /a/b?x=1 HTTP/1.1\r\nHost: example\r\nUser-Agent: test\r\n\r\n")
	c := New(nc, nil)

	require.NoError(t, c.ReadRequest(time.Second))
	req := c.Request()
	require.NotNil(t, req)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a/b?x=1", req.RequestURI)
	assert.Equal(t, "example", req.Host)

	c.SetStatus(201, "")
	c.Header().Set("Content-Type", "text/plain")
	_, err := io.WriteString(c, "hello")
	require.NoError(t, err)
	assert.True(t, c.Committed())
	require.NoError(t, c.Close())

	out := nc.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 201 Created\r\n"), out)
	assert.Contains(t, out, "Connection: close\r\n")
	assert.Contains(t, out, "Content-Type: text/plain\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\nhello"), out)
	assert.Equal(t, int64(5), c.Written())
	assert.Equal(t, 201, c.Status())
}

func TestCloseIsIdempotent(t *testing.T) {
	nc := newFakeConn("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))

	assert.False(t, c.Closed())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.Equal(t, 1, nc.closed)
	assert.Equal(t, 1, strings.Count(nc.out.String(), "HTTP/1.1 200 OK"))
}

func TestMalformedRequest(t *testing.T) {
	c := New(newFakeConn("this is not http\r\n\r\n"), nil)
	err := c.ReadRequest(0)
	require.Error(t, err)

	var terr *TranslationError
	assert.True(t, errors.As(err, &terr))
	assert.Nil(t, c.Request())
}

func TestUnsupportedProtocol(t *testing.T) {
	c := New(newFakeConn("GET / HTTP/2.0\r\nHost: x\r\n\r\n"), nil)
	err := c.ReadRequest(0)
	var terr *TranslationError
	assert.True(t, errors.As(err, &terr))
}

func TestEmptyConnectionIsEOF(t *testing.T) {
	nc := newFakeConn("")
	c := New(nc, nil)
	err := c.ReadRequest(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF))

	require.NoError(t, c.Close())
	assert.False(t, c.Committed())
	assert.Empty(t, nc.out.String())
}

func TestHeadHasNoBody(t *testing.T) {
	nc := newFakeConn("HEAD / HTTP/1.1\r\nHost: x\r\n\r\n")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))

	c.Header().Set("Content-Length", "5")
	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, c.Close())

	out := nc.out.String()
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"), out)
	assert.Equal(t, int64(0), c.Written())
}

func TestNotModifiedHasNoBody(t *testing.T) {
	nc := newFakeConn("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))

	c.SetStatus(304, "")
	c.Write([]byte("ignored"))
	require.NoError(t, c.Close())
	assert.NotContains(t, nc.out.String(), "ignored")
}

func TestHTTP10StatusLine(t *testing.T) {
	nc := newFakeConn("GET / HTTP/1.0\r\n\r\n")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))
	require.NoError(t, c.Close())
	assert.True(t, strings.HasPrefix(nc.out.String(), "HTTP/1.0 200 OK\r\n"))
}

func TestCustomStatusDescription(t *testing.T) {
	nc := newFakeConn("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))
	c.SetStatus(299, "Fine Indeed")
	require.NoError(t, c.Close())
	assert.True(t, strings.HasPrefix(nc.out.String(), "HTTP/1.1 299 Fine Indeed\r\n"))
}

func TestStatusDescriptionStaysOnStatusLine(t *testing.T) {
	nc := newFakeConn("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))
	c.SetStatus(200, "OK\r\nSet-Cookie: evil=1\nX: y\r")
	require.NoError(t, c.Close())

	out := nc.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK Set-Cookie: evil=1 X: y \r\n"), out)
	assert.NotContains(t, out, "\r\nSet-Cookie")
}

func TestAbortDiscardsBufferedOutput(t *testing.T) {
	nc := newFakeConn("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))

	io.WriteString(c, "partial")
	require.NoError(t, c.Abort())
	assert.True(t, c.Closed())
	assert.Equal(t, 1, nc.closed)
	assert.Empty(t, nc.out.String())

	// The abort took the place of Close.
	require.NoError(t, c.Close())
	assert.Equal(t, 1, nc.closed)
	assert.Empty(t, nc.out.String())
}

func TestExpectContinue(t *testing.T) {
	nc := newFakeConn("POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\ndata")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))

	assert.Empty(t, nc.out.String())
	body, err := ioutil.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "data", string(body))
	assert.True(t, strings.HasPrefix(nc.out.String(), "HTTP/1.1 100 Continue\r\n\r\n"))

	require.NoError(t, c.Close())
	assert.Contains(t, nc.out.String(), "HTTP/1.1 200 OK\r\n")
}

func TestUnreadBodyIsDrained(t *testing.T) {
	nc := newFakeConn("POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 4\r\n\r\ndata")
	c := New(nc, nil)
	require.NoError(t, c.ReadRequest(0))
	require.NoError(t, c.Close())
	assert.Equal(t, 0, nc.in.Len())
}

func TestWriteError(t *testing.T) {
	nc := newFakeConn("")
	c := New(nc, nil)
	c.Header().Set("X-Dropped", "yes")

	require.NoError(t, c.WriteError(400))
	out := nc.out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400 Bad Request\r\n"), out)
	assert.NotContains(t, out, "X-Dropped")
	assert.True(t, strings.HasSuffix(out, "Bad Request\n"))
	assert.True(t, c.Closed())
}

func TestEndpointsAndIdentity(t *testing.T) {
	c := New(newFakeConn(""), testIdentity{})

	addr, port := c.LocalEndpoint()
	assert.Equal(t, "127.0.0.1", addr)
	assert.Equal(t, 8080, port)

	addr, port = c.RemoteEndpoint()
	assert.Equal(t, "127.0.0.1", addr)
	assert.Equal(t, 50123, port)

	require.NotNil(t, c.Identity())
	assert.Equal(t, uintptr(42), c.Identity().Token())
	assert.False(t, c.Accepted().IsZero())
}

func TestSplitAddrFallback(t *testing.T) {
	addr, port := splitAddr(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"})
	assert.Equal(t, "/tmp/sock", addr)
	assert.Equal(t, 0, port)

	addr, port = splitAddr(nil)
	assert.Equal(t, "", addr)
	assert.Equal(t, 0, port)
}

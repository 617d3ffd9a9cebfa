// Package adapter presents a raw connection to the pipeline as a
// pipeline.WorkerRequest and carries the pipeline's output back to the
// connection.
package adapter

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/One-com/ozhost/pipeline"
	"github.com/One-com/ozhost/rawconn"
)

// DefaultScriptExtensions are the markers ending the file part of a request
// path, in priority order.
var DefaultScriptExtensions = []string{".aspx", ".asmx"}

// FileAccessError is returned when a file can't be sent as response body.
type FileAccessError struct {
	Path  string
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *FileAccessError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e *FileAccessError) Unwrap() error {
	return e.Cause
}

// Option configures a Request.
type Option func(*Request)

// ScriptExtensions replaces DefaultScriptExtensions.
func ScriptExtensions(exts ...string) Option {
	return func(r *Request) {
		r.extensions = exts
	}
}

// Request is the worker request for one connection.
type Request struct {
	conn       *rawconn.Conn
	req        *http.Request
	roots      Roots
	extensions []string
}

var _ pipeline.WorkerRequest = (*Request)(nil)
var _ pipeline.HeaderAppender = (*Request)(nil)

// New adapts a connection whose request has been read.
func New(c *rawconn.Conn, roots Roots, opts ...Option) (*Request, error) {
	req := c.Request()
	if req == nil {
		return nil, &rawconn.TranslationError{Cause: errors.New("request not read")}
	}
	r := &Request{
		conn:       c,
		req:        req,
		roots:      roots,
		extensions: DefaultScriptExtensions,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ----------------------------------------------------------------------------
// Read side

func (r *Request) HTTPVerbName() string {
	return r.req.Method
}

func (r *Request) HTTPVersion() string {
	return FormatVersion(r.req.ProtoMajor, r.req.ProtoMinor)
}

// FormatVersion formats a protocol version as HTTP/<major>.<minor>.
func FormatVersion(major, minor int) string {
	return fmt.Sprintf("HTTP/%d.%d", major, minor)
}

func (r *Request) RawURL() string {
	return r.req.RequestURI
}

func (r *Request) QueryString() string {
	return QueryString(r.req.RequestURI)
}

// QueryString returns what follows the first '?' of a raw target, or "".
func QueryString(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i != -1 {
		return rawURL[i+1:]
	}
	return ""
}

func (r *Request) URIPath() string {
	return r.req.URL.Path
}

func (r *Request) LocalAddress() string {
	addr, _ := r.conn.LocalEndpoint()
	return addr
}

func (r *Request) LocalPort() int {
	_, port := r.conn.LocalEndpoint()
	return port
}

func (r *Request) RemoteAddress() string {
	addr, _ := r.conn.RemoteEndpoint()
	return addr
}

func (r *Request) RemotePort() int {
	_, port := r.conn.RemoteEndpoint()
	return port
}

func (r *Request) AppPath() string {
	return r.roots.Virtual
}

func (r *Request) AppPathTranslated() string {
	return r.roots.Physical
}

func (r *Request) FilePath() string {
	return FilePath(r.URIPath(), r.extensions)
}

func (r *Request) PathInfo() string {
	return PathInfo(r.URIPath(), r.FilePath())
}

func (r *Request) FilePathTranslated() string {
	return r.roots.Translate(r.FilePath())
}

// FilePath cuts path after the first extension found, trying exts in order.
// The path is returned unchanged when none is present.
func FilePath(path string, exts []string) string {
	for _, ext := range exts {
		if ext == "" {
			continue
		}
		if i := strings.Index(path, ext); i != -1 {
			return path[:i+len(ext)]
		}
	}
	return path
}

// PathInfo returns the part of path following filePath.
func PathInfo(path, filePath string) string {
	if len(filePath) == len(path) {
		return ""
	}
	return path[len(filePath):]
}

func (r *Request) header(name string) string {
	switch http.CanonicalHeaderKey(name) {
	case "Host":
		return r.req.Host
	case "Transfer-Encoding":
		return strings.Join(r.req.TransferEncoding, ", ")
	}
	return strings.Join(r.req.Header.Values(name), ", ")
}

func (r *Request) KnownRequestHeader(index int) string {
	name := pipeline.KnownRequestHeaderName(index)
	if name == "" {
		return ""
	}
	return r.header(name)
}

func (r *Request) UnknownRequestHeader(name string) string {
	return r.header(name)
}

// UnknownRequestHeaders returns one name/value pair per value of every header
// outside the known set, sorted by name.
func (r *Request) UnknownRequestHeaders() [][2]string {
	names := make([]string, 0, len(r.req.Header))
	for name := range r.req.Header {
		if pipeline.KnownRequestHeaderIndex(name) == -1 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	pairs := make([][2]string, 0, len(names))
	for _, name := range names {
		for _, v := range r.req.Header[name] {
			pairs = append(pairs, [2]string{name, v})
		}
	}
	return pairs
}

func (r *Request) ServerVariable(name string) string {
	id := r.conn.Identity()
	switch name {
	case "HTTPS":
		if r.req.TLS != nil {
			return "on"
		}
		return "off"
	case "HTTP_USER_AGENT":
		return r.req.UserAgent()
	case "LOGON_USER":
		if id == nil {
			return ""
		}
		return id.Name()
	case "AUTH_TYPE":
		if id == nil {
			return ""
		}
		return id.AuthenticationType()
	}
	return ""
}

// maxEmptyReads bounds how often a body read may return nothing before giving up.
const maxEmptyReads = 100

// ReadEntityBody reads at most len(buf) body bytes. It returns 0 at the end of the body.
func (r *Request) ReadEntityBody(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for i := 0; i < maxEmptyReads; i++ {
		n, err := r.conn.Read(buf)
		if err == io.EOF {
			return n, nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
	return 0, io.ErrNoProgress
}

func (r *Request) UserToken() uintptr {
	id := r.conn.Identity()
	if id == nil {
		return 0
	}
	return id.Token()
}

// ----------------------------------------------------------------------------
// Write side

func (r *Request) SendStatus(code int, description string) {
	r.conn.SetStatus(code, description)
}

func (r *Request) SendKnownResponseHeader(index int, value string) {
	name := pipeline.KnownResponseHeaderName(index)
	if name == "" {
		return
	}
	r.conn.Header().Set(name, value)
}

func (r *Request) SendUnknownResponseHeader(name, value string) {
	r.conn.Header().Set(name, value)
}

// AddResponseHeader adds a value without replacing earlier ones.
func (r *Request) AddResponseHeader(name, value string) {
	r.conn.Header().Add(name, value)
}

func (r *Request) SendResponseFromMemory(data []byte) error {
	_, err := r.conn.Write(data)
	return err
}

// SendResponseFromFile sends length bytes of filename starting at offset.
// A negative length sends the rest of the file.
func (r *Request) SendResponseFromFile(filename string, offset, length int64) error {
	f, err := os.Open(filename)
	if err != nil {
		return &FileAccessError{Path: filename, Op: "open", Cause: err}
	}
	defer f.Close()

	if offset > 0 {
		if _, err = f.Seek(offset, io.SeekStart); err != nil {
			return &FileAccessError{Path: filename, Op: "seek", Cause: err}
		}
	}

	fr := &fileReader{f: f}
	var src io.Reader = fr
	if length >= 0 {
		src = io.LimitReader(fr, length)
	}
	_, err = io.Copy(r.conn, src)
	if fr.err != nil {
		return &FileAccessError{Path: filename, Op: "read", Cause: fr.err}
	}
	return errors.Wrapf(err, "sending %s", filename)
}

// fileReader remembers read errors so they can be told apart from write errors.
type fileReader struct {
	f   *os.File
	err error
}

func (fr *fileReader) Read(p []byte) (int, error) {
	n, err := fr.f.Read(p)
	if err != nil && err != io.EOF {
		fr.err = err
	}
	return n, err
}

func (r *Request) FlushResponse(final bool) error {
	return r.conn.Flush()
}

// AbortRequest drops the connection without completing the response.
func (r *Request) AbortRequest() error {
	return r.conn.Abort()
}

// EndOfRequest closes the response and the connection. Repeated calls are harmless.
func (r *Request) EndOfRequest() error {
	return r.conn.Close()
}

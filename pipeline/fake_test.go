package pipeline

import (
	"bytes"
	"io"
	"net/http"
	"strings"
)

// fakeRequest is an in-memory WorkerRequest.
type fakeRequest struct {
	method  string
	version string
	raw     string
	known   map[int]string
	unknown [][2]string
	body    *strings.Reader

	status  int
	desc    string
	header  http.Header
	out     bytes.Buffer
	files   []string
	flushes int
	finals  int
	ended   int
	aborted int
	endErr  error
	readErr error
}

func newFakeRequest(method, raw string) *fakeRequest {
	return &fakeRequest{
		method:  method,
		version: "HTTP/1.1",
		raw:     raw,
		known:   map[int]string{HeaderHost: "example.com"},
		body:    strings.NewReader(""),
		header:  make(http.Header),
	}
}

func (f *fakeRequest) HTTPVerbName() string { return f.method }
func (f *fakeRequest) HTTPVersion() string  { return f.version }
func (f *fakeRequest) RawURL() string       { return f.raw }
func (f *fakeRequest) QueryString() string {
	if i := strings.IndexByte(f.raw, '?'); i >= 0 {
		return f.raw[i+1:]
	}
	return ""
}
func (f *fakeRequest) URIPath() string {
	if i := strings.IndexByte(f.raw, '?'); i >= 0 {
		return f.raw[:i]
	}
	return f.raw
}
func (f *fakeRequest) LocalAddress() string       { return "127.0.0.1" }
func (f *fakeRequest) LocalPort() int             { return 8080 }
func (f *fakeRequest) RemoteAddress() string      { return "10.0.0.1" }
func (f *fakeRequest) RemotePort() int            { return 40000 }
func (f *fakeRequest) AppPath() string            { return "/" }
func (f *fakeRequest) AppPathTranslated() string  { return "/srv/" }
func (f *fakeRequest) FilePath() string           { return f.URIPath() }
func (f *fakeRequest) PathInfo() string           { return "" }
func (f *fakeRequest) FilePathTranslated() string { return "/srv" + f.URIPath() }

func (f *fakeRequest) KnownRequestHeader(index int) string { return f.known[index] }
func (f *fakeRequest) UnknownRequestHeader(name string) string {
	for _, kv := range f.unknown {
		if http.CanonicalHeaderKey(kv[0]) == http.CanonicalHeaderKey(name) {
			return kv[1]
		}
	}
	return ""
}
func (f *fakeRequest) UnknownRequestHeaders() [][2]string { return f.unknown }
func (f *fakeRequest) ServerVariable(name string) string  { return "" }

func (f *fakeRequest) ReadEntityBody(buf []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	n, err := f.body.Read(buf)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}
func (f *fakeRequest) UserToken() uintptr { return 0 }

func (f *fakeRequest) SendStatus(code int, description string) {
	f.status = code
	f.desc = description
}
func (f *fakeRequest) SendKnownResponseHeader(index int, value string) {
	f.header.Set(KnownResponseHeaderName(index), value)
}
func (f *fakeRequest) SendUnknownResponseHeader(name, value string) {
	f.header.Set(name, value)
}
func (f *fakeRequest) AddResponseHeader(name, value string) {
	f.header.Add(name, value)
}
func (f *fakeRequest) SendResponseFromMemory(data []byte) error {
	f.out.Write(data)
	return nil
}
func (f *fakeRequest) SendResponseFromFile(filename string, offset, length int64) error {
	f.files = append(f.files, filename)
	return nil
}
func (f *fakeRequest) FlushResponse(final bool) error {
	f.flushes++
	if final {
		f.finals++
	}
	return nil
}
func (f *fakeRequest) EndOfRequest() error {
	f.ended++
	return f.endErr
}
func (f *fakeRequest) AbortRequest() error {
	f.aborted++
	return nil
}

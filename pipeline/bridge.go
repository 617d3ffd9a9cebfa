package pipeline

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TranslationError is returned when a worker request can't be expressed as an http.Request.
type TranslationError struct {
	Cause error
}

// Error implements the error interface.
func (e *TranslationError) Error() string {
	return fmt.Sprintf("untranslatable request: %s", e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e *TranslationError) Unwrap() error {
	return e.Cause
}

// NewHTTPRequest builds an http.Request reading its body through the worker request.
func NewHTTPRequest(ctx context.Context, wr WorkerRequest) (*http.Request, error) {
	raw := wr.RawURL()
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, &TranslationError{Cause: err}
	}
	proto := wr.HTTPVersion()
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok {
		return nil, &TranslationError{Cause: errors.Errorf("bad protocol version %q", proto)}
	}

	header := make(http.Header)
	for i := 0; i < RequestHeaderMaximum; i++ {
		if v := wr.KnownRequestHeader(i); v != "" {
			header.Set(KnownRequestHeaderName(i), v)
		}
	}
	for _, kv := range wr.UnknownRequestHeaders() {
		header.Add(kv[0], kv[1])
	}

	host := header.Get("Host")
	header.Del("Host")

	var body io.ReadCloser = http.NoBody
	var contentLength int64
	if cl := header.Get("Content-Length"); cl != "" {
		contentLength, err = strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || contentLength < 0 {
			return nil, &TranslationError{Cause: errors.Errorf("bad Content-Length %q", cl)}
		}
		if contentLength > 0 {
			body = entityBody{wr: wr}
		}
	} else if te := header.Get("Transfer-Encoding"); strings.Contains(strings.ToLower(te), "chunked") {
		contentLength = -1
		body = entityBody{wr: wr}
	}
	header.Del("Transfer-Encoding")

	req := &http.Request{
		Method:        wr.HTTPVerbName(),
		URL:           u,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        header,
		Body:          body,
		ContentLength: contentLength,
		Host:          host,
		RemoteAddr:    net.JoinHostPort(wr.RemoteAddress(), strconv.Itoa(wr.RemotePort())),
		RequestURI:    raw,
		Close:         true,
	}
	return req.WithContext(ctx), nil
}

type entityBody struct {
	wr WorkerRequest
}

func (b entityBody) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := b.wr.ReadEntityBody(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (b entityBody) Close() error {
	return nil
}

// responseWriter is an http.ResponseWriter writing through a worker request.
type responseWriter struct {
	wr          WorkerRequest
	header      http.Header
	wroteHeader bool
}

// NewResponseWriter returns an http.ResponseWriter (and http.Flusher) writing to wr.
// The caller must call FinishResponse when the handler has returned.
func NewResponseWriter(wr WorkerRequest) http.ResponseWriter {
	return &responseWriter{wr: wr, header: make(http.Header)}
}

// FinishResponse commits the status of a writer made by NewResponseWriter if
// the handler never wrote, and flushes it.
func FinishResponse(w http.ResponseWriter) error {
	rw, ok := w.(*responseWriter)
	if !ok {
		return nil
	}
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.wr.FlushResponse(true)
}

func (w *responseWriter) Header() http.Header {
	return w.header
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.wr.SendStatus(code, http.StatusText(code))

	appender, canAppend := w.wr.(HeaderAppender)
	for name, values := range w.header {
		if len(values) == 0 {
			continue
		}
		if i := KnownResponseHeaderIndex(name); i >= 0 {
			w.wr.SendKnownResponseHeader(i, values[0])
		} else {
			w.wr.SendUnknownResponseHeader(name, values[0])
		}
		for _, v := range values[1:] {
			if canAppend {
				appender.AddResponseHeader(name, v)
			} else {
				w.wr.SendUnknownResponseHeader(name, v)
			}
		}
	}
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		if w.header.Get("Content-Type") == "" && len(p) > 0 {
			w.header.Set("Content-Type", http.DetectContentType(p))
		}
		w.WriteHeader(http.StatusOK)
	}
	if err := w.wr.SendResponseFromMemory(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *responseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.wr.FlushResponse(false)
}

// Package pipeline defines the contract between the host and the request
// processing engine: the WorkerRequest a request is presented as, the Pipeline
// entry point, and begin-request Modules which may answer a request before the
// application sees it.
//
// Runtime is the default Pipeline. It runs registered modules in order and then
// hands the request to an ordinary http.Handler through a bridge, so existing
// net/http code can be hosted unchanged.
package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/One-com/gone/log"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by a Module which has nothing to serve for a request.
// It is not a failure; routing simply continues.
var ErrNotFound = errors.New("content not found")

// WorkerRequest is the per-request view the pipeline reads from and writes to.
type WorkerRequest interface {
	HTTPVerbName() string
	HTTPVersion() string
	RawURL() string
	QueryString() string
	URIPath() string
	LocalAddress() string
	LocalPort() int
	RemoteAddress() string
	RemotePort() int

	AppPath() string
	AppPathTranslated() string
	FilePath() string
	PathInfo() string
	FilePathTranslated() string

	KnownRequestHeader(index int) string
	UnknownRequestHeader(name string) string
	UnknownRequestHeaders() [][2]string
	ServerVariable(name string) string

	ReadEntityBody(buf []byte) (int, error)
	UserToken() uintptr

	SendStatus(code int, description string)
	SendKnownResponseHeader(index int, value string)
	SendUnknownResponseHeader(name, value string)
	SendResponseFromMemory(data []byte) error
	SendResponseFromFile(filename string, offset, length int64) error
	FlushResponse(final bool) error
	EndOfRequest() error
}

// HeaderAppender is implemented by worker requests able to send several
// values for the same response header.
type HeaderAppender interface {
	AddResponseHeader(name, value string)
}

// Aborter is implemented by worker requests able to drop the connection
// without completing the response.
type Aborter interface {
	AbortRequest() error
}

// Pipeline processes one request. Implementations must finish by calling
// EndOfRequest on the worker request.
type Pipeline interface {
	ProcessRequest(ctx context.Context, wr WorkerRequest) error
}

// PipelineFunc adapts a function to the Pipeline interface.
type PipelineFunc func(ctx context.Context, wr WorkerRequest) error

// ProcessRequest implements Pipeline.
func (f PipelineFunc) ProcessRequest(ctx context.Context, wr WorkerRequest) error {
	return f(ctx, wr)
}

// Module is invoked at the start of each request, before the application.
// Returning handled=true means the module has produced the full response.
type Module interface {
	BeginRequest(ctx context.Context, wr WorkerRequest) (handled bool, err error)
}

// ModuleFunc adapts a function to the Module interface.
type ModuleFunc func(ctx context.Context, wr WorkerRequest) (bool, error)

// BeginRequest implements Module.
func (f ModuleFunc) BeginRequest(ctx context.Context, wr WorkerRequest) (bool, error) {
	return f(ctx, wr)
}

// ----------------------------------------------------------------------------
// Per request context

type contextKey int

const (
	requestKey contextKey = iota
	requestIDKey
	loggerKey
)

// RequestIDHeader is read for an incoming request id.
const RequestIDHeader = "X-Request-ID"

// RequestIDLogKey is the log key the request id is attached under.
const RequestIDLogKey = "rid"

// NewContext returns a context carrying the worker request, its id and a logger
// tagged with the id. An empty id is taken from the X-Request-ID header or generated.
func NewContext(parent context.Context, wr WorkerRequest, id string, logger *log.Logger) (context.Context, error) {
	if id == "" {
		id = wr.UnknownRequestHeader(RequestIDHeader)
	}
	if id == "" {
		var err error
		id, err = newRequestID()
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx := context.WithValue(parent, requestKey, wr)
	ctx = context.WithValue(ctx, requestIDKey, id)
	ctx = context.WithValue(ctx, loggerKey, logger.With(RequestIDLogKey, id))
	return ctx, nil
}

// RequestFromContext returns the worker request being processed, or nil.
func RequestFromContext(ctx context.Context) WorkerRequest {
	wr, _ := ctx.Value(requestKey).(WorkerRequest)
	return wr
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// LoggerFromContext returns the request logger, falling back to the default logger.
func LoggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}

// random version 4 UUID
func newRequestID() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:]), nil
}

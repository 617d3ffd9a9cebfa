package pipeline

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
)

// ErrAborted is returned by ProcessRequest when the application aborted the
// response with http.ErrAbortHandler.
var ErrAborted = errors.New("application aborted the response")

// Runtime is the default Pipeline: begin-request modules followed by an http.Handler.
// Modules and the application must be set up before the first request.
type Runtime struct {
	modules []Module
	handler http.Handler
}

// NewRuntime returns a Runtime serving handler. A nil handler answers 404
// to everything no module handled.
func NewRuntime(handler http.Handler) *Runtime {
	return &Runtime{handler: handler}
}

// RegisterModule appends a begin-request module.
func (rt *Runtime) RegisterModule(m Module) {
	rt.modules = append(rt.modules, m)
}

// SetApplication replaces the application handler.
func (rt *Runtime) SetApplication(h http.Handler) {
	rt.handler = h
}

// ProcessRequest implements Pipeline. EndOfRequest is always called.
func (rt *Runtime) ProcessRequest(ctx context.Context, wr WorkerRequest) (err error) {
	defer func() {
		if eerr := wr.EndOfRequest(); eerr != nil && err == nil {
			err = eerr
		}
	}()

	logger := LoggerFromContext(ctx)

	for _, m := range rt.modules {
		handled, merr := m.BeginRequest(ctx, wr)
		if merr != nil && !errors.Is(merr, ErrNotFound) {
			logger.ERROR("Module failed", "uri", wr.RawURL(), "err", merr)
		}
		if handled {
			return nil
		}
	}

	handler := rt.handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	w := NewResponseWriter(wr)
	req, err := NewHTTPRequest(ctx, wr)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		FinishResponse(w)
		return err
	}

	err = serveApplication(handler, w, req)
	if errors.Is(err, ErrAborted) {
		if a, ok := wr.(Aborter); ok {
			a.AbortRequest()
		}
		return err
	}
	if err != nil {
		FinishResponse(w)
		return err
	}
	return FinishResponse(w)
}

// serveApplication runs the handler. A panic becomes an error, and a 500
// if nothing was sent yet. http.ErrAbortHandler becomes ErrAborted with
// nothing written.
func serveApplication(h http.Handler, w http.ResponseWriter, req *http.Request) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if r == http.ErrAbortHandler {
			err = ErrAborted
			return
		}
		err = errors.Errorf("application panic: %v", r)
		if rw, ok := w.(*responseWriter); ok && !rw.wroteHeader {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}()
	h.ServeHTTP(w, req)
	return nil
}

// Package staticfile is a begin-request module serving files found below the
// physical root of the application. A request for anything that isn't a
// regular file is declined so the application gets to route it.
package staticfile

import (
	"context"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/One-com/ozhost/pipeline"
)

var (
	errInvalidRange  = errors.New("invalid range")
	errUnsatisfiable = errors.New("range not satisfiable")
)

// Option configures a Module.
type Option func(*Module)

// Exclude prevents files with the given extensions from being served.
// Script sources belong to the application, not to the client.
func Exclude(exts ...string) Option {
	return func(m *Module) {
		for _, ext := range exts {
			m.exclude[strings.ToLower(ext)] = struct{}{}
		}
	}
}

// Module serves static files.
type Module struct {
	exclude map[string]struct{}
}

var _ pipeline.Module = (*Module)(nil)

// New returns a static file Module.
func New(opts ...Option) *Module {
	m := &Module{exclude: make(map[string]struct{})}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginRequest implements pipeline.Module. Requests for missing files are
// declined with pipeline.ErrNotFound.
func (m *Module) BeginRequest(ctx context.Context, wr pipeline.WorkerRequest) (bool, error) {
	method := wr.HTTPVerbName()
	if method != http.MethodGet && method != http.MethodHead {
		return false, nil
	}

	name := wr.FilePathTranslated()
	if _, excluded := m.exclude[strings.ToLower(filepath.Ext(name))]; excluded {
		return false, pipeline.ErrNotFound
	}
	if !within(wr.AppPathTranslated(), name) {
		return false, pipeline.ErrNotFound
	}

	fi, err := os.Stat(name)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return false, pipeline.ErrNotFound
		}
		return false, errors.Wrapf(err, "stat %s", name)
	}
	if !fi.Mode().IsRegular() {
		return false, pipeline.ErrNotFound
	}

	return true, serve(wr, name, fi)
}

// within reports whether name lies inside root.
func within(root, name string) bool {
	root = filepath.Clean(root)
	name = filepath.Clean(name)
	return strings.HasPrefix(name, root+string(filepath.Separator))
}

func serve(wr pipeline.WorkerRequest, name string, fi os.FileInfo) error {
	modtime := fi.ModTime()
	size := fi.Size()
	lastModified := modtime.UTC().Format(http.TimeFormat)

	if ims := wr.KnownRequestHeader(pipeline.HeaderIfModifiedSince); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modtime.Truncate(time.Second).After(t) {
			wr.SendStatus(http.StatusNotModified, "")
			wr.SendKnownResponseHeader(pipeline.HeaderLastModified, lastModified)
			return nil
		}
	}

	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	wr.SendKnownResponseHeader(pipeline.HeaderContentType, ctype)
	wr.SendKnownResponseHeader(pipeline.HeaderLastModified, lastModified)
	wr.SendKnownResponseHeader(pipeline.HeaderAcceptRanges, "bytes")

	status := http.StatusOK
	var offset int64
	length := size
	if rng := wr.KnownRequestHeader(pipeline.HeaderRange); rng != "" {
		start, n, err := parseRange(rng, size)
		switch err {
		case nil:
			status = http.StatusPartialContent
			offset, length = start, n
			wr.SendKnownResponseHeader(pipeline.HeaderContentRange,
				"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(start+n-1, 10)+"/"+strconv.FormatInt(size, 10))
		case errUnsatisfiable:
			wr.SendStatus(http.StatusRequestedRangeNotSatisfiable, "")
			wr.SendKnownResponseHeader(pipeline.HeaderContentRange, "bytes */"+strconv.FormatInt(size, 10))
			wr.SendKnownResponseHeader(pipeline.HeaderContentLength, "0")
			return nil
		}
		// other malformed ranges are ignored and the whole file is sent
	}

	wr.SendStatus(status, "")
	wr.SendKnownResponseHeader(pipeline.HeaderContentLength, strconv.FormatInt(length, 10))
	if wr.HTTPVerbName() == http.MethodHead || length == 0 {
		return nil
	}
	return wr.SendResponseFromFile(name, offset, length)
}

// parseRange parses a single "bytes=" range against a file of the given size.
func parseRange(s string, size int64) (start, length int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(s, prefix) {
		return 0, 0, errInvalidRange
	}
	spec := strings.TrimSpace(s[len(prefix):])
	if strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}
	i := strings.IndexByte(spec, '-')
	if i < 0 {
		return 0, 0, errInvalidRange
	}
	first, last := strings.TrimSpace(spec[:i]), strings.TrimSpace(spec[i+1:])

	if first == "" {
		// suffix range: the final n bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errInvalidRange
		}
		if n == 0 || size == 0 {
			return 0, 0, errUnsatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, n, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errInvalidRange
	}
	if start >= size {
		return 0, 0, errUnsatisfiable
	}
	end := size - 1
	if last != "" {
		e, err := strconv.ParseInt(last, 10, 64)
		if err != nil || e < start {
			return 0, 0, errInvalidRange
		}
		if e < end {
			end = e
		}
	}
	return start, end - start + 1, nil
}

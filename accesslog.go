package ozhost

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/One-com/gone/daemon"
	"github.com/One-com/gone/daemon/ctrl"
	"github.com/One-com/gone/log"

	"github.com/One-com/gone/http/handlers/accesslog"

	"github.com/One-com/ozhost/rawconn"
)

// accessLogToggler is anything writing access log lines to swappable outputs.
// Both hosts and audited applications are.
type accessLogToggler interface {
	ToggleAccessLog(old, new io.Writer)
}

var _ accessLogToggler = (*Host)(nil)

// representing an active accesslog file and the host logging to it.
type activeAccesslog struct {
	name     string
	filename string
	target   accessLogToggler
	writer   io.WriteCloser
}

// a global registry of all active accesslogs
var registryLock sync.Mutex
var registry map[string]*activeAccesslog

// a control socket command to control the access logs.
var accessLogControl = newAccessLogCommand(daemon.Log)

func init() {
	registry = make(map[string]*activeAccesslog)
	ctrl.RegisterCommand("alog", accessLogControl)
}

// ReopenAccessLogFiles opens the configured accesslog files and atomically replaces
// the old filehandles with the new ones - and closes the old file handles.
func ReopenAccessLogFiles() {
	registryLock.Lock()
	defer registryLock.Unlock()

	log.NOTICE("Reopening access log files")
	for _, spec := range registry {
		file, err := accessLogFile(spec.filename)
		if err != nil {
			log.ERROR("Could not reopen accesslog", "err", err, "file", spec.filename)
			continue
		}
		spec.target.ToggleAccessLog(spec.writer, file)
		spec.writer.Close()
		spec.writer = file
	}
}

func registerAccessLogFile(name, filename string, target accessLogToggler, w io.WriteCloser) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = &activeAccesslog{name: name, filename: filename, writer: w, target: target}
}

// attachAccessLog opens accessLogDest for the host and makes it tappable from
// the control socket. The returned cleanup detaches and closes the file.
func attachAccessLog(h *Host, accessLogDest string) (cleanup daemon.CleanupFunc, err error) {
	accessLogControl.RegisterLogTarget(h.Name(), h)

	if accessLogDest == "" {
		return nil, nil
	}

	log.INFO("Opening logfile", "file", accessLogDest)
	out, err := accessLogFile(accessLogDest)
	if err != nil {
		log.CRIT("Unable to open access log", "file", accessLogDest, "err", err)
		return nil, err
	}
	if f, ok := log.DEBUGok(); ok {
		f(fmt.Sprintf("Setting up access log: %s", accessLogDest))
	}
	registerAccessLogFile(h.Name(), accessLogDest, h, out)
	h.ToggleAccessLog(nil, out)

	cleanup = func() error {
		registryLock.Lock()
		defer registryLock.Unlock()
		spec, ok := registry[h.Name()]
		if !ok || spec.target != accessLogToggler(h) {
			return nil
		}
		delete(registry, h.Name())
		h.ToggleAccessLog(spec.writer, nil)
		log.INFO("Closing logfile", "file", accessLogDest)
		return spec.writer.Close()
	}
	return cleanup, nil
}

// wrapAuditHandler takes an http.Handler and wraps it in a accesslog capable handler which also does a callback to the provided audit function.
func wrapAuditHandler(name string, h http.Handler, mfunc accesslog.AuditFunction) accesslog.DynamicLogHandler {
	oh := accesslog.NewDynamicLogHandler(h, mfunc)
	accessLogControl.RegisterLogTarget(name, oh)
	return oh
}

func accessLogFile(dest string) (file io.WriteCloser, err error) {

	if dest == "" {
		err = fmt.Errorf("Invalid access log specification: \"\"")
		return
	}

	switch dest[0] {
	case '|':
		err = fmt.Errorf("Unimplemented access log spec: |")
		return
	case '/': // file
		fallthrough
	default:
		file, err = os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, os.ModeAppend|0640)
	}
	return
}

// ----------------------------------------------------------------------------

// hostAccessLog writes a common log format line per completed request to
// every attached output.
type hostAccessLog struct {
	mu   sync.RWMutex
	outs []io.Writer
}

func newHostAccessLog() *hostAccessLog {
	return &hostAccessLog{}
}

func (a *hostAccessLog) ToggleAccessLog(old, new io.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old != nil {
		for i, w := range a.outs {
			if w == old {
				a.outs = append(a.outs[:i:i], a.outs[i+1:]...)
				break
			}
		}
	}
	if new != nil {
		a.outs = append(a.outs, new)
	}
}

func (a *hostAccessLog) Log(c *rawconn.Conn, now time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.outs) == 0 {
		return
	}
	line := commonLogLine(c, now)
	for _, w := range a.outs {
		w.Write(line)
	}
}

// commonLogLine formats a completed request in Common Log Format.
// A request which could not be parsed is logged as "-".
func commonLogLine(c *rawconn.Conn, now time.Time) []byte {
	req := c.Request()
	remote, _ := c.RemoteEndpoint()
	user := "-"
	if id := c.Identity(); id != nil && id.Name() != "" {
		user = id.Name()
	}
	size := "-"
	if n := c.Written(); n > 0 {
		size = strconv.FormatInt(n, 10)
	}

	var b strings.Builder
	b.WriteString(remote)
	b.WriteString(" - ")
	b.WriteString(user)
	b.WriteString(" [")
	b.WriteString(now.Format("02/Jan/2006:15:04:05 -0700"))
	b.WriteString("] \"")
	if req != nil {
		b.WriteString(req.Method)
		b.WriteByte(' ')
		b.WriteString(req.RequestURI)
		b.WriteByte(' ')
		b.WriteString(req.Proto)
	} else {
		// unparsable request
		b.WriteByte('-')
	}
	b.WriteString("\" ")
	b.WriteString(strconv.Itoa(c.Status()))
	b.WriteByte(' ')
	b.WriteString(size)
	b.WriteByte('\n')
	return []byte(b.String())
}

// -----------------------------  Control socket ------------------------------------

// A command turning on/off accesslog for registered hosts and applications.

type accessLogCommand struct {
	mu      sync.Mutex
	targets map[string]accessLogToggler
	logger  daemon.LoggerFunc
}

func (lc *accessLogCommand) Reset() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.targets = make(map[string]accessLogToggler)
}

func (lc *accessLogCommand) RegisterLogTarget(name string, t accessLogToggler) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.targets[name] = t
}

func (lc *accessLogCommand) ShortUsage() (syntax, comment string) {
	syntax = "-list | <host>"
	comment = "Output accesslog"
	return
}

func (lc *accessLogCommand) Usage(cmd string, w io.Writer) {
	fmt.Fprintln(w, cmd, "-list       List hosts and applications")
	fmt.Fprintln(w, cmd, "<host>      Output access log for this host or application")
}

func (lc *accessLogCommand) Invoke(ctx context.Context, w io.Writer, cmd string, args []string) (async func(), persistent string, err error) {

	fs := flag.NewFlagSet("alog", flag.ContinueOnError)
	list := fs.Bool("list", false, "List hosts and applications capable of access log")
	fs.SetOutput(w)
	err = fs.Parse(args)
	if err != nil {
		fmt.Fprintf(w, "Syntax error: %s", err.Error())
		return
	}

	if *list && fs.NArg() == 0 {
		lc.mu.Lock()
		names := make([]string, 0, len(lc.targets))
		for name := range lc.targets {
			names = append(names, name)
		}
		lc.mu.Unlock()
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintln(w, name)
		}
		return
	}

	args = fs.Args()

	var tname string
	if len(args) == 1 {
		tname = args[0]
	}
	lc.mu.Lock()
	target, ok := lc.targets[tname]
	lc.mu.Unlock()
	if !ok {
		fmt.Fprintln(w, "No logging")
		return
	}

	argstr := strings.Join(args, " ")
	persistent = strings.Join([]string{cmd, argstr}, " ")

	async = func() {
		lc.logger(daemon.LvlINFO, "Turning on accesslog")
		target.ToggleAccessLog(nil, w)
		<-ctx.Done()
		lc.logger(daemon.LvlINFO, "Turning off accesslog")
		target.ToggleAccessLog(w, nil)
	}
	return
}

func newAccessLogCommand(logger daemon.LoggerFunc) *accessLogCommand {
	lc := &accessLogCommand{logger: logger}
	lc.Reset()
	return lc
}

package ozhost

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/One-com/gone/daemon"
	"github.com/One-com/gone/log"
	"github.com/One-com/gone/sd"
)

var procControl = &procCommand{}

// hosts currently being served, for status reporting
var (
	liveHostsLock sync.Mutex
	liveHosts     = make(map[*Host]struct{})
)

func trackHost(h *Host) {
	liveHostsLock.Lock()
	defer liveHostsLock.Unlock()
	liveHosts[h] = struct{}{}
}

func untrackHost(h *Host) {
	liveHostsLock.Lock()
	defer liveHostsLock.Unlock()
	delete(liveHosts, h)
}

// writeStatus writes a line per live host, sorted by description.
func writeStatus(w io.Writer) {
	liveHostsLock.Lock()
	hosts := make([]*Host, 0, len(liveHosts))
	for h := range liveHosts {
		hosts = append(hosts, h)
	}
	liveHostsLock.Unlock()

	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Description() < hosts[j].Description()
	})
	if len(hosts) == 0 {
		fmt.Fprintln(w, "No hosts")
		return
	}
	for _, h := range hosts {
		fmt.Fprintf(w, "%s: root=%s inflight=%d served=%d\n", h.Description(), h.Roots().Physical, h.InFlight(), h.Served())
	}
}

// ---------------------------------------------------------------
// A simple control socket command controlling the daemon process

type procCommand struct{}

func (p *procCommand) ShortUsage() (syntax, comment string) {
	syntax = "[status|reload|respawn|kill|stop <timeout seconds>]"
	comment = "control the daemon process"
	return
}

func (p *procCommand) Usage(cmd string, w io.Writer) {
	fmt.Fprintln(w, cmd, "status                   List hosts and their load")
	fmt.Fprintln(w, cmd, "reload                   Configure new hosts, drain the old")
	fmt.Fprintln(w, cmd, "respawn                  Replace the process")
	fmt.Fprintln(w, cmd, "kill                     Exit now")
	fmt.Fprintln(w, cmd, "stop <timeout seconds>   Exit gracefully")
}

func (p *procCommand) Invoke(ctx context.Context, w io.Writer, cmd string, args []string) (async func(), persistent string, err error) {
	if len(args) == 0 {
		p.Usage(cmd, w)
		return
	}
	switch args[0] {
	case "status":
		writeStatus(w)
	case "reload":
		onSignalReload()
	case "kill":
		onSignalExit()
	case "stop":
		var timeout time.Duration
		if len(args) > 1 && args[1] != "" {
			var to int
			to, err = strconv.Atoi(args[1])
			if err != nil {
				return
			}
			timeout = time.Second * time.Duration(to)
		}
		log.Printf("Graceful Exit - timeout: %s", timeout.String())
		sd.Notify(0, "STOPPING=1")
		daemon.ExitGracefulWithTimeout(timeout)
	case "respawn":
		onSignalRespawn()
	default:
		fmt.Fprintln(w, "Unknown action")
	}
	return
}

package ozhost

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// isolateLiveHosts hides hosts tracked by other tests.
func isolateLiveHosts(t *testing.T) {
	liveHostsLock.Lock()
	saved := liveHosts
	liveHosts = make(map[*Host]struct{})
	liveHostsLock.Unlock()
	t.Cleanup(func() {
		liveHostsLock.Lock()
		liveHosts = saved
		liveHostsLock.Unlock()
	})
}

func TestWriteStatus(t *testing.T) {
	isolateLiveHosts(t)
	var out bytes.Buffer
	writeStatus(&out)
	assert.Equal(t, "No hosts\n", out.String())

	b := NewHost("bstatus", HostOptions{Port: 2})
	a := NewHost("astatus", HostOptions{Port: 1})
	trackHost(b)
	trackHost(a)
	defer untrackHost(a)
	defer untrackHost(b)

	out.Reset()
	writeStatus(&out)
	assert.Equal(t,
		"Host astatus on :1: root= inflight=0 served=0\n"+
			"Host bstatus on :2: root= inflight=0 served=0\n",
		out.String())
}

func TestProcCommand(t *testing.T) {
	isolateLiveHosts(t)
	var out bytes.Buffer
	_, _, err := procControl.Invoke(context.Background(), &out, "proc", nil)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "status")

	out.Reset()
	_, _, err = procControl.Invoke(context.Background(), &out, "proc", []string{"bogus"})
	assert.NoError(t, err)
	assert.Equal(t, "Unknown action\n", out.String())

	out.Reset()
	_, _, err = procControl.Invoke(context.Background(), &out, "proc", []string{"status"})
	assert.NoError(t, err)
	assert.Equal(t, "No hosts\n", out.String())

	_, _, err = procControl.Invoke(context.Background(), &out, "proc", []string{"stop", "soon"})
	assert.Error(t, err)
}

package ozhost

import (
	"bufio"
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/One-com/ozhost/pipeline"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startHost(t *testing.T, opts HostOptions) *Host {
	t.Helper()
	opts.Address = "127.0.0.1"
	opts.Port = 0
	if opts.PhysicalRoot == "" {
		opts.PhysicalRoot = t.TempDir()
	}
	h := NewHost("test", opts)
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		h.Stop()
		h.Wait()
	})
	return h
}

// exchange sends raw on a fresh connection and reads the response.
func exchange(h *Host, raw string) (*http.Response, string, error) {
	conn, err := net.Dial("tcp", h.Addr().String())
	if err != nil {
		return nil, "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err = conn.Write([]byte(raw)); err != nil {
		return nil, "", err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return nil, "", err
	}
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body), err
}

func roundTrip(t *testing.T, h *Host, raw string) (*http.Response, string) {
	t.Helper()
	resp, body, err := exchange(h, raw)
	require.NoError(t, err)
	return resp, body
}

func rawGet(path string) string {
	return "GET " + path + " HTTP/1.1\r\nHost: test\r\n\r\n"
}

func TestHostServesStaticFilesThenApplication(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("static"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "page.aspx"), []byte("<% source %>"), 0644))

	h := startHost(t, HostOptions{
		PhysicalRoot: root,
		Application: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("app " + r.URL.Path))
		}),
	})

	resp, body := roundTrip(t, h, rawGet("/hello.txt"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "static", body)
	assert.True(t, resp.Close)

	resp, body = roundTrip(t, h, rawGet("/page.aspx/info"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "app /page.aspx/info", body)

	resp, body = roundTrip(t, h, rawGet("/missing"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "app /missing", body)
}

func TestHostWithoutApplication(t *testing.T) {
	h := startHost(t, HostOptions{})
	resp, _ := roundTrip(t, h, rawGet("/missing"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHostAbortedResponse(t *testing.T) {
	h := startHost(t, HostOptions{
		Application: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("never sent"))
			panic(http.ErrAbortHandler)
		}),
	})
	_, _, err := exchange(h, rawGet("/abort"))
	assert.Error(t, err)
}

func TestHostMalformedRequest(t *testing.T) {
	var alog syncBuffer
	var mu sync.Mutex
	var statuses []int
	h := startHost(t, HostOptions{
		AccessLog: &alog,
		Measure: func(status int, size int64) {
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		},
	})
	resp, _ := roundTrip(t, h, "NOT HTTP AT ALL\r\n\r\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Eventually(t, func() bool { return h.Served() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, alog.String(), `] "-" 400 12`)
	mu.Lock()
	assert.Equal(t, []int{400}, statuses)
	mu.Unlock()
}

func TestHostEmptyConnection(t *testing.T) {
	var alog syncBuffer
	h := startHost(t, HostOptions{AccessLog: &alog})
	conn, err := net.Dial("tcp", h.Addr().String())
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool { return h.Served() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), h.InFlight())
	assert.Empty(t, alog.String())
}

func TestHostConcurrentRequestsAreIndependent(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()

	pl := pipeline.PipelineFunc(func(ctx context.Context, wr pipeline.WorkerRequest) error {
		arrived.Done()
		select {
		case <-both:
		case <-time.After(5 * time.Second):
			return nil
		}
		if wr.URIPath() == "/fail" {
			panic("request failed")
		}
		wr.SendStatus(http.StatusOK, "")
		wr.SendResponseFromMemory([]byte("ok"))
		return wr.EndOfRequest()
	})
	h := startHost(t, HostOptions{Pipeline: pl, DisableStaticFiles: true})

	type result struct {
		status int
		body   string
		err    error
	}
	results := make(chan result, 2)
	for _, path := range []string{"/fail", "/ok"} {
		path := path
		go func() {
			resp, body, err := exchange(h, rawGet(path))
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{status: resp.StatusCode, body: body}
		}()
	}

	got := map[int]string{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			got[r.status] = r.body
		case <-time.After(10 * time.Second):
			t.Fatal("request did not complete")
		}
	}
	assert.Equal(t, "ok", got[http.StatusOK])
	assert.Contains(t, got, http.StatusInternalServerError)
}

func TestHostAccessLogAndMeasure(t *testing.T) {
	var alog syncBuffer
	var mu sync.Mutex
	var measured [][2]int64

	h := startHost(t, HostOptions{
		AccessLog: &alog,
		Application: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte("hi"))
		}),
		Measure: func(status int, size int64) {
			mu.Lock()
			measured = append(measured, [2]int64{int64(status), size})
			mu.Unlock()
		},
	})

	roundTrip(t, h, rawGet("/x?y=1"))
	require.Eventually(t, func() bool { return h.Served() == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, alog.String(), `"GET /x?y=1 HTTP/1.1" 202 2`)
	mu.Lock()
	assert.Equal(t, [][2]int64{{202, 2}}, measured)
	mu.Unlock()

	var tap syncBuffer
	h.ToggleAccessLog(nil, &tap)
	h.ToggleAccessLog(&alog, nil)
	roundTrip(t, h, rawGet("/second"))
	require.Eventually(t, func() bool { return h.Served() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, tap.String(), `"GET /second HTTP/1.1" 202 2`)
	assert.NotContains(t, alog.String(), "/second")
}

func TestHostMaxConcurrentRequests(t *testing.T) {
	var running, maxRunning int32
	release := make(chan struct{})

	pl := pipeline.PipelineFunc(func(ctx context.Context, wr pipeline.WorkerRequest) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return wr.EndOfRequest()
	})
	h := startHost(t, HostOptions{Pipeline: pl, DisableStaticFiles: true, MaxConcurrentRequests: 1})

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := exchange(h, rawGet("/"))
			done <- err
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("request did not complete")
		}
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestHostLifecycle(t *testing.T) {
	h := NewHost("lifecycle", HostOptions{Address: "127.0.0.1", PhysicalRoot: t.TempDir()})
	assert.NoError(t, h.Stop())
	h.Wait()
	assert.Nil(t, h.Addr())
	assert.Contains(t, h.Description(), "lifecycle")

	require.NoError(t, h.Start())
	assert.Equal(t, ErrHostStarted, h.Start())
	assert.NotNil(t, h.Addr())
	assert.Contains(t, h.Description(), h.Addr().String())

	assert.NoError(t, h.Stop())
	assert.NoError(t, h.Stop())
	h.Wait()

	_, err := net.Dial("tcp", h.Addr().String())
	assert.Error(t, err)
}

func TestHostServeDrainsInFlightRequests(t *testing.T) {
	release := make(chan struct{})
	pl := pipeline.PipelineFunc(func(ctx context.Context, wr pipeline.WorkerRequest) error {
		<-release
		wr.SendStatus(http.StatusOK, "")
		wr.SendResponseFromMemory([]byte("drained"))
		return wr.EndOfRequest()
	})
	h := NewHost("drain", HostOptions{
		Address:            "127.0.0.1",
		PhysicalRoot:       t.TempDir(),
		Pipeline:           pl,
		DisableStaticFiles: true,
	})
	require.NoError(t, h.Start())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- h.Serve(ctx)
	}()

	bodies := make(chan string, 1)
	go func() {
		_, body, _ := exchange(h, rawGet("/slow"))
		bodies <- body
	}()
	require.Eventually(t, func() bool { return h.InFlight() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-served:
		t.Fatal("Serve returned with a request in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, "drained", <-bodies)
}

func TestHostBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := NewHost("clash", HostOptions{
		Address:      "127.0.0.1",
		Port:         ln.Addr().(*net.TCPAddr).Port,
		PhysicalRoot: t.TempDir(),
	})
	assert.Error(t, h.Start())
	assert.Error(t, h.Serve(context.Background()))
}

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/nuetzliches/prefork/internal/config"
	"github.com/nuetzliches/prefork/internal/logging"
)

func workerApp() (http.Handler, error) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nr, _ := WorkerFromContext(r.Context())
		fmt.Fprintf(w, "worker=%d", nr)
	}), nil
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.App == nil {
		opts.App = workerApp
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var testClient = &http.Client{
	Timeout:   5 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

func get(t *testing.T, addr net.Addr) (int, string) {
	t.Helper()
	resp, err := testClient.Get("http://" + addr.String() + "/")
	if err != nil {
		t.Fatalf("get %s: %v", addr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *hookRecorder) hook(name string) config.WorkerHook {
	return config.NewWorkerHook(name, func(_ config.Server, w *config.Worker) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, name+":"+strconv.Itoa(w.Nr))
	})
}

func (r *hookRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.events)
	slices.Sort(out)
	return out
}

func TestServer_StartsWorkersAndServes(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := &hookRecorder{}
	if err := s.SetBeforeFork(rec.hook("before")); err != nil {
		t.Fatalf("before_fork: %v", err)
	}
	if err := s.SetAfterFork(rec.hook("after")); err != nil {
		t.Fatalf("after_fork: %v", err)
	}
	if err := s.SetWorkerProcesses(2); err != nil {
		t.Fatalf("worker_processes: %v", err)
	}
	if err := s.SetListeners([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second start must fail")
	}

	want := []string{"after:0", "after:1", "before:0", "before:1"}
	waitFor(t, "hooks", func() bool { return slices.Equal(rec.snapshot(), want) })

	code, body := get(t, s.Addrs()[0])
	if code != http.StatusOK || !strings.HasPrefix(body, "worker=") {
		t.Fatalf("unexpected response %d %q", code, body)
	}
}

func TestServer_ScalesWorkers(t *testing.T) {
	s := newTestServer(t, Options{})
	if err := s.SetListeners([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if err := s.SetWorkerProcesses(3); err != nil {
		t.Fatalf("worker_processes: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.Workers(); !slices.Equal(got, []int{0, 1, 2}) {
		t.Fatalf("workers: %v", got)
	}

	if err := s.SetWorkerProcesses(1); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	if got := s.Workers(); !slices.Equal(got, []int{0}) {
		t.Fatalf("workers after scale down: %v", got)
	}
	if err := s.SetWorkerProcesses(2); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	if got := s.Workers(); !slices.Equal(got, []int{0, 1}) {
		t.Fatalf("workers after scale up: %v", got)
	}
	if err := s.SetWorkerProcesses(-1); err == nil {
		t.Fatalf("negative worker count must be rejected")
	}

	if code, _ := get(t, s.Addrs()[0]); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
}

func TestServer_ZeroWorkersAcceptsNothing(t *testing.T) {
	s := newTestServer(t, Options{})
	if err := s.SetWorkerProcesses(0); err != nil {
		t.Fatalf("worker_processes: %v", err)
	}
	if err := s.SetListeners([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.Workers(); len(got) != 0 {
		t.Fatalf("workers: %v", got)
	}
}

func TestServer_PreloadBuildsAppOnce(t *testing.T) {
	for _, preload := range []bool{true, false} {
		var builds atomic.Int32
		s := newTestServer(t, Options{App: func() (http.Handler, error) {
			builds.Add(1)
			return workerApp()
		}})
		_ = s.SetPreloadApp(preload)
		_ = s.SetWorkerProcesses(3)
		if err := s.SetListeners([]string{"127.0.0.1:0"}); err != nil {
			t.Fatalf("listeners: %v", err)
		}
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		want := int32(3)
		if preload {
			want = 1
		}
		waitFor(t, "app builds", func() bool { return builds.Load() == want })
	}
}

func TestServer_PreloadFailureAbortsStart(t *testing.T) {
	s := newTestServer(t, Options{App: func() (http.Handler, error) {
		return nil, errors.New("boom")
	}})
	_ = s.SetPreloadApp(true)
	if err := s.SetListeners([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if err := s.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected preload error, got %v", err)
	}
}

func TestServer_RespawnsExitedWorker(t *testing.T) {
	old := respawnDelay
	respawnDelay = 10 * time.Millisecond
	t.Cleanup(func() { respawnDelay = old })

	var builds atomic.Int32
	s := newTestServer(t, Options{App: func() (http.Handler, error) {
		if builds.Add(1) == 1 {
			return nil, errors.New("first build fails")
		}
		return workerApp()
	}})
	_ = s.SetWorkerProcesses(1)
	if err := s.SetListeners([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "respawn", func() bool { return builds.Load() >= 2 })
	if code, _ := get(t, s.Addrs()[0]); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
}

func TestServer_TimeoutBoundsRequests(t *testing.T) {
	s := newTestServer(t, Options{App: func() (http.Handler, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}), nil
	}})
	if err := s.SetTimeout(50 * time.Millisecond); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if err := s.SetTimeout(0); err == nil {
		t.Fatalf("zero timeout must be rejected")
	}
	if err := s.SetListeners([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if code, _ := get(t, s.Addrs()[0]); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestServer_SetListenersClosesRemoved(t *testing.T) {
	s := newTestServer(t, Options{})
	a, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addrA := a.Addr().String()
	_ = a.Close()

	if err := s.SetListeners([]string{addrA, "127.0.0.1:0", addrA}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if got := s.Listeners(); !slices.Equal(got, []string{addrA, "127.0.0.1:0"}) {
		t.Fatalf("listeners: %v", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.SetListeners([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if got := s.Listeners(); !slices.Equal(got, []string{"127.0.0.1:0"}) {
		t.Fatalf("listeners: %v", got)
	}
	if c, err := net.DialTimeout("tcp4", addrA, time.Second); err == nil {
		_ = c.Close()
		t.Fatalf("removed listener %s still accepts", addrA)
	}
	if code, _ := get(t, s.Addrs()[0]); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
}

func TestServer_StartBindsDefaultWhenUnconfigured(t *testing.T) {
	probe, err := net.Listen("tcp4", DefaultListen)
	if err != nil {
		t.Skipf("default address unavailable: %v", err)
	}
	_ = probe.Close()

	s := newTestServer(t, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.Listeners(); !slices.Equal(got, []string{DefaultListen}) {
		t.Fatalf("listeners: %v", got)
	}
}

func TestServer_BindRetriesWhileInUse(t *testing.T) {
	busy, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	addr := busy.Addr().String()

	s := newTestServer(t, Options{})
	opts := config.ListenerOptions{}
	o := opts.Ensure(addr)
	o.Tries.Set(3)
	o.Delay.Set(20 * time.Millisecond)
	if err := s.SetListenerOpts(opts); err != nil {
		t.Fatalf("listener opts: %v", err)
	}

	start := time.Now()
	err = s.SetListeners([]string{addr})
	if !errors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("expected EADDRINUSE, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected two retry delays, took %s", elapsed)
	}
	if got := s.Listeners(); len(got) != 0 {
		t.Fatalf("failed bind must not be kept: %v", got)
	}
}

func TestServer_UnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "prefork")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "app.sock")

	// Leave a stale socket behind.
	stale, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = stale.Close()

	s := newTestServer(t, Options{})
	if err := s.SetListeners([]string{path}); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
	resp, err := client.Get("http://unix/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	// A live socket is not taken over.
	other := newTestServer(t, Options{})
	once := config.ListenerOptions{}
	once.Ensure(path).Tries.Set(1)
	_ = other.SetListenerOpts(once)
	if err := other.SetListeners([]string{path}); !errors.Is(err, syscall.EADDRINUSE) {
		t.Fatalf("expected EADDRINUSE for live socket, got %v", err)
	}
}

func TestServer_RejectsUnsupportedAddress(t *testing.T) {
	s := newTestServer(t, Options{})
	if err := s.SetListeners([]string{"fd3"}); err == nil || !strings.Contains(err.Error(), "unsupported listen address") {
		t.Fatalf("expected unsupported address error, got %v", err)
	}
}

type closeCounter struct {
	config.Logger
	closed atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func TestServer_SetLoggerClosesPrevious(t *testing.T) {
	first := &closeCounter{Logger: logging.Discard()}
	s := newTestServer(t, Options{Logger: first})

	if err := s.SetLogger(first); err != nil {
		t.Fatalf("set same logger: %v", err)
	}
	if first.closed.Load() != 0 {
		t.Fatalf("re-setting the same logger must not close it")
	}
	second := logging.Discard()
	if err := s.SetLogger(second); err != nil {
		t.Fatalf("set logger: %v", err)
	}
	if first.closed.Load() != 1 {
		t.Fatalf("previous logger not closed")
	}
	if s.Logger() != config.Logger(second) {
		t.Fatalf("logger not replaced")
	}
	if err := s.SetLogger(nil); err == nil {
		t.Fatalf("nil logger must be rejected")
	}
}

func TestServer_CommitAppliesConfiguration(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "Preforkfile")
	pidPath := filepath.Join(dir, "app.pid")
	script := "worker_processes 2\ntimeout 5\npid \"" + pidPath + "\"\nlisten 127.0.0.1:0 { tcp_nodelay true }\n"
	if err := os.WriteFile(cfgPath, []byte(script), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := config.New(config.Options{UseDefaults: true, ConfigFile: cfgPath})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	s := newTestServer(t, Options{})
	if err := c.Commit(s, config.KeyListeners, config.KeyLogger); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if s.WorkerProcesses() != 2 || s.Timeout() != 5*time.Second || s.PIDPath() != pidPath {
		t.Fatalf("settings not applied: workers=%d timeout=%s pid=%q", s.WorkerProcesses(), s.Timeout(), s.PIDPath())
	}
	if len(s.Listeners()) != 0 {
		t.Fatalf("skipped listeners must not be bound")
	}

	listeners, _ := c.Store().Listeners.Get()
	if err := s.SetListeners(listeners); err != nil {
		t.Fatalf("listeners: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if code, _ := get(t, s.Addrs()[0]); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
}

func TestConnListener_Close(t *testing.T) {
	conns := make(chan net.Conn)
	l := newConnListener(conns, nil)
	if l.Addr() == nil {
		t.Fatalf("addr must not be nil")
	}
	_ = l.Close()
	_ = l.Close()
	if _, err := l.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestParseInherited(t *testing.T) {
	got, err := parseInherited("")
	if err != nil || len(got) != 0 {
		t.Fatalf("empty: %v, %v", got, err)
	}
	if _, err := parseInherited("not json"); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := parseInherited(`{"0.0.0.0:80": 1}`); err == nil {
		t.Fatalf("expected error for stdio descriptor")
	}
}

func TestWithoutEnv(t *testing.T) {
	env := []string{"A=1", EnvFDs + "={}", "PREFORK_FDSX=2"}
	got := withoutEnv(env, EnvFDs)
	if !slices.Equal(got, []string{"A=1", "PREFORK_FDSX=2"}) {
		t.Fatalf("got %v", got)
	}
	if len(env) != 3 || env[1] != EnvFDs+"={}" {
		t.Fatalf("input modified: %v", env)
	}
}

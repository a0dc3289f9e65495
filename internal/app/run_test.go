package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuetzliches/prefork/internal/logging"
	"github.com/nuetzliches/prefork/internal/server"
)

func newTestRunner(t *testing.T, script string) (*runner, string) {
	t.Helper()
	dir := t.TempDir()
	path := writeConfig(t, dir, "Preforkfile", script)
	r, err := newRunner(context.Background(), runOptions{configPath: path}, logging.Discard(), newRuntimeMetrics())
	if err != nil {
		t.Fatalf("newRunner: %v", err)
	}
	t.Cleanup(func() { _ = r.shutdown() })
	return r, path
}

func reloadCount(t *testing.T, m *runtimeMetrics, trigger, result string) bool {
	t.Helper()
	_, body := scrape(t, newMetricsHandler("dev", time.Now(), m, nil), "/metrics")
	return strings.Contains(body, `prefork_config_reloads_total{result="`+result+`",trigger="`+trigger+`"} 1`)
}

func TestNewRunner_CommitsAndBinds(t *testing.T) {
	pid := filepath.Join(t.TempDir(), "app.pid")
	r, _ := newTestRunner(t, "worker_processes 3\ntimeout 10\npid \""+pid+"\"\nlisten 127.0.0.1:0\n")

	if r.srv.WorkerProcesses() != 3 || r.srv.Timeout() != 10*time.Second {
		t.Fatalf("settings not committed: workers=%d timeout=%s", r.srv.WorkerProcesses(), r.srv.Timeout())
	}
	if got := r.srv.Listeners(); !slices.Equal(got, []string{"127.0.0.1:0"}) {
		t.Fatalf("listeners: %v", got)
	}
	if _, err := os.Stat(pid); err != nil {
		t.Fatalf("pid file: %v", err)
	}
}

func TestNewRunner_LoadErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"parse":  "listen {\n",
		"value":  "timeout 1\n",
		"listen": "listen 127.0.0.1:99999\n",
	}
	for name, script := range cases {
		path := writeConfig(t, dir, name, script)
		if _, err := newRunner(context.Background(), runOptions{configPath: path}, logging.Discard(), newRuntimeMetrics()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := newRunner(context.Background(), runOptions{configPath: filepath.Join(dir, "missing")}, logging.Discard(), newRuntimeMetrics()); err == nil {
		t.Fatalf("missing file: expected error")
	}
}

func TestRunner_ReloadAppliesSettings(t *testing.T) {
	r, path := newTestRunner(t, "worker_processes 1\nlisten 127.0.0.1:0\n")

	writeConfig(t, filepath.Dir(path), "Preforkfile", "worker_processes 2\ntimeout 7\nlisten 127.0.0.1:0\n")
	if !r.reload(context.Background(), "test") {
		t.Fatalf("reload failed")
	}
	if r.srv.WorkerProcesses() != 2 || r.srv.Timeout() != 7*time.Second {
		t.Fatalf("reload not committed: workers=%d timeout=%s", r.srv.WorkerProcesses(), r.srv.Timeout())
	}
	if !reloadCount(t, r.metrics, "test", "ok") {
		t.Fatalf("reload not counted")
	}
}

func TestRunner_ReloadFailureKeepsSettings(t *testing.T) {
	r, path := newTestRunner(t, "worker_processes 2\nlisten 127.0.0.1:0\n")

	writeConfig(t, filepath.Dir(path), "Preforkfile", "worker_processes 4\ntimeout 1\n")
	if r.reload(context.Background(), "test") {
		t.Fatalf("reload must fail")
	}
	if r.srv.WorkerProcesses() != 2 {
		t.Fatalf("failed reload changed the server: workers=%d", r.srv.WorkerProcesses())
	}
	if n, _ := r.cfg.Store().WorkerProcesses.Get(); n != 2 {
		t.Fatalf("failed reload changed the store: workers=%d", n)
	}
	if !reloadCount(t, r.metrics, "test", "failed") {
		t.Fatalf("failure not counted")
	}
}

func TestRunner_ReloadKeepsListeners(t *testing.T) {
	r, path := newTestRunner(t, "listen 127.0.0.1:0\n")

	writeConfig(t, filepath.Dir(path), "Preforkfile", "listen 127.0.0.2:0\n")
	if !r.reload(context.Background(), "test") {
		t.Fatalf("reload failed")
	}
	if got := r.srv.Listeners(); !slices.Equal(got, []string{"127.0.0.1:0"}) {
		t.Fatalf("listeners changed on reload: %v", got)
	}
	if got, _ := r.cfg.Store().Listeners.Get(); !slices.Equal(got, []string{"127.0.0.2:0"}) {
		t.Fatalf("store listeners: %v", got)
	}
}

func TestRunner_ControlScalesWorkers(t *testing.T) {
	r, _ := newTestRunner(t, "worker_processes 1\nlisten 127.0.0.1:0\n")
	ctx := context.Background()

	r.control(ctx, controlIncrWorkers)
	if n := r.srv.WorkerProcesses(); n != 2 {
		t.Fatalf("after incr: %d", n)
	}
	r.control(ctx, controlDecrWorkers)
	r.control(ctx, controlDecrWorkers)
	r.control(ctx, controlDecrWorkers)
	if n := r.srv.WorkerProcesses(); n != 0 {
		t.Fatalf("after decr: %d", n)
	}
	r.control(ctx, controlNone)
}

func TestRunner_ServesStatusPage(t *testing.T) {
	r, _ := newTestRunner(t, "worker_processes 1\nlisten 127.0.0.1:0\n")
	if err := r.srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, err := http.Get("http://" + r.srv.Addrs()[0].String() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "worker=0") {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestAppFunc(t *testing.T) {
	h, err := appFunc("")()
	if err != nil {
		t.Fatalf("status app: %v", err)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "prefork ") {
		t.Fatalf("status page: %d %q", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status page /missing: %d", rr.Code)
	}

	dir := t.TempDir()
	writeConfig(t, dir, "index.txt", "hello")
	h, err = appFunc(dir)()
	if err != nil {
		t.Fatalf("static app: %v", err)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/index.txt", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "hello" {
		t.Fatalf("static: %d %q", rr.Code, rr.Body.String())
	}

	if _, err := appFunc(filepath.Join(dir, "index.txt"))(); err == nil {
		t.Fatalf("expected error for non-directory")
	}
}

func TestWatchConfig_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "Preforkfile", "worker_processes 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reloads atomic.Int32
	srv, err := server.New(server.Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	go watchConfig(ctx, path, srv, func() { reloads.Add(1) })

	// The watcher starts asynchronously; keep writing until it notices.
	deadline := time.Now().Add(5 * time.Second)
	for reloads.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no reload after writing %s", path)
		}
		writeConfig(t, dir, "Preforkfile", "worker_processes 2\n")
		time.Sleep(3 * watchDebounce / 2)
	}

	// Other files in the directory are ignored.
	time.Sleep(2 * watchDebounce)
	before := reloads.Load()
	writeConfig(t, dir, "other", "x")
	time.Sleep(2 * watchDebounce)
	if got := reloads.Load(); got != before {
		t.Fatalf("unrelated file triggered reload: %d -> %d", before, got)
	}
}

func TestListenFlag(t *testing.T) {
	var f listenFlag
	if err := f.Set(" 127.0.0.1:80 "); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := f.Set("/tmp/app.sock"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := f.Set(" "); err == nil {
		t.Fatalf("expected error for empty address")
	}
	if f.String() != "127.0.0.1:80,/tmp/app.sock" || len(f.values()) != 2 {
		t.Fatalf("flag = %q", f.String())
	}
}

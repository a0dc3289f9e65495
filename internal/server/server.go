// Package server hosts an HTTP application on a pool of numbered worker
// goroutines sharing a set of listeners.
//
// A Server receives every setting through the config.Target setters, so a
// committed configuration is applied to it with config.Commit. Settings may
// be changed while the server is running: worker count changes scale the
// pool, listener changes bind and close sockets, and a new timeout applies
// to the next request.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/nuetzliches/prefork/internal/config"
	"github.com/nuetzliches/prefork/internal/logging"
)

// DefaultListen is bound by Start when no listener is configured.
const DefaultListen = "0.0.0.0:8080"

// respawnDelay throttles replacing a worker that exited on its own.
var respawnDelay = time.Second

// AppFunc builds the application handler served by workers.
type AppFunc func() (http.Handler, error)

// Observer is told about worker and listener changes. Implementations must
// be safe for concurrent use.
type Observer interface {
	WorkerStarted(nr int)
	WorkerStopped(nr int)
	ListenersChanged(n int)
}

// Options configures a Server.
type Options struct {
	// App builds the handler; NotFound is served if nil.
	App AppFunc
	// Logger is the initial logger; logging.Stderr() if nil.
	Logger   config.Logger
	Observer Observer
	// Tracing wraps worker handlers with otelhttp.
	Tracing bool
	// Inherited is the value of EnvFDs handed over by a parent process.
	Inherited string
}

// Server implements config.Target.
type Server struct {
	app      AppFunc
	observer Observer
	tracing  bool

	logMu  sync.RWMutex
	logger config.Logger

	mu              sync.Mutex
	timeout         time.Duration
	workerProcesses int
	beforeFork      config.WorkerHook
	afterFork       config.WorkerHook
	beforeExec      config.ExecHook
	preloadApp      bool
	listenerOpts    config.ListenerOptions
	listeners       []*listener
	inherited       map[string]*os.File
	pid             pidFile
	stdio           map[int]*os.File

	conns  chan net.Conn
	exited chan *worker

	workerMu  sync.Mutex
	workers   map[int]*worker
	running   bool
	preloaded http.Handler
	stop      context.CancelFunc
	done      chan struct{}
}

var _ config.Target = (*Server)(nil)

// New returns a stopped server with built-in defaults. Listeners named in
// opts.Inherited are adopted instead of bound when they are configured.
func New(opts Options) (*Server, error) {
	inherited, err := parseInherited(opts.Inherited)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             opts.App,
		observer:        opts.Observer,
		tracing:         opts.Tracing,
		logger:          opts.Logger,
		timeout:         config.DefaultTimeout,
		workerProcesses: config.DefaultWorkerProcesses,
		beforeFork:      config.DefaultBeforeFork,
		afterFork:       config.DefaultAfterFork,
		beforeExec:      config.DefaultBeforeExec,
		listenerOpts:    config.ListenerOptions{},
		inherited:       inherited,
		pid:             pidFile{pid: os.Getpid()},
		stdio:           map[int]*os.File{},
		conns:           make(chan net.Conn),
		exited:          make(chan *worker),
		workers:         map[int]*worker{},
	}
	if s.logger == nil {
		s.logger = logging.Stderr()
	}
	if s.app == nil {
		s.app = func() (http.Handler, error) { return http.NotFoundHandler(), nil }
	}
	return s, nil
}

// Logger returns the current logger.
func (s *Server) Logger() config.Logger {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return s.logger
}

func (s *Server) SetLogger(l config.Logger) error {
	if l == nil {
		return errors.New("logger must not be nil")
	}
	s.logMu.Lock()
	prev := s.logger
	s.logger = l
	s.logMu.Unlock()

	if prev == nil || sameLogger(prev, l) {
		return nil
	}
	if err := prev.Close(); err != nil {
		return fmt.Errorf("close previous logger: %w", err)
	}
	return nil
}

func sameLogger(a, b config.Logger) bool {
	ta := reflect.TypeOf(a)
	return ta == reflect.TypeOf(b) && ta.Comparable() && a == b
}

// Timeout bounds the handling of one request.
func (s *Server) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *Server) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", d)
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
	return nil
}

// WorkerProcesses is the configured pool size.
func (s *Server) WorkerProcesses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerProcesses
}

// SetWorkerProcesses resizes the pool; a running server starts or stops
// workers to match.
func (s *Server) SetWorkerProcesses(n int) error {
	if n < 0 {
		return fmt.Errorf("worker_processes must be >= 0, got %d", n)
	}
	s.mu.Lock()
	s.workerProcesses = n
	s.mu.Unlock()
	s.maintainWorkers()
	return nil
}

func (s *Server) SetAfterFork(h config.WorkerHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterFork = h
	return nil
}

func (s *Server) SetBeforeFork(h config.WorkerHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeFork = h
	return nil
}

func (s *Server) SetBeforeExec(h config.ExecHook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeExec = h
	return nil
}

// SetPID moves the pid file to path, removing the previous one. An empty
// path removes the pid file.
func (s *Server) SetPID(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid.set(path)
}

// PIDPath returns the pid file currently owned by the server.
func (s *Server) PIDPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid.path
}

// SetPreloadApp takes effect on the next Start.
func (s *Server) SetPreloadApp(b bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preloadApp = b
	return nil
}

// SetListenerOpts replaces the per-address options used by later binds.
func (s *Server) SetListenerOpts(opts config.ListenerOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerOpts = opts.Clone()
	return nil
}

// SetListeners binds every address not yet bound, in order, and closes the
// listeners whose address is no longer present. Duplicate addresses are
// bound once. Addresses that fail to bind are reported together; the others
// stay bound.
func (s *Server) SetListeners(addrs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]*listener, len(s.listeners))
	for _, l := range s.listeners {
		current[l.addr] = l
	}

	var (
		kept []*listener
		seen = map[string]bool{}
		errs []error
	)
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		if l, ok := current[addr]; ok {
			kept = append(kept, l)
			continue
		}
		opts, _ := s.listenerOpts.Lookup(addr)
		l, err := s.bind(addr, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Logger().Info("listening", "addr", addr, "bound", l.ln.Addr().String())
		kept = append(kept, l)
	}
	for _, l := range s.listeners {
		if !seen[l.addr] {
			l.close()
			s.Logger().Info("listener_closed", "addr", l.addr)
		}
	}
	s.listeners = kept
	if s.observer != nil {
		s.observer.ListenersChanged(len(kept))
	}
	return errors.Join(errs...)
}

// Listeners returns the configured addresses of the bound listeners.
func (s *Server) Listeners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.addr)
	}
	return out
}

// Addrs returns the actual network addresses of the bound listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.ln.Addr())
	}
	return out
}

// SetStderrPath reopens standard error on path; "" leaves it alone.
func (s *Server) SetStderrPath(path string) error {
	return s.redirect(int(os.Stderr.Fd()), path)
}

// SetStdoutPath reopens standard output on path; "" leaves it alone.
func (s *Server) SetStdoutPath(path string) error {
	return s.redirect(int(os.Stdout.Fd()), path)
}

func (s *Server) redirect(fd int, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := redirectFD(f, fd); err != nil {
		_ = f.Close()
		return fmt.Errorf("redirect fd %d to %s: %w", fd, path, err)
	}
	s.mu.Lock()
	prev := s.stdio[fd]
	s.stdio[fd] = f
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Start binds DefaultListen if nothing is bound, builds the application
// when preload_app is set and starts the workers. The pool runs until ctx
// is done or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.workerMu.Lock()
	if s.running {
		s.workerMu.Unlock()
		return errors.New("server already running")
	}
	s.workerMu.Unlock()

	if len(s.Listeners()) == 0 {
		if err := s.SetListeners([]string{DefaultListen}); err != nil {
			return err
		}
	}
	s.closeInherited()

	s.mu.Lock()
	preload := s.preloadApp
	s.mu.Unlock()

	var preloaded http.Handler
	if preload {
		h, err := s.app()
		if err != nil {
			return fmt.Errorf("preload app: %w", err)
		}
		preloaded = h
		s.Logger().Info("app_preloaded")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.workerMu.Lock()
	s.running = true
	s.preloaded = preloaded
	s.stop = cancel
	s.done = make(chan struct{})
	done := s.done
	s.workerMu.Unlock()

	s.maintainWorkers()
	go s.master(ctx, done)
	return nil
}

// master replaces workers that exit on their own.
func (s *Server) master(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.exited:
			s.workerMu.Lock()
			if s.workers[w.nr] == w {
				delete(s.workers, w.nr)
			}
			s.workerMu.Unlock()
			s.Logger().Warn("worker_exited", "worker", w.nr)

			select {
			case <-ctx.Done():
				return
			case <-time.After(respawnDelay):
			}
			s.maintainWorkers()
		}
	}
}

// Shutdown stops the workers gracefully, closes every listener and removes
// the pid file. Workers still busy when ctx ends are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.workerMu.Lock()
	running := s.running
	s.running = false
	workers := make([]*worker, 0, len(s.workers))
	for nr, w := range s.workers {
		workers = append(workers, w)
		delete(s.workers, nr)
	}
	stop, done := s.stop, s.done
	s.workerMu.Unlock()

	if running && stop != nil {
		stop()
		<-done
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.stop(ctx)
		}()
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		l.close()
	}
	s.listeners = nil
	s.closeInheritedLocked()
	if s.observer != nil {
		s.observer.ListenersChanged(0)
	}
	return s.pid.set("")
}

// Workers returns the numbers of the running workers in ascending order.
func (s *Server) Workers() []int {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	out := make([]int, 0, len(s.workers))
	for nr := range s.workers {
		out = append(out, nr)
	}
	slices.Sort(out)
	return out
}

func (s *Server) closeInherited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeInheritedLocked()
}

func (s *Server) closeInheritedLocked() {
	for addr, f := range s.inherited {
		s.Logger().Warn("inherited_listener_unused", "addr", addr)
		_ = f.Close()
		delete(s.inherited, addr)
	}
}

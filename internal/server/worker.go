package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nuetzliches/prefork/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type worker struct {
	nr   int
	ln   *connListener
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// stop asks the worker to finish in-flight requests and waits for it. Once
// ctx is done the remaining connections are closed.
func (w *worker) stop(ctx context.Context) {
	w.once.Do(func() { close(w.quit) })
	select {
	case <-w.done:
	case <-ctx.Done():
		_ = w.ln.Close()
		<-w.done
	}
}

// maintainWorkers starts the missing workers 0..n-1 and stops those
// numbered n or higher.
func (s *Server) maintainWorkers() {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if !s.running {
		return
	}
	want := s.WorkerProcesses()
	for nr := 0; nr < want; nr++ {
		if _, ok := s.workers[nr]; !ok {
			s.spawn(nr)
		}
	}
	for nr, w := range s.workers {
		if nr < want {
			continue
		}
		delete(s.workers, nr)
		s.Logger().Info("worker_stopping", "worker", nr)
		ctx, cancel := context.WithTimeout(context.Background(), s.Timeout())
		w.stop(ctx)
		cancel()
	}
}

// spawn runs before_fork here and after_fork on the new worker goroutine.
// Callers hold workerMu.
func (s *Server) spawn(nr int) {
	s.mu.Lock()
	before, after := s.beforeFork, s.afterFork
	s.mu.Unlock()

	w := &worker{
		nr:   nr,
		ln:   newConnListener(s.conns, s.firstAddr()),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	before.Call(s, &config.Worker{Nr: nr})
	s.workers[nr] = w
	go s.runWorker(w, after, s.preloaded)
}

func (s *Server) runWorker(w *worker, after config.WorkerHook, app http.Handler) {
	defer close(w.done)
	defer s.notifyExit(w)

	after.Call(s, &config.Worker{Nr: w.nr})
	if app == nil {
		h, err := s.app()
		if err != nil {
			s.Logger().Error("worker_app_failed", "worker", w.nr, "err", err)
			return
		}
		app = h
	}

	srv := &http.Server{
		Handler:           s.wrapHandler(app, w.nr),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return withWorker(context.Background(), w.nr) },
	}
	go func() {
		<-w.quit
		ctx, cancel := context.WithTimeout(context.Background(), s.Timeout())
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
		}
	}()

	if s.observer != nil {
		s.observer.WorkerStarted(w.nr)
		defer s.observer.WorkerStopped(w.nr)
	}
	if err := srv.Serve(w.ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.Logger().Error("worker_serve_failed", "worker", w.nr, "err", err)
	}
}

// notifyExit reports a worker that stopped without being asked to.
func (s *Server) notifyExit(w *worker) {
	select {
	case <-w.quit:
		return
	default:
	}
	select {
	case s.exited <- w:
	case <-w.quit:
	}
}

func (s *Server) wrapHandler(h http.Handler, nr int) http.Handler {
	h = s.withTimeout(h)
	h = withAccessLog(s, nr, h)
	if s.tracing {
		h = otelhttp.NewHandler(h, "worker")
	}
	return h
}

// withTimeout applies the timeout current at the start of each request.
func (s *Server) withTimeout(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.Timeout()
		if d <= 0 {
			h.ServeHTTP(w, r)
			return
		}
		http.TimeoutHandler(h, d, "request timed out\n").ServeHTTP(w, r)
	})
}

func (s *Server) firstAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].ln.Addr()
}

type workerKey struct{}

func withWorker(ctx context.Context, nr int) context.Context {
	return context.WithValue(ctx, workerKey{}, nr)
}

// WorkerFromContext returns the number of the worker serving a request.
func WorkerFromContext(ctx context.Context) (int, bool) {
	nr, ok := ctx.Value(workerKey{}).(int)
	return nr, ok
}

package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nuetzliches/prefork/internal/config"
	"github.com/nuetzliches/prefork/internal/logging"
	"github.com/nuetzliches/prefork/internal/server"
)

// watchDebounce coalesces the bursts of events editors and atomic renames
// produce for one save.
const watchDebounce = 200 * time.Millisecond

type runOptions struct {
	configPath      string
	listen          []any
	logLevel        string
	dotenvPath      string
	watch           bool
	metricsListen   string
	tracingEndpoint string
	staticDir       string
}

// listenFlag collects repeated -l flags.
type listenFlag []string

func (f *listenFlag) String() string { return strings.Join(*f, ",") }

func (f *listenFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty listen address")
	}
	*f = append(*f, v)
	return nil
}

func (f listenFlag) values() []any {
	out := make([]any, len(f))
	for i, v := range f {
		out[i] = v
	}
	return out
}

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var opts runOptions
	var listen listenFlag
	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "path to config file (.hcl for HCL syntax)")
	fs.Var(&listen, "l", "listen address applied before the config file (repeatable)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	fs.StringVar(&opts.dotenvPath, "dotenv", "", "load environment variables from file before evaluating the config")
	fs.BoolVar(&opts.watch, "watch", false, "reload when the config file changes")
	fs.StringVar(&opts.metricsListen, "metrics-listen", "", "serve /metrics and /healthz on this address")
	fs.StringVar(&opts.tracingEndpoint, "tracing-endpoint", "", "OTLP/HTTP collector URL for traces")
	fs.StringVar(&opts.staticDir, "static", "", "serve files from this directory instead of the status page")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "run: unexpected positional arguments")
		return 2
	}
	opts.listen = listen.values()

	lvl, err := logging.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	logging.SetStderrLevel(lvl)
	logger := logging.Stderr()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runServer(ctx, opts, logger); err != nil {
		logger.Fatal("run_failed", "err", err)
		return 1
	}
	return 0
}

// runner ties a Configurator to the Server it configures.
type runner struct {
	cfg     *config.Configurator
	srv     *server.Server
	metrics *runtimeMetrics

	reloadMu sync.Mutex
}

func runServer(ctx context.Context, opts runOptions, logger config.Logger) error {
	if opts.dotenvPath != "" {
		set, err := loadDotenv(opts.dotenvPath)
		if err != nil {
			return fmt.Errorf("dotenv: %w", err)
		}
		logger.Info("dotenv_loaded", "path", opts.dotenvPath, "vars", len(set))
	}

	metrics := newRuntimeMetrics()
	if opts.tracingEndpoint != "" {
		shutdown, err := initTracing(ctx, opts.tracingEndpoint, func(err error) {
			metrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", "err", err)
		})
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		metrics.setTracingEnabled(true)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		logger.Info("tracing_enabled", "endpoint", opts.tracingEndpoint)
	}

	r, err := newRunner(ctx, opts, logger, metrics)
	if err != nil {
		metrics.observeReload("startup", false)
		return err
	}
	metrics.observeReload("startup", true)

	if err := r.srv.Start(ctx); err != nil {
		_ = r.shutdown()
		return fmt.Errorf("start: %w", err)
	}
	r.srv.Logger().Info("server_started",
		"listeners", r.srv.Listeners(),
		"worker_processes", r.srv.WorkerProcesses(),
		"pid", os.Getpid(),
	)

	if opts.metricsListen != "" {
		ms, err := startMetricsServer(opts.metricsListen, newMetricsHandler(version, time.Now(), metrics, r.srv))
		if err != nil {
			_ = r.shutdown()
			return fmt.Errorf("metrics: %w", err)
		}
		defer func() { _ = ms.Close() }()
		r.srv.Logger().Info("metrics_listening", "addr", opts.metricsListen)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, controlSignals...)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				r.control(ctx, controlAction(sig))
			}
		}
	}()
	if opts.watch {
		go watchConfig(ctx, opts.configPath, r.srv, func() {
			r.reload(ctx, "watch")
		})
	}

	<-ctx.Done()
	r.srv.Logger().Info("shutdown_started")
	return r.shutdown()
}

// newRunner loads the configuration and commits everything but the
// listeners onto a new server, then binds the configured listeners. Binding
// last lets listener options and the pid file apply first.
func newRunner(ctx context.Context, opts runOptions, logger config.Logger, metrics *runtimeMetrics) (*runner, error) {
	_, span := startSpan(ctx, "config.load", attribute.String("config.path", opts.configPath))
	cfg, err := config.New(config.Options{
		UseDefaults: true,
		ConfigFile:  opts.configPath,
		Listeners:   opts.listen,
	})
	endSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	srv, err := server.New(server.Options{
		App:       appFunc(opts.staticDir),
		Logger:    logger,
		Observer:  metrics,
		Tracing:   opts.tracingEndpoint != "",
		Inherited: os.Getenv(server.EnvFDs),
	})
	if err != nil {
		return nil, err
	}
	r := &runner{cfg: cfg, srv: srv, metrics: metrics}

	_, span = startSpan(ctx, "config.commit")
	err = cfg.Commit(srv, config.KeyListeners)
	endSpan(span, err)
	if err != nil {
		_ = r.shutdown()
		return nil, fmt.Errorf("commit config: %w", err)
	}
	listeners, _ := cfg.Store().Listeners.Get()
	if err := srv.SetListeners(listeners); err != nil {
		_ = r.shutdown()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return r, nil
}

// reload re-evaluates the config file and commits it. Listener changes are
// reported but not applied; they take effect on restart or re-exec.
func (r *runner) reload(ctx context.Context, trigger string) bool {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	_, span := startSpan(ctx, "config.reload", attribute.String("trigger", trigger))
	before := r.cfg.Store().Clone()
	if err := r.cfg.Reload(); err != nil {
		endSpan(span, err)
		r.srv.Logger().Error("config_reload_failed", "trigger", trigger, "err", err)
		r.metrics.observeReload(trigger, false)
		return false
	}
	changes := config.Diff(before, r.cfg.Store())
	if config.Changed(changes, config.KeyListeners) {
		r.srv.Logger().Warn("config_listeners_changed_restart_required", "trigger", trigger)
	}

	err := r.cfg.Commit(r.srv, config.KeyListeners)
	endSpan(span, err)
	logger := r.srv.Logger()
	if err != nil {
		r.metrics.incCommitFailures()
		logger.Error("config_commit_failed", "trigger", trigger, "err", err)
	}
	for _, c := range changes {
		logger.Info("config_changed", "key", c.Key.String(), "old", c.Old, "new", c.New)
	}
	logger.Info("config_reloaded_ok", "trigger", trigger, "changes", len(changes))
	r.metrics.observeReload(trigger, true)
	return true
}

type controlKind int

const (
	controlNone controlKind = iota
	controlReload
	controlReexec
	controlIncrWorkers
	controlDecrWorkers
)

func (r *runner) control(ctx context.Context, kind controlKind) {
	logger := r.srv.Logger()
	switch kind {
	case controlReload:
		r.reload(ctx, "signal_sighup")
	case controlReexec:
		if _, err := r.srv.Reexec(); err != nil {
			logger.Error("reexec_failed", "err", err)
		}
	case controlIncrWorkers, controlDecrWorkers:
		n := r.srv.WorkerProcesses()
		if kind == controlIncrWorkers {
			n++
		} else if n > 0 {
			n--
		}
		if err := r.srv.SetWorkerProcesses(n); err != nil {
			logger.Error("worker_processes_failed", "err", err)
			return
		}
		logger.Info("worker_processes_changed", "worker_processes", n)
	}
}

func (r *runner) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.srv.Timeout())
	defer cancel()
	err := r.srv.Shutdown(ctx)
	if lerr := r.srv.Logger().Close(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

func startMetricsServer(addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

// watchConfig calls reload after the file at path was written, created or
// replaced. The directory is watched so editors that save by rename are
// seen. Events are logged through the server's current logger.
func watchConfig(ctx context.Context, path string, srv config.Server, reload func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		srv.Logger().Warn("watch_disabled", "err", err)
		return
	}
	defer w.Close()

	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		srv.Logger().Warn("watch_disabled", "err", err)
		return
	}
	srv.Logger().Info("watching_config", "path", path)

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base || !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			srv.Logger().Warn("watch_error", "err", err)
		case <-timer.C:
			reload()
		}
	}
}

// appFunc returns the application served by the workers: a static file
// tree when dir is set, a status page otherwise.
func appFunc(dir string) server.AppFunc {
	return func() (http.Handler, error) {
		if dir == "" {
			return http.HandlerFunc(statusPage), nil
		}
		fi, err := os.Stat(dir)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
		return http.FileServer(http.Dir(dir)), nil
	}
}

func statusPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	nr, _ := server.WorkerFromContext(r.Context())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "prefork %s\nworker=%d pid=%d\n", version, nr, os.Getpid())
}

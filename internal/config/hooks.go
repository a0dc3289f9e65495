package config

import (
	"os"
	"reflect"
	"runtime"
)

// Server is the view of the running server handed to hooks.
type Server interface {
	Logger() Logger
}

// Worker identifies the worker a hook runs for.
type Worker struct {
	Nr int
}

// HookPoint is a lifecycle extension point.
type HookPoint int

const (
	HookBeforeFork HookPoint = iota
	HookAfterFork
	HookBeforeExec
)

func (p HookPoint) String() string {
	switch p {
	case HookBeforeFork:
		return "before_fork"
	case HookAfterFork:
		return "after_fork"
	case HookBeforeExec:
		return "before_exec"
	default:
		return "unknown_hook"
	}
}

// Arity is the exact parameter count a hook for p must declare.
func (p HookPoint) Arity() int {
	if p == HookBeforeExec {
		return 1
	}
	return 2
}

func (p HookPoint) key() Key {
	switch p {
	case HookBeforeFork:
		return KeyBeforeFork
	case HookAfterFork:
		return KeyAfterFork
	default:
		return KeyBeforeExec
	}
}

// DefaultHookName is the name carried by the built-in hooks.
const DefaultHookName = "default"

// HookTable maps script-visible names to hook functions.
type HookTable map[string]any

// WorkerHook runs around worker start (before_fork, after_fork).
type WorkerHook struct {
	Name string
	fn   func(Server, *Worker)
}

// NewWorkerHook wraps a statically typed worker hook.
func NewWorkerHook(name string, fn func(Server, *Worker)) WorkerHook {
	return WorkerHook{Name: name, fn: fn}
}

func (h WorkerHook) Call(s Server, w *Worker) {
	if h.fn != nil {
		h.fn(s, w)
	}
}

func (h WorkerHook) IsDefault() bool { return h.Name == DefaultHookName }

// ExecHook runs before the server re-executes itself (before_exec).
type ExecHook struct {
	Name string
	fn   func(Server)
}

// NewExecHook wraps a statically typed exec hook.
func NewExecHook(name string, fn func(Server)) ExecHook {
	return ExecHook{Name: name, fn: fn}
}

func (h ExecHook) Call(s Server) {
	if h.fn != nil {
		h.fn(s)
	}
}

func (h ExecHook) IsDefault() bool { return h.Name == DefaultHookName }

// DefaultBeforeFork logs that a worker is about to start.
var DefaultBeforeFork = NewWorkerHook(DefaultHookName, func(s Server, w *Worker) {
	hookLogger(s).Info("worker_spawning", "worker", w.Nr)
})

// DefaultAfterFork logs that a worker has started.
var DefaultAfterFork = NewWorkerHook(DefaultHookName, func(s Server, w *Worker) {
	hookLogger(s).Info("worker_spawned", "worker", w.Nr, "pid", os.Getpid())
})

// DefaultBeforeExec logs that the server is re-executing.
var DefaultBeforeExec = NewExecHook(DefaultHookName, func(s Server) {
	hookLogger(s).Info("forked_child_reexecuting", "pid", os.Getpid())
})

func hookLogger(s Server) Logger {
	if s == nil {
		return nopLogger{}
	}
	if l := s.Logger(); l != nil {
		return l
	}
	return nopLogger{}
}

var (
	serverType = reflect.TypeOf((*Server)(nil)).Elem()
	workerType = reflect.TypeOf((*Worker)(nil))
)

func bindWorkerHook(point HookPoint, name string, fn any) (WorkerHook, error) {
	switch h := fn.(type) {
	case nil:
		if point == HookBeforeFork {
			return DefaultBeforeFork, nil
		}
		return DefaultAfterFork, nil
	case WorkerHook:
		return h, nil
	case func(Server, *Worker):
		return NewWorkerHook(name, h), nil
	}
	v, err := checkHook(point, fn)
	if err != nil {
		return WorkerHook{}, err
	}
	t := v.Type()
	return NewWorkerHook(name, func(s Server, w *Worker) {
		v.Call([]reflect.Value{argValue(t.In(0), s), reflect.ValueOf(w)})
	}), nil
}

func bindExecHook(name string, fn any) (ExecHook, error) {
	switch h := fn.(type) {
	case nil:
		return DefaultBeforeExec, nil
	case ExecHook:
		return h, nil
	case func(Server):
		return NewExecHook(name, h), nil
	}
	v, err := checkHook(HookBeforeExec, fn)
	if err != nil {
		return ExecHook{}, err
	}
	t := v.Type()
	return NewExecHook(name, func(s Server) {
		v.Call([]reflect.Value{argValue(t.In(0), s)})
	}), nil
}

// checkHook requires fn to be a func taking exactly p.Arity() parameters that
// accept (Server) or (Server, *Worker).
func checkHook(p HookPoint, fn any) (reflect.Value, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return reflect.Value{}, newError(p.String(), ErrTypeMismatch, "invalid type: %s=%T", p, fn)
	}
	t := v.Type()
	arity := t.NumIn()
	if t.IsVariadic() {
		arity = -arity
	}
	if arity != p.Arity() {
		return reflect.Value{}, newError(p.String(), ErrArityMismatch,
			"%s=%T has invalid arity: %d (need %d)", p, fn, arity, p.Arity())
	}
	if !serverType.AssignableTo(t.In(0)) {
		return reflect.Value{}, newError(p.String(), ErrTypeMismatch,
			"%s=%T: first parameter must accept config.Server, got %s", p, fn, t.In(0))
	}
	if arity == 2 && !workerType.AssignableTo(t.In(1)) {
		return reflect.Value{}, newError(p.String(), ErrTypeMismatch,
			"%s=%T: second parameter must accept *config.Worker, got %s", p, fn, t.In(1))
	}
	return v, nil
}

func argValue(t reflect.Type, v any) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	return reflect.ValueOf(v)
}

func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return DefaultHookName
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return "func"
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Fatal(string, ...any) {}
func (nopLogger) Close() error         { return nil }

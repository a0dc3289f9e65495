package config

import (
	"errors"
	"slices"
	"time"
)

// Target receives committed settings. Each setter gets the validated value
// of its key; Logger is used by the built-in hooks.
type Target interface {
	Server

	SetTimeout(time.Duration) error
	SetLogger(Logger) error
	SetWorkerProcesses(int) error
	SetAfterFork(WorkerHook) error
	SetBeforeFork(WorkerHook) error
	SetBeforeExec(ExecHook) error
	SetPID(string) error
	SetPreloadApp(bool) error
	SetListenerOpts(ListenerOptions) error
	SetListeners([]string) error
	SetStderrPath(string) error
	SetStdoutPath(string) error
}

type setterFunc func(t Target, s *Store) (applied bool, err error)

var setters = [numKeys]setterFunc{
	KeyTimeout:         func(t Target, s *Store) (bool, error) { return apply(s.Timeout, t.SetTimeout) },
	KeyLogger:          func(t Target, s *Store) (bool, error) { return apply(s.Logger, t.SetLogger) },
	KeyWorkerProcesses: func(t Target, s *Store) (bool, error) { return apply(s.WorkerProcesses, t.SetWorkerProcesses) },
	KeyAfterFork:       func(t Target, s *Store) (bool, error) { return apply(s.AfterFork, t.SetAfterFork) },
	KeyBeforeFork:      func(t Target, s *Store) (bool, error) { return apply(s.BeforeFork, t.SetBeforeFork) },
	KeyBeforeExec:      func(t Target, s *Store) (bool, error) { return apply(s.BeforeExec, t.SetBeforeExec) },
	KeyPID:             func(t Target, s *Store) (bool, error) { return apply(s.PID, t.SetPID) },
	KeyPreloadApp:      func(t Target, s *Store) (bool, error) { return apply(s.PreloadApp, t.SetPreloadApp) },
	KeyListenerOpts: func(t Target, s *Store) (bool, error) {
		if v, ok := s.ListenerOpts.Get(); ok {
			return true, t.SetListenerOpts(v.Clone())
		}
		return false, nil
	},
	KeyListeners: func(t Target, s *Store) (bool, error) {
		if v, ok := s.Listeners.Get(); ok {
			return true, t.SetListeners(slices.Clone(v))
		}
		return false, nil
	},
	KeyStderrPath: func(t Target, s *Store) (bool, error) { return apply(s.StderrPath, t.SetStderrPath) },
	KeyStdoutPath: func(t Target, s *Store) (bool, error) { return apply(s.StdoutPath, t.SetStdoutPath) },
}

func apply[T any](s Setting[T], set func(T) error) (bool, error) {
	v, ok := s.Get()
	if !ok {
		return false, nil
	}
	return true, set(v)
}

// Commit pushes every set key not listed in skip onto t, in key order.
// Every setter is attempted even if an earlier one failed; the setters'
// errors are returned joined and unwrapped. Nothing is rolled back.
func (c *Configurator) Commit(t Target, skip ...Key) error {
	_, err := CommitStore(c.store, t, skip...)
	return err
}

// CommitStore is Commit for a bare store. It returns the keys that were
// handed to a setter.
func CommitStore(s *Store, t Target, skip ...Key) ([]Key, error) {
	var (
		applied []Key
		errs    []error
	)
	for _, k := range Keys() {
		if slices.Contains(skip, k) {
			continue
		}
		ok, err := setters[k](t, s)
		if !ok {
			continue
		}
		applied = append(applied, k)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return applied, errors.Join(errs...)
}

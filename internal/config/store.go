package config

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Key names one configurable setting. Keys are iterated in declaration order.
type Key int

const (
	KeyTimeout Key = iota
	KeyLogger
	KeyWorkerProcesses
	KeyAfterFork
	KeyBeforeFork
	KeyBeforeExec
	KeyPID
	KeyPreloadApp
	KeyListenerOpts
	KeyListeners
	KeyStderrPath
	KeyStdoutPath

	numKeys
)

var keyNames = [numKeys]string{
	KeyTimeout:         "timeout",
	KeyLogger:          "logger",
	KeyWorkerProcesses: "worker_processes",
	KeyAfterFork:       "after_fork",
	KeyBeforeFork:      "before_fork",
	KeyBeforeExec:      "before_exec",
	KeyPID:             "pid",
	KeyPreloadApp:      "preload_app",
	KeyListenerOpts:    "listener_opts",
	KeyListeners:       "listeners",
	KeyStderrPath:      "stderr_path",
	KeyStdoutPath:      "stdout_path",
}

func (k Key) String() string {
	if k < 0 || k >= numKeys {
		return fmt.Sprintf("key(%d)", int(k))
	}
	return keyNames[k]
}

// Keys returns every key in iteration order.
func Keys() []Key {
	out := make([]Key, 0, numKeys)
	for k := Key(0); k < numKeys; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKey maps a setting name back to its key.
func ParseKey(name string) (Key, bool) {
	for k, n := range keyNames {
		if n == name {
			return Key(k), true
		}
	}
	return 0, false
}

// Setting is either unset or holds a value of type T.
type Setting[T any] struct {
	value T
	set   bool
}

// Value returns a setting holding v.
func Value[T any](v T) Setting[T] {
	return Setting[T]{value: v, set: true}
}

func (s Setting[T]) Get() (T, bool) {
	return s.value, s.set
}

func (s Setting[T]) IsSet() bool {
	return s.set
}

func (s *Setting[T]) Set(v T) {
	s.value = v
	s.set = true
}

func (s *Setting[T]) Unset() {
	var zero T
	s.value = zero
	s.set = false
}

// Store holds the settings produced by evaluating a script.
//
// Path settings hold "" when the script cleared them with nil; that is still
// a set value and is committed to the target.
type Store struct {
	Timeout         Setting[time.Duration]
	Logger          Setting[Logger]
	WorkerProcesses Setting[int]
	AfterFork       Setting[WorkerHook]
	BeforeFork      Setting[WorkerHook]
	BeforeExec      Setting[ExecHook]
	PID             Setting[string]
	PreloadApp      Setting[bool]
	ListenerOpts    Setting[ListenerOptions]
	Listeners       Setting[[]string]
	StderrPath      Setting[string]
	StdoutPath      Setting[string]
}

// NewStore returns a store with every key unset.
func NewStore() *Store {
	return &Store{}
}

// Entry is one row of an ordered store listing.
type Entry struct {
	Key   Key
	Value any
	Set   bool
}

// Get returns the value for k; ok is false when k is unset.
func (s *Store) Get(k Key) (any, bool) {
	switch k {
	case KeyTimeout:
		return view(s.Timeout)
	case KeyLogger:
		return view(s.Logger)
	case KeyWorkerProcesses:
		return view(s.WorkerProcesses)
	case KeyAfterFork:
		return view(s.AfterFork)
	case KeyBeforeFork:
		return view(s.BeforeFork)
	case KeyBeforeExec:
		return view(s.BeforeExec)
	case KeyPID:
		return view(s.PID)
	case KeyPreloadApp:
		return view(s.PreloadApp)
	case KeyListenerOpts:
		return view(s.ListenerOpts)
	case KeyListeners:
		return view(s.Listeners)
	case KeyStderrPath:
		return view(s.StderrPath)
	case KeyStdoutPath:
		return view(s.StdoutPath)
	default:
		return nil, false
	}
}

// Set stores v under k. It only checks that v has the key's Go type.
func (s *Store) Set(k Key, v any) error {
	switch k {
	case KeyTimeout:
		return assign(&s.Timeout, k, v)
	case KeyLogger:
		return assign(&s.Logger, k, v)
	case KeyWorkerProcesses:
		return assign(&s.WorkerProcesses, k, v)
	case KeyAfterFork:
		return assign(&s.AfterFork, k, v)
	case KeyBeforeFork:
		return assign(&s.BeforeFork, k, v)
	case KeyBeforeExec:
		return assign(&s.BeforeExec, k, v)
	case KeyPID:
		return assign(&s.PID, k, v)
	case KeyPreloadApp:
		return assign(&s.PreloadApp, k, v)
	case KeyListenerOpts:
		return assign(&s.ListenerOpts, k, v)
	case KeyListeners:
		return assign(&s.Listeners, k, v)
	case KeyStderrPath:
		return assign(&s.StderrPath, k, v)
	case KeyStdoutPath:
		return assign(&s.StdoutPath, k, v)
	default:
		return fmt.Errorf("unknown key %s", k)
	}
}

// Entries lists every key in iteration order, unset ones included.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, numKeys)
	for _, k := range Keys() {
		v, ok := s.Get(k)
		out = append(out, Entry{Key: k, Value: v, Set: ok})
	}
	return out
}

// Clone returns a copy that shares no mutable state with s.
func (s *Store) Clone() *Store {
	out := *s
	if v, ok := s.Listeners.Get(); ok {
		out.Listeners = Value(slices.Clone(v))
	}
	if v, ok := s.ListenerOpts.Get(); ok {
		out.ListenerOpts = Value(v.Clone())
	}
	return &out
}

func view[T any](s Setting[T]) (any, bool) {
	if !s.set {
		return nil, false
	}
	return s.value, true
}

func assign[T any](dst *Setting[T], k Key, v any) error {
	tv, ok := v.(T)
	if !ok {
		return newError(k.String(), ErrTypeMismatch, "cannot store %T", v)
	}
	dst.Set(tv)
	return nil
}

// ListenOptions are the per-address socket options accepted by listen.
type ListenOptions struct {
	Backlog    Setting[int]
	Rcvbuf     Setting[int]
	Sndbuf     Setting[int]
	TCPNoDelay Setting[bool]
	TCPNoPush  Setting[bool]
	Tries      Setting[int]
	Delay      Setting[time.Duration]
}

// Merge overwrites the options set in other and keeps the rest.
func (o *ListenOptions) Merge(other ListenOptions) {
	mergeSetting(&o.Backlog, other.Backlog)
	mergeSetting(&o.Rcvbuf, other.Rcvbuf)
	mergeSetting(&o.Sndbuf, other.Sndbuf)
	mergeSetting(&o.TCPNoDelay, other.TCPNoDelay)
	mergeSetting(&o.TCPNoPush, other.TCPNoPush)
	mergeSetting(&o.Tries, other.Tries)
	mergeSetting(&o.Delay, other.Delay)
}

func mergeSetting[T any](dst *Setting[T], src Setting[T]) {
	if v, ok := src.Get(); ok {
		dst.Set(v)
	}
}

// ListenerOptions maps canonical addresses to their options.
type ListenerOptions map[string]*ListenOptions

// Ensure returns the options for addr, inserting an empty entry first if
// addr has none yet.
func (o ListenerOptions) Ensure(addr string) *ListenOptions {
	if cur, ok := o[addr]; ok && cur != nil {
		return cur
	}
	cur := &ListenOptions{}
	o[addr] = cur
	return cur
}

// Lookup returns a copy of the options for addr without inserting.
func (o ListenerOptions) Lookup(addr string) (ListenOptions, bool) {
	cur, ok := o[addr]
	if !ok || cur == nil {
		return ListenOptions{}, false
	}
	return *cur, true
}

func (o ListenerOptions) Clone() ListenerOptions {
	out := make(ListenerOptions, len(o))
	for addr, opts := range o {
		if opts == nil {
			continue
		}
		cp := *opts
		out[addr] = &cp
	}
	return out
}

// Addresses returns the configured addresses in sorted order.
func (o ListenerOptions) Addresses() []string {
	return slices.Sorted(maps.Keys(o))
}

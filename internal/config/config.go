package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/nuetzliches/prefork/internal/logging"
)

// Built-in defaults applied when Options.UseDefaults is set.
const (
	DefaultTimeout         = 60 * time.Second
	DefaultWorkerProcesses = 1
)

// Options controls how a Configurator is created.
type Options struct {
	// UseDefaults pre-merges the built-in defaults into the store.
	UseDefaults bool
	// ConfigFile is evaluated on creation and on every Reload. Files ending
	// in .hcl are read as HCL, everything else as Preforkfile syntax.
	ConfigFile string
	// Listeners are the initial listen addresses (e.g. from the command
	// line). Reload starts from these before re-evaluating the file.
	Listeners []any
	// Hooks resolves hook names used by before_fork/after_fork/before_exec.
	Hooks HookTable
	// Resolver canonicalizes host:port addresses; net.DefaultResolver if nil.
	Resolver Resolver
}

// Configurator evaluates configuration scripts into a Store and commits the
// result onto a Target. It is not safe for concurrent use.
type Configurator struct {
	store            *Store
	configFile       string
	hooks            HookTable
	resolver         Resolver
	initialListeners []string
	// opened holds loggers built by logger directives since the last
	// Apply or Check, so the ones that never reach a server get closed.
	opened []Logger
}

// Defaults returns a store holding the built-in defaults.
func Defaults() *Store {
	s := NewStore()
	s.Timeout.Set(DefaultTimeout)
	s.Logger.Set(logging.Stderr())
	s.WorkerProcesses.Set(DefaultWorkerProcesses)
	s.AfterFork.Set(DefaultAfterFork)
	s.BeforeFork.Set(DefaultBeforeFork)
	s.BeforeExec.Set(DefaultBeforeExec)
	s.PID.Set("")
	s.PreloadApp.Set(false)
	return s
}

// New builds a Configurator and evaluates opts.ConfigFile, if any.
func New(opts Options) (*Configurator, error) {
	c := &Configurator{
		store:      NewStore(),
		configFile: opts.ConfigFile,
		hooks:      opts.Hooks,
		resolver:   opts.Resolver,
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if opts.UseDefaults {
		c.store = Defaults()
	}
	c.store.ListenerOpts.Set(ListenerOptions{})
	c.store.Listeners.Set([]string{})
	if len(opts.Listeners) > 0 {
		if err := c.Listeners(opts.Listeners); err != nil {
			return nil, err
		}
	}
	c.initialListeners, _ = c.store.Listeners.Get()
	c.initialListeners = slices.Clone(c.initialListeners)

	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Store returns the live settings store. Its identity is stable across
// reloads.
func (c *Configurator) Store() *Store { return c.store }

// ConfigFile returns the script path evaluated by Reload.
func (c *Configurator) ConfigFile() string { return c.configFile }

// Get returns the current value for k; ok is false when k is unset.
func (c *Configurator) Get(k Key) (any, bool) { return c.store.Get(k) }

// Reload re-reads the config file and applies it with Apply.
func (c *Configurator) Reload() error {
	if c.configFile == "" {
		return nil
	}
	script, err := ParseFile(c.configFile)
	if err != nil {
		return err
	}
	return c.Apply(script)
}

// Apply evaluates script on a copy of the store whose listeners are reset to
// the initial listeners. The copy replaces the live contents only when every
// directive succeeds, so a failing script leaves the store untouched.
func (c *Configurator) Apply(script *Script) error {
	live := c.store
	scratch := live.Clone()
	scratch.Listeners.Set(slices.Clone(c.initialListeners))

	c.opened = nil
	c.store = scratch
	err := c.Eval(script)
	c.store = live
	if err != nil {
		c.closeOpened(nil)
		return err
	}
	kept, _ := scratch.Logger.Get()
	c.closeOpened(kept)
	*live = *scratch
	return nil
}

// closeOpened closes every logger built since the last Apply except keep.
func (c *Configurator) closeOpened(keep Logger) {
	for _, l := range c.opened {
		if keep != nil && l == keep {
			continue
		}
		_ = l.Close()
	}
	c.opened = nil
}

// Timeout sets the worker timeout in seconds. Values below 3 are rejected.
func (c *Configurator) Timeout(seconds any) error {
	d, err := validateTimeout(seconds)
	if err != nil {
		return err
	}
	c.store.Timeout.Set(d)
	return nil
}

// WorkerProcesses sets the number of workers; 0 is allowed.
func (c *Configurator) WorkerProcesses(n any) error {
	v, err := validateWorkerProcesses(n)
	if err != nil {
		return err
	}
	c.store.WorkerProcesses.Set(v)
	return nil
}

// PreloadApp controls whether the application is built once before workers
// start instead of once per worker.
func (c *Configurator) PreloadApp(b any) error {
	v, err := validateBool("preload_app", b)
	if err != nil {
		return err
	}
	c.store.PreloadApp.Set(v)
	return nil
}

// Logger replaces the logger. l must provide Debug, Info, Warn, Error,
// Fatal and Close.
func (c *Configurator) Logger(l any) error {
	v, err := validateLogger(l)
	if err != nil {
		return err
	}
	c.store.Logger.Set(v)
	return nil
}

// PID sets the pid file path; nil clears it.
func (c *Configurator) PID(path any) error {
	return c.setPath(&c.store.PID, "pid", path)
}

// StderrPath redirects standard error to path; nil clears it.
func (c *Configurator) StderrPath(path any) error {
	return c.setPath(&c.store.StderrPath, "stderr_path", path)
}

// StdoutPath redirects standard output to path; nil clears it.
func (c *Configurator) StdoutPath(path any) error {
	return c.setPath(&c.store.StdoutPath, "stdout_path", path)
}

func (c *Configurator) setPath(dst *Setting[string], name string, path any) error {
	v, err := validatePath(name, path)
	if err != nil {
		return err
	}
	dst.Set(v)
	return nil
}

// Listen adds address to the listener sequence and merges opts into the
// address's options. Recognized options: backlog, rcvbuf, sndbuf, tries
// (integers), tcp_nodelay, tcp_nopush (booleans) and delay (seconds).
func (c *Configurator) Listen(address any, opts map[string]any) error {
	addr, err := normalizeAddress(context.Background(), c.resolver, address)
	if err != nil {
		return err
	}
	lo, err := validateListenOptions(opts)
	if err != nil {
		return err
	}
	c.listenerOpts().Ensure(addr).Merge(lo)

	cur, _ := c.store.Listeners.Get()
	c.store.Listeners.Set(append(slices.Clone(cur), addr))
	return nil
}

// Listeners replaces the listener sequence with the normalized addresses.
func (c *Configurator) Listeners(addresses []any) error {
	out := make([]string, 0, len(addresses))
	for _, a := range addresses {
		addr, err := normalizeAddress(context.Background(), c.resolver, a)
		if err != nil {
			return err
		}
		out = append(out, addr)
	}
	c.store.Listeners.Set(out)
	return nil
}

func (c *Configurator) listenerOpts() ListenerOptions {
	opts, ok := c.store.ListenerOpts.Get()
	if !ok || opts == nil {
		opts = ListenerOptions{}
		c.store.ListenerOpts.Set(opts)
	}
	return opts
}

// BeforeFork registers fn(Server, *Worker), run before each worker starts.
// nil restores the built-in hook.
func (c *Configurator) BeforeFork(fn any) error {
	return c.setHook(HookBeforeFork, funcName(fn), fn)
}

// AfterFork registers fn(Server, *Worker), run inside each new worker.
// nil restores the built-in hook.
func (c *Configurator) AfterFork(fn any) error {
	return c.setHook(HookAfterFork, funcName(fn), fn)
}

// BeforeExec registers fn(Server), run before the server re-executes.
// nil restores the built-in hook.
func (c *Configurator) BeforeExec(fn any) error {
	return c.setHook(HookBeforeExec, funcName(fn), fn)
}

func (c *Configurator) setHook(p HookPoint, name string, fn any) error {
	if p == HookBeforeExec {
		h, err := bindExecHook(name, fn)
		if err != nil {
			return err
		}
		c.store.BeforeExec.Set(h)
		return nil
	}
	h, err := bindWorkerHook(p, name, fn)
	if err != nil {
		return err
	}
	if p == HookBeforeFork {
		c.store.BeforeFork.Set(h)
	} else {
		c.store.AfterFork.Set(h)
	}
	return nil
}

// namedHook resolves a script hook reference: nil or "default" select the
// built-in hook, anything else must be in the hook table.
func (c *Configurator) namedHook(p HookPoint, ref any) error {
	switch name := ref.(type) {
	case nil:
		return c.setHook(p, DefaultHookName, nil)
	case string:
		if name == DefaultHookName {
			return c.setHook(p, DefaultHookName, nil)
		}
		fn, ok := c.hooks[name]
		if !ok {
			return newError(p.String(), ErrUnknownHook, "no hook named %q", name)
		}
		if fn == nil {
			return newError(p.String(), ErrTypeMismatch, "hook %q is nil", name)
		}
		return c.setHook(p, name, fn)
	default:
		return newError(p.String(), ErrTypeMismatch, "invalid type: %s=%s", p, inspect(ref))
	}
}

// ParseFile reads and parses the script at path, choosing the HCL front-end
// for .hcl files.
func ParseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var s *Script
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		s, err = ParseHCL(data, path)
	} else {
		s, err = Parse(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Filename = path
	return s, nil
}

// Parse parses Preforkfile syntax. An empty input yields an empty script.
func Parse(input []byte) (*Script, error) {
	return newParser(string(normalizeInput(input))).parse()
}

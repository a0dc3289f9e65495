package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/nuetzliches/prefork/internal/logging"
)

type directiveFunc func(c *Configurator, d Directive) error

// directives is the complete script surface.
var directives = map[string]directiveFunc{
	"timeout":          scalarDirective((*Configurator).Timeout),
	"worker_processes": scalarDirective((*Configurator).WorkerProcesses),
	"preload_app":      scalarDirective((*Configurator).PreloadApp),
	"pid":              scalarDirective((*Configurator).PID),
	"stderr_path":      scalarDirective((*Configurator).StderrPath),
	"stdout_path":      scalarDirective((*Configurator).StdoutPath),
	"listen":           evalListen,
	"logger":           evalLogger,
	"before_fork":      hookDirective(HookBeforeFork),
	"after_fork":       hookDirective(HookAfterFork),
	"before_exec":      hookDirective(HookBeforeExec),
}

// IsDirective reports whether name is part of the script surface.
func IsDirective(name string) bool {
	_, ok := directives[name]
	return ok
}

// Eval runs the directives of script in order, writing straight into the
// live store. It stops at the first failing directive; the effects of the
// directives before it are kept. Use Apply for all-or-nothing evaluation.
func (c *Configurator) Eval(script *Script) error {
	if script == nil {
		return nil
	}
	for _, d := range script.Directives {
		fn, ok := directives[d.Name]
		if !ok {
			return script.errAt(d.Pos, newError(d.Name, ErrUnknownDirective, "unknown directive %q", d.Name))
		}
		if err := fn(c, d); err != nil {
			return script.errAt(d.Pos, err)
		}
	}
	return nil
}

func (s *Script) errAt(pos Position, err error) error {
	if s.Filename != "" {
		return fmt.Errorf("config error at %s:%s: %w", s.Filename, pos, err)
	}
	return fmt.Errorf("config error at %s: %w", pos, err)
}

func scalarDirective(set func(*Configurator, any) error) directiveFunc {
	return func(c *Configurator, d Directive) error {
		v, err := d.single()
		if err != nil {
			return err
		}
		return set(c, v)
	}
}

func hookDirective(p HookPoint) directiveFunc {
	return func(c *Configurator, d Directive) error {
		v, err := d.single()
		if err != nil {
			return err
		}
		return c.namedHook(p, v)
	}
}

func evalListen(c *Configurator, d Directive) error {
	if len(d.Args) != 1 {
		return fmt.Errorf("listen: expected an address, got %d arguments", len(d.Args))
	}
	opts, err := d.optionMap()
	if err != nil {
		return err
	}
	return c.Listen(d.Args[0].Value, opts)
}

// evalLogger builds a logger from `logger stderr|stdout|discard` or
// `logger file PATH`, with optional level/format/path block options.
func evalLogger(c *Configurator, d Directive) error {
	if len(d.Args) < 1 || len(d.Args) > 2 {
		return fmt.Errorf("logger: expected output and optional path, got %d arguments", len(d.Args))
	}
	output, ok := d.Args[0].Value.(string)
	if !ok {
		return newError("logger", ErrTypeMismatch, "invalid logger output %s", inspect(d.Args[0].Value))
	}
	lo := logging.Options{Output: output}
	if len(d.Args) == 2 {
		p, ok := d.Args[1].Value.(string)
		if !ok {
			return newError("logger", ErrTypeMismatch, "invalid logger path %s", inspect(d.Args[1].Value))
		}
		lo.Path = p
	}
	opts, err := d.optionMap()
	if err != nil {
		return err
	}
	for name, v := range opts {
		s, ok := v.(string)
		if !ok {
			return newError("logger", ErrTypeMismatch, "not a string: %s=%s", name, inspect(v))
		}
		switch name {
		case "level":
			lo.Level = s
		case "format":
			lo.Format = s
		case "path":
			lo.Path = s
		default:
			return newError("logger", ErrUnknownOption, "unknown option %q", name)
		}
	}

	l, err := logging.New(lo)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return newError("logger", ErrPathNotWritable, "%v", err)
		}
		return newError("logger", ErrTypeMismatch, "%v", err)
	}
	if err := c.Logger(l); err != nil {
		_ = l.Close()
		return err
	}
	c.opened = append(c.opened, l)
	return nil
}

func (d Directive) single() (any, error) {
	if d.HasBlock {
		return nil, fmt.Errorf("%s: does not take a block", d.Name)
	}
	if len(d.Args) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one argument, got %d", d.Name, len(d.Args))
	}
	return d.Args[0].Value, nil
}

func (d Directive) optionMap() (map[string]any, error) {
	out := make(map[string]any, len(d.Options))
	for _, o := range d.Options {
		if len(o.Args) != 1 {
			return nil, fmt.Errorf("%s: option %s expects exactly one value, got %d", d.Name, o.Name, len(o.Args))
		}
		out[o.Name] = o.Args[0].Value
	}
	return out, nil
}

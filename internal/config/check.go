package config

import (
	"encoding/json"
	"fmt"
)

// ValidationResult is the outcome of Check.
type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Check parses the script at path and evaluates every directive on top of
// the built-in defaults. Unlike Eval it keeps going after a failing
// directive so that all of them are reported.
func Check(path string, opts Options) ValidationResult {
	script, err := ParseFile(path)
	if err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}

	opts.UseDefaults = true
	opts.ConfigFile = ""
	c, err := New(opts)
	if err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}

	defer c.closeOpened(nil)

	var res ValidationResult
	for _, d := range script.Directives {
		fn, ok := directives[d.Name]
		if !ok {
			res.Errors = append(res.Errors, script.errAt(d.Pos, newError(d.Name, ErrUnknownDirective, "unknown directive %q", d.Name)).Error())
			continue
		}
		if err := fn(c, d); err != nil {
			res.Errors = append(res.Errors, script.errAt(d.Pos, err).Error())
		}
	}
	res.Warnings = checkWarnings(c.Store())
	res.OK = len(res.Errors) == 0
	return res
}

func checkWarnings(s *Store) []string {
	var out []string
	if n, ok := s.WorkerProcesses.Get(); ok && n == 0 {
		out = append(out, "worker_processes is 0: no workers will be started")
	}
	if l, ok := s.Listeners.Get(); !ok || len(l) == 0 {
		out = append(out, "no listen directive: the server binds its default address")
	}
	seen := map[string]bool{}
	if l, ok := s.Listeners.Get(); ok {
		for _, addr := range l {
			if seen[addr] {
				out = append(out, fmt.Sprintf("listen %s appears more than once", addr))
			}
			seen[addr] = true
		}
	}
	errPath, _ := s.StderrPath.Get()
	outPath, _ := s.StdoutPath.Get()
	if errPath != "" && errPath == outPath {
		out = append(out, fmt.Sprintf("stderr_path and stdout_path share %s", errPath))
	}
	return out
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 1 {
		return fmt.Sprintf("config invalid: %s", res.Errors[0])
	}
	return fmt.Sprintf("config invalid (%d errors): %s", len(res.Errors), res.Errors[0])
}

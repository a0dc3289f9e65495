package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
)

type filer interface {
	File() (*os.File, error)
}

// Reexec runs the before_exec hook and starts a new copy of the running
// binary with the same arguments. The child inherits every bound listener
// through EnvFDs. The pid file is renamed to PATH.oldbin so the child can
// claim PATH. The caller decides when to shut this server down.
func (s *Server) Reexec() (*os.Process, error) {
	s.mu.Lock()
	hook := s.beforeExec
	listeners := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()

	hook.Call(s)

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("reexec: %w", err)
	}

	fds := map[string]int{}
	var files []*os.File
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	for _, l := range listeners {
		fl, ok := l.ln.(filer)
		if !ok {
			continue
		}
		f, err := fl.File()
		if err != nil {
			return nil, fmt.Errorf("reexec: listener %s: %w", l.addr, err)
		}
		if ul, ok := l.ln.(*net.UnixListener); ok {
			ul.SetUnlinkOnClose(false)
		}
		fds[l.addr] = 3 + len(files)
		files = append(files, f)
	}
	env, err := json.Marshal(fds)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	pidPath := s.pid.path
	if pidPath != "" {
		if err := s.pid.rename(pidPath + ".oldbin"); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("reexec: %w", err)
		}
	}
	s.mu.Unlock()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(withoutEnv(os.Environ(), EnvFDs), EnvFDs+"="+string(env))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		if pidPath != "" {
			err = errors.Join(err, s.pid.rename(pidPath))
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("reexec: %w", err)
	}
	s.Logger().Info("reexec_started", "child_pid", cmd.Process.Pid, "listeners", len(files))
	return cmd.Process, nil
}

func withoutEnv(env []string, name string) []string {
	out := env[:0:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, name+"=") {
			out = append(out, kv)
		}
	}
	return out
}

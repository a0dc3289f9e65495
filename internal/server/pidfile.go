package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// pidFile tracks the pid file owned by this process.
type pidFile struct {
	path string
	pid  int
}

// set writes the pid to path and removes the file previously owned. A
// path held by another live process is refused.
func (p *pidFile) set(path string) error {
	if path == p.path {
		if path == "" {
			return nil
		}
		if cur, err := readPIDFile(path); err == nil && cur == p.pid {
			return nil
		}
	}
	if path != "" {
		if cur, err := readPIDFile(path); err == nil && cur != p.pid && pidRunning(cur) {
			return fmt.Errorf("pid file %q points to running process %d", path, cur)
		}
		if err := writePIDFile(path, p.pid); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}
	if p.path != "" && p.path != path {
		p.release()
	}
	p.path = path
	return nil
}

// release removes the pid file if it still holds our pid.
func (p *pidFile) release() {
	if cur, err := readPIDFile(p.path); err == nil && cur == p.pid {
		_ = os.Remove(p.path)
	}
}

// rename moves the owned pid file to path, as done before re-executing.
func (p *pidFile) rename(path string) error {
	if p.path == "" {
		return nil
	}
	if err := os.Rename(p.path, path); err != nil {
		return err
	}
	p.path = path
	return nil
}

func writePIDFile(path string, pid int) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	committed = true
	return nil
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, errors.New("empty pid file")
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q holds invalid pid %q", path, raw)
	}
	return pid, nil
}

func pidRunning(pid int) bool {
	if pid <= 0 || isZombie(pid) {
		return false
	}
	return processExists(pid)
}

func isZombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The command name may contain spaces; the state follows the last ')'.
	s := string(data)
	if i := strings.LastIndexByte(s, ')'); i >= 0 {
		s = s[i+1:]
	}
	fields := strings.Fields(s)
	return len(fields) > 0 && fields[0] == "Z"
}

package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestPIDFile_SetMoveAndRelease(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.pid")
	second := filepath.Join(dir, "b.pid")
	p := pidFile{pid: os.Getpid()}

	if err := p.set(first); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := readPIDFile(first); err != nil || got != os.Getpid() {
		t.Fatalf("read %s: %d, %v", first, got, err)
	}
	if err := p.set(first); err != nil {
		t.Fatalf("set same path: %v", err)
	}

	if err := p.set(second); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Fatalf("old pid file still present: %v", err)
	}
	if got, _ := readPIDFile(second); got != os.Getpid() {
		t.Fatalf("new pid file holds %d", got)
	}

	if err := p.set(""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestPIDFile_RefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	other := os.Getppid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(other)+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := pidFile{pid: os.Getpid()}
	err := p.set(path)
	if err == nil || !strings.Contains(err.Error(), "running process") {
		t.Fatalf("expected refusal, got %v", err)
	}
	if got, _ := readPIDFile(path); got != other {
		t.Fatalf("pid file overwritten: %d", got)
	}
}

func TestPIDFile_ReplacesStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	// Larger than any pid_max.
	if err := os.WriteFile(path, []byte("99999999\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := pidFile{pid: os.Getpid()}
	if err := p.set(path); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := readPIDFile(path); got != os.Getpid() {
		t.Fatalf("pid file holds %d", got)
	}
}

func TestPIDFile_Rename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.pid")
	p := pidFile{pid: os.Getpid()}
	if err := p.rename(path + ".oldbin"); err != nil {
		t.Fatalf("rename without file: %v", err)
	}
	if err := p.set(path); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := p.rename(path + ".oldbin"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if p.path != path+".oldbin" {
		t.Fatalf("path: %q", p.path)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original still present: %v", err)
	}
}

func TestReadPIDFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"empty":    "",
		"garbage":  "abc",
		"negative": "-4",
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := readPIDFile(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

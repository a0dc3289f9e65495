//go:build darwin || freebsd

package server

import (
	"os"

	"golang.org/x/sys/unix"
)

// redirectFD points descriptor fd at f.
func redirectFD(f *os.File, fd int) error {
	return unix.Dup2(int(f.Fd()), fd)
}

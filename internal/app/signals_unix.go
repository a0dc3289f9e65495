//go:build !windows

package app

import (
	"os"
	"syscall"
)

var controlSignals = []os.Signal{syscall.SIGHUP, syscall.SIGUSR2, syscall.SIGTTIN, syscall.SIGTTOU}

func controlAction(sig os.Signal) controlKind {
	switch sig {
	case syscall.SIGHUP:
		return controlReload
	case syscall.SIGUSR2:
		return controlReexec
	case syscall.SIGTTIN:
		return controlIncrWorkers
	case syscall.SIGTTOU:
		return controlDecrWorkers
	default:
		return controlNone
	}
}

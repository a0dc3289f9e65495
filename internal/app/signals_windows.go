package app

import (
	"os"
	"syscall"
)

// Only reload is available; there are no signals for re-exec or scaling.
var controlSignals = []os.Signal{syscall.SIGHUP}

func controlAction(sig os.Signal) controlKind {
	if sig == syscall.SIGHUP {
		return controlReload
	}
	return controlNone
}

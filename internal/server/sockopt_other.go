//go:build !linux && !darwin && !freebsd

package server

import (
	"errors"
	"net"
	"syscall"

	"github.com/nuetzliches/prefork/internal/config"
)

var errSockoptUnsupported = errors.New("socket option not supported on this platform")

func controlSocket(_ syscall.RawConn, opts config.ListenOptions) error {
	if opts.Rcvbuf.IsSet() || opts.Sndbuf.IsSet() {
		return errSockoptUnsupported
	}
	return nil
}

func setBacklog(net.Listener, int) error { return errSockoptUnsupported }

func setNoPush(*net.TCPConn, bool) error { return errSockoptUnsupported }

func socketBuffers(net.Listener) (int, int, error) { return 0, 0, errSockoptUnsupported }

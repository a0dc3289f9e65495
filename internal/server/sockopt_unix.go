//go:build linux || darwin || freebsd

package server

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/nuetzliches/prefork/internal/config"
)

// controlSocket sets the buffer sizes on a socket before it is bound.
func controlSocket(c syscall.RawConn, opts config.ListenOptions) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if v, ok := opts.Rcvbuf.Get(); ok {
			if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, v); serr != nil {
				return
			}
		}
		if v, ok := opts.Sndbuf.Get(); ok {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, v)
		}
	})
	if err != nil {
		return err
	}
	return serr
}

// setBacklog calls listen(2) again on a bound socket to resize its queue.
func setBacklog(ln net.Listener, backlog int) error {
	rc, err := rawConn(ln)
	if err != nil || rc == nil {
		return err
	}
	var lerr error
	if err := rc.Control(func(fd uintptr) {
		lerr = unix.Listen(int(fd), backlog)
	}); err != nil {
		return err
	}
	return lerr
}

func setNoPush(c *net.TCPConn, on bool) error {
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, tcpNoPush, v)
	}); err != nil {
		return err
	}
	return serr
}

// socketBuffers reads back SO_RCVBUF and SO_SNDBUF.
func socketBuffers(ln net.Listener) (rcv, snd int, err error) {
	rc, err := rawConn(ln)
	if err != nil || rc == nil {
		return 0, 0, err
	}
	var gerr error
	err = rc.Control(func(fd uintptr) {
		if rcv, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF); gerr != nil {
			return
		}
		snd, gerr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil {
		return 0, 0, err
	}
	return rcv, snd, gerr
}

func rawConn(ln net.Listener) (syscall.RawConn, error) {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return nil, nil
	}
	return sc.SyscallConn()
}

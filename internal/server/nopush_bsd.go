//go:build darwin || freebsd

package server

import "golang.org/x/sys/unix"

const tcpNoPush = unix.TCP_NOPUSH

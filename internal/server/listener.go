package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nuetzliches/prefork/internal/config"
)

// EnvFDs carries listener descriptors from a re-executing parent, as a JSON
// object mapping each configured address to its descriptor number.
const EnvFDs = "PREFORK_FDS"

// Bind retry defaults for addresses that are still in use.
const (
	DefaultBindTries = 5
	DefaultBindDelay = 500 * time.Millisecond
)

type listener struct {
	addr    string
	ln      net.Listener
	opts    config.ListenOptions
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (l *listener) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.ln.Close()
		<-l.stopped
	})
}

// bind adopts an inherited descriptor for addr or listens on it, retrying
// while the address is in use. Callers hold mu.
func (s *Server) bind(addr string, opts config.ListenOptions) (*listener, error) {
	if f, ok := s.inherited[addr]; ok {
		delete(s.inherited, addr)
		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("adopt inherited listener %s: %w", addr, err)
		}
		s.Logger().Info("inherited_listener", "addr", addr)
		return s.startListener(addr, ln, opts), nil
	}

	tries := DefaultBindTries
	if v, ok := opts.Tries.Get(); ok {
		tries = v
	}
	delay := DefaultBindDelay
	if v, ok := opts.Delay.Get(); ok {
		delay = v
	}

	for attempt := 1; ; attempt++ {
		ln, err := listen(addr, opts)
		if err == nil {
			return s.startListener(addr, ln, opts), nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) || (tries >= 0 && attempt >= tries) {
			return nil, fmt.Errorf("bind %s: %w", addr, err)
		}
		s.Logger().Error("bind_retry", "addr", addr, "attempt", attempt, "delay", delay.String(), "err", err)
		time.Sleep(delay)
	}
}

func (s *Server) startListener(addr string, ln net.Listener, opts config.ListenOptions) *listener {
	l := &listener{
		addr:    addr,
		ln:      ln,
		opts:    opts,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.accept(l)
	return l
}

// accept hands connections from one listener to whichever worker asks
// first.
func (s *Server) accept(l *listener) {
	defer close(l.stopped)
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Logger().Warn("accept_failed", "addr", l.addr, "err", err)
			select {
			case <-l.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if err := applyConnOptions(c, l.opts); err != nil {
			s.Logger().Warn("socket_option_failed", "addr", l.addr, "err", err)
		}
		select {
		case s.conns <- c:
		case <-l.done:
			_ = c.Close()
			return
		}
	}
}

// listen opens addr: absolute paths are unix sockets, everything else is
// host:port.
func listen(addr string, opts config.ListenOptions) (net.Listener, error) {
	network := "unix"
	if !strings.HasPrefix(addr, "/") {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("unsupported listen address %q", addr)
		}
		network = "tcp4"
		if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
			network = "tcp6"
		}
	} else if err := removeStaleSocket(addr); err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlSocket(c, opts)
		},
	}
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	if backlog, ok := opts.Backlog.Get(); ok {
		if err := setBacklog(ln, backlog); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("set backlog: %w", err)
		}
	}
	return ln, nil
}

// removeStaleSocket deletes a unix socket nobody accepts on.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	c, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = c.Close()
		return fmt.Errorf("bind %s: %w", path, syscall.EADDRINUSE)
	}
	return os.Remove(path)
}

func applyConnOptions(c net.Conn, opts config.ListenOptions) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	if v, ok := opts.TCPNoDelay.Get(); ok {
		if err := tc.SetNoDelay(v); err != nil {
			return err
		}
	}
	if v, ok := opts.TCPNoPush.Get(); ok {
		return setNoPush(tc, v)
	}
	return nil
}

func parseInherited(raw string) (map[string]*os.File, error) {
	out := map[string]*os.File{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	var fds map[string]int
	if err := json.Unmarshal([]byte(raw), &fds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", EnvFDs, err)
	}
	for addr, fd := range fds {
		if fd < 3 {
			return nil, fmt.Errorf("parse %s: invalid descriptor %d for %s", EnvFDs, fd, addr)
		}
		out[addr] = os.NewFile(uintptr(fd), "listener:"+addr+":"+strconv.Itoa(fd))
	}
	return out, nil
}

// connListener is a worker's view of the shared connection queue. Closing
// it stops the worker from accepting without touching the sockets.
type connListener struct {
	conns  <-chan net.Conn
	addr   net.Addr
	closed chan struct{}
	once   sync.Once
}

func newConnListener(conns <-chan net.Conn, addr net.Addr) *connListener {
	if addr == nil {
		addr = &net.TCPAddr{}
	}
	return &connListener{conns: conns, addr: addr, closed: make(chan struct{})}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
	}
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }

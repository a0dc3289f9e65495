package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Resolver looks up host names during address canonicalization.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var (
	barePortRE = regexp.MustCompile(`^(?:\*?:)?(\d+)$`)
	hostPortRE = regexp.MustCompile(`^(.*):(\d+)$`)
)

// NormalizeAddress returns the canonical form of a listen address using the
// system resolver.
//
//	8080              -> 0.0.0.0:8080
//	"unix:tmp/a.sock" -> /abs/cwd/tmp/a.sock
//	"~/a.sock"        -> /home/user/a.sock
//	"*:9292", ":9292" -> 0.0.0.0:9292
//	"localhost:80"    -> 127.0.0.1:80
//
// Anything else is returned unchanged.
func NormalizeAddress(addr any) (string, error) {
	return normalizeAddress(context.Background(), net.DefaultResolver, addr)
}

func normalizeAddress(ctx context.Context, r Resolver, addr any) (string, error) {
	if port, ok := asInt(addr); ok {
		if port < 0 || port > maxPort {
			return "", newError("listen", ErrAddressResolution, "invalid port %d", port)
		}
		return "0.0.0.0:" + strconv.Itoa(port), nil
	}
	s, ok := addr.(string)
	if !ok {
		return "", newError("listen", ErrTypeMismatch, "invalid address type: %s", inspect(addr))
	}

	switch {
	case strings.HasPrefix(s, "unix:"):
		p, err := expandPath(strings.TrimPrefix(s, "unix:"))
		if err != nil {
			return "", newError("listen", ErrAddressResolution, "%s: %v", s, err)
		}
		return p, nil
	case strings.HasPrefix(s, "~"):
		p, err := expandPath(s)
		if err != nil {
			return "", newError("listen", ErrAddressResolution, "%s: %v", s, err)
		}
		return p, nil
	}

	if m := barePortRE.FindStringSubmatch(s); m != nil {
		port, err := parsePort(s, m[1])
		if err != nil {
			return "", err
		}
		return "0.0.0.0:" + strconv.Itoa(port), nil
	}
	if m := hostPortRE.FindStringSubmatch(s); m != nil {
		return canonicalHostPort(ctx, r, s, m[1], m[2])
	}
	return s, nil
}

func canonicalHostPort(ctx context.Context, r Resolver, raw, host, portRaw string) (string, error) {
	port, err := parsePort(raw, portRaw)
	if err != nil {
		return "", err
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	ip, err := resolveHost(ctx, r, host)
	if err != nil {
		return "", newError("listen", ErrAddressResolution, "%s: %v", raw, err)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

const maxPort = 65535

// parsePort drops leading zeros so "0080" and "80" name the same port.
func parsePort(raw, portRaw string) (int, error) {
	port, err := strconv.Atoi(portRaw)
	if err != nil || port > maxPort {
		return 0, newError("listen", ErrAddressResolution, "%s: invalid port %q", raw, portRaw)
	}
	return port, nil
}

// resolveHost prefers IPv4 results, matching an AF_INET sockaddr round trip.
func resolveHost(ctx context.Context, r Resolver, host string) (net.IP, error) {
	if host == "" {
		return net.IPv4zero, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return ip, nil
	}
	if r == nil {
		return nil, errors.New("no resolver configured")
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for host %q", host)
	}
	return addrs[0].IP, nil
}

// expandPath makes p absolute, expanding a leading "~" or "~user".
func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		name, rest, _ := strings.Cut(p[1:], "/")
		var home string
		if name == "" {
			h, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			home = h
		} else {
			u, err := user.Lookup(name)
			if err != nil {
				return "", fmt.Errorf("user %q doesn't exist", name)
			}
			home = u.HomeDir
		}
		p = filepath.Join(home, rest)
	}
	return filepath.Abs(p)
}

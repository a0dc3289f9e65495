package config

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strconv"
	"time"
)

const minTimeout = 3 * time.Second

func validateTimeout(v any) (time.Duration, error) {
	secs, ok := asNumber(v)
	if !ok {
		return 0, newError("timeout", ErrTypeMismatch, "not numeric: timeout=%s", inspect(v))
	}
	d := seconds(secs)
	if d < minTimeout {
		return 0, newError("timeout", ErrRangeViolation, "too low: timeout=%s", inspect(v))
	}
	return d, nil
}

func validateWorkerProcesses(v any) (int, error) {
	n, ok := asInt(v)
	if !ok {
		return 0, newError("worker_processes", ErrTypeMismatch, "not an integer: worker_processes=%s", inspect(v))
	}
	if n < 0 {
		return 0, newError("worker_processes", ErrRangeViolation, "not non-negative: worker_processes=%s", inspect(v))
	}
	return n, nil
}

func validateBool(name string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, newError(name, ErrTypeMismatch, "%s=%s not a boolean", name, inspect(v))
	}
	return b, nil
}

// validatePath accepts nil (clears the setting, returned as "") or a path
// whose parent directory is writable.
func validatePath(name string, v any) (string, error) {
	switch p := v.(type) {
	case nil:
		return "", nil
	case string:
		abs, err := expandPath(p)
		if err != nil {
			return "", newError(name, ErrPathNotWritable, "%s=%s: %v", name, p, err)
		}
		if err := dirWritable(filepath.Dir(abs)); err != nil {
			return "", newError(name, ErrPathNotWritable, "directory for %s=%s not writable", name, abs)
		}
		return abs, nil
	default:
		return "", newError(name, ErrTypeMismatch, "invalid type: %s=%s", name, inspect(v))
	}
}

var (
	intListenOptions  = []string{"backlog", "rcvbuf", "sndbuf", "tries"}
	boolListenOptions = []string{"tcp_nodelay", "tcp_nopush"}
)

// validateListenOptions type-checks a listen option map. Absent and nil
// options leave the current value untouched.
func validateListenOptions(opts map[string]any) (ListenOptions, error) {
	var out ListenOptions
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		v := opts[name]
		if v == nil {
			continue
		}
		switch {
		case slices.Contains(intListenOptions, name):
			n, ok := asInt(v)
			if !ok {
				return ListenOptions{}, newError("listen", ErrTypeMismatch, "not an integer: %s=%s", name, inspect(v))
			}
			switch name {
			case "backlog":
				out.Backlog.Set(n)
			case "rcvbuf":
				out.Rcvbuf.Set(n)
			case "sndbuf":
				out.Sndbuf.Set(n)
			case "tries":
				out.Tries.Set(n)
			}
		case slices.Contains(boolListenOptions, name):
			b, ok := v.(bool)
			if !ok {
				return ListenOptions{}, newError("listen", ErrTypeMismatch, "not boolean: %s=%s", name, inspect(v))
			}
			if name == "tcp_nodelay" {
				out.TCPNoDelay.Set(b)
			} else {
				out.TCPNoPush.Set(b)
			}
		case name == "delay":
			secs, ok := asNumber(v)
			if !ok {
				return ListenOptions{}, newError("listen", ErrTypeMismatch, "not numeric: delay=%s", inspect(v))
			}
			out.Delay.Set(seconds(secs))
		default:
			return ListenOptions{}, newError("listen", ErrUnknownOption, "unknown option %q", name)
		}
	}
	return out, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		if n > math.MaxInt || n < math.MinInt {
			return 0, false
		}
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint:
		if uint64(n) > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, finite(n)
	case float32:
		return float64(n), finite(float64(n))
	case time.Duration:
		return n.Seconds(), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// maxSeconds is the largest second count a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// seconds converts f to a Duration, clamping values a Duration cannot hold.
func seconds(f float64) time.Duration {
	switch {
	case f >= maxSeconds:
		return time.Duration(math.MaxInt64)
	case f <= -maxSeconds:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(f * float64(time.Second))
}

// inspect renders a directive value for error messages.
func inspect(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format renders script in canonical Preforkfile syntax. Placeholders are
// kept as written; only layout and quoting are normalized.
func Format(s *Script) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil script")
	}
	var b bytes.Buffer
	for _, line := range s.Preamble {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(s.Preamble) > 0 && len(s.Directives) > 0 {
		b.WriteByte('\n')
	}
	for _, d := range s.Directives {
		writeDirective(&b, d, "")
		if d.HasBlock {
			if len(d.Options) == 0 {
				b.WriteString(" {}\n")
				continue
			}
			b.WriteString(" {\n")
			for _, o := range d.Options {
				writeDirective(&b, o, "\t")
				b.WriteByte('\n')
			}
			b.WriteString("}\n")
			continue
		}
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

func writeDirective(b *bytes.Buffer, d Directive, indent string) {
	b.WriteString(indent)
	b.WriteString(d.Name)
	for _, a := range d.Args {
		b.WriteByte(' ')
		b.WriteString(formatArg(a))
	}
}

func formatArg(a Arg) string {
	if !a.Quoted && a.Text != "" && !needsQuote(a.Text) {
		return a.Text
	}
	return quote(a.Text)
}

var placeholderRE = regexp.MustCompile(`\{(?:\$|env\.|file\.)[^ \t\r\n{}"]*\}`)

func needsQuote(s string) bool {
	return strings.ContainsAny(placeholderRE.ReplaceAllString(s, ""), " \t\r\n;{}\"#")
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Dump renders the effective settings of s, one key per line, in key order.
// Unset keys are listed as "unset".
func Dump(s *Store) []byte {
	var b bytes.Buffer
	for _, e := range s.Entries() {
		if e.Key == KeyListenerOpts {
			opts, _ := e.Value.(ListenerOptions)
			if !e.Set {
				fmt.Fprintf(&b, "%s unset\n", e.Key)
				continue
			}
			if len(opts) == 0 {
				fmt.Fprintf(&b, "%s {}\n", e.Key)
				continue
			}
			for _, addr := range opts.Addresses() {
				fmt.Fprintf(&b, "%s %s %s\n", e.Key, addr, describeListenOptions(*opts[addr]))
			}
			continue
		}
		if !e.Set {
			fmt.Fprintf(&b, "%s unset\n", e.Key)
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", e.Key, Describe(e.Value))
	}
	return b.Bytes()
}

// Describe renders a store value for humans.
func Describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case time.Duration:
		return strconv.FormatFloat(x.Seconds(), 'f', -1, 64)
	case string:
		if x == "" {
			return "nil"
		}
		return x
	case WorkerHook:
		return x.Name
	case ExecHook:
		return x.Name
	case []string:
		return "[" + strings.Join(x, " ") + "]"
	case Logger:
		return fmt.Sprintf("%T", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func describeListenOptions(o ListenOptions) string {
	var parts []string
	add := func(name string, v any, ok bool) {
		if ok {
			parts = append(parts, name+"="+Describe(v))
		}
	}
	v1, ok := o.Backlog.Get()
	add("backlog", v1, ok)
	v2, ok := o.Rcvbuf.Get()
	add("rcvbuf", v2, ok)
	v3, ok := o.Sndbuf.Get()
	add("sndbuf", v3, ok)
	v4, ok := o.TCPNoDelay.Get()
	add("tcp_nodelay", v4, ok)
	v5, ok := o.TCPNoPush.Get()
	add("tcp_nopush", v5, ok)
	v6, ok := o.Tries.Get()
	add("tries", v6, ok)
	v7, ok := o.Delay.Get()
	add("delay", v7, ok)
	if len(parts) == 0 {
		return "{}"
	}
	return strings.Join(parts, " ")
}

package config

import (
	"bytes"
	"fmt"
	"strings"
)

// Change is one key whose effective value differs between two stores.
type Change struct {
	Key Key
	Old string
	New string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Key, c.Old, c.New)
}

// Diff compares a and b key by key using their Dump rendering. Listener
// options are compared per address.
func Diff(a, b *Store) []Change {
	oldRows, newRows := dumpRows(a), dumpRows(b)
	var out []Change
	for _, k := range Keys() {
		o, n := oldRows[k], newRows[k]
		if o != n {
			out = append(out, Change{Key: k, Old: o, New: n})
		}
	}
	return out
}

// Changed reports whether k differs in changes.
func Changed(changes []Change, k Key) bool {
	for _, c := range changes {
		if c.Key == k {
			return true
		}
	}
	return false
}

func dumpRows(s *Store) map[Key]string {
	rows := make(map[Key]string, numKeys)
	for _, line := range splitLines(Dump(s)) {
		name, rest, _ := strings.Cut(line, " ")
		k, ok := ParseKey(name)
		if !ok {
			continue
		}
		if prev, seen := rows[k]; seen {
			rows[k] = prev + "; " + rest
			continue
		}
		rows[k] = rest
	}
	return rows
}

// UnifiedDiff renders a line diff of before and after with context lines
// around each change. It returns "" when both are equal.
func UnifiedDiff(before, after []byte, context int, oldName, newName string) string {
	if context <= 0 {
		context = 3
	}
	ops := lineDiff(splitLines(before), splitLines(after))

	var changes []int
	for i, op := range ops {
		if op.kind != ' ' {
			changes = append(changes, i)
		}
	}
	if len(changes) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldName, newName)
	for i := 0; i < len(changes); {
		start := max(changes[i]-context, 0)
		end := min(changes[i]+context+1, len(ops))
		i++
		for i < len(changes) && changes[i]-context <= end {
			end = min(changes[i]+context+1, len(ops))
			i++
		}

		var oldCount, newCount int
		for _, op := range ops[start:end] {
			if op.kind != '+' {
				oldCount++
			}
			if op.kind != '-' {
				newCount++
			}
		}
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", ops[start].oldNo, oldCount, ops[start].newNo, newCount)
		for _, op := range ops[start:end] {
			b.WriteByte(op.kind)
			b.WriteString(op.text)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

type lineOp struct {
	kind  byte // ' ', '-', '+'
	text  string
	oldNo int
	newNo int
}

// lineDiff is a longest-common-subsequence line diff with 1-based line
// numbers on each op.
func lineDiff(a, b []string) []lineOp {
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	ops := make([]lineOp, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && a[i] == b[j]:
			ops = append(ops, lineOp{kind: ' ', text: a[i], oldNo: i + 1, newNo: j + 1})
			i++
			j++
		case j == len(b) || (i < len(a) && lcs[i+1][j] >= lcs[i][j+1]):
			ops = append(ops, lineOp{kind: '-', text: a[i], oldNo: i + 1, newNo: j + 1})
			i++
		default:
			ops = append(ops, lineOp{kind: '+', text: b[j], oldNo: i + 1, newNo: j + 1})
			j++
		}
	}
	return ops
}

func splitLines(data []byte) []string {
	data = bytes.TrimSuffix(normalizeInput(data), []byte("\n"))
	if len(data) == 0 {
		return nil
	}
	return strings.Split(string(data), "\n")
}

package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// loadDotenv exports the variables in path that are unset or empty in the
// environment, so Preforkfile placeholders can refer to them. It returns the
// names it set.
func loadDotenv(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars, err := parseDotenv(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var set []string
	for _, kv := range vars {
		if cur, ok := os.LookupEnv(kv[0]); ok && cur != "" {
			continue
		}
		if err := os.Setenv(kv[0], kv[1]); err != nil {
			return set, fmt.Errorf("%s: %w", path, err)
		}
		set = append(set, kv[0])
	}
	return set, nil
}

// parseDotenv reads KEY=VALUE lines in file order. Blank lines, # comments
// and an "export " prefix are allowed; values may be double quoted (Go
// escapes) or single quoted (literal).
func parseDotenv(r io.Reader) ([][2]string, error) {
	var out [][2]string
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		text = strings.TrimSpace(strings.TrimPrefix(text, "export "))

		key, val, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: missing '='", line)
		}
		key = strings.TrimSpace(key)
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: invalid key %q", line, key)
		}
		val, err := dotenvValue(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, [2]string{key, val})
	}
	return out, sc.Err()
}

func dotenvValue(v string) (string, error) {
	if len(v) < 2 {
		return v, nil
	}
	switch {
	case v[0] == '"' && v[len(v)-1] == '"':
		return strconv.Unquote(v)
	case v[0] == '\'' && v[len(v)-1] == '\'':
		return v[1 : len(v)-1], nil
	}
	return v, nil
}

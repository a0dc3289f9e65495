package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// resolvePlaceholders expands {$VAR}, {$VAR:default}, {env.VAR} and
// {file.PATH}. Unset variables without a default expand to "".
func resolvePlaceholders(in string) (string, error) {
	if !strings.Contains(in, "{") {
		return in, nil
	}

	var out strings.Builder
	out.Grow(len(in))

	for i := 0; i < len(in); {
		switch {
		case strings.HasPrefix(in[i:], "{$"):
			body, n, err := placeholderBody(in[i:], "{$")
			if err != nil {
				return "", err
			}
			name, def, hasDef := strings.Cut(body, ":")
			if name == "" {
				return "", errors.New("empty env var in {$...} placeholder")
			}
			val, ok := os.LookupEnv(name)
			if !ok && hasDef {
				val = def
			}
			out.WriteString(val)
			i += n
		case strings.HasPrefix(in[i:], "{env."):
			name, n, err := placeholderBody(in[i:], "{env.")
			if err != nil {
				return "", err
			}
			if name == "" {
				return "", errors.New("empty env var in {env.*} placeholder")
			}
			out.WriteString(os.Getenv(name))
			i += n
		case strings.HasPrefix(in[i:], "{file."):
			path, n, err := placeholderBody(in[i:], "{file.")
			if err != nil {
				return "", err
			}
			if path == "" {
				return "", errors.New("empty path in {file.*} placeholder")
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("file placeholder %q: %w", path, err)
			}
			out.WriteString(strings.TrimRight(string(b), "\r\n"))
			i += n
		default:
			out.WriteByte(in[i])
			i++
		}
	}
	return out.String(), nil
}

// placeholderBody returns the text between prefix and the closing brace and
// the total length consumed.
func placeholderBody(s, prefix string) (string, int, error) {
	end := strings.IndexByte(s[len(prefix):], '}')
	if end == -1 {
		return "", 0, fmt.Errorf("unterminated %s...} placeholder", prefix)
	}
	return s[len(prefix) : len(prefix)+end], len(prefix) + end + 1, nil
}

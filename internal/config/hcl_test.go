package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestParseHCL_MatchesNativeSyntax(t *testing.T) {
	dir := t.TempDir()
	pid := filepath.Join(dir, "app.pid")

	native := "worker_processes 3\ntimeout 12.5\npreload_app true\npid " + pid + "\nlisten 9292 { backlog 64; tcp_nopush true }\nlisten 8080\n"
	hclSrc := `
worker_processes = 3
timeout          = 12.5
preload_app      = true
pid              = "` + pid + `"

listen "9292" {
  backlog    = 64
  tcp_nopush = true
}

listen "8080" {}
`

	nativeScript, err := Parse([]byte(native))
	if err != nil {
		t.Fatalf("parse native: %v", err)
	}
	hclScript, err := ParseHCL([]byte(hclSrc), "Preforkfile.hcl")
	if err != nil {
		t.Fatalf("parse hcl: %v", err)
	}

	a := newTestConfigurator(t, Options{UseDefaults: true})
	if err := a.Eval(nativeScript); err != nil {
		t.Fatalf("eval native: %v", err)
	}
	b := newTestConfigurator(t, Options{UseDefaults: true})
	if err := b.Eval(hclScript); err != nil {
		t.Fatalf("eval hcl: %v", err)
	}

	da, db := string(Dump(a.Store())), string(Dump(b.Store()))
	if da != db {
		t.Fatalf("dumps differ:\nnative:\n%s\nhcl:\n%s", da, db)
	}
}

func TestParseHCL_OrderAndEnv(t *testing.T) {
	t.Setenv("PREFORK_TEST_DIR", "/srv/app")
	s, err := ParseHCL([]byte(`
timeout = 10
stderr_path = "${env.PREFORK_TEST_DIR}/err.log"
worker_processes = 2
before_fork = null
`), "x.hcl")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	names := []string{}
	for _, d := range s.Directives {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "timeout,stderr_path,worker_processes,before_fork" {
		t.Fatalf("directive order: %v", names)
	}
	if v := s.Directives[1].Args[0].Value; v != "/srv/app/err.log" {
		t.Fatalf("env interpolation: got %#v", v)
	}
	if v := s.Directives[2].Args[0].Value; v != 2 {
		t.Fatalf("integer attribute: got %#v", v)
	}
	if v := s.Directives[3].Args[0].Value; v != nil {
		t.Fatalf("null attribute: got %#v", v)
	}
}

func TestParseHCL_Errors(t *testing.T) {
	tests := []struct {
		src string
		msg string
	}{
		{`timeout = `, ""},
		{"listen \"80\" {\n  opts {\n  }\n}\n", "nested block"},
		{`timeout = [1, 2]`, "unsupported value type"},
		{`timeout = undefined_var`, ""},
	}
	for _, tc := range tests {
		_, err := ParseHCL([]byte(tc.src), "bad.hcl")
		if err == nil {
			t.Fatalf("parse(%q): expected error", tc.src)
		}
		if tc.msg != "" && !strings.Contains(err.Error(), tc.msg) {
			t.Fatalf("parse(%q): expected %q in %v", tc.src, tc.msg, err)
		}
	}
}

func TestParseFile_SelectsFrontEnd(t *testing.T) {
	dir := t.TempDir()
	hclPath := filepath.Join(dir, "Preforkfile.hcl")
	writeFile(t, hclPath, "worker_processes = 6\n")
	nativePath := filepath.Join(dir, "Preforkfile")
	writeFile(t, nativePath, "worker_processes 6\n")

	for _, path := range []string{hclPath, nativePath} {
		s, err := ParseFile(path)
		if err != nil {
			t.Fatalf("parse %s: %v", path, err)
		}
		if s.Filename != path || len(s.Directives) != 1 || s.Directives[0].Args[0].Value != 6 {
			t.Fatalf("parse %s: %+v", path, s)
		}
	}
}

// Command prefork serves an HTTP application on a pool of workers configured
// by a Preforkfile.
//
// The Preforkfile is a small directive language (or HCL, for files ending in
// .hcl) naming the worker count, request timeout, listen addresses and their
// socket options, pid file, log redirection and lifecycle hooks. Every value
// is validated before it reaches the server; a reload that fails leaves the
// running configuration untouched.
//
// Install:
//
//	go install github.com/nuetzliches/prefork/cmd/prefork@latest
//
// Usage:
//
//	prefork run --config ./Preforkfile -l 0.0.0.0:8080
//	prefork config check --config ./Preforkfile --format text
package main

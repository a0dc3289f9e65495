package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Main runs the prefork command line and returns the exit code.
func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "config":
		return configCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "prefork")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  prefork run --config ./Preforkfile [-l 0.0.0.0:8080]... [--log-level info] [--watch] [--dotenv ./.env] [--static ./public] [--metrics-listen 127.0.0.1:9100] [--tracing-endpoint http://collector:4318/v1/traces]")
	fmt.Fprintln(w, "  prefork config check --config ./Preforkfile [--format json|text]")
	fmt.Fprintln(w, "  prefork config fmt --config ./Preforkfile")
	fmt.Fprintln(w, "  prefork config dump --config ./Preforkfile [-l addr]...")
	fmt.Fprintln(w, "  prefork config diff [--context N] <old> <new>")
	fmt.Fprintln(w, "  prefork version [--long] [--json]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Signals (run): HUP reload, USR2 re-exec, TTIN/TTOU add/remove a worker, INT/TERM stop.")
}

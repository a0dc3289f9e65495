package app

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nuetzliches/prefork/internal/config"
)

const defaultConfigPath = "./Preforkfile"

func configCmd(args []string) int {
	return runConfigCmd(args, os.Stdout, os.Stderr)
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "missing subcommand: check | fmt | dump | diff")
		return 2
	}

	switch args[0] {
	case "check", "validate":
		return configCheck(args[1:], stdout, stderr)
	case "fmt":
		return configFormat(args[1:], stdout, stderr)
	case "dump":
		return configDump(args[1:], stdout, stderr)
	case "diff":
		return configDiff(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func configFormat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config fmt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	script, err := config.ParseFile(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	out, err := config.Format(script)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}

func configCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *format != "json" && *format != "text" {
		fmt.Fprintf(stderr, "invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	res := config.Check(*configPath, config.Options{})
	out := stdout
	code := 0
	if !res.OK {
		out, code = stderr, 1
	}

	if *format == "text" {
		fmt.Fprintln(out, config.FormatValidationText(res))
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  error: %s\n", e)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
		return code
	}

	js, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(out, js)
	return code
}

// configDump prints the settings a run would commit, built-in defaults
// included.
func configDump(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config dump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	var listen listenFlag
	fs.Var(&listen, "l", "listen address applied before the config file (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	c, err := config.New(config.Options{
		UseDefaults: true,
		ConfigFile:  *configPath,
		Listeners:   listen.values(),
	})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprint(stdout, config.Dump(c.Store()))
	return 0
}

// configDiff compares two config files, both as text and as effective
// settings. It exits 1 when they differ, like diff(1).
func configDiff(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config diff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	contextLines := fs.Int("context", 3, "number of unified diff context lines")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "usage: prefork config diff [--context N] <old> <new>")
		return 2
	}
	oldPath, newPath := fs.Arg(0), fs.Arg(1)

	oldData, err := os.ReadFile(oldPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	newData, err := os.ReadFile(newPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	oldCfg, err := config.New(config.Options{UseDefaults: true, ConfigFile: oldPath})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	newCfg, err := config.New(config.Options{UseDefaults: true, ConfigFile: newPath})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	text := config.UnifiedDiff(oldData, newData, *contextLines, oldPath, newPath)
	changes := config.Diff(oldCfg.Store(), newCfg.Store())
	if text == "" && len(changes) == 0 {
		return 0
	}
	if text != "" {
		fmt.Fprintln(stdout, text)
	}
	if len(changes) > 0 {
		fmt.Fprintln(stdout, "# effective changes")
		for _, c := range changes {
			fmt.Fprintln(stdout, c.String())
		}
	}
	return 1
}

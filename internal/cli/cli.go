// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cli parses the gatekeeper daemon's command line: verbosity,
// program name (for log lines), local syslog, config-check-only mode,
// worker-pool size, and stack rlimit, followed by a single positional
// config file path.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Options is the parsed command line.
type Options struct {
	Verbosity   slog.Level // set by -v (one notch) or -V N (explicit slog level)
	ProgName    string     // -p NAME, used as the log ident
	UseSyslog   bool       // -l
	CheckOnly   bool       // -C: load and lint the config, then exit
	MaxThreads  int        // -M N (negative clamps to 0); only meaningful when HaveMax is set
	HaveMax     bool
	StackLimit  int64 // -S N (stored as N*1024 bytes) or -S unlimited (-1); only meaningful when HaveStack is set
	HaveStack   bool
	ConfigPath  string
}

// Default returns the options in force when no flags are given at all.
func Default() Options {
	return Options{Verbosity: slog.LevelWarn, ProgName: "gatekeepd"}
}

// Parse parses args (excluding the program name, i.e. os.Args[1:]) and
// returns the resulting Options. usage is written to errOut on a parse
// error or missing positional argument, mirroring portnanny's
// getopt-then-die behavior.
func Parse(args []string, errOut io.Writer) (Options, error) {
	opt := Default()

	fs := flag.NewFlagSet("gatekeepd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprintln(errOut, "usage: gatekeepd [-v|-V LEVEL] [-p NAME] [-l] [-C] [-M MAXTHREADS] [-S STACK|unlimited] conffile")
	}

	verbose := fs.Bool("v", false, "enable debug-level logging")
	level := fs.String("V", "", "explicit log level: debug, info, warn, error")
	progName := fs.String("p", "", "program name reported in log lines")
	useSyslog := fs.Bool("l", false, "log to local syslog instead of stderr")
	checkOnly := fs.Bool("C", false, "load the rule and action files, report class-name mismatches, and exit")
	maxThreads := fs.String("M", "", "maximum concurrent rule-evaluation workers")
	stackLim := fs.String("S", "", "stack rlimit in KB, or 'unlimited'")

	if err := fs.Parse(args); err != nil {
		return opt, err
	}

	if *verbose {
		opt.Verbosity = slog.LevelDebug
	}
	if *level != "" {
		lv, err := parseLevel(*level)
		if err != nil {
			fs.Usage()
			return opt, err
		}
		opt.Verbosity = lv
	}
	if *progName != "" {
		opt.ProgName = *progName
	}
	opt.UseSyslog = *useSyslog
	opt.CheckOnly = *checkOnly

	if *maxThreads != "" {
		n, err := strconv.Atoi(*maxThreads)
		if err != nil {
			fs.Usage()
			return opt, fmt.Errorf("cli: bad -M value %q: %w", *maxThreads, err)
		}
		if n < 0 {
			n = 0
		}
		opt.MaxThreads = n
		opt.HaveMax = true
	}

	if *stackLim != "" {
		if strings.EqualFold(*stackLim, "unlimited") {
			opt.StackLimit = -1
		} else {
			n, err := strconv.ParseInt(*stackLim, 10, 64)
			if err != nil {
				fs.Usage()
				return opt, fmt.Errorf("cli: bad -S value %q: %w", *stackLim, err)
			}
			opt.StackLimit = n * 1024
		}
		opt.HaveStack = true
	}

	rest := fs.Args()
	if len(rest) != 1 {
		fs.Usage()
		return opt, fmt.Errorf("cli: expected exactly one config file argument, got %d", len(rest))
	}
	opt.ConfigPath = rest[0]

	return opt, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		if n, err := strconv.Atoi(s); err == nil {
			return slog.Level(n), nil
		}
		return 0, fmt.Errorf("cli: unrecognized log level %q", s)
	}
}

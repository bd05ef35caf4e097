// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command gatekeepd is the per-connection TCP policy gatekeeper daemon:
// it accepts connections on one or more listen addresses, evaluates
// each against a rule file, and carries out the matching class's
// action (accept, reject, log, run a command, send a message, ...).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/gatekeepd/internal/actionset"
	"grimm.is/gatekeepd/internal/cfgfile"
	"grimm.is/gatekeepd/internal/cli"
	"grimm.is/gatekeepd/internal/conntrack"
	"grimm.is/gatekeepd/internal/dispatch"
	"grimm.is/gatekeepd/internal/engine"
	"grimm.is/gatekeepd/internal/hostinfo"
	"grimm.is/gatekeepd/internal/iptime"
	"grimm.is/gatekeepd/internal/logging"
	"grimm.is/gatekeepd/internal/metrics"
	"grimm.is/gatekeepd/internal/privdrop"
	"grimm.is/gatekeepd/internal/resolve"
	"grimm.is/gatekeepd/internal/statusapi"
)

func main() {
	opt, err := cli.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	log := buildLogger(opt)

	if opt.HaveStack {
		if err := privdrop.SetStackLimit(opt.StackLimit); err != nil {
			log.Warnf("could not set stack limit: %s", err)
		}
	}

	cfg, err := cfgfile.LoadConfig(opt.ConfigPath)
	if err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}

	terms := engine.StdTerminals()
	conn := conntrack.New()

	if opt.CheckOnly {
		os.Exit(runCheckOnly(cfg, terms, conn, log))
	}

	listeners, err := dispatch.BuildListeners(toListenSpecs(cfg.Listen))
	if err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}

	if cfg.User != "" {
		if err := privdrop.DropTo(cfg.User); err != nil {
			log.Errorf("privilege drop to %s failed: %s", cfg.User, err)
			os.Exit(1)
		}
		log.Infof("dropped privileges to user %s", cfg.User)
	}

	dropOnErr := cfg.OnFileError != "use-old"

	rules := dispatch.NewReloader(cfg.RuleFile, "rules", func(p string) (*engine.RuleSet, error) {
		return cfgfile.LoadRuleSet(p, terms)
	}, dropOnErr, log.With("component", "rules"))

	actions := dispatch.NewReloader(cfg.ActionFile, "actions", func(p string) (*actionset.ActionSet, error) {
		as, err := cfgfile.LoadActionSet(p, conn)
		if err == nil {
			as.SetFormatting(cfg.Substitution)
		}
		return as, err
	}, dropOnErr, log.With("component", "actions"))

	retain := int64(0)
	if cfg.HaveDropIP {
		retain = cfg.DropIPAfter
	}
	ipt := iptime.New(retain)

	resolver := resolve.NewResolver(nil, 2*time.Second)
	hostDeps := &hostinfo.Deps{Resolver: resolver, IPTime: ipt}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	dcfg := dispatch.Config{ExpireEvery: -1}
	if cfg.HaveMax {
		dcfg.MaxThreads = cfg.MaxThreads
	}
	if opt.HaveMax {
		// -M on the command line overrides the config file's maxthreads.
		dcfg.MaxThreads = opt.MaxThreads
	}
	if cfg.AfterMaxCmd != "" {
		dcfg.AfterMaxClass = cfg.AfterMaxCmd
	}
	if cfg.HaveExpire {
		dcfg.ExpireEvery = time.Duration(cfg.ExpireEvery) * time.Second
	}

	d := dispatch.New(dcfg, listeners, rules, actions, conn, ipt, hostDeps, collector, log.With("component", "dispatch"))

	status := statusapi.New(d, reg, log.With("component", "statusapi"))
	go func() {
		if err := status.ListenAndServe("127.0.0.1:9090"); err != nil {
			log.Warnf("status API exited: %s", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGUSR1:
				d.ClearIPTimes()
			case syscall.SIGUSR2:
				d.ReportStatus()
			default:
				log.Infof("received %s, shutting down", sig)
				cancel()
				return
			}
		}
	}()

	log.Infof("gatekeepd starting, listening on %d address(es)", len(listeners))
	if err := d.Run(ctx); err != nil {
		log.Errorf("dispatcher exited: %s", err)
		os.Exit(1)
	}
}

// runCheckOnly implements the -C flag: load the rule and action files,
// report any class-name mismatch between them, and exit without
// binding a socket.
func runCheckOnly(cfg *cfgfile.Config, terms engine.Terminals, conn *conntrack.Table, log logging.Logger) int {
	rs, err := cfgfile.LoadRuleSet(cfg.RuleFile, terms)
	if err != nil {
		log.Errorf("rules: %s", err)
		return 1
	}
	as, err := cfgfile.LoadActionSet(cfg.ActionFile, conn)
	if err != nil {
		log.Errorf("actions: %s", err)
		return 1
	}

	rulesOnly, actionsOnly, defaultsWithRules := cfgfile.LintClassNames(rs, as)
	ok := true
	for _, n := range rulesOnly {
		log.Warnf("class %q has rules but no action", n)
		ok = false
	}
	for _, n := range actionsOnly {
		log.Warnf("class %q has an action but no rule", n)
		ok = false
	}
	for _, n := range defaultsWithRules {
		log.Warnf("class %q is a DEFAULT-* class but also has explicit rules", n)
		ok = false
	}
	if ok {
		log.Infof("config check passed: %d rule(s), %d action(s)", rs.Len(), as.Len())
		return 0
	}
	return 1
}

func toListenSpecs(ls []cfgfile.Listen) []dispatch.ListenSpec {
	specs := make([]dispatch.ListenSpec, len(ls))
	for i, l := range ls {
		specs[i] = dispatch.ListenSpec{Host: l.Host, Port: l.Port}
	}
	return specs
}

func buildLogger(opt cli.Options) logging.Logger {
	if opt.UseSyslog {
		l, err := logging.NewSyslog(logging.SyslogConfig{Tag: opt.ProgName})
		if err == nil {
			return l
		}
		fmt.Fprintf(os.Stderr, "gatekeepd: could not reach syslog, falling back to stderr: %s\n", err)
	}
	return logging.NewStream(os.Stderr, opt.ProgName, opt.Verbosity)
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dispatch implements the accept/evaluate/act event loop: it
// multiplexes connections across listeners, bounds how many rule
// evaluations run concurrently, and runs every action on a single
// owner goroutine. ConnTrack and the IP-time cache lock internally,
// since they are also written off that goroutine: rule evaluation
// touches the IP-time cache, and each run/failrun child's reaper
// goroutine removes it from ConnTrack.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"grimm.is/gatekeepd/internal/actionset"
	"grimm.is/gatekeepd/internal/conntrack"
	"grimm.is/gatekeepd/internal/engine"
	"grimm.is/gatekeepd/internal/hostinfo"
	"grimm.is/gatekeepd/internal/iptime"
	"grimm.is/gatekeepd/internal/logging"
)

// Metrics is the subset of the Prometheus-backed collector the
// dispatcher reports into. It is an interface so tests can run without
// a registry, and so the dispatcher doesn't care which concrete
// collector it's handed.
type Metrics interface {
	ObserveRuleEval(d time.Duration)
	SetThreadCount(n int)
	IncConnects()
	IncRejected(class string)
}

// noopMetrics discards everything; used when the caller has no
// collector to hand us.
type noopMetrics struct{}

func (noopMetrics) ObserveRuleEval(time.Duration) {}
func (noopMetrics) SetThreadCount(int)            {}
func (noopMetrics) IncConnects()                  {}
func (noopMetrics) IncRejected(string)            {}

// Config bundles the knobs read out of the top-level daemon
// configuration file that this package needs.
type Config struct {
	MaxThreads    int           // 0 disables the worker pool: every connection is handled inline
	AfterMaxClass string        // class to synthesize when the worker pool is full; "" means "handle inline instead"
	ExpireEvery   time.Duration // < 0 disables periodic IP-time expiry
}

// Dispatcher owns every mutable, process-wide piece of gatekeeping
// state: the rule/action reloaders, the connection table, the IP-time
// cache, and the worker pool. Only the goroutine running Run calls
// into an ActionSet or adds entries to ConnTrack; ConnTrack entries are
// removed by per-child reaper goroutines, and the IP-time cache is
// touched by whichever goroutine evaluates a connection's rules.
type Dispatcher struct {
	cfg Config
	log logging.Logger

	listeners []net.Listener

	rules   *Reloader[*engine.RuleSet]
	actions *Reloader[*actionset.ActionSet]

	conn   *conntrack.Table
	iptime *iptime.Cache

	hostDeps *hostinfo.Deps
	metrics  Metrics

	sem chan struct{}

	connCh   chan net.Conn
	resultCh chan ruleResult

	threadCount int64
	threadHigh  int64
	totConnects int64
	totRules    int64

	exitClean    int64
	exitFailed   int64
	exitSignaled int64
}

type ruleResult struct {
	conn    net.Conn
	hi      *hostinfo.HostInfo
	matched []*engine.Rule
	log     logging.Logger
}

// New builds a Dispatcher. listeners must already be bound and
// listening; the caller is responsible for privilege drop having
// happened (or not being needed) before calling Run.
func New(cfg Config, listeners []net.Listener, rules *Reloader[*engine.RuleSet], actions *Reloader[*actionset.ActionSet], conn *conntrack.Table, ipt *iptime.Cache, hostDeps *hostinfo.Deps, metrics Metrics, log logging.Logger) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	// A nil sem is never sent to or received from: MaxThreads <= 0 means
	// the pool is disabled and handleNew evaluates every connection
	// inline without ever touching it.
	var sem chan struct{}
	if cfg.MaxThreads > 0 {
		sem = make(chan struct{}, cfg.MaxThreads)
	}
	return &Dispatcher{
		cfg:       cfg,
		log:       log,
		listeners: listeners,
		rules:     rules,
		actions:   actions,
		conn:      conn,
		iptime:    ipt,
		hostDeps:  hostDeps,
		metrics:   metrics,
		sem:       sem,
		connCh:    make(chan net.Conn, 64),
		resultCh:  make(chan ruleResult, 64),
	}
}

// Run drives the event loop until ctx is cancelled. It returns nil on
// a clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, ln := range d.listeners {
		go d.acceptLoop(ctx, ln)
	}

	var ticker *time.Ticker
	var tickCh <-chan time.Time
	if d.cfg.ExpireEvery >= 0 {
		interval := d.cfg.ExpireEvery
		if interval == 0 {
			interval = time.Second
		}
		ticker = time.NewTicker(interval)
		tickCh = ticker.C
		defer ticker.Stop()
	}

	// Prime both reloaders immediately so configuration errors are
	// reported at startup rather than on the first connection.
	d.rules.CurRoot()
	d.actions.CurRoot()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-d.connCh:
			d.handleNew(c)
		case res := <-d.resultCh:
			d.action(res)
		case <-tickCh:
			d.log.Debugf("expiring IP time entries")
			d.iptime.Expire(time.Now().Unix())
		}
	}
}

func (d *Dispatcher) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warnf("accept on %s failed: %s", ln.Addr(), err)
			continue
		}
		select {
		case d.connCh <- c:
		case <-ctx.Done():
			c.Close()
			return
		}
	}
}

// handleNew decides how to process a freshly accepted connection: hand
// it to a worker if a slot is free, otherwise either synthesize the
// configured overflow class or evaluate it inline.
func (d *Dispatcher) handleNew(c net.Conn) {
	rroot := d.rules.CurRoot()
	aroot := d.actions.CurRoot()

	if d.cfg.MaxThreads <= 0 {
		// Pooling is off: there is no "pool full" condition, so
		// AfterMaxClass never applies and every connection is
		// evaluated inline, matching the original's mainline-only
		// dispatch when threading is disabled.
		d.evalInline(c, rroot, aroot)
		return
	}

	select {
	case d.sem <- struct{}{}:
		n := atomic.AddInt64(&d.threadCount, 1)
		for {
			cur := atomic.LoadInt64(&d.threadHigh)
			if n <= cur || atomic.CompareAndSwapInt64(&d.threadHigh, cur, n) {
				break
			}
		}
		d.metrics.SetThreadCount(int(n))
		go d.evalWorker(c, rroot, aroot)
	default:
		if d.cfg.AfterMaxClass != "" {
			clog := d.log.With("span", spanID())
			clog.Debugf("too many threads, routing new connection to %s", d.cfg.AfterMaxClass)
			hi := d.newHostInfo(c)
			matched := []*engine.Rule{engine.FakeRule(d.cfg.AfterMaxClass), engine.GlobalRule()}
			d.resultCh <- ruleResult{conn: c, hi: hi, matched: matched, log: clog}
			return
		}
		d.log.Debugf("too many threads, handling new connection inline")
		d.evalInline(c, rroot, aroot)
	}
}

func (d *Dispatcher) newHostInfo(c net.Conn) *hostinfo.HostInfo {
	remoteIP, remotePort := splitHostPort(c.RemoteAddr())
	localIP, localPort := splitHostPort(c.LocalAddr())
	return hostinfo.New(d.hostDeps, localIP, localPort, remoteIP, remotePort)
}

func splitHostPort(addr net.Addr) (string, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcp.IP.String(), tcp.Port
}

// evalWorker runs rule evaluation off the main goroutine and hands the
// result (if any) back through resultCh. It always releases its worker
// slot itself, whether or not a match was found.
func (d *Dispatcher) evalWorker(c net.Conn, rroot *engine.RuleSet, aroot *actionset.ActionSet) {
	defer func() {
		atomic.AddInt64(&d.threadCount, -1)
		<-d.sem
	}()
	res, ok := d.evalRule(c, rroot, aroot)
	if !ok {
		return
	}
	d.resultCh <- res
}

// evalInline evaluates a connection's rules synchronously, bypassing
// the worker pool entirely (used when the pool is disabled or full
// with no overflow class configured).
func (d *Dispatcher) evalInline(c net.Conn, rroot *engine.RuleSet, aroot *actionset.ActionSet) {
	res, ok := d.evalRule(c, rroot, aroot)
	if !ok {
		return
	}
	d.action(res)
}

func (d *Dispatcher) evalRule(c net.Conn, rroot *engine.RuleSet, aroot *actionset.ActionSet) (ruleResult, bool) {
	clog := d.log.With("span", spanID())
	hi := d.newHostInfo(c)
	atomic.AddInt64(&d.totConnects, 1)
	d.metrics.IncConnects()

	if rroot == nil || aroot == nil {
		clog.Debugf("a root is missing or empty, dropping %s", hi.IP())
		closeSock(c)
		return ruleResult{}, false
	}

	atomic.AddInt64(&d.totRules, 1)
	start := time.Now()
	matched := rroot.Eval(hi)
	d.metrics.ObserveRuleEval(time.Since(start))

	if len(matched) == 0 {
		clog.Debugf("nothing matched %s", hi.IP())
		closeSock(c)
		return ruleResult{}, false
	}
	return ruleResult{conn: c, hi: hi, matched: matched, log: clog}, true
}

// action turns a rule match into a log line and, if the action set
// calls for it, a forked child or an in-place message write. It always
// closes the parent's side of the socket before returning.
func (d *Dispatcher) action(res ruleResult) {
	defer closeSock(res.conn)

	aroot := d.actions.CurRoot()
	if aroot == nil {
		return
	}

	classNames := make([]string, 0, len(res.matched))
	for _, r := range res.matched {
		classNames = append(classNames, r.ClassName)
	}

	act, err := aroot.GenAction(res.hi, res.matched)
	if err != nil {
		res.log.Errorf("error preparing action for %s/%s: %s", res.hi.IP(), strings.Join(classNames, " "), err)
	}
	if act == nil {
		res.log.Debugf("no action for %s/%s", res.hi.IP(), strings.Join(classNames, " "))
		return
	}

	for _, line := range act.LogMsgs {
		res.log.Infof("%s", line)
	}

	if act.What == "" {
		res.log.Debugf("dropping %s/%s", res.hi.IP(), strings.Join(classNames, " "))
		return
	}

	pid, err := d.forkAction(res.conn, act)
	if err != nil {
		res.log.Errorf("cannot start action for %s/%s: %s", res.hi.IP(), strings.Join(classNames, " "), err)
		return
	}
	res.log.Debugf("started pid %d for %s/%s: %s %s", pid, res.hi.IP(), strings.Join(classNames, " "), act.What, act.ArgString)

	if strings.HasSuffix(act.What, "run") {
		if err := d.conn.Up(pid, res.hi.IP(), classNames); err != nil {
			res.log.Warnf("conntrack.Up failed for pid %d: %s", pid, err)
		}
	}
}

// Reap removes pid from the connection table; call it from a SIGCHLD
// (or equivalent) handler once the process has actually exited.
func (d *Dispatcher) Reap(pid int) {
	d.log.Debugf("reaped pid %d", pid)
	d.conn.Down(pid)
}

// reapChild classifies waitErr (cmd.Wait's return value) into a clean
// exit, a non-zero exit code, or death by signal, counts it, and then
// reaps pid as usual. The classification only feeds the status report;
// it does not change what Reap itself does to the connection table.
func (d *Dispatcher) reapChild(pid int, waitErr error) {
	switch {
	case waitErr == nil:
		atomic.AddInt64(&d.exitClean, 1)
	default:
		exitErr, ok := waitErr.(*exec.ExitError)
		if ok {
			if ws, wsOK := exitErr.Sys().(syscall.WaitStatus); wsOK && ws.Signaled() {
				atomic.AddInt64(&d.exitSignaled, 1)
			} else {
				atomic.AddInt64(&d.exitFailed, 1)
			}
		} else {
			atomic.AddInt64(&d.exitFailed, 1)
		}
	}
	d.Reap(pid)
}

// ClearIPTimes force-clears the IP-time cache; wired to SIGUSR1.
func (d *Dispatcher) ClearIPTimes() {
	d.log.Debugf("force-clearing IP times")
	d.iptime.Clear()
}

// Status is a point-in-time snapshot of dispatcher counters, used for
// SIGUSR2 reporting and the optional /status HTTP surface.
type Status struct {
	TotalConnects    int64
	ActiveConns      int
	ThreadCount      int64
	ThreadHighWater  int64
	IPTimeEntries    int
	ChildrenClean    int64 // run/failrun children that exited with status 0
	ChildrenFailed   int64 // run/failrun children that exited non-zero
	ChildrenSignaled int64 // run/failrun children killed by a signal
}

// Snapshot returns the dispatcher's current counters.
func (d *Dispatcher) Snapshot() Status {
	return Status{
		TotalConnects:    atomic.LoadInt64(&d.totConnects),
		ActiveConns:      d.conn.Len(),
		ThreadCount:      atomic.LoadInt64(&d.threadCount),
		ThreadHighWater:  atomic.LoadInt64(&d.threadHigh),
		IPTimeEntries:    d.iptime.Len(),
		ChildrenClean:    atomic.LoadInt64(&d.exitClean),
		ChildrenFailed:   atomic.LoadInt64(&d.exitFailed),
		ChildrenSignaled: atomic.LoadInt64(&d.exitSignaled),
	}
}

// ReportStatus logs a human-readable status report, mirroring the
// daemon's SIGUSR2 behavior.
func (d *Dispatcher) ReportStatus() {
	st := d.Snapshot()
	d.log.Infof("status: total lifetime connections: %d", st.TotalConnects)
	if st.ActiveConns == 0 {
		d.log.Infof("status: no active connections")
	} else {
		d.log.Infof("status: %d active connections", st.ActiveConns)
	}
	d.log.Infof("status: per-IP first/last connection time entries: %d", st.IPTimeEntries)
	if st.ThreadCount > 0 || st.ThreadHighWater > 1 {
		d.log.Infof("status: %d active rule-evaluation workers (%d high-water)", st.ThreadCount, st.ThreadHighWater)
	}
	if reaped := st.ChildrenClean + st.ChildrenFailed + st.ChildrenSignaled; reaped > 0 {
		d.log.Infof("status: reaped %d run/failrun child(ren): %d clean, %d non-zero exit, %d killed by signal",
			reaped, st.ChildrenClean, st.ChildrenFailed, st.ChildrenSignaled)
	}
}

func closeSock(c net.Conn) {
	_ = c.Close()
}

// forkAction hands the accepted socket to the configured action: a
// message is written directly to the connection (mirroring sendmsg's
// alarm-bounded write), while run/failrun exec an external command
// with the socket wired onto its stdio.
func (d *Dispatcher) forkAction(c net.Conn, act *actionset.Act) (int, error) {
	switch act.What {
	case "msg", "failmsg":
		return d.sendMsg(c, act)
	case "run", "failrun":
		return d.runCmd(c, act)
	default:
		return 0, fmt.Errorf("unknown action kind %q", act.What)
	}
}

// sendMsg writes the action's message to the connection, appending a
// CRLF unless the message already ends in '\r' or '\n', with a 2-second
// deadline mirroring the original SIGALRM-and-die behavior. It
// duplicates the socket's file descriptor and writes through that
// instead of c directly, because the dispatcher's owner goroutine
// closes c the moment this returns (the same reason runCmd hands the
// child a dup rather than c itself); the write happens in its own
// goroutine so it cannot stall the dispatcher, and a synthetic
// negative "pid" is reported since no process was actually started.
func (d *Dispatcher) sendMsg(c net.Conn, act *actionset.Act) (int, error) {
	msg := act.ArgString
	if msg == "" {
		return 0, fmt.Errorf("empty message")
	}
	if !strings.HasSuffix(msg, "\r") && !strings.HasSuffix(msg, "\n") {
		msg += "\r\n"
	}
	f, err := socketFile(c)
	if err != nil {
		return 0, err
	}
	// The duplicated descriptor comes back in blocking mode (see
	// (*net.TCPConn).File), so it doesn't support SetWriteDeadline;
	// a stuck peer is instead bounded by force-closing f after 2
	// seconds, mirroring the original's SIGALRM-and-_exit behavior.
	timer := time.AfterFunc(2*time.Second, func() { f.Close() })
	go func() {
		defer timer.Stop()
		defer f.Close()
		_, _ = f.Write([]byte(msg))
	}()
	return -1, nil
}

// runCmd forks act's argv with act's environment overlaid onto the
// current process's, stdio wired to the accepted socket, and returns
// the child's pid without waiting for it. A goroutine started here
// waits for the child and reaps it through reapChild.
func (d *Dispatcher) runCmd(c net.Conn, act *actionset.Act) (int, error) {
	if len(act.ArgList) == 0 {
		return 0, fmt.Errorf("empty argument list")
	}
	f, err := socketFile(c)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	cmd := exec.Command(act.ArgList[0], act.ArgList[1:]...)
	cmd.Stdin = f
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Env = overlayEnv(os.Environ(), act.Env)

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() {
		d.reapChild(pid, cmd.Wait())
	}()
	return pid, nil
}

// socketFile duplicates c's underlying file descriptor so it can be
// handed to exec.Cmd without exec.Cmd taking ownership of the
// original net.Conn (which the dispatcher still needs to Close itself).
func socketFile(c net.Conn) (*os.File, error) {
	type fileConn interface {
		File() (*os.File, error)
	}
	fc, ok := c.(fileConn)
	if !ok {
		return nil, fmt.Errorf("connection type %T cannot be exposed as a file", c)
	}
	return fc.File()
}

func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := append([]string(nil), base...)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

// spanID returns a short, unique identifier for a connection, used to
// correlate its log lines across the worker and owner goroutines.
func spanID() string {
	return uuid.NewString()
}

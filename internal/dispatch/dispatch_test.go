// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/gatekeepd/internal/actionset"
	"grimm.is/gatekeepd/internal/cfgfile"
	"grimm.is/gatekeepd/internal/conntrack"
	"grimm.is/gatekeepd/internal/engine"
	"grimm.is/gatekeepd/internal/hostinfo"
	"grimm.is/gatekeepd/internal/iptime"
	"grimm.is/gatekeepd/internal/logging"
)

func TestBuildListenersBindsAndCloses(t *testing.T) {
	listeners, err := BuildListeners([]ListenSpec{{Host: "127.0.0.1", Port: "0"}})
	require.NoError(t, err)
	require.Len(t, listeners, 1)
	defer closeAll(listeners)
	require.NotEmpty(t, listeners[0].Addr().String())
}

func TestBuildListenersClosesEarlierOnFailure(t *testing.T) {
	first, err := BuildListeners([]ListenSpec{{Host: "127.0.0.1", Port: "0"}})
	require.NoError(t, err)
	defer closeAll(first)

	taken := first[0].Addr().(*net.TCPAddr).Port
	_, err = BuildListeners([]ListenSpec{
		{Host: "127.0.0.1", Port: "0"},
		{Host: "127.0.0.1", Port: strconv.Itoa(taken)},
	})
	require.Error(t, err)
}

func TestReloaderReloadsOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules")
	require.NoError(t, os.WriteFile(path, []byte("a: ALL\n"), 0o644))

	loads := 0
	r := NewReloader(path, "rules", func(p string) (*engine.RuleSet, error) {
		loads++
		return cfgfile.LoadRuleSet(p, engine.StdTerminals())
	}, true, logging.NewDiscard())

	rs := r.CurRoot()
	require.NotNil(t, rs)
	require.Equal(t, 1, loads)

	rs2 := r.CurRoot()
	require.Same(t, rs, rs2)
	require.Equal(t, 1, loads)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("b: ALL\n"), 0o644))
	rs3 := r.CurRoot()
	require.NotSame(t, rs, rs3)
	require.Equal(t, 2, loads)
}

func TestReloaderDropsOnErrorWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules")
	require.NoError(t, os.WriteFile(path, []byte("a: ALL\n"), 0o644))

	r := NewReloader(path, "rules", func(p string) (*engine.RuleSet, error) {
		return cfgfile.LoadRuleSet(p, engine.StdTerminals())
	}, true, logging.NewDiscard())

	rs := r.CurRoot()
	require.NotNil(t, rs)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("bogus-no-colon\n"), 0o644))
	rs2 := r.CurRoot()
	require.Nil(t, rs2)
}

func TestDispatcherRunsMsgAction(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules")
	actionsPath := filepath.Join(dir, "actions")
	require.NoError(t, os.WriteFile(rulesPath, []byte("hello: ALL\n"), 0o644))
	require.NoError(t, os.WriteFile(actionsPath, []byte("hello: msg hi there\n"), 0o644))

	terms := engine.StdTerminals()
	rules := NewReloader(rulesPath, "rules", func(p string) (*engine.RuleSet, error) {
		return cfgfile.LoadRuleSet(p, terms)
	}, true, logging.NewDiscard())

	conn := conntrack.New()
	actions := NewReloader(actionsPath, "actions", func(p string) (*actionset.ActionSet, error) {
		return cfgfile.LoadActionSet(p, conn)
	}, true, logging.NewDiscard())

	listeners, err := BuildListeners([]ListenSpec{{Host: "127.0.0.1", Port: "0"}})
	require.NoError(t, err)

	hostDeps := &hostinfo.Deps{IPTime: iptime.New(60)}
	d := New(Config{MaxThreads: 4, ExpireEvery: -1}, listeners, rules, actions, conn, hostDeps.IPTime, hostDeps, nil, logging.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	client, err := net.Dial("tcp", listeners[0].Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hi there\r\n", line)
}

func TestDispatcherDropsUnmatchedConnection(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules")
	actionsPath := filepath.Join(dir, "actions")
	require.NoError(t, os.WriteFile(rulesPath, []byte("nope: ip: 10.0.0.0/8\n"), 0o644))
	require.NoError(t, os.WriteFile(actionsPath, []byte("nope: quiet\n"), 0o644))

	terms := engine.StdTerminals()
	rules := NewReloader(rulesPath, "rules", func(p string) (*engine.RuleSet, error) {
		return cfgfile.LoadRuleSet(p, terms)
	}, true, logging.NewDiscard())
	conn := conntrack.New()
	actions := NewReloader(actionsPath, "actions", func(p string) (*actionset.ActionSet, error) {
		return cfgfile.LoadActionSet(p, conn)
	}, true, logging.NewDiscard())

	listeners, err := BuildListeners([]ListenSpec{{Host: "127.0.0.1", Port: "0"}})
	require.NoError(t, err)

	hostDeps := &hostinfo.Deps{IPTime: iptime.New(60)}
	d := New(Config{MaxThreads: 4, ExpireEvery: -1}, listeners, rules, actions, conn, hostDeps.IPTime, hostDeps, nil, logging.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	client, err := net.Dial("tcp", listeners[0].Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err) // EOF: the dispatcher closed its side with nothing sent
}

func TestDispatcherMaxThreadsZeroNeverOverflows(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules")
	actionsPath := filepath.Join(dir, "actions")
	require.NoError(t, os.WriteFile(rulesPath, []byte("normal: ALL\n"), 0o644))
	require.NoError(t, os.WriteFile(actionsPath, []byte("normal: msg normal-reply\noverflow: msg overflow-reply\n"), 0o644))

	terms := engine.StdTerminals()
	rules := NewReloader(rulesPath, "rules", func(p string) (*engine.RuleSet, error) {
		return cfgfile.LoadRuleSet(p, terms)
	}, true, logging.NewDiscard())
	conn := conntrack.New()
	actions := NewReloader(actionsPath, "actions", func(p string) (*actionset.ActionSet, error) {
		return cfgfile.LoadActionSet(p, conn)
	}, true, logging.NewDiscard())

	listeners, err := BuildListeners([]ListenSpec{{Host: "127.0.0.1", Port: "0"}})
	require.NoError(t, err)

	hostDeps := &hostinfo.Deps{IPTime: iptime.New(60)}
	d := New(Config{MaxThreads: 0, AfterMaxClass: "overflow", ExpireEvery: -1}, listeners, rules, actions, conn, hostDeps.IPTime, hostDeps, nil, logging.NewDiscard())
	require.Nil(t, d.sem)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	client, err := net.Dial("tcp", listeners[0].Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "normal-reply\r\n", line)
}

func TestDispatcherOverflowAppliesOnlyWhenPoolFull(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules")
	actionsPath := filepath.Join(dir, "actions")
	require.NoError(t, os.WriteFile(rulesPath, []byte("normal: ALL\n"), 0o644))
	require.NoError(t, os.WriteFile(actionsPath, []byte("normal: msg normal-reply\noverflow: msg overflow-reply\n"), 0o644))

	terms := engine.StdTerminals()
	rules := NewReloader(rulesPath, "rules", func(p string) (*engine.RuleSet, error) {
		return cfgfile.LoadRuleSet(p, terms)
	}, true, logging.NewDiscard())
	conn := conntrack.New()
	actions := NewReloader(actionsPath, "actions", func(p string) (*actionset.ActionSet, error) {
		return cfgfile.LoadActionSet(p, conn)
	}, true, logging.NewDiscard())

	listeners, err := BuildListeners([]ListenSpec{{Host: "127.0.0.1", Port: "0"}})
	require.NoError(t, err)

	hostDeps := &hostinfo.Deps{IPTime: iptime.New(60)}
	d := New(Config{MaxThreads: 1, AfterMaxClass: "overflow", ExpireEvery: -1}, listeners, rules, actions, conn, hostDeps.IPTime, hostDeps, nil, logging.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	// Occupy the pool's only slot directly so the next connection sees
	// it full, without relying on timing against a real in-flight
	// worker.
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	client, err := net.Dial("tcp", listeners[0].Addr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "overflow-reply\r\n", line)
}

func TestReapChildClassifiesExitKind(t *testing.T) {
	d := &Dispatcher{conn: conntrack.New(), iptime: iptime.New(0), log: logging.NewDiscard()}

	clean := exec.Command("true")
	require.NoError(t, clean.Start())
	d.reapChild(1, clean.Wait())

	failed := exec.Command("false")
	require.NoError(t, failed.Start())
	d.reapChild(2, failed.Wait())

	signaled := exec.Command("sh", "-c", "kill -KILL $$")
	require.NoError(t, signaled.Start())
	d.reapChild(3, signaled.Wait())

	st := d.Snapshot()
	require.EqualValues(t, 1, st.ChildrenClean)
	require.EqualValues(t, 1, st.ChildrenFailed)
	require.EqualValues(t, 1, st.ChildrenSignaled)
}

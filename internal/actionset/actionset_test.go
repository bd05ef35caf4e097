// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package actionset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/gatekeepd/internal/conntrack"
	"grimm.is/gatekeepd/internal/engine"
)

type fakeHostInfo struct {
	ip string
}

func (f fakeHostInfo) IP() string { return f.ip }
func (f fakeHostInfo) Info() map[string]string {
	return map[string]string{"connsum": f.ip, "ip": f.ip}
}

func mustParseAction(t *testing.T, line string) *ActionRule {
	t.Helper()
	ar, err := ParseActionLine(line, 1)
	require.NoError(t, err)
	return ar
}

func TestGenActionSimpleMsg(t *testing.T) {
	conn := conntrack.New()
	as := New(conn)
	require.NoError(t, as.AddRule(mustParseAction(t, "web: msg hello %(connsum)s")))

	hi := fakeHostInfo{ip: "10.0.0.1"}
	matched := []*engine.Rule{{ClassName: "web", Line: 1}}
	act, err := as.GenAction(hi, matched)
	require.NoError(t, err)
	require.NotNil(t, act)
	require.Equal(t, "msg", act.What)
	require.Equal(t, "hello 10.0.0.1", act.ArgString)
}

func TestGenActionIPMaxReject(t *testing.T) {
	conn := conntrack.New()
	require.NoError(t, conn.Up(1, "10.0.0.1", []string{"web"}))
	require.NoError(t, conn.Up(2, "10.0.0.1", []string{"web"}))

	as := New(conn)
	require.NoError(t, as.AddRule(mustParseAction(t, "web: ipmax 1 : msg hi")))

	hi := fakeHostInfo{ip: "10.0.0.1"}
	matched := []*engine.Rule{{ClassName: "web", Line: 1}}
	act, err := as.GenAction(hi, matched)
	require.NoError(t, err)
	require.NotNil(t, act)
	require.Equal(t, "", act.What)
	require.Len(t, act.LogMsgs, 1)
	require.Contains(t, act.LogMsgs[0], "ipmax")
}

func TestGenActionSeeChainLimitConsumption(t *testing.T) {
	conn := conntrack.New()
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Up(i+1, "10.0.0.1", []string{"c1"}))
	}
	as := New(conn)
	require.NoError(t, as.AddRule(mustParseAction(t, "c1: see c2 : ipmax 20")))
	require.NoError(t, as.AddRule(mustParseAction(t, "c2: ipmax 0 : msg low")))

	hi := fakeHostInfo{ip: "10.0.0.1"}
	matched := []*engine.Rule{{ClassName: "c1", Line: 1}}
	act, err := as.GenAction(hi, matched)
	require.NoError(t, err)
	require.NotNil(t, act)
	require.Equal(t, "msg", act.What)
}

func TestGenActionDropSetsNoArg(t *testing.T) {
	conn := conntrack.New()
	as := New(conn)
	require.NoError(t, as.AddRule(mustParseAction(t, "spam: drop")))

	hi := fakeHostInfo{ip: "10.0.0.2"}
	matched := []*engine.Rule{{ClassName: "spam", Line: 1}}
	act, err := as.GenAction(hi, matched)
	require.NoError(t, err)
	require.NotNil(t, act)
	require.Equal(t, "", act.What)
}

func TestGenActionNoMatchingActionRuleReturnsNil(t *testing.T) {
	conn := conntrack.New()
	as := New(conn)
	hi := fakeHostInfo{ip: "10.0.0.3"}
	matched := []*engine.Rule{{ClassName: "unregistered", Line: 1}}
	act, err := as.GenAction(hi, matched)
	require.NoError(t, err)
	require.Nil(t, act)
}

func TestSeeLoopDetected(t *testing.T) {
	conn := conntrack.New()
	as := New(conn)
	require.NoError(t, as.AddRule(mustParseAction(t, "a: see b")))
	require.NoError(t, as.AddRule(mustParseAction(t, "b: see a")))
	require.Error(t, as.CheckConsistency())
}

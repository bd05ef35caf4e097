// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cfgfile

import (
	"os"

	gkerr "grimm.is/gatekeepd/internal/errors"

	"grimm.is/gatekeepd/internal/actionset"
	"grimm.is/gatekeepd/internal/engine"
)

// LoadRuleSet reads and parses the whole rules file at path against
// terms. A bad line aborts the entire load (rule loads are
// all-or-nothing), per spec.md §4.8.
func LoadRuleSet(path string, terms engine.Terminals) (*engine.RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gkerr.Wrapf(err, gkerr.KindBadInput, "cannot open rules file %s", path)
	}
	defer f.Close()

	rs := engine.NewRuleSet()
	err = ReadContinued(f, func(l LogicalLine) error {
		r, err := engine.ParseRuleLine(l.Text, l.Line, terms)
		if err != nil {
			return gkerr.Wrapf(err, gkerr.KindBadInput, "error parsing %s line %d", path, l.Line)
		}
		rs.AddRule(r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadActionSet reads and parses the whole actions file at path,
// wiring conn in as the connection-limit accounting source, and
// verifies the see-chain consistency of the result (no cycles, no
// dangling see targets) before returning it.
func LoadActionSet(path string, conn actionset.ConnCounter) (*actionset.ActionSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gkerr.Wrapf(err, gkerr.KindBadAction, "cannot open actions file %s", path)
	}
	defer f.Close()

	as := actionset.New(conn)
	err = ReadContinued(f, func(l LogicalLine) error {
		ar, err := actionset.ParseActionLine(l.Text, l.Line)
		if err != nil {
			return gkerr.Wrapf(err, gkerr.KindBadAction, "error parsing %s line %d", path, l.Line)
		}
		return as.AddRule(ar)
	})
	if err != nil {
		return nil, err
	}
	if err := as.CheckConsistency(); err != nil {
		return nil, err
	}
	return as, nil
}

// LintClassNames cross-checks a loaded RuleSet and ActionSet per
// portnanny's -C "lint" pass: every rule class should have an
// action, and every action class other than the built-in
// defaults/GLOBAL should have a rule. It returns the offending class
// names in three buckets; callers decide whether that's fatal.
func LintClassNames(rs *engine.RuleSet, as *actionset.ActionSet) (rulesOnly, actionsOnly, defaultsWithRules []string) {
	okButNoRule := map[string]bool{
		"GLOBAL": true, "DEFAULTMSGS": true,
		"DEFAULT-REJECT": true, "DEFAULT-IPMAX": true, "DEFAULT-CONNMAX": true,
	}
	ruleNames := map[string]bool{}
	for _, n := range rs.ClassNames() {
		ruleNames[n] = true
	}
	actionNames := map[string]bool{}
	for _, n := range as.ClassNames() {
		actionNames[n] = true
	}
	for n := range ruleNames {
		if !actionNames[n] {
			rulesOnly = append(rulesOnly, n)
		}
		if okButNoRule[n] {
			defaultsWithRules = append(defaultsWithRules, n)
		}
	}
	for n := range actionNames {
		if !ruleNames[n] && !okButNoRule[n] {
			actionsOnly = append(actionsOnly, n)
		}
	}
	return rulesOnly, actionsOnly, defaultsWithRules
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package actionset

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// argKind classifies how many arguments a directive takes and how to
// decode them.
type argKind int

const (
	noArg   argKind = iota // presence-only: reject, drop, quiet, norepeatlog
	oneInt                 // a single integer: ipmax, connmax
	aStr                   // a required string: run, msg, failrun, failmsg, faillog, record
	nullStr                // an optional string: log
	aEnv                   // "NAME VALUE": setenv, subst
	anArg                  // a single bare word: see
)

// directiveArgs records the argument shape of every recognized action
// directive; it is also the authoritative list of valid directive
// names.
var directiveArgs = map[string]argKind{
	"reject":      noArg,
	"drop":        noArg,
	"quiet":       noArg,
	"norepeatlog": noArg,
	"log":         nullStr,
	"ipmax":       oneInt,
	"connmax":     oneInt,
	"run":         aStr,
	"msg":         aStr,
	"failrun":     aStr,
	"failmsg":     aStr,
	"faillog":     aStr,
	"record":      aStr,
	"see":         anArg,
	"setenv":      aEnv,
	"subst":       aEnv,
}

// ActionRule is one class's set of action directives.
type ActionRule struct {
	Name  string
	Env   map[string]string
	Subst map[string]string
	dirs  map[string]any
}

func newActionRule(name string) *ActionRule {
	return &ActionRule{Name: name, Env: map[string]string{}, Subst: map[string]string{}, dirs: map[string]any{}}
}

// Has reports whether directive name is set on this rule. "setenv" and
// "subst" report whether any entries exist.
func (a *ActionRule) Has(name string) bool {
	switch name {
	case "setenv":
		return len(a.Env) > 0
	case "subst":
		return len(a.Subst) > 0
	default:
		_, ok := a.dirs[name]
		return ok
	}
}

// Str returns the string value of a nullStr/aStr/anArg directive.
func (a *ActionRule) Str(name string) string {
	v, _ := a.dirs[name].(string)
	return v
}

// Int returns the value of an oneInt directive.
func (a *ActionRule) Int(name string) int {
	v, _ := a.dirs[name].(int)
	return v
}

func (a *ActionRule) set(name string, val any) error {
	if _, ok := directiveArgs[name]; !ok {
		return gkerr.Errorf(gkerr.KindBadAction, "unknown action name %q", name)
	}
	if name == "setenv" || name == "subst" {
		return gkerr.Errorf(gkerr.KindBadAction, "%s cannot be set this way", name)
	}
	a.dirs[name] = val
	return nil
}

func (a *ActionRule) String() string {
	var keys []string
	for k := range a.dirs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var args []string
	for _, k := range keys {
		kind := directiveArgs[k]
		if kind == noArg || (kind == nullStr && a.Str(k) == "") {
			args = append(args, k)
		} else if kind == oneInt {
			args = append(args, k+" "+strconv.Itoa(a.Int(k)))
		} else {
			args = append(args, k+" "+a.Str(k))
		}
	}
	var envN []string
	for k := range a.Env {
		envN = append(envN, k)
	}
	sort.Strings(envN)
	for _, k := range envN {
		args = append(args, "setenv "+k+" "+a.Env[k])
	}
	var substN []string
	for k := range a.Subst {
		substN = append(substN, k)
	}
	sort.Strings(substN)
	for _, k := range substN {
		args = append(args, "subst "+k+" "+a.Subst[k])
	}
	return a.Name + ": " + strings.Join(args, " : ")
}

// DoesFail reports whether test `what` (one of reject/ipmax/connmax)
// fails for hi, where cls supplies the class name used for the
// connmax count (a may be a delegated 'see' rule, cls the rule the
// chain started from).
func (a *ActionRule) DoesFail(hi HostInfo, conn ConnCounter, what string, cls *ActionRule) bool {
	if !a.Has(what) {
		return false
	}
	if cls == nil {
		cls = a
	}
	switch what {
	case "reject":
		return true
	case "ipmax":
		return conn.IPCount(hi.IP()) >= a.Int("ipmax")
	default: // connmax
		return conn.ClassCount(cls.Name) >= a.Int("connmax")
	}
}

func badArg(keyw string) error {
	return gkerr.Errorf(gkerr.KindBadAction, "wrong number of arguments for directive %s", keyw)
}

// getValue decodes rest according to keyw's argKind.
func getValue(keyw, rest string) (any, error) {
	kind, ok := directiveArgs[keyw]
	if !ok {
		return nil, gkerr.Errorf(gkerr.KindBadAction, "unknown directive %s", keyw)
	}
	rest = strings.TrimSpace(rest)
	switch kind {
	case nullStr:
		return rest, nil
	case noArg:
		if rest != "" {
			return nil, badArg(keyw)
		}
		return true, nil
	}
	if rest == "" {
		return nil, badArg(keyw)
	}
	switch kind {
	case oneInt:
		n, err := strconv.Atoi(rest)
		if err != nil {
			return nil, gkerr.Errorf(gkerr.KindBadAction, "not an integer: %s", rest)
		}
		return n, nil
	case aStr:
		return rest, nil
	case aEnv:
		name, val, ok := splitHeadOnce(rest)
		if !ok {
			return nil, badArg(keyw)
		}
		return [2]string{name, val}, nil
	case anArg:
		if strings.ContainsAny(rest, " \t") {
			return nil, badArg(keyw)
		}
		return rest, nil
	}
	return nil, gkerr.Errorf(gkerr.KindBadAction, "internal error: unhandled directive kind for %s", keyw)
}

func splitHeadOnce(s string) (string, string, bool) {
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })
	if i < 0 {
		return "", "", false
	}
	head := s[:i]
	rest := strings.TrimLeft(s[i+1:], " \t")
	if rest == "" {
		return "", "", false
	}
	return head, rest, true
}

var spaceColonRE = regexp.MustCompile(`\s:\s`)

// ParseActionLine parses one logical action line of the form
// "CLASS: directive [arg] : directive [arg] ...".
func ParseActionLine(line string, lineno int) (*ActionRule, error) {
	head, rest, ok := splitHeadOnce2(strings.TrimLeft(line, " \t"))
	if !ok {
		return nil, gkerr.New(gkerr.KindBadAction, "too few elements in action")
	}
	if head == "" || head[len(head)-1] != ':' {
		return nil, gkerr.New(gkerr.KindBadAction, "class name does not end with a ':'")
	}
	clsName := head[:len(head)-1]
	act := newActionRule(clsName)

	for _, c := range spaceColonRE.Split(rest, -1) {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		keyw, argrest, hasRest := splitHeadOnce(c)
		if !hasRest {
			keyw = c
			argrest = ""
		}
		val, err := getValue(keyw, argrest)
		if err != nil {
			return nil, err
		}
		if keyw != "setenv" && keyw != "subst" && act.Has(keyw) {
			return nil, gkerr.Errorf(gkerr.KindBadAction, "multiple specification of directive %s", keyw)
		}
		switch keyw {
		case "setenv":
			pair := val.([2]string)
			if _, dup := act.Env[pair[0]]; dup {
				return nil, gkerr.Errorf(gkerr.KindBadAction, "setenv of variable more than once: %s", pair[0])
			}
			act.Env[pair[0]] = pair[1]
		case "subst":
			pair := val.([2]string)
			if _, dup := act.Subst[pair[0]]; dup {
				return nil, gkerr.Errorf(gkerr.KindBadAction, "subst variable specified more than once: %s", pair[0])
			}
			act.Subst[pair[0]] = pair[1]
		default:
			if err := act.set(keyw, val); err != nil {
				return nil, err
			}
		}
	}

	if act.Has("msg") && act.Has("run") {
		return nil, gkerr.New(gkerr.KindBadAction, "cannot specify both msg and run in one action")
	}
	if act.Has("failmsg") && act.Has("failrun") {
		return nil, gkerr.New(gkerr.KindBadAction, "cannot specify both failmsg and failrun in one action")
	}
	return act, nil
}

// splitHeadOnce2 is splitHeadOnce but does not require the remainder to
// be non-empty (the class header may be followed by nothing, which is
// itself an error the caller reports).
func splitHeadOnce2(s string) (string, string, bool) {
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })
	if i < 0 {
		return s, "", false
	}
	head := s[:i]
	rest := strings.TrimLeft(s[i+1:], " \t")
	if rest == "" {
		return head, "", false
	}
	return head, rest, true
}

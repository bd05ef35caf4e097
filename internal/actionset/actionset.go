// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package actionset

import (
	"strconv"
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
	"grimm.is/gatekeepd/internal/engine"
)

// HostInfo is the read surface the action engine formats messages
// against.
type HostInfo interface {
	IP() string
	Info() map[string]string
}

// ConnCounter is the live-connection accounting the limit directives
// consult. *conntrack.Table satisfies this.
type ConnCounter interface {
	IPCount(ip string) int
	ClassCount(class string) int
}

// Act is the outcome of evaluating a connection's matched classes
// against an ActionSet: what to log, what environment to export, and
// what terminal action (if any) to take.
type Act struct {
	LogMsgs   []string
	Env       map[string]string
	What      string // "msg", "run", "failmsg", "failrun", or "" (drop, or log only)
	ArgString string
	ArgList   []string // only set for "run"/"failrun"
}

// defFailDict names the built-in fallback classes consulted when a
// see chain has no explicit failmsg/faillog of its own.
var defFailDict = map[string][2]string{
	"reject":  {"DEFAULT-REJECT", "DEFAULTMSGS"},
	"ipmax":   {"DEFAULT-IPMAX", "DEFAULTMSGS"},
	"connmax": {"DEFAULT-CONNMAX", "DEFAULTMSGS"},
}

// Standard log message templates. logConnect is used for a "log"
// directive given without a template (no "log" at all means no
// success line); logLimits/logReject are used when a failing class is
// not quiet and no faillog is found in its see chain or defaults.
const (
	logConnect = "accepted: %(connsum)s by %(class)s"
	logLimits  = "refused: %(connsum)s rejected by %(class)s %(limit)s limit"
	logReject  = "rejected: %(connsum)s by %(class)s"
)

var rejMsgs = map[string]string{
	"reject":  logReject,
	"ipmax":   logLimits,
	"connmax": logLimits,
}

// ActionSet is the loaded set of action rules, keyed by class name.
type ActionSet struct {
	rules    map[string]*ActionRule
	conn     ConnCounter
	lastLog  string
	formatOn bool
}

// New returns an empty ActionSet backed by conn for limit accounting.
func New(conn ConnCounter) *ActionSet {
	return &ActionSet{rules: map[string]*ActionRule{}, conn: conn, formatOn: true}
}

// SetFormatting toggles %(name)s template substitution; with it off,
// message strings are used verbatim.
func (as *ActionSet) SetFormatting(on bool) { as.formatOn = on }

// AddRule registers ar, rejecting a duplicate class name.
func (as *ActionSet) AddRule(ar *ActionRule) error {
	if _, dup := as.rules[ar.Name]; dup {
		return gkerr.Errorf(gkerr.KindBadAction, "duplicate class line for class %s", ar.Name)
	}
	as.rules[ar.Name] = ar
	return nil
}

// Len reports how many action classes are loaded.
func (as *ActionSet) Len() int { return len(as.rules) }

// Get returns the action rule for a class name, if any.
func (as *ActionSet) Get(name string) (*ActionRule, bool) {
	ar, ok := as.rules[name]
	return ar, ok
}

// ClassNames returns the loaded class names, unordered.
func (as *ActionSet) ClassNames() []string {
	out := make([]string, 0, len(as.rules))
	for k := range as.rules {
		out = append(out, k)
	}
	return out
}

func (as *ActionSet) format(msg string, hi HostInfo, rule *engine.Rule, sdict, extra map[string]string) (string, error) {
	if !as.formatOn {
		return msg, nil
	}
	d := hi.Info()
	if rule != nil {
		d["class"] = rule.ClassName
		d["lineno"] = strconv.Itoa(rule.Line)
		if rule.Label != "" {
			d["label"] = strings.ReplaceAll(rule.Label, "_", " ")
		}
	}
	for k, v := range extra {
		d[k] = v
	}
	d["cr"] = "\r"
	d["nl"] = "\n"
	d["eol"] = "\r\n"
	rd := map[string]string{}
	for k, v := range sdict {
		rd[k] = v
	}
	for k, v := range d {
		rd[k] = v
	}
	out, err := FormatTemplate(msg, rd)
	if err != nil {
		return "", gkerr.Wrapf(err, gkerr.KindBadAction, "cannot format the string: %s", msg)
	}
	return out, nil
}

// getSeeList follows ar's see chain (and, if ftype is non-empty,
// appends the matching DEFAULT-* / DEFAULTMSGS fallbacks), erroring on
// a cycle or a dangling see target.
func (as *ActionSet) getSeeList(ar *ActionRule, ftype string) ([]*ActionRule, error) {
	var lst []*ActionRule
	if ar.Has("see") {
		seen := map[*ActionRule]bool{}
		cur := ar
		for {
			if seen[cur] {
				return nil, gkerr.Errorf(gkerr.KindBadAction, "see loop in %s: saw %s again", ar.Name, cur.Name)
			}
			seen[cur] = true
			lst = append(lst, cur)
			if !cur.Has("see") {
				break
			}
			target := cur.Str("see")
			next, ok := as.rules[target]
			if !ok {
				return nil, gkerr.Errorf(gkerr.KindBadAction, "class %s says to see class '%s', but there is no such class", cur.Name, target)
			}
			cur = next
		}
	} else {
		lst = []*ActionRule{ar}
	}
	if ftype != "" {
		for _, name := range defFailDict[ftype] {
			if d, ok := as.rules[name]; ok {
				lst = append(lst, d)
			}
		}
	}
	return lst, nil
}

func (as *ActionSet) getAttrSource(ar *ActionRule, attr, ftype string) (*ActionRule, error) {
	lst, err := as.getSeeList(ar, ftype)
	if err != nil {
		return nil, err
	}
	for _, a := range lst {
		if a.Has(attr) {
			return a, nil
		}
	}
	return nil, nil
}

// genDictFrom accumulates attr ("subst" or "setenv") entries from ar's
// see chain into dct, formatting each value, without letting a later
// (further-up-chain) entry override an earlier one.
func (as *ActionSet) genDictFrom(dct map[string]string, ar *ActionRule, attr string, hi HostInfo, actMatch *engine.Rule, sdict map[string]string) error {
	lst, err := as.getSeeList(ar, "")
	if err != nil {
		return err
	}
	for _, a := range lst {
		src := a.Env
		if attr == "subst" {
			src = a.Subst
		}
		for k, v := range src {
			if _, ok := dct[k]; ok {
				continue
			}
			fv, err := as.format(v, hi, actMatch, sdict, nil)
			if err != nil {
				return err
			}
			dct[k] = fv
		}
	}
	return nil
}

// getFailAction finds the first failmsg/failrun in ar's chain,
// matching the tandem-walk the reference implementation uses so that
// failrun is never picked up from a DEFAULT-* fallback class.
func (as *ActionSet) getFailAction(ar *ActionRule, ftype string) (*ActionRule, string, error) {
	n1, err := as.getSeeList(ar, "")
	if err != nil {
		return nil, "", err
	}
	n2, err := as.getSeeList(ar, ftype)
	if err != nil {
		return nil, "", err
	}
	inN1 := map[*ActionRule]bool{}
	for _, a := range n1 {
		inN1[a] = true
	}
	for _, a := range n2 {
		if a.Has("failmsg") {
			return a, "failmsg", nil
		}
		if !inN1[a] {
			continue
		}
		if a.Has("failrun") {
			return a, "failrun", nil
		}
	}
	return ar, "", nil
}

// trytofail checks, in file-match order, whether any matched rule's
// action class (or something it sees) fails a reject/ipmax/connmax
// test. Once a test is passed anywhere in a chain it is never
// rechecked, since "c1: see c2: ipmax 20" with "c2: ipmax 0" must still
// pass c1's looser limit.
func (as *ActionSet) trytofail(hi HostInfo, mrlist []*engine.Rule) (string, *engine.Rule, error) {
	for _, mr := range mrlist {
		ar := as.rules[mr.ClassName]
		tsts := []string{"reject", "ipmax", "connmax"}
		lst, err := as.getSeeList(ar, "")
		if err != nil {
			return "", nil, err
		}
		for _, a := range lst {
			var tl []string
			for _, t := range tsts {
				if a.Has(t) {
					tl = append(tl, t)
				}
			}
			for _, t := range tl {
				if a.DoesFail(hi, as.conn, t, ar) {
					return t, mr, nil
				}
				tsts = removeString(tsts, t)
			}
		}
	}
	return "", nil, nil
}

func removeString(lst []string, s string) []string {
	out := lst[:0]
	for _, v := range lst {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// findFirstAction finds the first matched rule with a terminal
// directive (drop/msg/run), checking drop first since a class may
// specify it alongside one of the others.
func (as *ActionSet) findFirstAction(mrlist []*engine.Rule) (*engine.Rule, string, error) {
	for _, mr := range mrlist {
		ar := as.rules[mr.ClassName]
		lst, err := as.getSeeList(ar, "")
		if err != nil {
			return nil, "", err
		}
		for _, a := range lst {
			for _, i := range []string{"drop", "msg", "run"} {
				if a.Has(i) {
					return mr, i, nil
				}
			}
		}
	}
	return nil, "", nil
}

// GenAction evaluates matchedRules (the list RuleSet.Eval produced)
// against this ActionSet and hi, producing the Act to carry out, or
// nil if nothing in the match list has an action rule or anything to
// record.
func (as *ActionSet) GenAction(hi HostInfo, matchedRules []*engine.Rule) (*Act, error) {
	var mrlist []*engine.Rule
	for _, r := range matchedRules {
		if _, ok := as.rules[r.ClassName]; ok {
			mrlist = append(mrlist, r)
		}
	}
	if len(mrlist) == 0 {
		return nil, nil
	}

	fail, failMR, err := as.trytofail(hi, mrlist)
	if err != nil {
		return nil, err
	}
	var actMatch *engine.Rule
	var what string
	if fail != "" {
		actMatch = failMR
	} else {
		actMatch, what, err = as.findFirstAction(mrlist)
		if err != nil {
			return nil, err
		}
	}

	var recList []*engine.Rule
	for _, r := range mrlist {
		src, err := as.getAttrSource(as.rules[r.ClassName], "record", "")
		if err != nil {
			return nil, err
		}
		if src != nil {
			recList = append(recList, r)
		}
	}

	act := &Act{Env: map[string]string{}}
	if actMatch == nil && len(recList) == 0 {
		return nil, nil
	}

	for _, r := range recList {
		ar := as.rules[r.ClassName]
		src, _ := as.getAttrSource(ar, "record", "")
		msg, err := as.format(src.Str("record"), hi, r, nil, nil)
		if err != nil {
			return nil, err
		}
		act.LogMsgs = append(act.LogMsgs, msg)
	}
	if actMatch == nil {
		return act, nil
	}

	ac := as.rules[actMatch.ClassName]
	sdict := map[string]string{}
	if err := as.genDictFrom(sdict, ac, "subst", hi, actMatch, sdict); err != nil {
		return nil, err
	}

	var lmsg string
	if fail == "" {
		src, err := as.getAttrSource(ac, "log", "")
		if err != nil {
			return nil, err
		}
		var lfmt string
		haveFmt := false
		if src != nil && src.Str("log") != "" {
			lfmt, haveFmt = src.Str("log"), true
		} else if src != nil {
			lfmt, haveFmt = logConnect, true
		}
		if haveFmt {
			lmsg, err = as.format(lfmt, hi, actMatch, sdict, nil)
			if err != nil {
				return nil, err
			}
		}
	} else {
		quiet, err := as.getAttrSource(ac, "quiet", "")
		if err != nil {
			return nil, err
		}
		var lfmt string
		if quiet != nil {
			src, err := as.getAttrSource(ac, "faillog", "")
			if err != nil {
				return nil, err
			}
			if src != nil {
				lfmt = src.Str("faillog")
			}
		} else {
			src, err := as.getAttrSource(ac, "faillog", fail)
			if err != nil {
				return nil, err
			}
			if src != nil {
				lfmt = src.Str("faillog")
			}
			if lfmt == "" {
				lfmt = rejMsgs[fail]
			}
		}
		if lfmt != "" {
			lmsg, err = as.format(lfmt, hi, actMatch, sdict, map[string]string{"limit": fail})
			if err != nil {
				return nil, err
			}
		}
	}
	if lmsg != "" {
		src, err := as.getAttrSource(ac, "norepeatlog", "")
		if err != nil {
			return nil, err
		}
		if !(src != nil && lmsg == as.lastLog) {
			act.LogMsgs = append(act.LogMsgs, lmsg)
		}
		as.lastLog = lmsg
	}

	msgA := ac
	atr := ""
	if fail != "" {
		msgA, atr, err = as.getFailAction(ac, fail)
		if err != nil {
			return nil, err
		}
	} else if what == "drop" {
		// no argument to format
	} else {
		msgA, err = as.getAttrSource(ac, what, "")
		if err != nil {
			return nil, err
		}
		atr = what
	}

	if atr != "" {
		act.What = atr
		raw := msgA.Str(atr)
		argstr, err := as.format(raw, hi, actMatch, sdict, nil)
		if err != nil {
			return nil, err
		}
		act.ArgString = argstr
		if atr == "run" || atr == "failrun" {
			for _, tok := range strings.Fields(raw) {
				v, err := as.format(tok, hi, actMatch, sdict, nil)
				if err != nil {
					return nil, err
				}
				act.ArgList = append(act.ArgList, v)
			}
		}
	}

	if err := as.genDictFrom(act.Env, ac, "setenv", hi, actMatch, sdict); err != nil {
		return nil, err
	}
	return act, nil
}

// CheckConsistency validates every see chain in the set, catching
// cycles and dangling targets at load time rather than at first use.
func (as *ActionSet) CheckConsistency() error {
	for _, ar := range as.rules {
		if _, err := as.getSeeList(ar, ""); err != nil {
			return err
		}
	}
	return nil
}

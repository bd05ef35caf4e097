// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// Rule binds a class name and its annotations to a parsed expression
// tree. A Rule with a nil Matcher is internal bookkeeping (the
// synthetic GLOBAL rule), never the result of parsing a rule line.
type Rule struct {
	Line        int
	ClassName   string
	Nonterminal bool
	Always      bool
	Label       string
	Matcher     Node
	text        string // original expression text, for String()
}

func (r *Rule) String() string {
	if r.Matcher == nil {
		return "<Rule: " + r.ClassName + ">"
	}
	base := r.ClassName
	if r.Nonterminal {
		base += "/nt"
	}
	if r.Always {
		base += "/always"
	}
	if r.Label != "" {
		base += "/label=" + r.Label
	}
	return base + ": " + r.text
}

func setRuleNotes(r *Rule, notes, ruleText string) error {
	for _, k := range strings.Split(notes, "/") {
		switch {
		case k == "nt" || k == "nonterminal":
			r.Nonterminal = true
		case k == "always":
			r.Always = true
		case strings.HasPrefix(k, "label="):
			lname := k[len("label="):]
			if lname == "" {
				return gkerr.New(gkerr.KindBadInput, "empty label on rule")
			}
			if r.Label != "" && r.Label != lname {
				return gkerr.New(gkerr.KindBadInput, "multiple labels on rule")
			}
			r.Label = lname
		case k == "label":
			r.Label = ruleText
		default:
			return gkerr.Errorf(gkerr.KindBadInput, "unrecognized rule note %q", k)
		}
	}
	return nil
}

// splitHeadOnce splits s on its first run of whitespace into a head
// and the untrimmed remainder, mirroring Python's str.split(None, 1).
func splitHeadOnce(s string) (string, string, bool) {
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

// ParseRuleLine parses one logical (continuation-joined) rule line of
// the form "CLASS[/note[/note]...]: EXPRESSION".
func ParseRuleLine(line string, lineno int, terms Terminals) (*Rule, error) {
	head, rest, ok := splitHeadOnce(line)
	if !ok {
		return nil, gkerr.New(gkerr.KindBadInput, "too few elements in rule")
	}
	ruleText := strings.TrimRight(rest, " \t\r\n")

	if head == "" || head[len(head)-1] != ':' {
		return nil, gkerr.New(gkerr.KindBadInput, "class name does not end with a ':'")
	}
	if head[0] == '/' {
		return nil, gkerr.New(gkerr.KindBadInput, "class name section has no actual name")
	}
	rcomp := head[:len(head)-1]

	r := &Rule{Line: lineno, text: ruleText}
	if pos := strings.IndexByte(rcomp, '/'); pos < 0 {
		r.ClassName = rcomp
	} else {
		r.ClassName = rcomp[:pos]
		if err := setRuleNotes(r, rcomp[pos+1:], ruleText); err != nil {
			return nil, err
		}
	}

	node, err := Parse(ruleText, terms)
	if err != nil {
		return nil, gkerr.Wrap(err, gkerr.KindBadInput, "bad rule expression")
	}
	r.Matcher = node
	return r, nil
}

// globalRule synthesizes the GLOBAL bookkeeping entry appended to every
// non-empty match list.
func globalRule() *Rule { return &Rule{Line: -1, ClassName: "GLOBAL"} }

// FakeRule synthesizes a bookkeeping rule for className with no
// matcher of its own, the way GLOBAL is synthesized. Callers that
// short-circuit rule evaluation (the worker-pool overflow path) use it
// to produce a match list the action engine can still act on.
func FakeRule(className string) *Rule { return &Rule{Line: -1, ClassName: className} }

// GlobalRule returns the synthetic GLOBAL rule appended to every
// non-empty match list.
func GlobalRule() *Rule { return globalRule() }

// RuleSet is an ordered collection of rules evaluated against a
// HostInfo to produce the list of classes it matched.
type RuleSet struct {
	rules     []*Rule
	haveAlway bool
}

// NewRuleSet returns an empty RuleSet.
func NewRuleSet() *RuleSet { return &RuleSet{} }

// AddRule appends rule to the set, in file order.
func (rs *RuleSet) AddRule(r *Rule) {
	rs.rules = append(rs.rules, r)
	if r.Always {
		rs.haveAlway = true
	}
}

// Len reports how many rules are in the set.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// ClassNames returns the distinct class names rules in the set target,
// in first-occurrence order.
func (rs *RuleSet) ClassNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rs.rules {
		if !seen[r.ClassName] {
			seen[r.ClassName] = true
			out = append(out, r.ClassName)
		}
	}
	return out
}

// Eval evaluates the rules in file order against hi: rules are tried
// until the first non-nonterminal match, except rules marked /always
// which are always tried; a class matches at most once. If anything
// matched, a synthetic GLOBAL rule is appended to the result.
func (rs *RuleSet) Eval(hi HostInfo) []*Rule {
	var matching []*Rule
	matched := false
	for _, r := range rs.rules {
		if (matched && !r.Always) || hi.HasClass(r.ClassName) {
			continue
		}
		if !r.Matcher.Eval(hi) {
			continue
		}
		matching = append(matching, r)
		hi.AddClass(r.ClassName)
		if !r.Nonterminal {
			matched = true
			if !rs.haveAlway {
				break
			}
		}
	}
	if len(matching) > 0 {
		matching = append(matching, globalRule())
	}
	return matching
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	gkerr "grimm.is/gatekeepd/internal/errors"
)

// Node is a node in a parsed rule expression tree: Not, And, Or,
// Except, or a Matcher leaf (Matcher satisfies Node directly).
type Node interface {
	Eval(hi HostInfo) bool
}

type notNode struct{ op Node }

func (n *notNode) Eval(hi HostInfo) bool { return !n.op.Eval(hi) }

type orNode struct{ ops []Node }

func (n *orNode) Eval(hi HostInfo) bool {
	for _, op := range n.ops {
		if op.Eval(hi) {
			return true
		}
	}
	return false
}

type andNode struct{ left, right Node }

func (n *andNode) Eval(hi HostInfo) bool { return n.left.Eval(hi) && n.right.Eval(hi) }

type exceptNode struct{ left, right Node }

func (n *exceptNode) Eval(hi HostInfo) bool { return n.left.Eval(hi) && !n.right.Eval(hi) }

// mergeable is implemented by Matchers that can coalesce with an
// adjacent OR-list sibling of the same kind (the IP-address matchers).
type mergeable interface {
	Matcher
	Merge(other Matcher) bool
	Finalize() error
}

// parser drives a recursive-descent parse of a token stream against a
// Terminals table.
type parser struct {
	toks  []token
	terms Terminals
}

func (p *parser) peek() token { return p.toks[0] }
func (p *parser) pop() token  { t := p.toks[0]; p.toks = p.toks[1:]; return t }

func isNot(t token) bool    { return t.kind == tokOp && (t.val == "!" || t.val == "NOT") }
func isAnd(t token) bool    { return t.kind == tokOp && (t.val == "AND" || t.val == "&&") }
func isExcept(t token) bool { return t.kind == tokOp && t.val == "EXCEPT" }
func isOpen(t token) bool   { return t.kind == tokOp && t.val == "(" }
func isClose(t token) bool  { return t.kind == tokOp && t.val == ")" }

func prettyTok(t token) string {
	if t.kind == tokEOF {
		return "EOL"
	}
	return t.val
}

func (p *parser) parseNot() (Node, error) {
	p.pop()
	res, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, gkerr.Errorf(gkerr.KindParseError, "expecting term, got %s", prettyTok(p.peek()))
	}
	if m, ok := res.(mergeable); ok {
		if err := m.Finalize(); err != nil {
			return nil, gkerr.Wrap(err, gkerr.KindParseError, "finalize failed")
		}
	}
	return &notNode{op: res}, nil
}

func (p *parser) parseBrackets() (Node, error) {
	p.pop()
	root, err := p.parseExcept()
	if err != nil {
		return nil, err
	}
	if !isClose(p.peek()) {
		return nil, gkerr.Errorf(gkerr.KindParseError, "expecting closing ), got %s", prettyTok(p.peek()))
	}
	p.pop()
	return root, nil
}

// parseTerm parses a single terminal: !term, (except), NAME: VALUE,
// bare NAME, or a bare word resolved via the default terminal.
func (p *parser) parseTerm() (Node, error) {
	t := p.peek()
	if isNot(t) {
		return p.parseNot()
	}
	if isOpen(t) {
		return p.parseBrackets()
	}
	if t.kind != tokWord {
		return nil, nil
	}
	term := p.pop().val

	if term[len(term)-1] == ':' {
		if p.peek().kind != tokWord {
			return nil, gkerr.Errorf(gkerr.KindParseError, "expected argument for %s, got %s", term, prettyTok(p.peek()))
		}
		val := p.pop().val
		ctor, ok := p.terms.Terminal(term)
		if !ok {
			return nil, gkerr.Errorf(gkerr.KindParseError, "no handler called %s", term)
		}
		m, err := ctor(term, val)
		if err != nil {
			return nil, gkerr.Errorf(gkerr.KindParseError, "handler does not like %s %s: %v", term, val, err)
		}
		return m, nil
	}

	if ctor, ok := p.terms.Terminal(term); ok {
		m, err := ctor(term, "")
		if err != nil {
			return nil, gkerr.Errorf(gkerr.KindParseError, "no-value handler %s refused us: %v", term, err)
		}
		return m, nil
	}
	m, err := p.terms.DefaultTerminal(term)
	if err != nil {
		return nil, gkerr.Errorf(gkerr.KindParseError, "no default for %s: %v", term, err)
	}
	return m, nil
}

// parseOrList parses a run of adjacent terms (implicit OR), merging
// adjacent mergeable matchers of the same kind as it goes.
func (p *parser) parseOrList() (Node, error) {
	var lst []Node
	var last mergeable

	for {
		r, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if r == nil {
			break
		}
		if last != nil {
			if rm, ok := r.(Matcher); ok && last.Merge(rm) {
				continue
			}
			if err := last.Finalize(); err != nil {
				return nil, gkerr.Wrap(err, gkerr.KindParseError, "finalize failed")
			}
			last = nil
		}
		if m, ok := r.(mergeable); ok {
			last = m
		}
		lst = append(lst, r)
	}
	if len(lst) == 0 {
		return nil, gkerr.New(gkerr.KindParseError, "empty OR list")
	}
	if last != nil {
		if err := last.Finalize(); err != nil {
			return nil, gkerr.Wrap(err, gkerr.KindParseError, "finalize failed")
		}
	}
	if len(lst) == 1 {
		return lst[0], nil
	}
	return &orNode{ops: lst}, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseOrList()
	if err != nil {
		return nil, err
	}
	if !isAnd(p.peek()) {
		return left, nil
	}
	p.pop()
	if p.peek().kind == tokEOF {
		return nil, gkerr.New(gkerr.KindParseError, "empty right AND clause")
	}
	right, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	return &andNode{left: left, right: right}, nil
}

func (p *parser) parseExcept() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	if !isExcept(p.peek()) {
		return left, nil
	}
	p.pop()
	if p.peek().kind == tokEOF {
		return nil, gkerr.New(gkerr.KindParseError, "empty right EXCEPT clause")
	}
	right, err := p.parseExcept()
	if err != nil {
		return nil, err
	}
	return &exceptNode{left: left, right: right}, nil
}

func (p *parser) parse() (Node, error) {
	if p.peek().kind == tokEOF {
		return nil, gkerr.New(gkerr.KindParseError, "nothing to parse")
	}
	root, err := p.parseExcept()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, gkerr.Errorf(gkerr.KindParseError, "expected EOL, got token %s", p.peek().val)
	}
	return root, nil
}

// Parse lexes and parses a rule expression string against terms,
// returning an expression tree whose leaves are ready-to-eval Matchers.
func Parse(s string, terms Terminals) (Node, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, gkerr.Wrap(err, gkerr.KindParseError, "lex error")
	}
	p := &parser{toks: toks, terms: terms}
	return p.parse()
}

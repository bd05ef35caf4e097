// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// tokenKind distinguishes words (operands) from operators. The empty
// token is always the final element of a token stream and appears
// nowhere else.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokOp
)

type token struct {
	kind tokenKind
	val  string
}

var eofToken = token{kind: tokEOF}

func wordTok(s string) token { return token{kind: tokWord, val: s} }
func opTok(s string) token   { return token{kind: tokOp, val: s} }

// isBreakChar reports whether r is one of the unquoted single-character
// tokenization boundaries: whitespace, (, ), !, or the quote character.
func isBreakChar(r byte) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f', '(', ')', '!', '\'':
		return true
	}
	return false
}

// isSpaceChar reports whether r is whitespace. Unlike isBreakChar it
// does not include '(', ')', '!', or '\'' — those are tokens in their
// own right and can butt directly against a word operator.
func isSpaceChar(r byte) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// wordOperator checks whether s, starting at pos, is one of AND/NOT/
// EXCEPT, immediately followed by whitespace or end of input — these
// word-operators are not tokenization boundaries on their own, so
// "ANDOVER" lexes as one word. The lookahead is whitespace-or-EOS only:
// "AND(foo)" lexes as the word "AND" followed by "(", not the AND
// operator, matching the original's `(?:AND|NOT|EXCEPT)(?=\s|$)`.
func wordOperator(s string) (string, bool) {
	for _, op := range []string{"AND", "NOT", "EXCEPT"} {
		if strings.HasPrefix(s, op) {
			rest := s[len(op):]
			if rest == "" || isSpaceChar(rest[0]) {
				return op, true
			}
		}
	}
	return "", false
}

// parseQuote consumes a leading single-quoted section (the opening
// quote is s[0]) and returns the unquoted word plus the remaining
// string. A doubled quote ('') inside the section is an escaped quote.
func parseQuote(s string) (string, string, error) {
	var accum strings.Builder
	for s != "" {
		s = s[1:] // skip the opening/continuing quote
		pos := strings.IndexByte(s, '\'')
		if pos < 0 {
			return "", "", gkerr.New(gkerr.KindParseError, "unterminated quote")
		}
		accum.WriteString(s[:pos])
		if strings.HasPrefix(s[pos:], "''") {
			accum.WriteByte('\'')
			s = s[pos+1:]
			continue
		}
		return accum.String(), s[pos+1:], nil
	}
	return "", "", gkerr.New(gkerr.KindParseError, "unterminated quote")
}

// parseWord consumes a word, which may have embedded quoted sections
// that do not themselves end the word ("a'b c'd" is the single word
// "ab cd").
func parseWord(s string) (string, string, error) {
	var accum strings.Builder
	for s != "" {
		idx := strings.IndexFunc(s, func(r rune) bool { return r < 256 && isBreakChar(byte(r)) })
		if idx < 0 {
			accum.WriteString(s)
			return accum.String(), "", nil
		}
		if s[idx] != '\'' {
			accum.WriteString(s[:idx])
			return accum.String(), s[idx:], nil
		}
		accum.WriteString(s[:idx])
		tok, rest, err := parseQuote(s[idx:])
		if err != nil {
			return "", "", err
		}
		accum.WriteString(tok)
		s = rest
	}
	return accum.String(), "", nil
}

// tokenize lexes s into a token stream terminated by a single EOF
// token. Operators are "(", ")", "!", "&&", and the word operators
// AND/NOT/EXCEPT (see wordOperator); everything else is a word.
func tokenize(s string) ([]token, error) {
	var out []token
	s = strings.TrimLeft(s, " \t\r\n\v\f")
	for s != "" {
		switch {
		case s[0] == '(':
			out = append(out, opTok("("))
			s = s[1:]
		case s[0] == ')':
			out = append(out, opTok(")"))
			s = s[1:]
		case s[0] == '!':
			out = append(out, opTok("!"))
			s = s[1:]
		case strings.HasPrefix(s, "&&"):
			out = append(out, opTok("&&"))
			s = s[2:]
		default:
			if op, ok := wordOperator(s); ok {
				out = append(out, opTok(op))
				s = s[len(op):]
			} else {
				word, rest, err := parseWord(s)
				if err != nil {
					return nil, err
				}
				out = append(out, wordTok(word))
				s = rest
			}
		}
		s = strings.TrimLeft(s, " \t\r\n\v\f")
	}
	out = append(out, eofToken)
	return out, nil
}

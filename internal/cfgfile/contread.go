// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cfgfile implements the continuation-line file reader shared
// by the rule, action, and top-level config file loaders, plus the
// top-level config directive parser itself.
package cfgfile

import (
	"bufio"
	"io"
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// LogicalLine is one joined, comment-stripped, continuation-joined line
// together with the physical line number it started on.
type LogicalLine struct {
	Line int
	Text string
}

// isBlank reports whether a raw physical line is empty once leading and
// trailing whitespace is removed.
func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

// isComment reports whether a raw physical line is a comment: its first
// non-whitespace character is '#'. Indentation does not exempt a
// comment line from being dropped, and does not make it a continuation
// of anything.
func isComment(s string) bool {
	t := strings.TrimLeft(s, " \t")
	return len(t) > 0 && t[0] == '#'
}

// isContinuation reports whether a raw physical line continues the
// previous logical line: it is non-blank, non-comment, and starts with
// whitespace.
func isContinuation(s string) bool {
	return len(s) > 0 && (s[0] == ' ' || s[0] == '\t')
}

// trimmedContent strips the leading and trailing whitespace (including
// the line's own trailing newline) from a raw physical line, leaving
// just the text to join into the logical line.
func trimmedContent(s string) string {
	return strings.TrimRight(strings.TrimLeft(s, " \t"), " \t\r\n")
}

// ReadContinued reads r as a stream of logical lines: blank lines and
// whole-line '#' comments are dropped, and a line beginning with
// whitespace continues the previous logical line (joined with a single
// space) rather than starting a new one. A leading-whitespace line with
// no logical line yet open is a StartingContinuedLine error. fn is
// called once per logical line, in order; returning an error from fn
// aborts the read and is propagated as-is.
func ReadContinued(r io.Reader, fn func(LogicalLine) error) error {
	br := bufio.NewReader(r)

	var (
		cur        strings.Builder
		curLine    int
		haveCur    bool
		lastHadNL  bool
		physLineNo int
	)

	flush := func() error {
		if !haveCur {
			return nil
		}
		text := cur.String()
		if lastHadNL {
			text += "\n"
		}
		haveCur = false
		cur.Reset()
		return fn(LogicalLine{Line: curLine, Text: text})
	}

	for {
		raw, err := br.ReadString('\n')
		if len(raw) == 0 && err != nil {
			break
		}
		physLineNo++
		hasNL := strings.HasSuffix(raw, "\n")

		switch {
		case isBlank(raw):
			// dropped, does not affect the open logical line
		case isComment(raw):
			// dropped entirely, even if indented
		case isContinuation(raw):
			if !haveCur {
				return gkerr.New(gkerr.KindStartingContinuedLine, "first line is a continuation")
			}
			cur.WriteByte(' ')
			cur.WriteString(trimmedContent(raw))
			lastHadNL = hasNL
		default:
			if err := flush(); err != nil {
				return err
			}
			cur.WriteString(trimmedContent(raw))
			curLine = physLineNo
			haveCur = true
			lastHadNL = hasNL
		}

		if err != nil {
			break
		}
	}
	return flush()
}

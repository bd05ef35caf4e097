// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package actionset implements the action rule language: per-class
// directives (reject/drop/ipmax/connmax/msg/run/see/...), the see-chain
// delegation and limit-consumption algorithm that turns a connection's
// matched classes into a single Act, and the %(name)s template
// formatter used to render log/msg/run strings.
package actionset

import (
	"strconv"
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// FormatTemplate substitutes %(name)s / %(name)d references in msg
// from dict. Unknown keys are an error, mirroring the Python %
// operator's KeyError on an unknown mapping key.
func FormatTemplate(msg string, dict map[string]string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(msg) {
		c := msg[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '%' {
			b.WriteByte('%')
			i += 2
			continue
		}
		if i+1 >= len(msg) || msg[i+1] != '(' {
			return "", gkerr.Errorf(gkerr.KindParseError, "malformed format string: %s", msg)
		}
		end := strings.IndexByte(msg[i+2:], ')')
		if end < 0 {
			return "", gkerr.Errorf(gkerr.KindParseError, "unterminated %%( in format string: %s", msg)
		}
		name := msg[i+2 : i+2+end]
		pos := i + 2 + end + 1
		if pos >= len(msg) {
			return "", gkerr.Errorf(gkerr.KindParseError, "format string missing type char: %s", msg)
		}
		typeChar := msg[pos]
		v, ok := dict[name]
		if !ok {
			return "", gkerr.Errorf(gkerr.KindParseError, "cannot format the string: %s", msg)
		}
		switch typeChar {
		case 's', 'd', 'r':
			b.WriteString(v)
		default:
			return "", gkerr.Errorf(gkerr.KindParseError, "unsupported format type %%%c in: %s", typeChar, msg)
		}
		i = pos + 1
	}
	return b.String(), nil
}

// intStr is a small helper for callers building a format dictionary
// from an int field.
func intStr(n int) string { return strconv.Itoa(n) }

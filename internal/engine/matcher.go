// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine implements the rule expression language: a lexer, a
// recursive-descent parser, the terminal matchers the parser resolves
// words against, and the rule set that drives evaluation for an
// accepted connection.
package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
	"grimm.is/gatekeepd/internal/ipranges"
)

// HostInfo is the read surface a Matcher evaluates against. The
// concrete type is *hostinfo.HostInfo; this package depends only on
// the interface to avoid a cyclic import.
type HostInfo interface {
	IP() string
	IPNum() uint32
	LocalIP() string
	LocalIPNum() uint32
	Port() int
	LocalPort() int
	Hostname() string
	HostnameLower() string
	ClaimedHostname() string
	ClaimedHostnameLower() string
	HostnameStatus() string
	Identd() string
	RevIP() string
	FirstTime() int64
	LastTime() *int64
	AnswersOn(port int) bool
	HostIPs(name string) []string
	Classes() []string
	HasClass(cls string) bool
	AddClass(cls string)
}

// Matcher is a leaf test against a HostInfo. Matcher itself satisfies
// Node, so a bare terminal is a valid expression tree on its own.
type Matcher interface {
	Eval(hi HostInfo) bool
	String() string
}

// TermCtor builds a Matcher from a terminal's name (as written in the
// rule, including any trailing ':') and its argument, or "" if the
// terminal takes none.
type TermCtor func(name, val string) (Matcher, error)

// Terminals resolves words in a rule expression to matcher
// constructors.
type Terminals interface {
	Terminal(name string) (TermCtor, bool)
	DefaultTerminal(word string) (Matcher, error)
}

// ---- ALL ----

type allMatch struct{}

func (allMatch) Eval(HostInfo) bool { return true }
func (allMatch) String() string     { return "ALL" }

func newAllMatch(string, string) (Matcher, error) { return allMatch{}, nil }

// ---- IDENTD ----

type identdMatch struct{ want string }

func (m identdMatch) Eval(hi HostInfo) bool {
	r := hi.Identd()
	if r == "" {
		return false
	}
	if m.want != "" {
		return r == m.want
	}
	return true
}

func (m identdMatch) String() string {
	if m.want != "" {
		return "identd: " + m.want
	}
	return "IDENTD"
}

func newIdentdMatch(_ string, val string) (Matcher, error) { return identdMatch{want: val}, nil }

// ---- local: ----

type localMatch struct {
	host string
	port int
}

func parseHostPort(s string) (string, int, error) {
	pos := strings.IndexByte(s, '@')
	if pos < 0 {
		if isIPAddr(s) {
			return s, 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return "", 0, gkerr.New(gkerr.KindBadArg, "bad local: value")
		}
		return "", n, nil
	}
	p := s[:pos]
	h := s[pos+1:]
	if p == "*" {
		p = ""
	}
	if h == "*" {
		h = ""
	}
	var port int
	if p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, gkerr.New(gkerr.KindBadArg, "bad local: port")
		}
		port = n
	}
	if h != "" && !isIPAddr(h) {
		return "", 0, gkerr.New(gkerr.KindBadArg, "bad local: host")
	}
	if h == "" && p == "" {
		return "", 0, gkerr.New(gkerr.KindBadArg, "empty local: value")
	}
	return h, port, nil
}

func newLocalMatch(_ string, val string) (Matcher, error) {
	host, port, err := parseHostPort(val)
	if err != nil {
		return nil, err
	}
	return localMatch{host: host, port: port}, nil
}

func (m localMatch) Eval(hi HostInfo) bool {
	if m.port != 0 && m.port != hi.LocalPort() {
		return false
	}
	if m.host != "" && m.host != hi.LocalIP() {
		return false
	}
	return true
}

func (m localMatch) String() string { return fmt.Sprintf("local: %d@%s", m.port, m.host) }

// ---- hnstatus: / KNOWN / UNKNOWN / PARANOID ----

var hnStateAliases = map[string][]string{
	"KNOWN":        {"good"},
	"UNKNOWN":      {"unknown"},
	"PARANOID":     {"noforward", "addrmismatch"},
	"good":         {"good"},
	"unknown":      {"unknown"},
	"addrmismatch": {"addrmismatch"},
	"noforward":    {"noforward"},
}

type hnStatusMatch struct {
	label   string
	wstates []string
}

func newHNStatusMatch(name, val string) (Matcher, error) {
	if val == "" {
		val = name
	}
	ws, ok := hnStateAliases[val]
	if !ok {
		return nil, gkerr.New(gkerr.KindBadArg, "unrecognized hostname state")
	}
	return hnStatusMatch{label: val, wstates: ws}, nil
}

func (m hnStatusMatch) Eval(hi HostInfo) bool {
	st := hi.HostnameStatus()
	for _, w := range m.wstates {
		if w == st {
			return true
		}
	}
	return false
}

func (m hnStatusMatch) String() string { return "hnstatus: " + m.label }

// ---- ip: / localip: ----

const ipAddrChars = "0123456789./-"

func validIPAddr(val string) bool {
	if val == "" || val[0] == '.' {
		return false
	}
	for i := 0; i < len(val); i++ {
		if strings.IndexByte(ipAddrChars, val[i]) < 0 {
			return false
		}
	}
	return true
}

func validateIPPrefix(val string) error {
	octets := strings.Split(strings.TrimSuffix(val, "."), ".")
	if len(octets) == 0 || len(octets) > 3 {
		return gkerr.New(gkerr.KindBadArg, "bad IP address specifier")
	}
	for _, o := range octets {
		if o == "" {
			return gkerr.New(gkerr.KindBadArg, "empty IP octet")
		}
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return gkerr.New(gkerr.KindBadArg, "bad IP octet")
		}
	}
	return nil
}

func ipPrefixToCIDR(val string) string {
	n := strings.Count(val, ".")
	return fmt.Sprintf("%s/%d", strings.TrimSuffix(val, "."), 8*n)
}

// ipAddrMatch backs both ip: and localip:. It starts life as a set of
// raw strings (so an OR-list run of terms can merge into it) and is
// compiled to an ipranges.Ranges on Finalize, unless it degenerates to
// a single tcpwrappers-style prefix.
type ipAddrMatch struct {
	cname string
	local bool
	names []string
	pref  string
	rng   *ipranges.Ranges
}

func newIPAddrMatcher(local bool) TermCtor {
	return func(name, val string) (Matcher, error) {
		if !validIPAddr(val) {
			return nil, gkerr.Errorf(gkerr.KindBadArg, "bad characters in IP address match %s", val)
		}
		m := &ipAddrMatch{cname: name, local: local, names: []string{val}}
		if !strings.ContainsAny(val, "/-") && strings.HasSuffix(val, ".") {
			if err := validateIPPrefix(val); err != nil {
				return nil, err
			}
			m.pref = val
		}
		return m, nil
	}
}

func (m *ipAddrMatch) String() string {
	var parts []string
	for _, n := range m.names {
		parts = append(parts, m.cname+" "+n)
	}
	return strings.Join(parts, " ")
}

func (m *ipAddrMatch) Merge(other Matcher) bool {
	om, ok := other.(*ipAddrMatch)
	if !ok || om.cname != m.cname || om.local != m.local {
		return false
	}
	m.pref = ""
	m.names = append(m.names, om.names...)
	return true
}

func (m *ipAddrMatch) Finalize() error {
	if len(m.names) == 1 && m.pref != "" {
		return nil
	}
	rng, err := ipranges.New("")
	if err != nil {
		return err
	}
	for _, n := range m.names {
		if strings.HasSuffix(n, ".") {
			err = rng.Add(ipPrefixToCIDR(n))
		} else {
			err = rng.Add(n)
		}
		if err != nil {
			return gkerr.Wrapf(err, gkerr.KindBadArg, "bad CIDR netblock %s", n)
		}
	}
	m.rng = rng
	m.pref = ""
	return nil
}

func (m *ipAddrMatch) Eval(hi HostInfo) bool {
	ipS, ipN := hi.IP(), hi.IPNum()
	if m.local {
		ipS, ipN = hi.LocalIP(), hi.LocalIPNum()
	}
	if m.pref != "" {
		return strings.HasPrefix(ipS, m.pref)
	}
	return m.rng.ContainsInt(ipN)
}

// ---- hostname: / claimedhn: ----

const hostNameChars = "abcdefghijklmnopqrstuvwxyz0123456789.-_"

func validHostname(hn string) bool {
	if hn == "." || hn == "" {
		return false
	}
	for i := 0; i < len(hn); i++ {
		if strings.IndexByte(hostNameChars, hn[i]) < 0 {
			return false
		}
	}
	return true
}

type hostnameMatch struct {
	cname   string
	claimed bool
	host    string
	hoste   string // set (with leading '.') when val started with '.'
}

func newHostnameMatcher(claimed bool) TermCtor {
	return func(name, val string) (Matcher, error) {
		val = strings.ToLower(val)
		if !validHostname(val) {
			return nil, gkerr.Errorf(gkerr.KindBadArg, "bad hostname: %s", val)
		}
		m := &hostnameMatch{cname: name, claimed: claimed}
		if val[0] == '.' {
			m.hoste = val
			m.host = val[1:]
		} else {
			m.host = val
		}
		return m, nil
	}
}

func (m *hostnameMatch) String() string {
	if m.hoste != "" {
		return m.cname + " " + m.hoste
	}
	return m.cname + " " + m.host
}

func (m *hostnameMatch) Eval(hi HostInfo) bool {
	hn := hi.HostnameLower()
	if m.claimed {
		hn = hi.ClaimedHostnameLower()
	}
	if hn == "" {
		return false
	}
	if m.hoste != "" {
		return strings.HasSuffix(hn, m.hoste) || hn == m.host
	}
	return hn == m.host
}

// ---- class: ----

type classMatch struct{ cls string }

func newClassMatch(_ string, val string) (Matcher, error) { return classMatch{cls: val}, nil }
func (m classMatch) Eval(hi HostInfo) bool                { return hi.HasClass(m.cls) }
func (m classMatch) String() string                       { return "class: " + m.cls }

// ---- re: / claimedre: ----

type reMatch struct {
	cname   string
	claimed bool
	re      *regexp.Regexp
}

func newREMatcher(claimed bool) TermCtor {
	return func(name, val string) (Matcher, error) {
		re, err := regexp.Compile("(?i)" + val)
		if err != nil {
			return nil, gkerr.Errorf(gkerr.KindBadArg, "bad regexp '%s': %v", val, err)
		}
		return &reMatch{cname: name, claimed: claimed, re: re}, nil
	}
}

func (m *reMatch) String() string { return fmt.Sprintf("%s '%s'", m.cname, m.re.String()) }

func (m *reMatch) Eval(hi HostInfo) bool {
	hn := hi.Hostname()
	if m.claimed {
		hn = hi.ClaimedHostname()
	}
	if hn == "" {
		return false
	}
	return m.re.MatchString(hn)
}

// ---- forwhn: ----

type forwhnMatch struct{ host string }

func newForwhnMatch(_ string, val string) (Matcher, error) {
	val = strings.ToLower(val)
	if !validHostname(val) {
		return nil, gkerr.Errorf(gkerr.KindBadArg, "bad forwhn hostname: %s", val)
	}
	return forwhnMatch{host: val}, nil
}

func (m forwhnMatch) Eval(hi HostInfo) bool {
	ip := hi.IP()
	for _, i := range hi.HostIPs(m.host) {
		if i == ip {
			return true
		}
	}
	return false
}

func (m forwhnMatch) String() string { return "forwhn: " + m.host }

// ---- dnsbl: ----

type dnsblMatch struct {
	zone  string // includes leading "."
	ipval string
}

func newDNSBlMatch(_ string, val string) (Matcher, error) {
	pos := strings.IndexByte(val, '/')
	if val == "" || val[0] == '/' || val[len(val)-1] == '/' {
		return nil, gkerr.New(gkerr.KindBadArg, "bad position of / in dnsbl: argument")
	}
	if pos >= 0 {
		ipv := val[pos+1:]
		if !isIPAddr(ipv) {
			return nil, gkerr.New(gkerr.KindBadArg, "dnsbl: IP address portion isn't an IP address")
		}
		return dnsblMatch{zone: "." + val[:pos], ipval: ipv}, nil
	}
	return dnsblMatch{zone: "." + val}, nil
}

func (m dnsblMatch) Eval(hi HostInfo) bool {
	ips := hi.HostIPs(hi.RevIP() + m.zone)
	if m.ipval == "" {
		return len(ips) > 0
	}
	for _, i := range ips {
		if i == m.ipval {
			return true
		}
	}
	return false
}

func (m dnsblMatch) String() string {
	if m.ipval != "" {
		return fmt.Sprintf("dnsbl: %s/%s", m.zone[1:], m.ipval)
	}
	return "dnsbl: " + m.zone[1:]
}

// ---- answerson: ----

type answersOnMatch struct{ port int }

func newAnswersOnMatch(_ string, val string) (Matcher, error) {
	n, err := strconv.Atoi(val)
	if err != nil {
		return nil, gkerr.Errorf(gkerr.KindBadArg, "not an integer: %s", val)
	}
	if n < 0 || n > 65535 {
		return nil, gkerr.New(gkerr.KindBadArg, "port number outside of OK range")
	}
	return answersOnMatch{port: n}, nil
}

func (m answersOnMatch) Eval(hi HostInfo) bool { return hi.AnswersOn(m.port) }
func (m answersOnMatch) String() string        { return fmt.Sprintf("answerson: %d", m.port) }

// ---- stallfor: / waited: / seenwithin: / notseenfor: / firsttime ----

func getSecsOrRaise(val string) (int64, error) {
	if val == "" {
		return 0, gkerr.New(gkerr.KindBadArg, "empty time duration")
	}
	unit := val[len(val)-1]
	mult := map[byte]int64{'s': 1, 'm': 60, 'h': 3600, 'd': 86400}[unit]
	if mult == 0 {
		return 0, gkerr.New(gkerr.KindBadArg, "time duration does not end in s/m/h/d")
	}
	n, err := strconv.ParseInt(val[:len(val)-1], 10, 64)
	if err != nil {
		return 0, gkerr.New(gkerr.KindBadArg, "not a number in time duration")
	}
	return n * mult, nil
}

type timedKind int

const (
	timedWaited timedKind = iota
	timedStall
	timedLastSeen
	timedNotSeenFor
)

type timedMatch struct {
	name    string
	kind    timedKind
	secsOld int64
}

func newTimedMatcher(kind timedKind) TermCtor {
	return func(name, val string) (Matcher, error) {
		secs, err := getSecsOrRaise(val)
		if err != nil {
			return nil, err
		}
		return timedMatch{name: name, kind: kind, secsOld: secs}, nil
	}
}

func (m timedMatch) Eval(hi HostInfo) bool {
	switch m.kind {
	case timedWaited:
		return hi.FirstTime() > m.secsOld
	case timedStall:
		return hi.FirstTime() <= m.secsOld
	case timedLastSeen:
		r := hi.LastTime()
		return r != nil && *r <= m.secsOld
	case timedNotSeenFor:
		r := hi.LastTime()
		return r == nil || *r > m.secsOld
	}
	return false
}

func (m timedMatch) String() string { return fmt.Sprintf("%s %ds", m.name, m.secsOld) }

type firstTimeMatch struct{}

func newFirstTimeMatch(string, string) (Matcher, error) { return firstTimeMatch{}, nil }
func (firstTimeMatch) Eval(hi HostInfo) bool            { return hi.LastTime() == nil }
func (firstTimeMatch) String() string                   { return "firsttime" }

// ---- terminal table ----

func isIPAddr(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// stdTerminals is the built-in terminal table, grounded on
// MatchInfo.terminals.
type stdTerminals struct {
	table map[string]TermCtor
}

// StdTerminals builds the default Terminals table.
func StdTerminals() Terminals {
	t := &stdTerminals{table: map[string]TermCtor{
		"ALL":         newAllMatch,
		"local:":      newLocalMatch,
		"hnstatus:":   newHNStatusMatch,
		"PARANOID":    newHNStatusMatch,
		"KNOWN":       newHNStatusMatch,
		"UNKNOWN":     newHNStatusMatch,
		"ip:":         newIPAddrMatcher(false),
		"localip:":    newIPAddrMatcher(true),
		"identd:":     newIdentdMatch,
		"IDENTD":      newIdentdMatch,
		"hostname:":   newHostnameMatcher(false),
		"re:":         newREMatcher(false),
		"forwhn:":     newForwhnMatch,
		"dnsbl:":      newDNSBlMatch,
		"answerson:":  newAnswersOnMatch,
		"stallfor:":   newTimedMatcher(timedStall),
		"waited:":     newTimedMatcher(timedWaited),
		"seenwithin:": newTimedMatcher(timedLastSeen),
		"notseenfor:": newTimedMatcher(timedNotSeenFor),
		"firsttime":   newFirstTimeMatch,
		"class:":      newClassMatch,
		"claimedhn:":  newHostnameMatcher(true),
		"claimedre:":  newREMatcher(true),
	}}
	return t
}

func (t *stdTerminals) Terminal(name string) (TermCtor, bool) {
	c, ok := t.table[name]
	return c, ok
}

// DefaultTerminal resolves a bare word with no recognized terminal
// name: an IP-shaped word is an ip: match, anything else is a
// hostname: match.
func (t *stdTerminals) DefaultTerminal(word string) (Matcher, error) {
	if validIPAddr(word) {
		ctor, _ := t.Terminal("ip:")
		return ctor("ip:", word)
	}
	ctor, _ := t.Terminal("hostname:")
	return ctor("hostname:", word)
}

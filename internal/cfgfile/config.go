// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cfgfile

import (
	"net"
	"os"
	"strconv"
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// Listen is one listen directive: a host/port pair. Host is empty to
// mean "all addresses"; Port is always present.
type Listen struct {
	Host string
	Port string
}

// Config is the top-level daemon configuration: where to listen, where
// the rule and action files live, and the handful of process-wide
// knobs that aren't part of either. Unlike rules and actions, the
// directives here are interdependent, so the whole file is parsed
// into one struct rather than a line-by-line stream of independent
// objects.
type Config struct {
	Listen []Listen

	RuleFile   string
	ActionFile string

	User string

	DropIPAfter  int64
	HaveDropIP   bool
	ExpireEvery  int64
	HaveExpire   bool
	MaxThreads   int
	HaveMax      bool
	AfterMaxCmd  string
	OnFileError  string // "drop" or "use-old", default "drop"
	Substitution bool   // substitutions on/off, default on

	seen map[string]bool
}

// singleOnly lists directives that may appear at most once. "listen"
// is deliberately absent: it is the one repeatable directive.
var singleOnly = map[string]bool{
	"rulefile": true, "actionfile": true, "user": true,
	"aftermaxthreads": true, "dropipafter": true, "expireevery": true,
	"maxthreads": true, "onfileerror": true, "substitutions": true,
}

// LoadConfig reads and parses the top-level daemon configuration file
// at path, then verifies that the result is complete enough to run
// from (insureComplete, below).
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gkerr.Wrapf(err, gkerr.KindBadInput, "cannot open config file %s", path)
	}
	defer f.Close()

	cf := &Config{
		OnFileError:  "drop",
		Substitution: true,
		seen:         map[string]bool{},
	}
	err = ReadContinued(f, func(l LogicalLine) error {
		if err := cf.parseLine(strings.TrimRight(l.Text, "\n")); err != nil {
			return gkerr.Wrapf(err, gkerr.KindBadInput, "error parsing %s line %d", path, l.Line)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := cf.insureComplete(); err != nil {
		return nil, err
	}
	return cf, nil
}

func (cf *Config) parseLine(line string) error {
	n := strings.Fields(line)
	if len(n) != 2 {
		return gkerr.New(gkerr.KindBadInput, "badly formatted line: expected 'directive argument'")
	}
	directive, arg := n[0], n[1]

	if directive != "listen" && cf.seen[directive] {
		return gkerr.Errorf(gkerr.KindBadInput, "can only give one %s directive", directive)
	}
	if singleOnly[directive] {
		cf.seen[directive] = true
	}

	switch directive {
	case "rulefile":
		cf.RuleFile = arg
	case "actionfile":
		cf.ActionFile = arg
	case "user":
		cf.User = arg
	case "aftermaxthreads":
		cf.AfterMaxCmd = arg
	case "dropipafter":
		secs, err := parseDurationArg(arg)
		if err != nil {
			return err
		}
		cf.DropIPAfter = secs
		cf.HaveDropIP = true
	case "expireevery":
		secs, err := parseDurationArg(arg)
		if err != nil {
			return err
		}
		cf.ExpireEvery = secs
		cf.HaveExpire = true
	case "maxthreads":
		v, err := strconv.Atoi(arg)
		if err != nil {
			return gkerr.Errorf(gkerr.KindBadInput, "not an integer: %s", arg)
		}
		cf.MaxThreads = v
		cf.HaveMax = true
	case "listen":
		host, port, err := parseListenArg(arg)
		if err != nil {
			return err
		}
		cf.Listen = append(cf.Listen, Listen{Host: host, Port: port})
	case "onfileerror":
		if arg != "drop" && arg != "use-old" {
			return gkerr.New(gkerr.KindBadInput, "unknown option for onfileerror")
		}
		cf.OnFileError = arg
	case "substitutions":
		switch arg {
		case "on":
			cf.Substitution = true
		case "off":
			cf.Substitution = false
		default:
			return gkerr.New(gkerr.KindBadInput, "substitutions must be off or on")
		}
	default:
		return gkerr.Errorf(gkerr.KindBadInput, "unknown config file directive %s", directive)
	}
	return nil
}

// insureComplete checks that the configuration is usable: at least one
// listen directive, both rulefile and actionfile given, and
// dropipafter not fighting an expiry that's been turned off.
func (cf *Config) insureComplete() error {
	if len(cf.Listen) == 0 {
		return gkerr.New(gkerr.KindBadInput, "no listen directives specified")
	}
	if cf.RuleFile == "" {
		return gkerr.New(gkerr.KindBadInput, "no rulefile directive given")
	}
	if cf.ActionFile == "" {
		return gkerr.New(gkerr.KindBadInput, "no actionfile directive given")
	}
	if cf.HaveDropIP && cf.HaveExpire && cf.ExpireEvery < 0 {
		return gkerr.New(gkerr.KindBadInput, "dropipafter conflicts with an expireevery that turns expiry processing off")
	}
	return nil
}

// parseDurationArg parses the Ns/Nm/Nh/Nd duration syntax shared by
// dropipafter and expireevery, returning whole seconds.
func parseDurationArg(val string) (int64, error) {
	if len(val) < 2 {
		return 0, gkerr.New(gkerr.KindBadInput, "time duration does not end in s/m/h/d")
	}
	unit := val[len(val)-1]
	var mult int64
	switch unit {
	case 's':
		mult = 1
	case 'm':
		mult = 60
	case 'h':
		mult = 3600
	case 'd':
		mult = 86400
	default:
		return 0, gkerr.New(gkerr.KindBadInput, "time duration does not end in s/m/h/d")
	}
	num, err := strconv.ParseInt(val[:len(val)-1], 10, 64)
	if err != nil {
		return 0, gkerr.New(gkerr.KindBadInput, "not a number in time duration")
	}
	return num * mult, nil
}

// parseListenArg parses a PORT@HOST listen argument. Either half may be
// wildcarded with '*' or omitted; the port must always end up
// specified one way or another, and the host, if given, must be a
// dotted-quad IPv4 address.
func parseListenArg(s string) (host, port string, err error) {
	pos := strings.IndexByte(s, '@')
	if pos < 0 {
		if isIPv4(s) {
			return s, "", gkerr.New(gkerr.KindBadInput, "listen requires a port")
		}
		if _, convErr := strconv.Atoi(s); convErr != nil {
			return "", "", gkerr.New(gkerr.KindBadInput, "bad argument to listen")
		}
		return "", s, nil
	}
	p, h := s[:pos], s[pos+1:]
	if p == "*" {
		p = ""
	}
	if h == "*" {
		h = ""
	}
	if p != "" {
		if _, convErr := strconv.Atoi(p); convErr != nil {
			return "", "", gkerr.New(gkerr.KindBadInput, "bad argument to listen")
		}
	}
	if h != "" && !isIPv4(h) {
		return "", "", gkerr.New(gkerr.KindBadInput, "bad argument to listen")
	}
	if h == "" && p == "" {
		return "", "", gkerr.New(gkerr.KindBadInput, "bad argument to listen")
	}
	if p == "" {
		return "", "", gkerr.New(gkerr.KindBadInput, "listen requires a port")
	}
	return h, p, nil
}

func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

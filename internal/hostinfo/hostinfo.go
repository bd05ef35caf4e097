// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hostinfo implements HostInfo, the per-connection lazily
// memoized view of a remote peer's properties that every matcher
// evaluates against.
package hostinfo

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"grimm.is/gatekeepd/internal/ipranges"
	"grimm.is/gatekeepd/internal/iptime"
	"grimm.is/gatekeepd/internal/resolve"
)

const (
	identdTimeout = 500 * time.Millisecond
	connTimeout   = 500 * time.Millisecond
)

// Deps bundles the process-wide collaborators a HostInfo consults on
// first access to a lazy field.
type Deps struct {
	Resolver *resolve.Resolver
	IPTime   *iptime.Cache
	Now      func() time.Time
}

// HostInfo is exclusively owned by the task processing one connection;
// it is never shared across workers, so its lazy fields use plain
// single-assignment memoization rather than locks.
type HostInfo struct {
	deps *Deps

	rip   string
	rport int
	lip   string
	lport int

	ripn   *uint32
	lipn   *uint32
	revip  string
	revSet bool

	hnstate  string
	hnFilled bool
	rhn      string
	chn      string

	idInit bool
	id     string

	timeInit bool
	ftime    int64
	ltime    *int64

	answerCache map[int]bool
	lookupCache map[string][]string

	classes []string
}

// New builds a HostInfo for a connection accepted on (localIP,
// localPort) from (remoteIP, remotePort).
func New(deps *Deps, localIP string, localPort int, remoteIP string, remotePort int) *HostInfo {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &HostInfo{
		deps:        deps,
		rip:         remoteIP,
		rport:       remotePort,
		lip:         localIP,
		lport:       localPort,
		answerCache: make(map[int]bool),
		lookupCache: make(map[string][]string),
	}
}

// IP returns the remote address as a string.
func (h *HostInfo) IP() string { return h.rip }

// IPNum returns the remote address as a 32-bit integer, memoized.
func (h *HostInfo) IPNum() uint32 {
	if h.ripn == nil {
		n, _ := ipranges.StrToIP(h.rip)
		h.ripn = &n
	}
	return *h.ripn
}

// RevIP returns the remote address with its octets reversed, used for
// DNSBL zone queries. Memoized because it's requested on every DNSBL
// match.
func (h *HostInfo) RevIP() string {
	if !h.revSet {
		parts := strings.Split(h.rip, ".")
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
		h.revip = strings.Join(parts, ".")
		h.revSet = true
	}
	return h.revip
}

// LocalIP returns the local address as a string.
func (h *HostInfo) LocalIP() string { return h.lip }

// LocalIPNum returns the local address as a 32-bit integer, memoized.
func (h *HostInfo) LocalIPNum() uint32 {
	if h.lipn == nil {
		n, _ := ipranges.StrToIP(h.lip)
		h.lipn = &n
	}
	return *h.lipn
}

// Port returns the remote port.
func (h *HostInfo) Port() int { return h.rport }

// LocalPort returns the local port.
func (h *HostInfo) LocalPort() int { return h.lport }

func (h *HostInfo) fillHostname() {
	if h.hnFilled {
		return
	}
	h.hnFilled = true
	h.hnstate, h.chn = h.deps.Resolver.HostName(h.rip)
	if h.hnstate == "good" {
		h.rhn = h.chn
	}
}

// Hostname returns the verified reverse-DNS name, or "" unless the
// status is "good".
func (h *HostInfo) Hostname() string {
	h.fillHostname()
	return h.rhn
}

// HostnameLower is Hostname lowercased, for case-insensitive matching.
func (h *HostInfo) HostnameLower() string { return strings.ToLower(h.Hostname()) }

// ClaimedHostname returns the raw reverse-DNS name regardless of
// verification status.
func (h *HostInfo) ClaimedHostname() string {
	h.fillHostname()
	return h.chn
}

// ClaimedHostnameLower is ClaimedHostname lowercased.
func (h *HostInfo) ClaimedHostnameLower() string { return strings.ToLower(h.ClaimedHostname()) }

// HostnameStatus returns unknown|noforward|addrmismatch|good.
func (h *HostInfo) HostnameStatus() string {
	h.fillHostname()
	return h.hnstate
}

// Identd performs the identd protocol on first access, with a
// half-second deadline, and returns the advertised user or "".
func (h *HostInfo) Identd() string {
	if !h.idInit {
		h.idInit = true
		h.id = resolve.Ident(h.rip, h.rport, h.lip, h.lport, identdTimeout)
	}
	return h.id
}

func (h *HostInfo) fillTime() {
	if h.timeInit {
		return
	}
	h.timeInit = true
	now := h.deps.Now().Unix()
	n, _ := ipranges.StrToIP(h.rip)
	af, al := h.deps.IPTime.Touch(n, now)
	h.ftime = af
	h.ltime = al
}

// FirstTime returns how many seconds ago this remote address was first
// seen (0 for a fresh connection).
func (h *HostInfo) FirstTime() int64 {
	h.fillTime()
	return h.ftime
}

// LastTime returns how many seconds ago this remote address was
// previously seen, or nil for a fresh connection.
func (h *HostInfo) LastTime() *int64 {
	h.fillTime()
	return h.ltime
}

// AnswersOn probes host:port for a TCP connect, caching the result per
// port for this HostInfo's lifetime.
func (h *HostInfo) AnswersOn(port int) bool {
	if v, ok := h.answerCache[port]; ok {
		return v
	}
	v := resolve.AnswersOn(h.rip, port, connTimeout)
	h.answerCache[port] = v
	return v
}

// HostIPs forward-resolves name, caching the result for this
// HostInfo's lifetime.
func (h *HostInfo) HostIPs(name string) []string {
	if v, ok := h.lookupCache[name]; ok {
		return v
	}
	v := h.deps.Resolver.ForwardLookup(name)
	h.lookupCache[name] = v
	return v
}

// AddClass records cls as matched for this connection, if not already
// present (set semantics, insertion order preserved).
func (h *HostInfo) AddClass(cls string) {
	for _, c := range h.classes {
		if c == cls {
			return
		}
	}
	h.classes = append(h.classes, cls)
}

// Classes returns the classes matched so far, in insertion order.
func (h *HostInfo) Classes() []string { return h.classes }

// HasClass reports whether cls has already matched for this connection.
func (h *HostInfo) HasClass(cls string) bool {
	for _, c := range h.classes {
		if c == cls {
			return true
		}
	}
	return false
}

// Pretty formats a connection summary: "identd@hostname" or "identd@ip"
// if iponly or no verified hostname.
func (h *HostInfo) Pretty(ipOnly bool) string {
	pref := ""
	if h.id != "" {
		pref = h.id + "@"
	}
	if !ipOnly && h.rhn != "" {
		return pref + h.rhn
	}
	return pref + h.rip
}

// Info returns the flat key->string dictionary the template formatter
// uses, per spec.md §4.1.
func (h *HostInfo) Info() map[string]string {
	d := map[string]string{
		"ip":        h.rip,
		"remport":   strconv.Itoa(h.rport),
		"localip":   h.lip,
		"port":      strconv.Itoa(h.lport),
		"cr":        "\r",
		"nl":        "\n",
		"eol":       "\r\n",
		"connsum":   h.Pretty(false),
		"connipsum": h.Pretty(true),
	}
	if h.hnFilled {
		d["hnstatus"] = h.hnstate
	}
	if h.chn != "" {
		d["claimedhn"] = h.chn
	}
	if h.rhn == "" {
		d["hostname"] = h.rip
	} else {
		d["hostname"] = h.rhn
	}
	if h.id != "" {
		d["identd"] = h.id
	}
	if h.timeInit {
		d["seensince"] = fmt.Sprintf("%d", h.ftime)
		if h.ltime != nil {
			d["lastseen"] = fmt.Sprintf("%d", *h.ltime)
		}
	}
	return d
}

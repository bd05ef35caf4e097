// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resolve provides the two external-collaborator protocols the
// gatekeeper treats as black boxes at the dispatcher level, but
// implements for real here: reverse/forward DNS lookups (including
// DNSBL zone queries) and the identd client protocol.
package resolve

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver wraps a DNS client configured from the system resolver
// config, used for reverse lookups, forward lookups, and DNSBL zone
// queries.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// NewResolver builds a Resolver from /etc/resolv.conf (or the supplied
// servers, if non-empty).
func NewResolver(servers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if len(servers) == 0 {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range cfg.Servers {
				servers = append(servers, net.JoinHostPort(s, cfg.Port))
			}
		}
	}
	return &Resolver{
		client:  &dns.Client{Timeout: timeout},
		servers: servers,
	}
}

func (r *Resolver) exchange(msg *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, srv := range r.servers {
		resp, _, err := r.client.Exchange(msg, srv)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = net.ErrClosed
	}
	return nil, lastErr
}

// ReverseLookup returns the PTR name for ip, or "" if none resolves.
func (r *Resolver) ReverseLookup(ip string) string {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return ""
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	resp, err := r.exchange(msg)
	if err != nil || resp == nil {
		return ""
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}

// ForwardLookup returns all A-record addresses for name.
func (r *Resolver) ForwardLookup(name string) []string {
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	resp, err := r.exchange(msg)
	if err != nil || resp == nil {
		return nil
	}
	var ips []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}

// HostName looks up a forward/reverse-consistent name for ip, returning
// (status, claimedName) per spec.md §4.1: unknown | noforward |
// addrmismatch | good.
func (r *Resolver) HostName(ip string) (status, claimed string) {
	name := r.ReverseLookup(ip)
	if name == "" {
		return "unknown", ""
	}
	if isIPAddr(name) {
		return "noforward", name
	}
	ips := r.ForwardLookup(name)
	if len(ips) == 0 {
		return "noforward", name
	}
	for _, i := range ips {
		if i == ip {
			return "good", name
		}
	}
	return "addrmismatch", name
}

func isIPAddr(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// AnswersOn performs a connect-only probe against host:port, with a
// hard deadline. It never reads or writes data.
func AnswersOn(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipranges implements sets of IPv4 address ranges: literal
// addresses, CIDR netblocks, and explicit lo-hi ranges, merged into a
// sorted, non-overlapping run list and decomposable back into CIDRs.
package ipranges

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	gkerr "grimm.is/gatekeepd/internal/errors"
)

// span is an inclusive [lo, hi] range of 32-bit IPv4 addresses.
type span struct {
	lo, hi uint32
}

// Ranges is a sorted, non-overlapping, coalesced set of IPv4 address
// ranges. The zero value is an empty set.
type Ranges struct {
	spans []span
}

// New returns an empty Ranges, optionally seeded with val (see Add).
func New(val string) (*Ranges, error) {
	r := &Ranges{}
	if val == "" {
		return r, nil
	}
	if err := r.Add(val); err != nil {
		return nil, err
	}
	return r, nil
}

// StrToIP converts a full four-octet dotted-quad to its 32-bit numeric
// form. (Only the address part of a CIDR netblock given to Add may have
// 1-4 octets, trailing octets implied zero.)
func StrToIP(s string) (uint32, error) {
	return strToIP(s, 4)
}

func strToIP(s string, min int) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) > 4 || len(parts) < min {
		return 0, gkerr.New(gkerr.KindNBError, "invalid number of IP octets")
	}
	var res uint32
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, gkerr.New(gkerr.KindNBError, "invalid IP octet")
		}
		if v < 0 || v > 255 {
			return 0, gkerr.New(gkerr.KindNBError, "invalid IP octet")
		}
		res = (res << 8) | uint32(v)
	}
	res <<= uint(8 * (4 - len(parts)))
	return res, nil
}

func lenmask(length int) uint32 {
	if length == 0 {
		return 0
	}
	return ^uint32(0) << uint(32-length)
}

func cidrrange(addr uint32, length int) (uint32, uint32) {
	m := lenmask(length)
	lo := addr & m
	hi := lo + ^m
	return lo, hi
}

func convCIDR(s string, strict bool) (uint32, uint32, error) {
	pos := strings.IndexByte(s, '/')
	ip, err := strToIP(s[:pos], 1)
	if err != nil {
		return 0, 0, err
	}
	size, err := strconv.Atoi(s[pos+1:])
	if err != nil {
		return 0, 0, gkerr.New(gkerr.KindNBError, "invalid CIDR size")
	}
	if size < 0 || size > 32 {
		return 0, 0, gkerr.New(gkerr.KindNBError, "CIDR size not in 0 to 32")
	}
	lo, hi := cidrrange(ip, size)
	if strict && lo != ip {
		return 0, 0, gkerr.New(gkerr.KindBadCIDR, "CIDR start IP is not properly aligned: "+s)
	}
	return lo, hi, nil
}

func convRange(s string) (uint32, uint32, error) {
	pos := strings.IndexByte(s, '-')
	lo, err := strToIP(s[:pos], 4)
	if err != nil {
		return 0, 0, err
	}
	hi, err := strToIP(s[pos+1:], 4)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, gkerr.New(gkerr.KindNBError, "IP range has start larger than end")
	}
	return lo, hi, nil
}

func convert(s string, strict bool) (uint32, uint32, error) {
	switch {
	case strings.Contains(s, "/"):
		return convCIDR(s, strict)
	case strings.Contains(s, "-"):
		return convRange(s)
	default:
		ip, err := strToIP(s, 4)
		if err != nil {
			return 0, 0, err
		}
		return ip, ip, nil
	}
}

// Add parses val as an IP address, a CIDR netblock, or a "lo-hi" range,
// and merges it into the set.
func (r *Ranges) Add(val string) error {
	lo, hi, err := convert(val, true)
	if err != nil {
		return err
	}
	r.addRange(lo, hi)
	return nil
}

// AddOddCIDR is like Add, but permits a misaligned CIDR (e.g. 10.0.0.5/24).
func (r *Ranges) AddOddCIDR(val string) error {
	lo, hi, err := convert(val, false)
	if err != nil {
		return err
	}
	r.addRange(lo, hi)
	return nil
}

func (r *Ranges) addRange(lo, hi uint32) {
	r.spans = append(r.spans, span{lo, hi})
	sort.Slice(r.spans, func(i, j int) bool { return r.spans[i].lo < r.spans[j].lo })
	merged := r.spans[:0]
	for _, s := range r.spans {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if s.lo <= last.hi+1 || s.lo <= last.hi {
				if s.hi > last.hi {
					last.hi = s.hi
				}
				continue
			}
		}
		merged = append(merged, s)
	}
	r.spans = merged
}

// Contains reports whether ip (dotted-quad string) falls in the set.
func (r *Ranges) Contains(ip string) bool {
	n, err := StrToIP(ip)
	if err != nil {
		return false
	}
	return r.ContainsInt(n)
}

// ContainsInt is Contains for an already-parsed 32-bit address.
func (r *Ranges) ContainsInt(ip uint32) bool {
	i := sort.Search(len(r.spans), func(i int) bool { return r.spans[i].hi >= ip })
	return i < len(r.spans) && r.spans[i].lo <= ip
}

func octet(ip uint32, n int) uint32 {
	s := uint((3 - n) * 8)
	return (ip >> s) & 0xff
}

func ipStr(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", octet(ip, 0), octet(ip, 1), octet(ip, 2), octet(ip, 3))
}

func fmaxlen(ip uint32) int {
	if ip == 0 {
		return 0
	}
	for i := 0; i < 33; i++ {
		if ip&(1<<uint(i)) != 0 {
			return 32 - i
		}
	}
	return 0
}

// ToCIDRs decomposes the set into the minimal list of CIDR strings that
// exactly cover it, via greedy largest-block-first matching.
func (r *Ranges) ToCIDRs() []string {
	var out []string
	for _, s := range r.spans {
		lip := s.lo
		for lip <= s.hi {
			lb := fmaxlen(lip)
			var lt, ht uint32
			for lb <= 32 {
				lt, ht = cidrrange(lip, lb)
				if lt == lip && ht <= s.hi {
					break
				}
				lb++
			}
			if lb == 32 {
				out = append(out, ipStr(lip))
			} else {
				out = append(out, fmt.Sprintf("%s/%d", ipStr(lip), lb))
			}
			if ht == ^uint32(0) {
				break
			}
			lip = ht + 1
		}
	}
	return out
}

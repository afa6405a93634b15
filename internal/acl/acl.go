// Package acl classifies peer addresses against allow/block CIDR sets.
package acl

import (
	"fmt"
	"net"
	"net/netip"
)

// Decision is the outcome of classifying a peer address.
type Decision int

const (
	Admit Decision = iota
	Reject
)

// cidr is a compiled, pre-masked rule: len(addr) == len(mask) == 4 or 16.
type cidr struct {
	addr []byte
	mask []byte
}

// CompiledSet holds one compiled rule list, used as either the allow or the
// block set (v4 and v6 rules may coexist; matching simply skips rules whose
// byte length doesn't match the candidate's).
type CompiledSet struct {
	rules []cidr
}

// Compile parses a list of textual CIDRs (e.g. "10.0.0.0/8",
// "2001:db8::/32") into a CompiledSet. Malformed addresses or out-of-range
// prefixes are fatal, per SPEC_FULL.md 4.A ("Errors: malformed address or
// out-of-range prefix are fatal at startup").
func Compile(rawCIDRs []string) (CompiledSet, error) {
	out := CompiledSet{rules: make([]cidr, 0, len(rawCIDRs))}
	for _, raw := range rawCIDRs {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return CompiledSet{}, fmt.Errorf("acl: invalid CIDR %q: %w", raw, err)
		}
		addr := prefix.Addr()
		bits := prefix.Bits()
		if bits < 0 {
			return CompiledSet{}, fmt.Errorf("acl: invalid prefix length in %q", raw)
		}
		raw16 := addr.As16()
		var full []byte
		if addr.Is4() {
			a4 := addr.As4()
			full = a4[:]
		} else {
			full = raw16[:]
		}
		mask := net.CIDRMask(bits, len(full)*8)
		masked := make([]byte, len(full))
		for i := range full {
			masked[i] = full[i] & mask[i]
		}
		out.rules = append(out.rules, cidr{addr: masked, mask: mask})
	}
	return out, nil
}

// addrBytes returns the big-endian byte representation of addr in its
// native family (4 bytes for v4, 16 for v6), matching how Compile stores
// rules.
func addrBytes(addr netip.Addr) []byte {
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.As4()
		return a4[:]
	}
	a16 := addr.As16()
	return a16[:]
}

// Match reports whether peer matches any rule in the set, per the
// data-model equality: len(peer)==len(rule) && peer&mask==rule.
func (s CompiledSet) Match(peer netip.Addr) bool {
	pb := addrBytes(peer)
	for _, r := range s.rules {
		if len(pb) != len(r.addr) {
			continue
		}
		match := true
		for i := range pb {
			if pb[i]&r.mask[i] != r.addr[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no rules.
func (s CompiledSet) Empty() bool { return len(s.rules) == 0 }

// Classify implements the admit/reject policy from SPEC_FULL.md 3:
// block wins outright; otherwise a non-empty allow set must match.
func Classify(peer netip.Addr, allow, block CompiledSet) Decision {
	if block.Match(peer) {
		return Reject
	}
	if !allow.Empty() && !allow.Match(peer) {
		return Reject
	}
	return Admit
}

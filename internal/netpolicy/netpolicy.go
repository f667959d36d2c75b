// Package netpolicy implements CIDR parsing and membership testing for
// allow_nets (spec §4.I, component I).
package netpolicy

import (
	"errors"
	"strings"

	"net/netip"
)

// ErrParse is returned by Parse when a token is not a valid
// CIDR/IPv4/IPv6 literal, so callers can log once and skip it (spec §4.I:
// "On parse failure return a distinct value so the caller can log once and
// skip").
var ErrParse = errors.New("netpolicy: invalid network token")

// Parse accepts a bare IPv4/IPv6 address (treated as a /32 or /128 host
// network) or a CIDR literal, returning the resulting prefix.
func Parse(token string) (netip.Prefix, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return netip.Prefix{}, ErrParse
	}
	if strings.Contains(token, "/") {
		p, err := netip.ParsePrefix(token)
		if err != nil {
			return netip.Prefix{}, ErrParse
		}
		return p, nil
	}
	addr, err := netip.ParseAddr(token)
	if err != nil {
		return netip.Prefix{}, ErrParse
	}
	bits := 32
	if addr.Is6() && !addr.Is4In6() {
		bits = 128
	}
	return netip.PrefixFrom(addr, bits), nil
}

// Contains reports whether ip falls within network. A parse failure on
// either side, or a family mismatch (IPv4 network vs IPv6 address or vice
// versa), is reported as false rather than an error: membership testing is
// a boolean predicate on the wire (spec §4.I: "Mixed-family compare
// returns false").
func Contains(network netip.Prefix, ip netip.Addr) bool {
	if !network.IsValid() || !ip.IsValid() {
		return false
	}
	// Normalize both sides to avoid a 4-in-6 vs pure-4 mismatch being
	// treated as a family mismatch.
	na := network.Addr()
	if na.Is4In6() {
		na = na.Unmap()
	}
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	if na.Is4() != ip.Is4() {
		return false
	}
	network = netip.PrefixFrom(na, network.Bits())
	return network.Contains(ip)
}

// InAnyNetwork reports whether ip matches at least one of the CIDR tokens
// in list, which is typically the allow_nets extra field's comma or
// space-separated value.
func InAnyNetwork(list []string, ip netip.Addr) bool {
	for _, tok := range list {
		network, err := Parse(tok)
		if err != nil {
			continue
		}
		if Contains(network, ip) {
			return true
		}
	}
	return false
}

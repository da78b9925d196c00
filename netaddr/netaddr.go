// Package netaddr converts between netip.Addr/AddrPort and the
// embedded stack's native tcpip.Address, preserving bit identity in
// both directions.
package netaddr

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// DualStackPolicy controls how a dual-stack (IPv4-mapped-IPv6) address
// is decoded by ToAddrPort. RejectMapped is the conservative default;
// DecodeMapped is the opt-in alternative for callers that want mapped
// addresses unwrapped rather than rejected.
type DualStackPolicy int

const (
	// RejectMapped treats a mapped v4-in-v6 address as malformed: it
	// maps to the unspecified IPv4 address.
	RejectMapped DualStackPolicy = iota
	// DecodeMapped unwraps the mapped v4 address instead of rejecting it.
	DecodeMapped
)

// ToAddrPort converts a stack-native address and port into a
// netip.AddrPort. It never fails: a malformed or unsupported address
// family is reported via logf and mapped to the unspecified IPv4
// address.
//
// tcpip.Address itself carries no zone: gVisor resolves a link-local
// peer unambiguously because every endpoint already belongs to exactly
// one NIC, so the zone is implicit in which stack you're asking. zone
// restores that implicit identity explicitly once the address leaves
// the stack's world for the caller's: it is applied, via
// netip.Addr.WithZone, only when the decoded address is itself
// link-local (unicast or multicast) — a global address never gets a
// zone suffix, matching how the platform's own resolver behaves. This
// makes ToAddrPort/ToTCPIPAddress a true round trip for link-local
// peers as long as every call passes the same NIC's zone identity, not
// a literal wire-format zone, since the wire format has none.
func ToAddrPort(addr tcpip.Address, port uint16, policy DualStackPolicy, zone string, logf func(string, ...any)) netip.AddrPort {
	ip, ok := fromTCPIPAddress(addr, policy)
	if !ok {
		if logf != nil {
			logf("netaddr: malformed address %v, mapping to unspecified v4", addr)
		}
		ip = netip.IPv4Unspecified()
	}
	if zone != "" && (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) {
		ip = ip.WithZone(zone)
	}
	return netip.AddrPortFrom(ip, port)
}

func fromTCPIPAddress(addr tcpip.Address, policy DualStackPolicy) (netip.Addr, bool) {
	switch addr.Len() {
	case 4:
		b := addr.As4()
		return netip.AddrFrom4(b), true
	case 16:
		b := addr.As16()
		ip := netip.AddrFrom16(b)
		if ip.Is4In6() {
			switch policy {
			case DecodeMapped:
				return ip.Unmap(), true
			default:
				return netip.Addr{}, false
			}
		}
		return ip, true
	default:
		return netip.Addr{}, false
	}
}

// ToTCPIPAddress converts a netip.Addr into the stack's native address
// representation, the inverse of fromTCPIPAddress. Zone information
// (for v6 link-local addresses) is not representable in tcpip.Address
// and is dropped here: the stack has exactly one NIC, so the zone is
// reattached on the way back out by ToAddrPort instead of carried
// through the wire representation.
func ToTCPIPAddress(ip netip.Addr) tcpip.Address {
	if ip.Is4() {
		b := ip.As4()
		return tcpip.AddrFromSlice(b[:])
	}
	b := ip.As16()
	return tcpip.AddrFromSlice(b[:])
}

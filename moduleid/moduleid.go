// Package moduleid defines the stable module identity enumeration used to
// address frames on the switch fabric. Every protocol module, the switch
// itself, and the socket handler are addressed by one of these ids; they are
// small enough to travel as the destination list of a frame with no
// allocation.
package moduleid

import "strconv"

// ID is an 8-bit stable module identifier used as a queue address.
type ID uint8

// The fixed set of module identities. Values are deliberately chosen to match
// a real deployed FINS-style daemon's module numbering so that diagnostic
// dumps and control-frame traces read the same across restarts and versions.
const (
	Switch   ID = 0
	Ethernet ID = 11
	IPv4     ID = 22
	TCP      ID = 33
	UDP      ID = 44
	Socket   ID = 55
	ARP      ID = 66
	ICMP     ID = 77
	RTM      ID = 88
)

func (id ID) String() string {
	switch id {
	case Switch:
		return "switch"
	case Ethernet:
		return "ethernet"
	case IPv4:
		return "ipv4"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case Socket:
		return "socket"
	case ARP:
		return "arp"
	case ICMP:
		return "icmp"
	case RTM:
		return "rtm"
	default:
		return "moduleid(" + strconv.FormatUint(uint64(id), 10) + ")"
	}
}

// Valid reports whether id names one of the fixed module identities.
func (id ID) Valid() bool {
	switch id {
	case Switch, Ethernet, IPv4, TCP, UDP, Socket, ARP, ICMP, RTM:
		return true
	default:
		return false
	}
}

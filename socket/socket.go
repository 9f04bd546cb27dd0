// Package socket is the fabric's socket handler (SPEC_FULL.md §4.6): the
// logical-socket table an intercepted client's system calls are translated
// against, plus the inbound demultiplexer that decides which logical socket
// a frame arriving from the switch belongs to.
//
// No teacher package plays this role directly (soypat/lneto is a
// library/ethernet-only tree with no client-facing socket layer), so this
// package is new, modeled on the teacher's own module conventions seen
// throughout the rest of the fabric: a small struct guarding its state with
// an explicit mutex (arp.Module's cache, tcp.Module's listeners/conns), and
// a table-wide lock held only long enough to hand out a stable per-entry
// pointer (ipv4.RouteTable's read-mostly contract, generalized here to a
// socket table per SPEC_FULL.md §5's "Shared-resource policy" clause).
// The opcode table and the match-then-filter demux ordering are grounded on
// original_source/socketdaemon/core.c's interceptor_to_jinni() and
// Switch_to_Jinni() (see DESIGN.md and REDESIGN FLAG (c) in SPEC_FULL.md §9).
package socket

import (
	"net/netip"
	"sync"
)

// ID is a fabric-assigned logical socket identifier, handed back to the
// intercepted client in place of a real kernel file descriptor.
type ID uint32

// Proto identifies which transport module a logical socket's frames travel
// through.
type Proto uint8

const (
	ProtoUDP Proto = iota
	ProtoTCP
	ProtoICMP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoICMP:
		return "icmp"
	default:
		return "udp"
	}
}

// State is a logical socket's call-visible lifecycle stage.
type State uint8

const (
	StateUnbound State = iota
	StateBound
	StateConnected
	StateListening
	StateClosed
)

// ShutHow mirrors POSIX shutdown(2)'s how argument.
type ShutHow uint8

const (
	ShutRd ShutHow = iota
	ShutWr
	ShutRdwr
)

// Opt is an option key in the small per-socket option store. Unknown keys
// are accepted by SetSockOpt/GetSockOpt as a success no-op, per SPEC_FULL.md's
// getsockopt/setsockopt row: a real intercepted client often probes options
// (SO_REUSEADDR, SO_KEEPALIVE, ...) this skeleton attaches no behavior to.
type Opt string

// datagram is one queued unit of application data awaiting a recv call,
// tagged with the peer it arrived from.
type datagram struct {
	payload []byte
	srcAddr netip.Addr
	srcPort uint16
}

// acceptResult is what tcp.Module's unsolicited "accepted" alert resolves a
// blocked Accept call to.
type acceptResult struct {
	remoteAddr netip.Addr
	remotePort uint16
}

// sock is the fabric-side representation of one intercepted client socket
// (the GLOSSARY's "Logical socket"). recvAddr/recvq queueing plays the role
// core.c's per-socket finsQueue did, generalized to an in-process channel
// since there is no second OS process reading it.
type sock struct {
	mu sync.Mutex

	id    ID
	proto Proto
	owner uint32 // opaque client identity, used by Module.CloseOwner
	state State

	localAddr  netip.Addr
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16

	shutRd, shutWr bool

	recvq    chan datagram
	leftover []byte // unread remainder of the last TCP recv, never used for UDP/ICMP

	// acceptc is non-nil only while state == StateListening: tcp.Module's
	// notifyAccepted delivers the established peer's tuple here.
	acceptc chan acceptResult

	opts map[Opt]int32
}

// Table is the socket table SPEC_FULL.md §4.6/§5 describes: read-mostly,
// guarded by a table-wide mutex for structural changes (create/remove,
// bind-conflict scans, inbound-frame lookups), with all other operations
// taking only the resolved socket's own mutex.
type Table struct {
	mu     sync.Mutex
	nextID ID
	byID   map[ID]*sock
}

func newTable() *Table {
	return &Table{byID: make(map[ID]*sock, 16)}
}

func (t *Table) create(proto Proto, owner uint32) *sock {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	s := &sock{
		id:    t.nextID,
		proto: proto,
		owner: owner,
		state: StateUnbound,
		recvq: make(chan datagram, 64),
	}
	t.byID[s.id] = s
	return s
}

func (t *Table) get(id ID) (*sock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

func (t *Table) remove(id ID) {
	t.mu.Lock()
	delete(t.byID, id)
	t.mu.Unlock()
}

func (t *Table) idsOwnedBy(owner uint32) []ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []ID
	for id, s := range t.byID {
		s.mu.Lock()
		match := s.owner == owner
		s.mu.Unlock()
		if match {
			ids = append(ids, id)
		}
	}
	return ids
}

// bindConflict reports whether addr/port is already claimed on proto by a
// socket other than except, per the bind invariant in SPEC_FULL.md §8: "no
// other socket in the same protocol is bound to the same (address, port);
// wildcard-bound sockets are permitted only when no specific bind exists."
func (t *Table) bindConflict(proto Proto, addr netip.Addr, port uint16, except ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.byID {
		if id == except || s.proto != proto {
			continue
		}
		s.mu.Lock()
		bound := s.state != StateUnbound && s.state != StateClosed &&
			s.localPort == port &&
			(s.localAddr == addr || isWildcard(addr))
		s.mu.Unlock()
		if bound {
			return true
		}
	}
	return false
}

// isWildcard reports whether addr is the INADDR_ANY sentinel a bind(2) to
// "0.0.0.0" (or an unset Addr, before any bind at all) produces.
func isWildcard(addr netip.Addr) bool {
	return !addr.IsValid() || addr == netip.IPv4Unspecified()
}

// lookup implements SPEC_FULL.md §4.6's inbound demultiplexing rule: for
// ICMP, match by local address and protocol only; for UDP/TCP, match by
// (local port, local address, protocol), preferring an exact local-address
// match over a wildcard bind. The scan that resolves the candidate always
// runs to completion before the connected-peer filter below reads its
// result — see REDESIGN FLAG (c) in SPEC_FULL.md §9, which this ordering
// exists to satisfy.
func (t *Table) lookup(proto Proto, localAddr, remoteAddr netip.Addr, localPort, remotePort uint16) (*sock, bool) {
	t.mu.Lock()
	var exact, wildcard *sock
	for _, s := range t.byID {
		s.mu.Lock()
		proto2, state, sLocalAddr, sLocalPort := s.proto, s.state, s.localAddr, s.localPort
		s.mu.Unlock()
		if proto2 != proto || state == StateUnbound || state == StateClosed {
			continue
		}
		if proto != ProtoICMP && sLocalPort != localPort {
			continue
		}
		switch {
		case sLocalAddr == localAddr:
			exact = s
		case isWildcard(sLocalAddr) && wildcard == nil:
			wildcard = s
		}
	}
	t.mu.Unlock()

	cand := exact
	if cand == nil {
		cand = wildcard
	}
	if cand == nil {
		return nil, false
	}

	cand.mu.Lock()
	connected := cand.state == StateConnected
	peerAddr, peerPort := cand.remoteAddr, cand.remotePort
	cand.mu.Unlock()
	if connected && proto != ProtoICMP && (peerAddr != remoteAddr || peerPort != remotePort) {
		return nil, false // a connected socket receiving from any other peer is dropped
	}
	return cand, true
}

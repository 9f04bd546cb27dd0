package socket

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/finswire/fins"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
)

var (
	ErrClosed       = errors.New("socket: closed")
	ErrNotFound     = errors.New("socket: no such socket")
	ErrAlreadyBound = errors.New("socket: address already in use")
	ErrAlreadyOpen  = errors.New("socket: already bound or connected")
	ErrWouldBlock   = errors.New("socket: would block")
	ErrNotListening = errors.New("socket: not listening")
	ErrNotConnected = errors.New("socket: not connected")
	ErrWrongProto   = errors.New("socket: operation not supported for this socket's protocol")
	ErrRefused      = errors.New("socket: call refused by transport module")
)

// Module is the socket handler of SPEC_FULL.md §4.6: it owns the logical
// socket Table, brokers listen/connect/close rendezvous with tcp.Module over
// control frames, and demultiplexes inbound data frames arriving from the
// switch (ICMP's forwarded echo replies, plus anything else addressed to
// moduleid.Socket) to the socket they belong to. UDP and TCP deliver
// directly through the UDPDemux/TCPDemux adapters below rather than through
// this ingress loop, an in-process shortcut already used by udp.Module and
// tcp.Module's own Demux interfaces.
type Module struct {
	pair      queue.Pair
	table     *Table
	log       *obslog.Logger
	localAddr netip.Addr

	serial    uint64
	ephemeral uint32

	mu        sync.Mutex
	pending   map[uint64]chan fins.Frame
	accepting map[uint16]chan acceptResult
}

// NewModule constructs a Module. localAddr is used as the source address for
// sockets that send without having bound a specific local address.
func NewModule(localAddr netip.Addr, pair queue.Pair, log *obslog.Logger) *Module {
	return &Module{
		pair:      pair,
		table:     newTable(),
		log:       log,
		localAddr: localAddr,
		pending:   make(map[uint64]chan fins.Frame),
		accepting: make(map[uint16]chan acceptResult),
	}
}

// Run drains the module's ingress queue until ctx is cancelled or the queue
// closes: data frames are ICMP (or other non-UDP/TCP) deliveries forwarded
// by the switch; control frames are TCP's listen/connect/close replies and
// its unsolicited "accepted" alert.
func (m *Module) Run(ctx context.Context) error {
	for {
		f, err := m.pair.Ingress.Dequeue(ctx)
		if err != nil {
			return err
		}
		switch f.Kind {
		case fins.KindData:
			if f.Dir == fins.Up {
				m.handleDataIngress(f)
			}
		case fins.KindControl:
			m.handleControl(f)
		}
	}
}

func (m *Module) handleDataIngress(f fins.Frame) {
	protoV, _ := f.Metadata.U32(fins.KeyProtocol)
	srcU32, _ := f.Metadata.U32(fins.KeyIPSrc)
	dstU32, _ := f.Metadata.U32(fins.KeyIPDst)
	proto := ProtoICMP
	if fins.IPProto(protoV) == fins.IPProtoUDP {
		proto = ProtoUDP
	} else if fins.IPProto(protoV) == fins.IPProtoTCP {
		proto = ProtoTCP
	}
	m.deliver(proto, addrFromU32(dstU32), addrFromU32(srcU32), 0, 0, append([]byte(nil), f.PDU...))
}

func (m *Module) handleControl(f fins.Frame) {
	switch f.Op {
	case fins.OpExecReply:
		m.mu.Lock()
		ch, ok := m.pending[f.Serial]
		if ok {
			delete(m.pending, f.Serial)
		}
		m.mu.Unlock()
		if ok {
			ch <- f
		}
	case fins.OpAlert:
		if f.Name == "accepted" {
			m.handleAccepted(f)
		}
	}
}

// handleAccepted resolves a blocked Accept call once tcp.Module promotes a
// listener's Handler to an established connection (tcp.Module.notifyAccepted).
func (m *Module) handleAccepted(f fins.Frame) {
	if len(f.Data) < 8 {
		return
	}
	localPort := binary.BigEndian.Uint16(f.Data[0:2])
	remotePort := binary.BigEndian.Uint16(f.Data[2:4])
	remoteAddr := addrFromU32(binary.BigEndian.Uint32(f.Data[4:8]))
	m.mu.Lock()
	ch, ok := m.accepting[localPort]
	m.mu.Unlock()
	if ok {
		select {
		case ch <- acceptResult{remoteAddr: remoteAddr, remotePort: remotePort}:
		default:
		}
	}
}

// deliver implements the receiving half of UDPDemux/TCPDemux and the ICMP
// ingress path: resolve the owning socket via Table.lookup, then push the
// payload onto its data queue (dropping the oldest entry if the bounded
// queue is full, a producer never blocks a protocol module's dispatch loop
// on a slow reader).
func (m *Module) deliver(proto Proto, localAddr, remoteAddr netip.Addr, localPort, remotePort uint16, payload []byte) bool {
	s, ok := m.table.lookup(proto, localAddr, remoteAddr, localPort, remotePort)
	if !ok {
		return false
	}
	s.mu.Lock()
	shutRd := s.shutRd
	recvq := s.recvq
	s.mu.Unlock()
	if shutRd {
		return true // matched, but reads are shut down: the frame is accounted for and dropped
	}
	d := datagram{payload: payload, srcAddr: remoteAddr, srcPort: remotePort}
	select {
	case recvq <- d:
	default:
		select {
		case <-recvq:
		default:
		}
		select {
		case recvq <- d:
		default:
		}
	}
	return true
}

// UDPDemux adapts Module to udp.Demux (github.com/finswire/fins/udp)
// without this package importing udp: the two interfaces' Deliver methods
// have an identical signature, so UDPDemux satisfies udp.Demux structurally.
type UDPDemux struct{ M *Module }

func (d UDPDemux) Deliver(localPort uint16, localAddr, remoteAddr netip.Addr, remotePort uint16, payload []byte) bool {
	return d.M.deliver(ProtoUDP, localAddr, remoteAddr, localPort, remotePort, payload)
}

// TCPDemux adapts Module to tcp.Demux (github.com/finswire/fins/tcp), the
// same way UDPDemux adapts it to udp.Demux.
type TCPDemux struct{ M *Module }

func (d TCPDemux) Deliver(localPort uint16, localAddr, remoteAddr netip.Addr, remotePort uint16, payload []byte) bool {
	return d.M.deliver(ProtoTCP, localAddr, remoteAddr, localPort, remotePort, payload)
}

func (p Proto) fabricProto() fins.IPProto {
	switch p {
	case ProtoTCP:
		return fins.IPProtoTCP
	case ProtoICMP:
		return fins.IPProtoICMP
	default:
		return fins.IPProtoUDP
	}
}

func (p Proto) moduleID() moduleid.ID {
	switch p {
	case ProtoTCP:
		return moduleid.TCP
	case ProtoICMP:
		return moduleid.ICMP
	default:
		return moduleid.UDP
	}
}

func (m *Module) nextEphemeralPort() uint16 {
	n := atomic.AddUint32(&m.ephemeral, 1)
	return uint16(49152 + (n % 16384))
}

func drainDatagramQueue(q chan datagram) {
	for {
		select {
		case <-q:
		default:
			return
		}
	}
}

func addrFromU32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func u32FromAddr(a netip.Addr) uint32 {
	if !a.IsValid() {
		return 0
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

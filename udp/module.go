package udp

import (
	"context"
	"net/netip"

	"github.com/finswire/fins"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
)

// Demux is satisfied by the socket package: it looks up the socket bound to
// localPort (filtering further on the remote address/port for a connected
// socket) and, if one matches, queues the datagram for that socket's reader.
// It reports whether a socket matched so the module can ask ICMP to emit a
// port-unreachable message when nothing is listening, per SPEC_FULL.md's
// match-then-filter demux ordering (REDESIGN FLAG (c) in SPEC_FULL.md §9).
type Demux interface {
	Deliver(localPort uint16, localAddr netip.Addr, remoteAddr netip.Addr, remotePort uint16, payload []byte) bool
}

// Module builds and parses UDP datagrams, computing the IPv4 pseudo-header
// checksum, and demultiplexes inbound datagrams to the bound socket via
// Demux.
type Module struct {
	pair  queue.Pair
	demux Demux
	log   *obslog.Logger
}

// NewModule constructs a Module. demux may be nil during standalone testing,
// in which case every inbound datagram is treated as port-unreachable.
func NewModule(pair queue.Pair, demux Demux, log *obslog.Logger) *Module {
	return &Module{pair: pair, demux: demux, log: log}
}

// Run drains the module's ingress queue until ctx is cancelled or the queue
// closes.
func (m *Module) Run(ctx context.Context) error {
	for {
		f, err := m.pair.Ingress.Dequeue(ctx)
		if err != nil {
			return err
		}
		switch f.Dir {
		case fins.Up:
			m.handleIngress(ctx, f)
		case fins.Down:
			m.handleEgress(ctx, f)
		}
	}
}

// handleIngress parses a datagram delivered by IPv4 and routes it to the
// bound socket, or asks ICMP to synthesize a port-unreachable message when
// no socket is bound to the destination port.
func (m *Module) handleIngress(ctx context.Context, f fins.Frame) {
	ufrm, err := NewFrame(f.PDU)
	if err != nil {
		if m.log != nil {
			m.log.Debug("udp: short datagram", "err", err)
		}
		return
	}
	var v fins.Validator
	ufrm.ValidateSize(&v)
	if v.Err() != nil {
		if m.log != nil {
			m.log.Debug("udp: invalid length field", "err", v.Err())
		}
		return
	}

	srcU32, _ := f.Metadata.U32(fins.KeyIPSrc)
	dstU32, _ := f.Metadata.U32(fins.KeyIPDst)
	srcAddr := addrFromU32(srcU32)
	dstAddr := addrFromU32(dstU32)
	payload := append([]byte(nil), ufrm.Payload()...)

	delivered := m.demux != nil && m.demux.Deliver(ufrm.DestinationPort(), dstAddr, srcAddr, ufrm.SourcePort(), payload)
	if !delivered {
		m.emitPortUnreachable(ctx, f)
	}
}

// emitPortUnreachable asks the ICMP module to synthesize a destination
// unreachable (port unreachable) message addressed back at the sender, per
// SPEC_FULL.md §4.5's outbound error generation paragraph.
func (m *Module) emitPortUnreachable(ctx context.Context, f fins.Frame) {
	ctrl := fins.NewControlFrame(moduleid.UDP, fins.OpError, 0, "DUportunreach", f.PDU, moduleid.ICMP)
	_ = m.pair.Egress.Enqueue(ctx, ctrl)
}

// handleEgress builds a UDP datagram from a payload handed down by the
// socket layer, computes the pseudo-header checksum, and forwards it to
// IPv4 for routing and fragmentation.
func (m *Module) handleEgress(ctx context.Context, f fins.Frame) {
	srcPort, _ := f.Metadata.U32(fins.KeyPortSrc)
	dstPort, _ := f.Metadata.U32(fins.KeyPortDst)
	srcU32, _ := f.Metadata.U32(fins.KeyIPSrc)
	dstU32, _ := f.Metadata.U32(fins.KeyIPDst)

	buf := make([]byte, sizeHeader+len(f.PDU))
	ufrm, err := NewFrame(buf)
	if err != nil {
		if m.log != nil {
			m.log.Debug("udp: egress payload too large to frame", "err", err)
		}
		return
	}
	ufrm.SetSourcePort(uint16(srcPort))
	ufrm.SetDestinationPort(uint16(dstPort))
	ufrm.SetLength(uint16(len(buf)))
	copy(ufrm.Payload(), f.PDU)

	ufrm.SetCRC(0)
	var crc fins.CRC791
	writeIPv4PseudoHeader(&crc, srcU32, dstU32, fins.IPProtoUDP)
	crc.AddUint16(ufrm.Length())
	crc.Write(buf)
	sum := crc.Sum16()
	if sum == 0 {
		sum = 0xffff // RFC 768: an all-zero computed checksum is sent as all-ones.
	}
	ufrm.SetCRC(sum)

	meta := f.Metadata.Clone()
	meta.SetU32(fins.KeyProtocol, uint32(fins.IPProtoUDP))
	out := fins.NewDataFrame(fins.Down, buf, meta, moduleid.IPv4)
	_ = m.pair.Egress.Enqueue(ctx, out)
}

func addrFromU32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// writeIPv4PseudoHeader writes the IPv4 pseudo-header (source, destination,
// protocol) directly from metadata-carried addresses, mirroring
// [ipv4.Frame.CRCWriteUDPPseudo] without requiring a parsed IPv4 frame —
// egress datagrams are checksummed before the IPv4 header has been built.
func writeIPv4PseudoHeader(crc *fins.CRC791, srcU32, dstU32 uint32, proto fins.IPProto) {
	src := addrFromU32(srcU32).As4()
	dst := addrFromU32(dstU32).As4()
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint16(uint16(proto))
}

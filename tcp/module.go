package tcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/finswire/fins"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
)

// Config carries the parameters used to size and address connections
// accepted or opened by a Module.
type Config struct {
	LocalAddr netip.Addr
	RxBufSize int
	TxBufSize int
	TxPackets int
}

// Demux is satisfied by the socket package, mirroring udp.Demux: once a
// segment's payload has been admitted into a connection's receive buffer,
// Module drains it straight back out and pushes it to whichever logical
// socket owns that connection, the same push-delivery shape UDP uses rather
// than exposing Handler's ring buffer for a socket to poll.
type Demux interface {
	Deliver(localPort uint16, localAddr netip.Addr, remoteAddr netip.Addr, remotePort uint16, payload []byte) bool
}

const maxSegmentBuild = sizeHeaderTCP + 40 + 1460

type connKey struct {
	remoteAddr netip.Addr
	remotePort uint16
	localPort  uint16
}

// endpoint pairs a Handler state machine with the remote address it talks
// to; Handler itself only tracks ports (see Handler.RemotePort), the address
// is IP-layer information the Module keeps on its behalf. Handler has no
// internal synchronization of its own, so every access to h goes through mu:
// the main dispatch loop reaches it via handleIngress/handleEgress/execConnect
// while pollLoop reaches it concurrently via drainEndpoint.
type endpoint struct {
	mu         sync.Mutex
	h          Handler
	remoteAddr netip.Addr
}

// Module bridges the frame fabric to the teacher-kept Handler/ControlBlock
// state machine: one Handler per listening port and one per accepted or
// actively opened connection. It is the skeleton TCP module described by
// SPEC_FULL.md's module-identity table — a single-connection-per-listener
// simplification consistent with Handler's own one-state-machine design,
// not a full TCP stack (a complete TCP implementation is an explicit
// Non-goal).
type Module struct {
	cfg   Config
	pair  queue.Pair
	demux Demux
	log   *obslog.Logger

	mu        sync.Mutex
	listeners map[uint16]*endpoint
	conns     map[connKey]*endpoint
	cookies   SYNCookieJar
	rst       RSTQueue
}

// NewModule constructs a Module with the given configuration. demux may be
// nil during standalone testing, in which case received application data is
// buffered in the Handler and never delivered anywhere.
func NewModule(cfg Config, pair queue.Pair, demux Demux, log *obslog.Logger) *Module {
	if cfg.RxBufSize == 0 {
		cfg.RxBufSize = 4096
	}
	if cfg.TxBufSize == 0 {
		cfg.TxBufSize = 4096
	}
	if cfg.TxPackets == 0 {
		cfg.TxPackets = 8
	}
	m := &Module{
		cfg:       cfg,
		pair:      pair,
		demux:     demux,
		log:       log,
		listeners: make(map[uint16]*endpoint),
		conns:     make(map[connKey]*endpoint),
	}
	_ = m.cookies.Reset(SYNCookieConfig{Rand: rand.Reader})
	return m
}

// Run drains the module's ingress queue and polls established connections
// for pending outbound segments, until ctx is cancelled or the queue closes.
func (m *Module) Run(ctx context.Context) error {
	go m.pollLoop(ctx)
	for {
		f, err := m.pair.Ingress.Dequeue(ctx)
		if err != nil {
			return err
		}
		switch f.Kind {
		case fins.KindData:
			if f.Dir == fins.Up {
				m.handleIngress(ctx, f)
			} else {
				m.handleEgress(ctx, f)
			}
		case fins.KindControl:
			m.handleControl(ctx, f)
		}
	}
}

// pollLoop periodically drains every live Handler's pending outbound
// segments and any queued stateless RSTs, mirroring ipv4.Module's reapLoop
// shape (a ticker-driven background goroutine alongside the main dispatch
// loop) since TCP's retransmission/handshake timers have no frame of their
// own to ride in on.
func (m *Module) pollLoop(ctx context.Context) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.drainPending(ctx)
		}
	}
}

func (m *Module) drainPending(ctx context.Context) {
	m.mu.Lock()
	eps := make([]*endpoint, 0, len(m.conns)+len(m.listeners))
	for _, ep := range m.conns {
		eps = append(eps, ep)
	}
	for _, ep := range m.listeners {
		eps = append(eps, ep)
	}
	m.mu.Unlock()

	for _, ep := range eps {
		m.drainEndpoint(ctx, ep)
	}
	for {
		m.mu.Lock()
		entry, ok := m.rst.Take()
		m.mu.Unlock()
		if !ok {
			return
		}
		m.sendRST(ctx, entry)
	}
}

func (m *Module) drainEndpoint(ctx context.Context, ep *endpoint) {
	for {
		ep.mu.Lock()
		buf := make([]byte, maxSegmentBuild)
		n, err := ep.h.Send(buf)
		localPort, remotePort := ep.h.LocalPort(), ep.h.RemotePort()
		remoteAddr := ep.remoteAddr
		ep.mu.Unlock()
		if err != nil || n == 0 {
			return
		}
		m.sendSegment(ctx, buf[:n], localPort, remotePort, remoteAddr)
	}
}

// handleIngress implements SPEC_FULL.md §4.6's inbound demultiplexing for
// TCP: an established connection's Handler.Recv is fed directly; a SYN
// addressed to a listening port promotes that listener's Handler into an
// established connKey entry; anything else gets a stateless RST queued for
// the next poll tick, per RFC 9293 §3.10.7.1.
func (m *Module) handleIngress(ctx context.Context, f fins.Frame) {
	tfrm, err := NewFrame(f.PDU)
	if err != nil {
		m.debugf("tcp: short segment", err)
		return
	}
	var v fins.Validator
	tfrm.ValidateExceptCRC(&v)
	if v.HasError() {
		m.debugf("tcp: invalid segment", v.Err())
		return
	}

	srcU32, _ := f.Metadata.U32(fins.KeyIPSrc)
	remoteAddr := addrFromU32(srcU32)
	remotePort := tfrm.SourcePort()
	localPort := tfrm.DestinationPort()
	_, flags := tfrm.OffsetAndFlags()
	key := connKey{remoteAddr: remoteAddr, remotePort: remotePort, localPort: localPort}

	m.mu.Lock()
	ep, established := m.conns[key]
	promoted := false
	if !established {
		if l, ok := m.listeners[localPort]; ok && flags.HasAny(FlagSYN) {
			delete(m.listeners, localPort)
			l.remoteAddr = remoteAddr
			m.conns[key] = l
			ep, established = l, true
			promoted = true
		}
	}
	m.mu.Unlock()
	if promoted {
		m.notifyAccepted(ctx, localPort, remotePort, remoteAddr)
	}

	if !established {
		if !flags.HasAny(FlagRST) {
			seg := tfrm.Segment(len(tfrm.Payload()))
			// RFC 9293 §3.5.2 reset-generation rule: echo the peer's ACK as
			// our SEQ when it set ACK, otherwise acknowledge the segment it
			// sent with SEQ 0.
			var rseq, rack Value
			var rflags Flags
			if flags.HasAny(FlagACK) {
				rseq, rflags = seg.ACK, FlagRST
			} else {
				rack, rflags = Add(seg.SEQ, seg.LEN()), FlagRST|FlagACK
			}
			m.mu.Lock()
			m.rst.Queue(remoteAddrBytes(remoteAddr), remotePort, localPort, rseq, rack, rflags)
			m.mu.Unlock()
		}
		return
	}

	ep.mu.Lock()
	err = ep.h.Recv(f.PDU)
	var drained [][]byte
	if err == nil {
		drained = drainRx(&ep.h)
	}
	localPort, remPort, remAddr := ep.h.LocalPort(), ep.h.RemotePort(), ep.remoteAddr
	ep.mu.Unlock()
	if err != nil {
		m.debugf("tcp: recv rejected", err)
		return
	}
	if m.demux != nil {
		for _, chunk := range drained {
			m.demux.Deliver(localPort, m.cfg.LocalAddr, remAddr, remPort, chunk)
		}
	}
}

// drainRx reads every byte currently buffered in h's receive ring and
// returns it as a sequence of chunks, since Handler has no "peek everything"
// call and a single fixed-size Read may not cover it all in one pass.
func drainRx(h *Handler) [][]byte {
	var chunks [][]byte
	for h.BufferedInput() > 0 {
		buf := make([]byte, h.BufferedInput())
		n, err := h.Read(buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
		}
		if err != nil || n == 0 {
			break
		}
	}
	return chunks
}

// handleEgress writes an application payload handed down by the socket
// layer into the matching connection's transmit buffer; the poll loop picks
// it up and frames it on the next tick.
func (m *Module) handleEgress(ctx context.Context, f fins.Frame) {
	localPortV, _ := f.Metadata.U32(fins.KeyPortSrc)
	remotePortV, _ := f.Metadata.U32(fins.KeyPortDst)
	dstU32, _ := f.Metadata.U32(fins.KeyIPDst)
	key := connKey{remoteAddr: addrFromU32(dstU32), remotePort: uint16(remotePortV), localPort: uint16(localPortV)}

	m.mu.Lock()
	ep := m.conns[key]
	m.mu.Unlock()
	if ep == nil {
		return
	}
	ep.mu.Lock()
	_, err := ep.h.Write(f.PDU)
	ep.mu.Unlock()
	if err != nil {
		m.debugf("tcp: write rejected", err)
	}
}

// handleControl services the listen/connect/close operations socket.Module
// issues as control frames addressed to moduleid.TCP, replying with an
// OpExecReply carrying the same Serial.
func (m *Module) handleControl(ctx context.Context, f fins.Frame) {
	switch f.Name {
	case "listen":
		m.execListen(ctx, f)
	case "connect":
		m.execConnect(ctx, f)
	case "close":
		m.execClose(ctx, f)
	}
}

func (m *Module) execListen(ctx context.Context, f fins.Frame) {
	if len(f.Data) < 2 {
		m.reply(ctx, f, false)
		return
	}
	localPort := binary.BigEndian.Uint16(f.Data[0:2])
	ep := &endpoint{}
	if err := ep.h.SetBuffers(make([]byte, m.cfg.TxBufSize), make([]byte, m.cfg.RxBufSize), m.cfg.TxPackets); err != nil {
		m.reply(ctx, f, false)
		return
	}
	iss := m.cookies.MakeSYNCookie(nil, nil, 0, localPort, 0)
	if err := ep.h.OpenListen(localPort, iss); err != nil {
		m.reply(ctx, f, false)
		return
	}
	m.mu.Lock()
	m.listeners[localPort] = ep
	m.mu.Unlock()
	m.reply(ctx, f, true)
}

func (m *Module) execConnect(ctx context.Context, f fins.Frame) {
	if len(f.Data) < 8 {
		m.reply(ctx, f, false)
		return
	}
	localPort := binary.BigEndian.Uint16(f.Data[0:2])
	remotePort := binary.BigEndian.Uint16(f.Data[2:4])
	remoteAddr := addrFromU32(binary.BigEndian.Uint32(f.Data[4:8]))

	ep := &endpoint{remoteAddr: remoteAddr}
	if err := ep.h.SetBuffers(make([]byte, m.cfg.TxBufSize), make([]byte, m.cfg.RxBufSize), m.cfg.TxPackets); err != nil {
		m.reply(ctx, f, false)
		return
	}
	a4 := remoteAddr.As4()
	var local [4]byte
	if m.cfg.LocalAddr.IsValid() {
		local = m.cfg.LocalAddr.As4()
	}
	iss := m.cookies.MakeSYNCookie(local[:], a4[:], localPort, remotePort, 0)
	if err := ep.h.OpenActive(localPort, remotePort, iss); err != nil {
		m.reply(ctx, f, false)
		return
	}
	key := connKey{remoteAddr: remoteAddr, remotePort: remotePort, localPort: localPort}
	m.mu.Lock()
	m.conns[key] = ep
	m.mu.Unlock()
	m.drainEndpoint(ctx, ep)
	m.reply(ctx, f, true)
}

func (m *Module) execClose(ctx context.Context, f fins.Frame) {
	if len(f.Data) < 8 {
		m.reply(ctx, f, false)
		return
	}
	localPort := binary.BigEndian.Uint16(f.Data[0:2])
	remotePort := binary.BigEndian.Uint16(f.Data[2:4])
	remoteAddr := addrFromU32(binary.BigEndian.Uint32(f.Data[4:8]))
	key := connKey{remoteAddr: remoteAddr, remotePort: remotePort, localPort: localPort}

	m.mu.Lock()
	ep, ok := m.conns[key]
	m.mu.Unlock()
	if !ok {
		m.reply(ctx, f, false)
		return
	}
	ep.mu.Lock()
	err := ep.h.Close()
	ep.mu.Unlock()
	m.reply(ctx, f, err == nil)
}

// notifyAccepted tells the socket layer that a listening port's connection
// has just been promoted to established, so a blocked accept call can
// return. It is an unsolicited alert, not a reply to any particular call:
// socket.Module matches it to the listener by localPort.
func (m *Module) notifyAccepted(ctx context.Context, localPort, remotePort uint16, remoteAddr netip.Addr) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint16(data[0:2], localPort)
	binary.BigEndian.PutUint16(data[2:4], remotePort)
	binary.BigEndian.PutUint32(data[4:8], u32FromAddr(remoteAddr))
	out := fins.NewControlFrame(moduleid.TCP, fins.OpAlert, 0, "accepted", data, moduleid.Socket)
	_ = m.pair.Egress.Enqueue(ctx, out)
}

func (m *Module) reply(ctx context.Context, req fins.Frame, ok bool) {
	data := []byte{0}
	if ok {
		data[0] = 1
	}
	out := fins.NewControlFrame(moduleid.TCP, fins.OpExecReply, req.Serial, req.Name, data, moduleid.Socket)
	_ = m.pair.Egress.Enqueue(ctx, out)
}

// sendSegment wraps a segment built by Handler.Send with its pseudo-header
// checksum and forwards it to IPv4, mirroring udp.Module's manual
// pseudo-header computation since the checksum is computed before any real
// IPv4 header exists to read source/destination addresses from.
func (m *Module) sendSegment(ctx context.Context, seg []byte, localPort, remotePort uint16, remoteAddr netip.Addr) {
	tfrm, err := NewFrame(seg)
	if err != nil {
		return
	}
	tfrm.SetCRC(0)
	var crc fins.CRC791
	var local [4]byte
	if m.cfg.LocalAddr.IsValid() {
		local = m.cfg.LocalAddr.As4()
	}
	remote := remoteAddr.As4()
	crc.Write(local[:])
	crc.Write(remote[:])
	crc.AddUint16(uint16(fins.IPProtoTCP))
	crc.AddUint16(uint16(len(seg)))
	crc.Write(seg)
	tfrm.SetCRC(crc.Sum16())

	meta := fins.Metadata{}
	meta.SetU32(fins.KeyProtocol, uint32(fins.IPProtoTCP))
	meta.SetU32(fins.KeyIPDst, u32FromAddr(remoteAddr))
	if m.cfg.LocalAddr.IsValid() {
		meta.SetU32(fins.KeyIPSrc, u32FromAddr(m.cfg.LocalAddr))
	}
	out := fins.NewDataFrame(fins.Down, seg, meta, moduleid.IPv4)
	_ = m.pair.Egress.Enqueue(ctx, out)
}

// sendRST builds a bare RST or RST|ACK segment from a queued rstEntry and forwards
// it to IPv4; it bypasses any Handler since by construction no Handler
// claims the tuple it answers.
func (m *Module) sendRST(ctx context.Context, entry rstEntry) {
	buf := make([]byte, sizeHeaderTCP)
	tfrm, err := NewFrame(buf)
	if err != nil {
		return
	}
	tfrm.SetSourcePort(entry.localPort)
	tfrm.SetDestinationPort(entry.remotePort)
	tfrm.SetSegment(Segment{SEQ: entry.seq, ACK: entry.ack, Flags: entry.flags}, 5)
	remoteAddr := netip.AddrFrom4(entry.remoteAddr)
	m.sendSegment(ctx, buf, entry.localPort, entry.remotePort, remoteAddr)
}

func (m *Module) debugf(msg string, err error) {
	if m.log != nil {
		m.log.Debug(msg, "err", err)
	}
}

func addrFromU32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func u32FromAddr(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func remoteAddrBytes(a netip.Addr) []byte {
	b := a.As4()
	return b[:]
}

package icmpv4

import (
	"context"
	"net/netip"

	"github.com/finswire/fins"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
)

// ErrorKind is the closed set of inbound ICMP error classes the engine
// translates into a CTRL_ERROR frame's Name field, per SPEC_FULL.md §4.5.
// Keeping this as a typed enum instead of building the string ad hoc at each
// call site means the wire-facing name table lives in exactly one place.
type ErrorKind uint8

const (
	ErrNetUnreachable ErrorKind = iota
	ErrHostUnreachable
	ErrProtoUnreachable
	ErrPortUnreachable
	ErrFragNeeded
	ErrSourceRouteFailed
	ErrTTLExceeded
	ErrFragReassemblyExceeded
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNetUnreachable:
		return "DUnetunreach"
	case ErrHostUnreachable:
		return "DUhostunreach"
	case ErrProtoUnreachable:
		return "DUprotounreach"
	case ErrPortUnreachable:
		return "DUportunreach"
	case ErrFragNeeded:
		return "DUfragneeded"
	case ErrSourceRouteFailed:
		return "DUsrcroute"
	case ErrTTLExceeded:
		return "TTLexceeded"
	case ErrFragReassemblyExceeded:
		return "TTLfragtime"
	default:
		return "unknown"
	}
}

// Config carries the parameters the engine needs to address outbound
// datagrams (the IPv4 module fills in routing and fragmentation).
type Config struct {
	LocalAddr netip.Addr
}

// Engine is the (mostly stateless) ICMP module: echo request/reply, inbound
// error translation to control frames, and outbound error synthesis.
type Engine struct {
	cfg  Config
	pair queue.Pair
	log  *obslog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config, pair queue.Pair, log *obslog.Logger) *Engine {
	return &Engine{cfg: cfg, pair: pair, log: log}
}

// Run drains the engine's ingress queue until ctx is cancelled or the queue
// closes.
func (e *Engine) Run(ctx context.Context) error {
	for {
		f, err := e.pair.Ingress.Dequeue(ctx)
		if err != nil {
			return err
		}
		e.handle(ctx, f)
	}
}

func (e *Engine) handle(ctx context.Context, f fins.Frame) {
	switch f.Kind {
	case fins.KindData:
		e.handleData(ctx, f)
	case fins.KindControl:
		e.handleSynthesisRequest(ctx, f)
	}
}

func (e *Engine) handleData(ctx context.Context, f fins.Frame) {
	icfrm, err := NewFrame(f.PDU)
	if err != nil {
		if e.log != nil {
			e.log.Debug("icmpv4: short frame", "err", err)
		}
		return
	}
	switch icfrm.Type() {
	case TypeEcho:
		e.replyToEcho(ctx, f, icfrm)
	case TypeEchoReply:
		e.forwardToSocket(ctx, f)
	case TypeDestinationUnreachable, TypeTimeExceeded:
		e.translateInboundError(ctx, f, icfrm)
	default:
		if e.log != nil {
			e.log.Debug("icmpv4: unhandled inbound type", "type", icfrm.Type())
		}
	}
}

// replyToEcho implements SPEC_FULL.md §4.5's "Echo request" paragraph: the
// reply is built by copying the inbound frame (never mutating it in place,
// resolving REDESIGN FLAG (a) — see SPEC_FULL.md §9), swapping ipsrc/ipdst,
// and recomputing the checksum over the freshly-copied buffer.
func (e *Engine) replyToEcho(ctx context.Context, f fins.Frame, icfrm Frame) {
	reply := f.Copy()
	replyICMP, _ := NewFrame(reply.PDU)
	replyICMP.SetType(TypeEchoReply)
	replyICMP.SetCRC(0)
	var crc fins.CRC791
	replyICMP.CRCWrite(&crc)
	replyICMP.SetCRC(crc.Sum16())

	srcV, hasSrc := reply.Metadata.U32(fins.KeyIPSrc)
	dstV, hasDst := reply.Metadata.U32(fins.KeyIPDst)
	if hasSrc && hasDst {
		reply.Metadata.SetU32(fins.KeyIPSrc, dstV)
		reply.Metadata.SetU32(fins.KeyIPDst, srcV)
	}
	reply.Metadata.SetU32(fins.KeyProtocol, uint32(fins.IPProtoICMP))
	reply.Dir = fins.Down
	reply.Dest = []moduleid.ID{moduleid.IPv4}

	_ = e.pair.Egress.Enqueue(ctx, reply)
}

// forwardToSocket passes an echo reply upstream unchanged so a raw-socket
// client awaiting it can receive it, per SPEC_FULL.md §4.5's "Echo reply"
// paragraph.
func (e *Engine) forwardToSocket(ctx context.Context, f fins.Frame) {
	f.Dest = []moduleid.ID{moduleid.Socket}
	_ = e.pair.Egress.Enqueue(ctx, f)
}

// translateInboundError builds the CTRL_ERROR frame described in
// SPEC_FULL.md §4.5's "Received error" paragraph, addressed to both UDP and
// TCP since the offending protocol can't always be read back out of the
// truncated embedded datagram without a further parse the engine does not
// perform here.
func (e *Engine) translateInboundError(ctx context.Context, f fins.Frame, icfrm Frame) {
	var kind ErrorKind
	switch icfrm.Type() {
	case TypeDestinationUnreachable:
		switch CodeDestinationUnreachable(icfrm.Code()) {
		case CodeNetUnreachable:
			kind = ErrNetUnreachable
		case CodeHostUnreachable:
			kind = ErrHostUnreachable
		case CodeProtoUnreachable:
			kind = ErrProtoUnreachable
		case CodePortUnreachable:
			kind = ErrPortUnreachable
		case CodeFragNeededAndDFSet:
			kind = ErrFragNeeded
		case CodeSourceRouteFailed:
			kind = ErrSourceRouteFailed
		}
	case TypeTimeExceeded:
		switch CodeTimeExceeded(icfrm.Code()) {
		case CodeExceededInTransit:
			kind = ErrTTLExceeded
		case CodeFragmentReassembly:
			kind = ErrFragReassemblyExceeded
		}
	}
	data := append([]byte(nil), icfrm.payload()...)
	ctrl := fins.NewErrorFrame(moduleid.ICMP, 0, kind.String(), data, moduleid.UDP)
	_ = e.pair.Egress.Enqueue(ctx, ctrl)
	ctrl2 := fins.NewErrorFrame(moduleid.ICMP, 0, kind.String(), data, moduleid.TCP)
	_ = e.pair.Egress.Enqueue(ctx, ctrl2)
}

// handleSynthesisRequest implements SPEC_FULL.md §4.5's "Outbound error
// generation" paragraph: a control frame from IPv4 (or an upper layer)
// naming an error kind and carrying the offending packet triggers
// synthesis of a full ICMP message addressed back to the offender.
func (e *Engine) handleSynthesisRequest(ctx context.Context, f fins.Frame) {
	var code uint8
	var typ Type
	switch f.Name {
	case ErrNetUnreachable.String(), "netunreach":
		typ, code = TypeDestinationUnreachable, uint8(CodeNetUnreachable)
	case ErrHostUnreachable.String():
		typ, code = TypeDestinationUnreachable, uint8(CodeHostUnreachable)
	case ErrProtoUnreachable.String():
		typ, code = TypeDestinationUnreachable, uint8(CodeProtoUnreachable)
	case ErrPortUnreachable.String():
		typ, code = TypeDestinationUnreachable, uint8(CodePortUnreachable)
	case ErrFragNeeded.String():
		typ, code = TypeDestinationUnreachable, uint8(CodeFragNeededAndDFSet)
	case ErrTTLExceeded.String():
		typ, code = TypeTimeExceeded, uint8(CodeExceededInTransit)
	case ErrFragReassemblyExceeded.String():
		typ, code = TypeTimeExceeded, uint8(CodeFragmentReassembly)
	default:
		if e.log != nil {
			e.log.Debug("icmpv4: unknown error synthesis request", "name", f.Name)
		}
		return
	}

	// Payload: the offending IP header (assumed 20 bytes, no options) plus
	// the first 8 octets of the offending transport PDU, per RFC 792.
	orig := f.Data
	const maxEmbed = 20 + 8
	if len(orig) > maxEmbed {
		orig = orig[:maxEmbed]
	}
	buf := make([]byte, 8+len(orig))
	icfrm, _ := NewFrame(buf)
	icfrm.SetType(typ)
	icfrm.SetCode(code)
	copy(buf[8:], orig)
	icfrm.SetCRC(0)
	var crc fins.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(crc.Sum16())

	meta := fins.Metadata{}
	meta.SetU32(fins.KeyProtocol, uint32(fins.IPProtoICMP))
	if e.cfg.LocalAddr.IsValid() {
		a4 := e.cfg.LocalAddr.As4()
		meta.SetU32(fins.KeyIPSrc, uint32(a4[0])<<24|uint32(a4[1])<<16|uint32(a4[2])<<8|uint32(a4[3]))
	}
	if len(orig) >= 16 {
		var srcAddr [4]byte
		copy(srcAddr[:], orig[12:16])
		meta.SetU32(fins.KeyIPDst, uint32(srcAddr[0])<<24|uint32(srcAddr[1])<<16|uint32(srcAddr[2])<<8|uint32(srcAddr[3]))
	}
	out := fins.NewDataFrame(fins.Down, buf, meta, moduleid.IPv4)
	_ = e.pair.Egress.Enqueue(ctx, out)
}

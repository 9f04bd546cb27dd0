package ethernet

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/finswire/fins"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
)

// maxFrameLen bounds a single capture/inject record so a corrupt or
// adversarial length prefix can't drive an unbounded allocation.
const maxFrameLen = 1 << 16

// Resolver maps a next-hop IPv4 address (network byte order, as stored under
// fins.KeyIPDst) to the hardware address to frame it with. The arp package
// satisfies this by answering from its resolved-entry cache and returning
// ok == false while a request is outstanding.
type Resolver func(ipv4 uint32) (hw [6]byte, ok bool)

// Endpoint is the link-layer module: it owns a pair of queues and drives the
// capture/inject goroutines that bridge them to the host's raw packet
// sockets or capture/inject pipes. It is the Go analogue of the source's
// EtherStub Capture()/Inject() threads, generalized so either side can be any
// io.Reader/io.Writer (a pipe, a raw socket, or a test buffer).
type Endpoint struct {
	pair     queue.Pair
	self     moduleid.ID
	localHW  [6]byte
	resolve  Resolver
	log      *obslog.Logger
	upstream moduleid.ID // module every non-ARP ethertype is delivered to by default
}

// NewEndpoint constructs an Endpoint addressed as self (conventionally
// moduleid.Ethernet), framing outbound traffic with localHW as the source
// hardware address and resolving destination hardware addresses through
// resolve.
func NewEndpoint(self moduleid.ID, pair queue.Pair, localHW [6]byte, resolve Resolver, log *obslog.Logger) *Endpoint {
	return &Endpoint{pair: pair, self: self, localHW: localHW, resolve: resolve, log: log, upstream: moduleid.IPv4}
}

// readRecord reads one length-prefixed record: a 4-byte little-endian byte
// count followed by that many bytes, matching the capture/inject pipe
// protocol. It returns io.EOF unchanged so the capture loop can exit
// cleanly when the pipe closes.
func readRecord(r io.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n == 0 || n > maxFrameLen {
		return nil, fmt.Errorf("ethernet: record length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeRecord writes buf as one length-prefixed record.
func writeRecord(w io.Writer, buf []byte) error {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(buf)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// RunCapture reads frames off r until ctx is cancelled or r returns an
// error, translating each into a data Frame addressed upstream and
// enqueuing it on the endpoint's ingress queue. A read error other than
// context cancellation is returned to the caller, which decides whether to
// reopen the source.
func (e *Endpoint) RunCapture(ctx context.Context, r io.Reader) error {
	for {
		buf, err := readRecord(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		efrm, err := NewFrame(buf)
		if err != nil {
			if e.log != nil {
				e.log.Warn("ethernet: capture: short frame", "len", len(buf))
			}
			continue
		}
		meta := fins.Metadata{}
		meta.SetStr(fins.KeyEthSrc, string(AppendAddr(nil, *efrm.SourceHardwareAddr())))
		meta.SetStr(fins.KeyEthDst, string(AppendAddr(nil, *efrm.DestinationHardwareAddr())))
		et := efrm.EtherTypeOrSize()
		meta.SetU32(fins.KeyEthType, uint32(et))

		dest := e.upstream
		if et == TypeARP {
			dest = moduleid.ARP
		}
		pdu := append([]byte(nil), efrm.Payload()...)
		f := fins.NewDataFrame(fins.Up, pdu, meta, dest)
		if err := e.pair.Ingress.Enqueue(ctx, f); err != nil {
			if e.log != nil {
				e.log.Warn("ethernet: capture: ingress enqueue failed", "err", err)
			}
		}
	}
}

// RunInject drains the endpoint's egress queue until ctx is cancelled,
// wrapping every data Frame in an Ethernet header and writing it to w as
// one length-prefixed record. A Frame whose next-hop hardware address can't
// yet be resolved is dropped (the caller is expected to have already queued
// an ARP request for that address; redelivery happens once the caller
// retransmits, the same tradeoff the original daemon's Inject() made by
// hardcoding a destination instead of blocking on resolution).
func (e *Endpoint) RunInject(ctx context.Context, w io.Writer) error {
	for {
		f, err := e.pair.Egress.Dequeue(ctx)
		if err != nil {
			return err
		}
		if f.Kind != fins.KindData {
			continue
		}
		ethertype := TypeIPv4
		if v, ok := f.Metadata.U32(fins.KeyEthType); ok {
			ethertype = Type(v)
		}
		dstHW := BroadcastAddr()
		if ip, ok := f.Metadata.U32(fins.KeyIPDst); ok && e.resolve != nil {
			hw, ok := e.resolve(ip)
			if !ok {
				if e.log != nil {
					e.log.Debug("ethernet: inject: no resolved hardware address", "ipdst", ip)
				}
				continue
			}
			dstHW = hw
		}
		buf := make([]byte, sizeHeaderNoVLAN+len(f.PDU))
		efrm, err := NewFrame(buf)
		if err != nil {
			continue
		}
		copy(buf[0:6], dstHW[:])
		copy(buf[6:12], e.localHW[:])
		efrm.SetEtherType(ethertype)
		copy(buf[sizeHeaderNoVLAN:], f.PDU)

		if err := writeRecord(w, buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

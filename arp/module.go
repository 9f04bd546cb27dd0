package arp

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/finswire/fins"
	"github.com/finswire/fins/ethernet"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
)

// Module wires a Handler onto the frame fabric: it translates between the
// wire-level Handler (which operates on raw carrier buffers, per the
// teacher's Encapsulate/Demux pair) and fins.Frame values moved through a
// queue.Pair, and keeps a small resolved-address cache an ethernet.Endpoint
// can query synchronously through Resolve.
type Module struct {
	h    *Handler
	pair queue.Pair
	log  *obslog.Logger

	mu    sync.Mutex
	cache map[uint32][6]byte
}

// NewModule constructs a Module, resetting h with cfg.
func NewModule(cfg HandlerConfig, pair queue.Pair, log *obslog.Logger) (*Module, error) {
	h := &Handler{}
	if err := h.Reset(cfg); err != nil {
		return nil, err
	}
	return &Module{h: h, pair: pair, log: log, cache: make(map[uint32][6]byte, 8)}, nil
}

// Resolve answers an ethernet.Resolver query from the cache populated by
// observed ARP replies. It never blocks; a miss means the caller should have
// a query already outstanding (see RequestResolution).
func (m *Module) Resolve(ipv4 uint32) (hw [6]byte, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hw, ok = m.cache[ipv4]
	return hw, ok
}

// RequestResolution starts an ARP query for ipv4, or no-ops if ipv4 is
// already cached or resolved; a query still awaiting its reply is started
// again. Run sends the request frame before it next waits on the ingress
// queue.
func (m *Module) RequestResolution(ipv4 uint32) error {
	var proto [4]byte
	binary.BigEndian.PutUint32(proto[:], ipv4)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache[ipv4]; ok {
		return nil
	}
	if _, err := m.h.QueryResult(proto[:]); err == nil {
		return nil // already resolved between the check above and here
	}
	return m.h.StartQuery(nil, proto[:])
}

// Run drains the ingress queue, feeding every frame to the Handler and
// emitting any request/reply frames the Handler produces onto the egress
// queue, until ctx is cancelled.
func (m *Module) Run(ctx context.Context) error {
	for {
		m.flushOutbound(ctx)
		f, err := m.pair.Ingress.Dequeue(ctx)
		if err != nil {
			return err
		}
		if f.Kind != fins.KindData {
			continue
		}
		m.handleInbound(ctx, f)
	}
}

func (m *Module) handleInbound(ctx context.Context, f fins.Frame) {
	m.mu.Lock()
	err := m.h.Demux(f.PDU, 0)
	m.mu.Unlock()
	if err != nil {
		if m.log != nil {
			m.log.Debug("arp: demux rejected frame", "err", err)
		}
		return
	}
	afrm, err := NewFrame(f.PDU)
	if err != nil || afrm.Operation() != OpReply {
		return
	}
	hwaddr, protoaddr := afrm.Sender()
	if len(protoaddr) != 4 || len(hwaddr) != 6 {
		return
	}
	ip := binary.BigEndian.Uint32(protoaddr)
	var hw [6]byte
	copy(hw[:], hwaddr)
	m.mu.Lock()
	m.cache[ip] = hw
	m.mu.Unlock()
}

// flushOutbound drains every pending request/reply the Handler has queued,
// wrapping each as a Down data frame addressed to the ethernet module.
func (m *Module) flushOutbound(ctx context.Context) {
	for {
		buf := make([]byte, m.h.expectSize())
		m.mu.Lock()
		n, err := m.h.Encapsulate(buf, 0, 0)
		m.mu.Unlock()
		if err != nil || n == 0 {
			return
		}
		meta := fins.Metadata{}
		meta.SetU32(fins.KeyEthType, uint32(ethernet.TypeARP))
		out := fins.NewDataFrame(fins.Down, buf[:n], meta, moduleid.Ethernet)
		if err := m.pair.Egress.Enqueue(ctx, out); err != nil {
			return
		}
	}
}

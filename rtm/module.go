// Package rtm is the runtime manager of SPEC_FULL.md's expansion: the
// control-channel handler that can read and atomically replace the IPv4
// module's routing table and interface address while the fabric is running,
// per §5's "Shared-resource policy" clause and the GLOSSARY's "Runtime
// manager" entry. No teacher package plays this role (soypat/lneto has no
// concept of a live-reconfigurable routing table), so it is modeled on the
// rest of the fabric's own control-opcode modules: a thin Run loop dispatching
// on fins.Opcode, the same shape tcp.Module uses for its listen/connect/close
// handlers.
package rtm

import (
	"context"
	"net/netip"

	"github.com/finswire/fins"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/ipv4"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
)

// Module answers OpReadParam/OpSetParam control frames addressed to
// moduleid.RTM. Three parameter names are recognized: "routes" and
// "localaddr" are readable and writable, "stats" is read-only.
type Module struct {
	pair   queue.Pair
	ip     *ipv4.Module
	routes *ipv4.RouteTable
	log    *obslog.Logger
}

// NewModule constructs a Module bound to the live IPv4 module and its route
// table; both are the same instances the IPv4 module's Run loop reads from,
// so a replacement here takes effect on the very next lookup.
func NewModule(pair queue.Pair, ip *ipv4.Module, routes *ipv4.RouteTable, log *obslog.Logger) *Module {
	return &Module{pair: pair, ip: ip, routes: routes, log: log}
}

// Run drains the module's ingress queue until ctx is cancelled or the queue
// closes. Only control frames are meaningful here; a data frame addressed to
// moduleid.RTM would be a fabric misconfiguration and is silently ignored.
func (m *Module) Run(ctx context.Context) error {
	for {
		f, err := m.pair.Ingress.Dequeue(ctx)
		if err != nil {
			return err
		}
		if f.Kind != fins.KindControl {
			continue
		}
		switch f.Op {
		case fins.OpReadParam:
			m.handleRead(ctx, f)
		case fins.OpSetParam:
			m.handleSet(ctx, f)
		}
	}
}

func (m *Module) handleRead(ctx context.Context, f fins.Frame) {
	switch f.Name {
	case "routes":
		m.reply(ctx, f, fins.OpReadParamReply, encodeRoutes(m.routes.Snapshot()))
	case "localaddr":
		addr := m.ip.LocalAddr().As4()
		m.reply(ctx, f, fins.OpReadParamReply, addr[:])
	case "stats":
		m.reply(ctx, f, fins.OpReadParamReply, encodeStats(m.ip.Stats()))
	default:
		m.replyError(ctx, f, "unknown_param")
	}
}

func (m *Module) handleSet(ctx context.Context, f fins.Frame) {
	switch f.Name {
	case "routes":
		routes, ok := decodeRoutes(f.Data)
		if !ok {
			m.replyError(ctx, f, "malformed_routes")
			return
		}
		m.routes.Replace(routes)
	case "localaddr":
		if len(f.Data) != 4 {
			m.replyError(ctx, f, "malformed_localaddr")
			return
		}
		var a4 [4]byte
		copy(a4[:], f.Data)
		m.ip.SetLocalAddr(netip.AddrFrom4(a4))
	default:
		m.replyError(ctx, f, "unknown_param")
		return
	}
	m.reply(ctx, f, fins.OpExecReply, []byte{1})
}

func (m *Module) reply(ctx context.Context, req fins.Frame, op fins.Opcode, data []byte) {
	out := fins.NewControlFrame(moduleid.RTM, op, req.Serial, req.Name, data, req.Sender)
	_ = m.pair.Egress.Enqueue(ctx, out)
}

func (m *Module) replyError(ctx context.Context, req fins.Frame, reason string) {
	out := fins.NewErrorFrame(moduleid.RTM, req.Serial, reason, nil, req.Sender)
	_ = m.pair.Egress.Enqueue(ctx, out)
}

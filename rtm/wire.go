package rtm

import (
	"encoding/binary"
	"net/netip"

	"github.com/finswire/fins/ipv4"
)

// routeWireLen is the fixed per-route encoding: prefix address (4), prefix
// bits (1), next-hop present flag (1), next-hop address (4), interface index
// (4), metric (4).
const routeWireLen = 18

// encodeRoutes serializes a route set for an OpReadParamReply "routes"
// payload. There is no varint or length-prefixing: the caller derives the
// count from len(data)/routeWireLen, matching the fixed-width wire style the
// rest of the fabric uses for its own frame headers.
func encodeRoutes(routes []ipv4.Route) []byte {
	out := make([]byte, 0, len(routes)*routeWireLen)
	for _, r := range routes {
		var buf [routeWireLen]byte
		addr := r.Prefix.Addr()
		if addr.Is4() {
			a4 := addr.As4()
			copy(buf[0:4], a4[:])
		}
		buf[4] = byte(r.Prefix.Bits())
		if r.NextHop.IsValid() {
			buf[5] = 1
			a4 := r.NextHop.As4()
			copy(buf[6:10], a4[:])
		}
		binary.BigEndian.PutUint32(buf[10:14], uint32(r.Iface))
		binary.BigEndian.PutUint32(buf[14:18], uint32(int32(r.Metric)))
		out = append(out, buf[:]...)
	}
	return out
}

// decodeRoutes is encodeRoutes's inverse, used by the OpSetParam "routes"
// handler. It reports false on a malformed (non-multiple-of-routeWireLen)
// payload rather than guessing at a partial route.
func decodeRoutes(data []byte) ([]ipv4.Route, bool) {
	if len(data)%routeWireLen != 0 {
		return nil, false
	}
	n := len(data) / routeWireLen
	routes := make([]ipv4.Route, 0, n)
	for i := 0; i < n; i++ {
		buf := data[i*routeWireLen : (i+1)*routeWireLen]
		var a4 [4]byte
		copy(a4[:], buf[0:4])
		bits := int(buf[4])
		prefix := netip.PrefixFrom(netip.AddrFrom4(a4), bits)
		if !prefix.IsValid() {
			return nil, false
		}
		var nextHop netip.Addr
		if buf[5] != 0 {
			var nh4 [4]byte
			copy(nh4[:], buf[6:10])
			nextHop = netip.AddrFrom4(nh4)
		}
		iface := int(binary.BigEndian.Uint32(buf[10:14]))
		metric := int(int32(binary.BigEndian.Uint32(buf[14:18])))
		routes = append(routes, ipv4.Route{Prefix: prefix, NextHop: nextHop, Iface: iface, Metric: metric})
	}
	return routes, true
}

// encodeStats serializes ipv4.Stats for an OpReadParamReply "stats" payload,
// one big-endian uint64 per counter in struct declaration order.
func encodeStats(s ipv4.Stats) []byte {
	vals := []uint64{
		s.Received, s.Delivered, s.Forwarded,
		s.DroppedShort, s.DroppedChecksum, s.DroppedTTL, s.DroppedNoRoute, s.DroppedUnknownProto,
		s.FragmentsCreated, s.ReassembliesCompleted, s.ReassembliesTimedOut,
	}
	out := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.BigEndian.PutUint64(out[i*8:], v)
	}
	return out
}

package ipv4

import (
	"net/netip"
	"sync/atomic"
)

// Route is one entry of the routing table: packets bound for an address
// inside Prefix are sent to NextHop (the zero Addr means the destination is
// on-link and no next-hop resolution beyond the destination itself is
// needed) out Iface, with Metric breaking ties between overlapping entries
// of the same prefix length.
type Route struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
	Iface   int
	Metric  int
}

// RouteTable is a longest-prefix-match routing table whose contents are
// replaced by a single atomic pointer swap, so a concurrent Lookup during a
// Replace observes either the entire old table or the entire new one, never
// a partially-updated one — the guarantee the runtime manager module relies
// on when it pushes a new table.
type RouteTable struct {
	routes atomic.Pointer[[]Route]
}

// NewRouteTable builds a RouteTable seeded with the given routes.
func NewRouteTable(routes ...Route) *RouteTable {
	rt := &RouteTable{}
	rt.Replace(routes)
	return rt
}

// Replace atomically swaps in a new route set. The caller's slice is copied;
// mutating it afterward has no effect on the table.
func (rt *RouteTable) Replace(routes []Route) {
	cp := append([]Route(nil), routes...)
	rt.routes.Store(&cp)
}

// Snapshot returns a copy of the currently active route set, for a caller
// (the rtm module's "read routes" operation) that needs a stable view
// without holding a lock across the read.
func (rt *RouteTable) Snapshot() []Route {
	p := rt.routes.Load()
	if p == nil {
		return nil
	}
	return append([]Route(nil), (*p)...)
}

// Lookup returns the longest-prefix match for dst. Among entries of equal
// prefix length, the one with the lower Metric wins; among equal prefix
// length and metric, the first one inserted (the one appearing earlier in
// the slice passed to Replace) wins.
func (rt *RouteTable) Lookup(dst netip.Addr) (Route, bool) {
	routesPtr := rt.routes.Load()
	if routesPtr == nil {
		return Route{}, false
	}
	routes := *routesPtr
	bestIdx := -1
	bestBits := -1
	bestMetric := 0
	for i, r := range routes {
		if !r.Prefix.IsValid() || !r.Prefix.Contains(dst) {
			continue
		}
		bits := r.Prefix.Bits()
		if bits > bestBits || (bits == bestBits && r.Metric < bestMetric) {
			bestIdx, bestBits, bestMetric = i, bits, r.Metric
		}
	}
	if bestIdx < 0 {
		return Route{}, false
	}
	return routes[bestIdx], true
}

// NextHopAddr returns the address whose hardware address the link layer
// must resolve to reach r: the configured next hop if off-link, or dst
// itself when the route is on-link.
func (r Route) NextHopAddr(dst netip.Addr) netip.Addr {
	if r.NextHop.IsValid() {
		return r.NextHop
	}
	return dst
}

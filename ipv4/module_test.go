package ipv4_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/finswire/fins"
	"github.com/finswire/fins/ipv4"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestRouteTableLongestPrefixMatch(t *testing.T) {
	rt := ipv4.NewRouteTable(
		ipv4.Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), NextHop: mustAddr("192.0.2.1"), Metric: 10},
		ipv4.Route{Prefix: netip.MustParsePrefix("10.0.0.0/24"), NextHop: mustAddr("10.0.0.254"), Metric: 5},
	)
	r, ok := rt.Lookup(mustAddr("10.0.0.42"))
	require.True(t, ok)
	assert.Equal(t, "10.0.0.254", r.NextHop.String())

	r, ok = rt.Lookup(mustAddr("8.8.8.8"))
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", r.NextHop.String())
}

func TestRouteTableReplaceIsAtomic(t *testing.T) {
	rt := ipv4.NewRouteTable(ipv4.Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Metric: 1})
	rt.Replace([]ipv4.Route{{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Metric: 1}})
	_, ok := rt.Lookup(mustAddr("192.0.2.1"))
	assert.False(t, ok, "old default route must be gone after Replace")
	_, ok = rt.Lookup(mustAddr("10.1.1.1"))
	assert.True(t, ok)
}

func newTestModule(t *testing.T) (*ipv4.Module, queue.Pair) {
	t.Helper()
	pair := queue.NewPair("ipv4", 16)
	rt := ipv4.NewRouteTable(ipv4.Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Metric: 1})
	m := ipv4.NewModule(ipv4.Config{
		LocalAddr: mustAddr("10.0.0.1"),
		MTU:       1500,
	}, pair, rt, nil)
	return m, pair
}

func TestEgressFragmentsOversizedDatagram(t *testing.T) {
	pair2 := queue.NewPair("ipv4", 16)
	m2 := ipv4.NewModule(ipv4.Config{LocalAddr: mustAddr("10.0.0.1"), MTU: 100}, pair2, ipv4.NewRouteTable(ipv4.Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Metric: 1}), nil)

	payload := make([]byte, 260)
	for i := range payload {
		payload[i] = byte(i)
	}
	meta := fins.Metadata{}
	meta.SetU32(fins.KeyIPDst, 0x0a000002)
	meta.SetU32(fins.KeyProtocol, uint32(fins.IPProtoUDP))
	f := fins.NewDataFrame(fins.Down, payload, meta, moduleid.IPv4)
	require.NoError(t, pair2.Ingress.TryEnqueue(f))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m2.Run(ctx)

	var frags [][]byte
	for i := 0; i < 3; i++ {
		out, err := pair2.Egress.Dequeue(ctx)
		require.NoError(t, err)
		frags = append(frags, out.PDU)
	}
	assert.GreaterOrEqual(t, len(frags), 3)
	for _, frag := range frags {
		assert.LessOrEqual(t, len(frag), 100)
		assert.Equal(t, 0, (len(frag)-20)%8, "fragment payload length should be a multiple of 8 except the last")
	}
}

func TestIngressReassemblesAndDeliversToUDP(t *testing.T) {
	m, pair := newTestModule(t)

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	src := mustAddr("192.0.2.9")
	dst := mustAddr("10.0.0.1")

	frag1 := buildIPv4Fragment(t, src, dst, fins.IPProtoUDP, 42, 0, true, payload[:8])
	frag2 := buildIPv4Fragment(t, src, dst, fins.IPProtoUDP, 42, 8, false, payload[8:])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, pair.Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, frag1, fins.Metadata{}, moduleid.IPv4)))
	require.NoError(t, pair.Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, frag2, fins.Metadata{}, moduleid.IPv4)))

	out, err := pair.Egress.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, moduleid.UDP, out.Dest[0])
	assert.Equal(t, payload, out.PDU)

	assert.Equal(t, uint64(1), m.Stats().ReassembliesCompleted)
}

func buildIPv4Fragment(t *testing.T, src, dst netip.Addr, proto fins.IPProto, id uint16, offsetBytes int, moreFragments bool, chunk []byte) []byte {
	t.Helper()
	buf := make([]byte, 20+len(chunk))
	ifrm, err := ipv4.NewFrame(buf)
	require.NoError(t, err)
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetID(id)
	flagsVal := uint16(offsetBytes/8) & 0x1fff
	if moreFragments {
		flagsVal |= 0x2000
	}
	ifrm.SetFlags(ipv4.Flags(flagsVal))
	ifrm.SetTTL(64)
	ifrm.SetProtocol(proto)
	s, d := src.As4(), dst.As4()
	*ifrm.SourceAddr() = s
	*ifrm.DestinationAddr() = d
	copy(ifrm.Payload(), chunk)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
}

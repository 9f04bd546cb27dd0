package udp_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/finswire/fins"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
	"github.com/finswire/fins/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDemux struct {
	bound   uint16
	got     []byte
	matched bool
}

func (d *fakeDemux) Deliver(localPort uint16, localAddr netip.Addr, remoteAddr netip.Addr, remotePort uint16, payload []byte) bool {
	if localPort != d.bound {
		return false
	}
	d.got = payload
	d.matched = true
	return true
}

func addrU32(s string) uint32 {
	a4 := netip.MustParseAddr(s).As4()
	return uint32(a4[0])<<24 | uint32(a4[1])<<16 | uint32(a4[2])<<8 | uint32(a4[3])
}

func TestIngressDeliversToBoundSocket(t *testing.T) {
	pair := queue.NewPair("udp", 4)
	demux := &fakeDemux{bound: 53}
	m := udp.NewModule(pair, demux, nil)

	buf := make([]byte, 8+4)
	ufrm, err := udp.NewFrame(buf)
	require.NoError(t, err)
	ufrm.SetSourcePort(9999)
	ufrm.SetDestinationPort(53)
	ufrm.SetLength(uint16(len(buf)))
	copy(ufrm.Payload(), []byte("ping"))

	meta := fins.Metadata{}
	meta.SetU32(fins.KeyIPSrc, addrU32("192.0.2.9"))
	meta.SetU32(fins.KeyIPDst, addrU32("10.0.0.1"))
	f := fins.NewDataFrame(fins.Up, buf, meta, moduleid.UDP)
	require.NoError(t, pair.Ingress.TryEnqueue(f))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, demux.matched)
	assert.Equal(t, []byte("ping"), demux.got)
}

func TestIngressUnboundPortEmitsControlFrame(t *testing.T) {
	pair := queue.NewPair("udp", 4)
	demux := &fakeDemux{bound: 53}
	m := udp.NewModule(pair, demux, nil)

	buf := make([]byte, 8)
	ufrm, err := udp.NewFrame(buf)
	require.NoError(t, err)
	ufrm.SetSourcePort(9999)
	ufrm.SetDestinationPort(12345)
	ufrm.SetLength(8)

	f := fins.NewDataFrame(fins.Up, buf, fins.Metadata{}, moduleid.UDP)
	require.NoError(t, pair.Ingress.TryEnqueue(f))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	out, err := pair.Egress.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, fins.KindControl, out.Kind)
	assert.Equal(t, "DUportunreach", out.Name)
	assert.Equal(t, moduleid.ICMP, out.Dest[0])
}

func TestEgressBuildsDatagramWithValidChecksum(t *testing.T) {
	pair := queue.NewPair("udp", 4)
	m := udp.NewModule(pair, nil, nil)

	meta := fins.Metadata{}
	meta.SetU32(fins.KeyPortSrc, 5353)
	meta.SetU32(fins.KeyPortDst, 53)
	meta.SetU32(fins.KeyIPSrc, addrU32("10.0.0.1"))
	meta.SetU32(fins.KeyIPDst, addrU32("192.0.2.9"))
	f := fins.NewDataFrame(fins.Down, []byte("query"), meta, moduleid.UDP)
	require.NoError(t, pair.Ingress.TryEnqueue(f))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	out, err := pair.Egress.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, moduleid.IPv4, out.Dest[0])

	ufrm, err := udp.NewFrame(out.PDU)
	require.NoError(t, err)
	assert.Equal(t, uint16(5353), ufrm.SourcePort())
	assert.Equal(t, uint16(53), ufrm.DestinationPort())
	assert.Equal(t, []byte("query"), ufrm.Payload())

	var crc fins.CRC791
	srcA := netip.MustParseAddr("10.0.0.1").As4()
	dstA := netip.MustParseAddr("192.0.2.9").As4()
	crc.Write(srcA[:])
	crc.Write(dstA[:])
	crc.AddUint16(uint16(fins.IPProtoUDP))
	crc.AddUint16(ufrm.Length())
	crc.Write(out.PDU)
	assert.Equal(t, uint16(0), crc.Sum16())
}

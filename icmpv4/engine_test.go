package icmpv4_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/finswire/fins"
	"github.com/finswire/fins/icmpv4"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoRequestProducesValidReply(t *testing.T) {
	pair := queue.NewPair("icmp", 4)
	eng := icmpv4.NewEngine(icmpv4.Config{LocalAddr: netip.MustParseAddr("10.0.0.1")}, pair, nil)

	buf := make([]byte, 8+8)
	req, err := icmpv4.NewFrame(buf)
	require.NoError(t, err)
	req.SetType(icmpv4.TypeEcho)
	req.SetCode(0)
	copy(buf[8:], []byte("abcdefgh"))
	req.SetCRC(0)
	var crc fins.CRC791
	req.CRCWrite(&crc)
	req.SetCRC(crc.Sum16())

	meta := fins.Metadata{}
	meta.SetU32(fins.KeyIPSrc, 0x0a000002)
	meta.SetU32(fins.KeyIPDst, 0x0a000001)
	f := fins.NewDataFrame(fins.Up, buf, meta, moduleid.ICMP)
	require.NoError(t, pair.Ingress.TryEnqueue(f))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go eng.Run(ctx)

	out, err := pair.Egress.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, moduleid.IPv4, out.Dest[0])
	assert.Equal(t, fins.Down, out.Dir)

	reply, err := icmpv4.NewFrame(out.PDU)
	require.NoError(t, err)
	assert.Equal(t, icmpv4.TypeEchoReply, reply.Type())

	var replyCRC fins.CRC791
	reply.CRCWrite(&replyCRC)
	replyCRC.AddUint16(reply.CRC())
	assert.Equal(t, uint16(0), replyCRC.Sum16(), "checksum over the full reply message must fold to zero")

	src, _ := out.Metadata.U32(fins.KeyIPSrc)
	dst, _ := out.Metadata.U32(fins.KeyIPDst)
	assert.Equal(t, uint32(0x0a000001), src)
	assert.Equal(t, uint32(0x0a000002), dst)
}

func TestInboundPortUnreachableTranslatesToControlFrames(t *testing.T) {
	pair := queue.NewPair("icmp", 4)
	eng := icmpv4.NewEngine(icmpv4.Config{}, pair, nil)

	origIPHeader := make([]byte, 20+8)
	buf := make([]byte, 8+len(origIPHeader))
	icfrm, err := icmpv4.NewFrame(buf)
	require.NoError(t, err)
	icfrm.SetType(icmpv4.TypeDestinationUnreachable)
	icfrm.SetCode(uint8(icmpv4.CodePortUnreachable))
	copy(buf[8:], origIPHeader)

	f := fins.NewDataFrame(fins.Up, buf, fins.Metadata{}, moduleid.ICMP)
	require.NoError(t, pair.Ingress.TryEnqueue(f))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go eng.Run(ctx)

	first, err := pair.Egress.Dequeue(ctx)
	require.NoError(t, err)
	second, err := pair.Egress.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, fins.KindControl, first.Kind)
	assert.Equal(t, "DUportunreach", first.Name)
	assert.ElementsMatch(t, []moduleid.ID{moduleid.UDP, moduleid.TCP}, []moduleid.ID{first.Dest[0], second.Dest[0]})
}

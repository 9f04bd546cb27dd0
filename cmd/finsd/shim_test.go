package main

import (
	"context"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/finswire/fins/ctrlchan"
	"github.com/finswire/fins/queue"
	"github.com/finswire/fins/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSocketModule(t *testing.T) (*socket.Module, context.Context) {
	t.Helper()
	pair := queue.NewPair("socket", 8)
	m := socket.NewModule(netip.MustParseAddr("10.0.0.1"), pair, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, ctx
}

func encodeIDAddrPortBody(id uint32, addr netip.AddrPort) []byte {
	body := encodeU32(id)
	return append(body, encodeAddrPort(addr)...)
}

// TestDispatchSocketBindGetSockName drives opSocket then opBind then
// opGetSockName, the same sequence bind(2) then getsockname(2) would
// generate on the shim side.
func TestDispatchSocketBindGetSockName(t *testing.T) {
	m, ctx := newTestSocketModule(t)

	socketReply := dispatch(ctx, m, ctrlchan.Record{SenderPID: 1, Opcode: uint32(opSocket), Body: []byte{byte(socket.ProtoUDP)}})
	require.Equal(t, statusOK, socketReply.Status)
	id := binary.BigEndian.Uint32(socketReply.Payload)

	bindAddr := netip.MustParseAddrPort("0.0.0.0:5000")
	bindReply := dispatch(ctx, m, ctrlchan.Record{SenderPID: 1, Opcode: uint32(opBind), Body: encodeIDAddrPortBody(id, bindAddr)})
	require.Equal(t, statusOK, bindReply.Status)

	nameReply := dispatch(ctx, m, ctrlchan.Record{SenderPID: 1, Opcode: uint32(opGetSockName), Body: encodeU32(id)})
	require.Equal(t, statusOK, nameReply.Status)
	assert.Equal(t, bindAddr.Port(), binary.BigEndian.Uint16(nameReply.Payload[4:6]))
}

// TestDispatchSendRecvRoundTrip exercises opSendTo then opRecvFrom through a
// loopback UDP pair of logical sockets.
func TestDispatchSendRecvRoundTrip(t *testing.T) {
	m, ctx := newTestSocketModule(t)

	srcReply := dispatch(ctx, m, ctrlchan.Record{Opcode: uint32(opSocket), Body: []byte{byte(socket.ProtoUDP)}})
	src := binary.BigEndian.Uint32(srcReply.Payload)
	dstReply := dispatch(ctx, m, ctrlchan.Record{Opcode: uint32(opSocket), Body: []byte{byte(socket.ProtoUDP)}})
	dst := binary.BigEndian.Uint32(dstReply.Payload)

	dstAddr := netip.MustParseAddrPort("10.0.0.1:6000")
	require.Equal(t, statusOK, dispatch(ctx, m, ctrlchan.Record{Opcode: uint32(opBind), Body: encodeIDAddrPortBody(dst, dstAddr)}).Status)

	sendBody := encodeIDAddrPortBody(src, dstAddr)
	sendBody = append(sendBody, []byte("hello")...)
	sendReply := dispatch(ctx, m, ctrlchan.Record{Opcode: uint32(opSendTo), Body: sendBody})
	require.Equal(t, statusOK, sendReply.Status)
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(sendReply.Payload))

	recvBody := encodeU32(dst)
	recvBody = append(recvBody, encodeU32(64)...)
	recvBody = append(recvBody, 0) // blocking
	recvReply := dispatch(ctx, m, ctrlchan.Record{Opcode: uint32(opRecvFrom), Body: recvBody})
	require.Equal(t, statusOK, recvReply.Status)
	n := binary.BigEndian.Uint32(recvReply.Payload[0:4])
	assert.Equal(t, "hello", string(recvReply.Payload[4:4+n]))
}

func TestDispatchSocketPairUnsupported(t *testing.T) {
	m, ctx := newTestSocketModule(t)
	reply := dispatch(ctx, m, ctrlchan.Record{Opcode: uint32(opSocketPair)})
	assert.Equal(t, statusUnsupported, reply.Status)
}

func TestDispatchUnknownOpcode(t *testing.T) {
	m, ctx := newTestSocketModule(t)
	reply := dispatch(ctx, m, ctrlchan.Record{Opcode: 0xff})
	assert.Equal(t, statusUnsupported, reply.Status)
}

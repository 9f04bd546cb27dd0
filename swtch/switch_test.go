package swtch_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/finswire/fins"
	"github.com/finswire/fins/icmpv4"
	"github.com/finswire/fins/ipv4"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
	"github.com/finswire/fins/socket"
	"github.com/finswire/fins/swtch"
	"github.com/finswire/fins/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(s string) netip.Addr { return netip.MustParseAddr(s) }

// TestFairnessUnderFlood checks the package doc's central promise: a module
// that keeps its egress queue full can't starve a quieter sibling, because
// the switch moves at most one frame per module per revolution.
func TestFairnessUnderFlood(t *testing.T) {
	quiet := queue.NewPair("quiet", 8)
	noisy := queue.NewPair("noisy", 8)
	sink := queue.NewPair("sink", 64)

	const quietID, noisyID, sinkID = moduleid.UDP, moduleid.TCP, moduleid.Socket
	sw := swtch.New(map[moduleid.ID]queue.Pair{quietID: quiet, noisyID: noisy, sinkID: sink}, swtch.DefaultRetryPolicy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go sw.Run(ctx)

	require.NoError(t, quiet.Egress.Enqueue(ctx, fins.NewDataFrame(fins.Down, []byte("q1"), fins.Metadata{}, sinkID)))
	require.NoError(t, quiet.Egress.Enqueue(ctx, fins.NewDataFrame(fins.Down, []byte("q2"), fins.Metadata{}, sinkID)))

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = noisy.Egress.TryEnqueue(fins.NewDataFrame(fins.Down, []byte("n"), fins.Metadata{}, sinkID))
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stop)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case <-ctx.Done():
			t.Fatalf("quiet module's frames were starved: got %v", seen)
		default:
		}
		f, err := sink.Ingress.Dequeue(ctx)
		if err != nil {
			t.Fatalf("quiet module's frames were starved: got %v", seen)
		}
		if s := string(f.PDU); s == "q1" || s == "q2" {
			seen[s] = true
		}
	}
}

// TestQueueFullEmitsControlError drives scenario 6 from the testable
// properties: flooding a module whose ingress queue is bounded must, after
// the retry budget is spent, deliver CTRL_ERROR("queue_full") back to the
// sender rather than silently drop the frame.
func TestQueueFullEmitsControlError(t *testing.T) {
	sender := queue.NewPair("sender", 8)
	stuck := queue.NewPair("stuck", 1)

	retry := swtch.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	sw := swtch.New(map[moduleid.ID]queue.Pair{moduleid.UDP: sender, moduleid.Socket: stuck}, retry, nil)

	// Fill the destination queue so every delivery attempt finds it full; no
	// goroutine drains it.
	require.NoError(t, stuck.Ingress.TryEnqueue(fins.NewDataFrame(fins.Down, []byte("filler"), fins.Metadata{}, moduleid.Socket)))

	ctrl := fins.NewControlFrame(moduleid.UDP, fins.OpError, 1, "probe", nil, moduleid.Socket)
	require.NoError(t, sender.Egress.Enqueue(context.Background(), ctrl))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sw.Run(ctx)

	errFrame, err := sender.Ingress.Dequeue(ctx)
	require.NoError(t, err, "sender should receive CTRL_ERROR(queue_full) once the retry budget is exhausted")
	assert.Equal(t, fins.KindControl, errFrame.Kind)
	assert.Equal(t, "queue_full", errFrame.Name)
	assert.Equal(t, moduleid.Switch, errFrame.Sender)

	assert.Equal(t, uint64(1), sw.Stats().QueueFull)
}

// TestStatsDeliveredCounter checks the Delivered counter advances once per
// successfully routed frame.
func TestStatsDeliveredCounter(t *testing.T) {
	src := queue.NewPair("src", 8)
	dst := queue.NewPair("dst", 8)
	sw := swtch.New(map[moduleid.ID]queue.Pair{moduleid.UDP: src, moduleid.Socket: dst}, swtch.DefaultRetryPolicy, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go sw.Run(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, src.Egress.Enqueue(ctx, fins.NewDataFrame(fins.Down, []byte("x"), fins.Metadata{}, moduleid.Socket)))
	}
	for i := 0; i < 5; i++ {
		_, err := dst.Ingress.Dequeue(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(5), sw.Stats().Delivered)
}

// fabric wires ipv4, icmpv4, udp and socket together behind a real switch,
// standing in for ethernet with a bare sink pair so tests can inspect
// exactly what would have gone out (or come in) over the wire.
type fabric struct {
	sw   *swtch.Switch
	ipv4 *ipv4.Module
	sock *socket.Module
	pair map[moduleid.ID]queue.Pair
}

func newFabric(t *testing.T, local netip.Addr) *fabric {
	t.Helper()
	pairs := map[moduleid.ID]queue.Pair{
		moduleid.IPv4:     queue.NewPair("ipv4", 16),
		moduleid.ICMP:     queue.NewPair("icmp", 16),
		moduleid.UDP:      queue.NewPair("udp", 16),
		moduleid.Socket:   queue.NewPair("socket", 16),
		moduleid.Ethernet: queue.NewPair("ethernet", 16),
	}
	sock := socket.NewModule(local, pairs[moduleid.Socket], nil)
	udpMod := udp.NewModule(pairs[moduleid.UDP], socket.UDPDemux{M: sock}, nil)
	routes := ipv4.NewRouteTable(ipv4.Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), NextHop: mustAddr("10.0.0.254"), Metric: 1})
	ipv4Mod := ipv4.NewModule(ipv4.Config{LocalAddr: local, MTU: 1500, DefaultTTL: 64}, pairs[moduleid.IPv4], routes, nil)
	icmpEng := icmpv4.NewEngine(icmpv4.Config{LocalAddr: local}, pairs[moduleid.ICMP], nil)

	sw := swtch.New(pairs, swtch.DefaultRetryPolicy, nil)

	f := &fabric{sw: sw, ipv4: ipv4Mod, sock: sock, pair: pairs}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	go sw.Run(ctx)
	go ipv4Mod.Run(ctx)
	go icmpEng.Run(ctx)
	go udpMod.Run(ctx)
	go sock.Run(ctx)

	return f
}

func buildIPv4Datagram(t *testing.T, src, dst netip.Addr, proto fins.IPProto, id uint16, ttl uint8, chunk []byte) []byte {
	t.Helper()
	buf := make([]byte, 20+len(chunk))
	ifrm, err := ipv4.NewFrame(buf)
	require.NoError(t, err)
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	ifrm.SetID(id)
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(proto)
	s, d := src.As4(), dst.As4()
	*ifrm.SourceAddr() = s
	*ifrm.DestinationAddr() = d
	copy(ifrm.Payload(), chunk)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
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

func buildUDPDatagram(t *testing.T, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 8+len(payload))
	ufrm, err := udp.NewFrame(buf)
	require.NoError(t, err)
	ufrm.SetSourcePort(srcPort)
	ufrm.SetDestinationPort(dstPort)
	ufrm.SetLength(uint16(len(buf)))
	copy(ufrm.Payload(), payload)
	return buf
}

func buildICMPEcho(t *testing.T, id, seq uint16, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, 8+len(payload))
	icfrm, err := icmpv4.NewFrame(buf)
	require.NoError(t, err)
	icfrm.SetType(icmpv4.TypeEcho)
	icfrm.SetCode(0)
	copy(buf[8:], payload)
	icfrm.SetCRC(0)
	var crc fins.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(crc.Sum16())
	return buf
}

// TestScenarioEchoRoundTrip drives an inbound ICMP echo request all the way
// through ipv4 -> switch -> icmpv4 -> switch -> ipv4 and checks the frame
// that would go out the wire.
func TestScenarioEchoRoundTrip(t *testing.T) {
	local := mustAddr("10.0.0.1")
	remote := mustAddr("10.0.0.2")
	f := newFabric(t, local)

	icmpPayload := []byte("abcdefgh")
	datagram := buildIPv4Datagram(t, remote, local, fins.IPProtoICMP, 1, 64, buildICMPEcho(t, 0x1234, 1, icmpPayload))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.pair[moduleid.IPv4].Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, datagram, fins.Metadata{}, moduleid.IPv4)))

	out, err := f.pair[moduleid.Ethernet].Ingress.Dequeue(ctx)
	require.NoError(t, err)

	ofrm, err := ipv4.NewFrame(out.PDU)
	require.NoError(t, err)
	assert.Equal(t, local.As4(), *ofrm.SourceAddr())
	assert.Equal(t, remote.As4(), *ofrm.DestinationAddr())
	assert.Equal(t, uint16(0), ofrm.CalculateHeaderCRC())

	reply, err := icmpv4.NewFrame(ofrm.Payload())
	require.NoError(t, err)
	assert.Equal(t, icmpv4.TypeEchoReply, reply.Type())
	var crc fins.CRC791
	reply.CRCWrite(&crc)
	assert.Equal(t, uint16(0), crc.Sum16())
}

// TestScenarioUDPReceive drives an inbound UDP datagram through ipv4 ->
// switch -> udp -> (in-process demux call) -> a bound socket's Recv.
func TestScenarioUDPReceive(t *testing.T) {
	local := mustAddr("10.0.0.1")
	remote := mustAddr("192.0.2.1")
	f := newFabric(t, local)

	id := f.sock.Socket(socket.ProtoUDP, 1)
	require.NoError(t, f.sock.Bind(id, netip.MustParseAddrPort("0.0.0.0:5000")))

	datagram := buildIPv4Datagram(t, remote, local, fins.IPProtoUDP, 2, 64, buildUDPDatagram(t, 40000, 5000, []byte("ping")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.pair[moduleid.IPv4].Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, datagram, fins.Metadata{}, moduleid.IPv4)))

	buf := make([]byte, 16)
	n, from, err := f.sock.Recv(ctx, id, buf, false)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
	assert.Equal(t, remote, from.Addr())
	assert.Equal(t, uint16(40000), from.Port())
}

// TestScenarioPortUnreachable checks that a UDP datagram addressed to an
// unbound port comes back out as an ICMP destination/port unreachable
// message embedding the offending UDP datagram bytes udp.Module forwarded.
func TestScenarioPortUnreachable(t *testing.T) {
	local := mustAddr("10.0.0.1")
	remote := mustAddr("192.0.2.1")
	f := newFabric(t, local)

	udpDatagram := buildUDPDatagram(t, 40000, 9999, []byte("pingpong")) // >= 16 bytes: exercises the KeyIPDst-fill branch
	datagram := buildIPv4Datagram(t, remote, local, fins.IPProtoUDP, 3, 64, udpDatagram)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.pair[moduleid.IPv4].Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, datagram, fins.Metadata{}, moduleid.IPv4)))

	out, err := f.pair[moduleid.Ethernet].Ingress.Dequeue(ctx)
	require.NoError(t, err)

	ofrm, err := ipv4.NewFrame(out.PDU)
	require.NoError(t, err)
	assert.Equal(t, local.As4(), *ofrm.SourceAddr())

	icfrm, err := icmpv4.NewFrame(ofrm.Payload())
	require.NoError(t, err)
	assert.Equal(t, icmpv4.TypeDestinationUnreachable, icfrm.Type())
	assert.Equal(t, uint8(icmpv4.CodePortUnreachable), icfrm.Code())
	assert.Equal(t, udpDatagram, ofrm.Payload()[8:])
}

// TestScenarioTTLExpiry checks that a datagram received with TTL 0 is
// dropped before upper-layer delivery and answered with an ICMP time
// exceeded message rather than ever reaching udp.
func TestScenarioTTLExpiry(t *testing.T) {
	local := mustAddr("10.0.0.1")
	remote := mustAddr("192.0.2.1")
	f := newFabric(t, local)

	datagram := buildIPv4Datagram(t, remote, local, fins.IPProtoUDP, 4, 0, buildUDPDatagram(t, 40000, 5000, []byte("ping")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.pair[moduleid.IPv4].Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, datagram, fins.Metadata{}, moduleid.IPv4)))

	out, err := f.pair[moduleid.Ethernet].Ingress.Dequeue(ctx)
	require.NoError(t, err)

	ofrm, err := ipv4.NewFrame(out.PDU)
	require.NoError(t, err)
	icfrm, err := icmpv4.NewFrame(ofrm.Payload())
	require.NoError(t, err)
	assert.Equal(t, icmpv4.TypeTimeExceeded, icfrm.Type())
	assert.Equal(t, uint8(icmpv4.CodeExceededInTransit), icfrm.Code())

	assert.Equal(t, 0, f.pair[moduleid.IPv4].Ingress.Len(), "no leftover ingress work")
	_, err = f.pair[moduleid.UDP].Ingress.TryDequeue()
	assert.ErrorIs(t, err, queue.ErrEmpty, "a TTL-expired datagram must never reach the upper layer")
}

// TestScenarioFragmentReassembly delivers two fragments of one UDP datagram
// in reverse order and checks a single recvfrom returns the whole payload
// exactly once.
func TestScenarioFragmentReassembly(t *testing.T) {
	local := mustAddr("10.0.0.1")
	remote := mustAddr("192.0.2.1")
	f := newFabric(t, local)

	id := f.sock.Socket(socket.ProtoUDP, 1)
	require.NoError(t, f.sock.Bind(id, netip.MustParseAddrPort("0.0.0.0:5000")))

	udpDatagram := buildUDPDatagram(t, 40000, 5000, make([]byte, 3000))
	for i := range udpDatagram[8:] {
		udpDatagram[8+i] = byte(i)
	}
	frag1 := buildIPv4Fragment(t, remote, local, fins.IPProtoUDP, 55, 0, true, udpDatagram[:1480])
	frag2 := buildIPv4Fragment(t, remote, local, fins.IPProtoUDP, 55, 1480, false, udpDatagram[1480:])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.pair[moduleid.IPv4].Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, frag2, fins.Metadata{}, moduleid.IPv4)))
	require.NoError(t, f.pair[moduleid.IPv4].Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, frag1, fins.Metadata{}, moduleid.IPv4)))

	buf := make([]byte, 4096)
	n, _, err := f.sock.Recv(ctx, id, buf, false)
	require.NoError(t, err)
	assert.Equal(t, len(udpDatagram)-8, n)
	assert.Equal(t, udpDatagram[8:], buf[:n])

	assert.Equal(t, uint64(1), f.ipv4.Stats().ReassembliesCompleted)
}

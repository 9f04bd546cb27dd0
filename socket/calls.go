package socket

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync/atomic"

	"github.com/finswire/fins"
	"github.com/finswire/fins/moduleid"
)

// Socket implements the socket(2) opcode: allocate a logical socket and
// assign it a fabric id. owner identifies the intercepted client (so a
// later CloseOwner can tear down everything it opened); ctrlchan supplies
// the real value (its sender_pid, in original_source/socketdaemon/core.c's
// terms) once the control channel is wired.
func (m *Module) Socket(proto Proto, owner uint32) ID {
	return m.table.create(proto, owner).id
}

// Bind implements bind(2): records the local address/port, rejecting a
// duplicate on the same protocol per the invariant in SPEC_FULL.md §8. A
// zero port requests an ephemeral one, assigned here rather than left to the
// transport module since UDP/TCP's Module types have no port-allocation
// concept of their own.
func (m *Module) Bind(id ID, addr netip.AddrPort) error {
	s, ok := m.table.get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateUnbound {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	proto := s.proto
	s.mu.Unlock()

	port := addr.Port()
	if port == 0 {
		port = m.nextEphemeralPort()
	}
	if m.table.bindConflict(proto, addr.Addr(), port, id) {
		return ErrAlreadyBound
	}

	s.mu.Lock()
	s.localAddr, s.localPort, s.state = addr.Addr(), port, StateBound
	s.mu.Unlock()
	return nil
}

// GetSockName implements getsockname(2).
func (m *Module) GetSockName(id ID) (netip.AddrPort, error) {
	s, ok := m.table.get(id)
	if !ok {
		return netip.AddrPort{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return netip.AddrPortFrom(s.localAddr, s.localPort), nil
}

// GetPeerName implements getpeername(2).
func (m *Module) GetPeerName(id ID) (netip.AddrPort, error) {
	s, ok := m.table.get(id)
	if !ok {
		return netip.AddrPort{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return netip.AddrPort{}, ErrNotConnected
	}
	return netip.AddrPortFrom(s.remoteAddr, s.remotePort), nil
}

// Connect implements connect(2): for UDP this is purely local state (it
// just records the peer a later send/recv without an explicit address
// targets); for TCP it emits a control frame to moduleid.TCP and waits for
// the completion reply, per SPEC_FULL.md §4.6's connect row.
func (m *Module) Connect(ctx context.Context, id ID, peer netip.AddrPort) error {
	s, ok := m.table.get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateListening {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	proto := s.proto
	localAddr, localPort := s.localAddr, s.localPort
	s.mu.Unlock()

	if !localAddr.IsValid() {
		localAddr = m.localAddr
	}
	if localPort == 0 {
		localPort = m.nextEphemeralPort()
	}

	if proto == ProtoUDP {
		s.mu.Lock()
		s.localAddr, s.localPort = localAddr, localPort
		s.remoteAddr, s.remotePort, s.state = peer.Addr(), peer.Port(), StateConnected
		s.mu.Unlock()
		return nil
	}
	if proto != ProtoTCP {
		return ErrWrongProto
	}

	serial := atomic.AddUint64(&m.serial, 1)
	data := make([]byte, 8)
	binary.BigEndian.PutUint16(data[0:2], localPort)
	binary.BigEndian.PutUint16(data[2:4], peer.Port())
	binary.BigEndian.PutUint32(data[4:8], u32FromAddr(peer.Addr()))

	reply, err := m.roundTrip(ctx, serial, "connect", data)
	if err != nil {
		return err
	}
	if len(reply.Data) < 1 || reply.Data[0] == 0 {
		return ErrRefused
	}
	s.mu.Lock()
	s.localAddr, s.localPort = localAddr, localPort
	s.remoteAddr, s.remotePort, s.state = peer.Addr(), peer.Port(), StateConnected
	s.mu.Unlock()
	return nil
}

// Send implements send(2)/write(2) on a connected socket.
func (m *Module) Send(ctx context.Context, id ID, payload []byte) (int, error) {
	s, ok := m.table.get(id)
	if !ok {
		return 0, ErrNotFound
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	if s.shutWr {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	localAddr, localPort, remoteAddr, remotePort, proto := s.localAddr, s.localPort, s.remoteAddr, s.remotePort, s.proto
	s.mu.Unlock()

	if err := m.sendFrame(ctx, proto, localAddr, localPort, remoteAddr, remotePort, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// SendTo implements sendto(2): for UDP, payload goes to addr regardless of
// any connected peer; a connected TCP socket ignores addr and behaves like
// Send, matching sendto(2) on a stream socket.
func (m *Module) SendTo(ctx context.Context, id ID, addr netip.AddrPort, payload []byte) (int, error) {
	s, ok := m.table.get(id)
	if !ok {
		return 0, ErrNotFound
	}
	s.mu.Lock()
	proto := s.proto
	if proto == ProtoTCP {
		connected := s.state == StateConnected
		remoteAddr, remotePort := s.remoteAddr, s.remotePort
		localAddr, localPort := s.localAddr, s.localPort
		s.mu.Unlock()
		if !connected {
			return 0, ErrNotConnected
		}
		if err := m.sendFrame(ctx, ProtoTCP, localAddr, localPort, remoteAddr, remotePort, payload); err != nil {
			return 0, err
		}
		return len(payload), nil
	}
	localAddr, localPort := s.localAddr, s.localPort
	s.mu.Unlock()
	if !localAddr.IsValid() {
		localAddr = m.localAddr
	}
	if localPort == 0 {
		localPort = m.nextEphemeralPort()
		s.mu.Lock()
		s.localAddr, s.localPort = localAddr, localPort
		s.mu.Unlock()
	}
	if err := m.sendFrame(ctx, proto, localAddr, localPort, addr.Addr(), addr.Port(), payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// SendMsg implements sendmsg(2): an optional address carried in ancillary
// data selects SendTo's behavior, otherwise it behaves like Send.
func (m *Module) SendMsg(ctx context.Context, id ID, addr netip.AddrPort, payload []byte) (int, error) {
	if addr.IsValid() {
		return m.SendTo(ctx, id, addr, payload)
	}
	return m.Send(ctx, id, payload)
}

func (m *Module) sendFrame(ctx context.Context, proto Proto, localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16, payload []byte) error {
	meta := fins.Metadata{}
	meta.SetU32(fins.KeyIPSrc, u32FromAddr(localAddr))
	meta.SetU32(fins.KeyIPDst, u32FromAddr(remoteAddr))
	meta.SetU32(fins.KeyPortSrc, uint32(localPort))
	meta.SetU32(fins.KeyPortDst, uint32(remotePort))
	meta.SetU32(fins.KeyProtocol, uint32(proto.fabricProto()))
	out := fins.NewDataFrame(fins.Down, append([]byte(nil), payload...), meta, proto.moduleID())
	return m.pair.Egress.Enqueue(ctx, out)
}

// Recv implements recv(2)/recvfrom(2)/recvmsg(2): dequeues one frame from
// the socket's data queue, blocking unless nonBlocking is set (in which case
// an empty queue returns ErrWouldBlock immediately, per SPEC_FULL.md §5).
// Surplus beyond len(buf) is retained for TCP (a byte stream) and discarded
// for UDP/ICMP (datagram message boundaries), per SPEC_FULL.md §4.6's recv
// row.
func (m *Module) Recv(ctx context.Context, id ID, buf []byte, nonBlocking bool) (n int, from netip.AddrPort, err error) {
	s, ok := m.table.get(id)
	if !ok {
		return 0, netip.AddrPort{}, ErrNotFound
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return 0, netip.AddrPort{}, ErrClosed
	}
	if len(s.leftover) > 0 {
		n = copy(buf, s.leftover)
		s.leftover = s.leftover[n:]
		from = netip.AddrPortFrom(s.remoteAddr, s.remotePort)
		s.mu.Unlock()
		return n, from, nil
	}
	recvq, proto := s.recvq, s.proto
	s.mu.Unlock()

	var d datagram
	if nonBlocking {
		select {
		case d = <-recvq:
		default:
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
	} else {
		select {
		case d = <-recvq:
		case <-ctx.Done():
			return 0, netip.AddrPort{}, ctx.Err()
		}
	}

	n = copy(buf, d.payload)
	if proto == ProtoTCP && n < len(d.payload) {
		s.mu.Lock()
		s.leftover = append([]byte(nil), d.payload[n:]...)
		s.mu.Unlock()
	}
	return n, netip.AddrPortFrom(d.srcAddr, d.srcPort), nil
}

// Listen implements listen(2): TCP only, delegated to tcp.Module.
func (m *Module) Listen(ctx context.Context, id ID) error {
	s, ok := m.table.get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	if s.proto != ProtoTCP {
		s.mu.Unlock()
		return ErrWrongProto
	}
	if s.state != StateBound {
		s.mu.Unlock()
		return errors.New("socket: listen requires a prior bind")
	}
	localPort := s.localPort
	acceptc := make(chan acceptResult, 1)
	s.acceptc = acceptc
	s.mu.Unlock()

	serial := atomic.AddUint64(&m.serial, 1)
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, localPort)

	m.mu.Lock()
	m.accepting[localPort] = acceptc
	m.mu.Unlock()

	reply, err := m.roundTrip(ctx, serial, "listen", data)
	if err != nil {
		m.mu.Lock()
		delete(m.accepting, localPort)
		m.mu.Unlock()
		return err
	}
	if len(reply.Data) < 1 || reply.Data[0] == 0 {
		m.mu.Lock()
		delete(m.accepting, localPort)
		m.mu.Unlock()
		return ErrRefused
	}
	s.mu.Lock()
	s.state = StateListening
	s.mu.Unlock()
	return nil
}

// Accept implements accept(2)/accept4(2) (accept4's flags argument is not
// interpreted by this skeleton, so both share this method): it blocks until
// tcp.Module's notifyAccepted alert reports that this listener's Handler has
// been promoted to an established connection (see tcp.Module's
// one-Handler-per-listener simplification), then allocates a fresh logical
// socket carrying the peer tuple.
func (m *Module) Accept(ctx context.Context, id ID) (ID, netip.AddrPort, error) {
	s, ok := m.table.get(id)
	if !ok {
		return 0, netip.AddrPort{}, ErrNotFound
	}
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return 0, netip.AddrPort{}, ErrNotListening
	}
	localAddr, localPort, owner, acceptc := s.localAddr, s.localPort, s.owner, s.acceptc
	s.mu.Unlock()

	select {
	case res := <-acceptc:
		ns := m.table.create(ProtoTCP, owner)
		ns.mu.Lock()
		ns.localAddr, ns.localPort = localAddr, localPort
		ns.remoteAddr, ns.remotePort, ns.state = res.remoteAddr, res.remotePort, StateConnected
		ns.mu.Unlock()
		return ns.id, netip.AddrPortFrom(res.remoteAddr, res.remotePort), nil
	case <-ctx.Done():
		return 0, netip.AddrPort{}, ctx.Err()
	}
}

// SetSockOpt implements setsockopt(2). Unknown keys are stored but carry no
// behavior, matching SPEC_FULL.md's "unknown options reply success with no
// effect" rule.
func (m *Module) SetSockOpt(id ID, opt Opt, value int32) error {
	s, ok := m.table.get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts == nil {
		s.opts = make(map[Opt]int32, 2)
	}
	s.opts[opt] = value
	return nil
}

// GetSockOpt implements getsockopt(2); an option never set reads back zero.
func (m *Module) GetSockOpt(id ID, opt Opt) (int32, error) {
	s, ok := m.table.get(id)
	if !ok {
		return 0, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts[opt], nil
}

// Shutdown implements shutdown(2): marks half-closed directions on the
// logical socket without removing it from the table.
func (m *Module) Shutdown(id ID, how ShutHow) error {
	s, ok := m.table.get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch how {
	case ShutRd:
		s.shutRd = true
	case ShutWr:
		s.shutWr = true
	case ShutRdwr:
		s.shutRd, s.shutWr = true, true
	}
	return nil
}

// Close implements close(2): drains the data queue, removes the socket
// record, and, for an open TCP connection, notifies tcp.Module so it can
// tear down the Handler backing it.
func (m *Module) Close(ctx context.Context, id ID) error {
	s, ok := m.table.get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	proto, state := s.proto, s.state
	localPort, remotePort, remoteAddr := s.localPort, s.remotePort, s.remoteAddr
	s.state = StateClosed
	recvq := s.recvq
	s.mu.Unlock()

	drainDatagramQueue(recvq)
	m.table.remove(id)

	if proto == ProtoTCP && state == StateConnected {
		data := make([]byte, 8)
		binary.BigEndian.PutUint16(data[0:2], localPort)
		binary.BigEndian.PutUint16(data[2:4], remotePort)
		binary.BigEndian.PutUint32(data[4:8], u32FromAddr(remoteAddr))
		out := fins.NewControlFrame(moduleid.Socket, fins.OpExec, 0, "close", data, moduleid.TCP)
		_ = m.pair.Egress.Enqueue(ctx, out)
	}
	return nil
}

// CloseOwner implements the socket handler's client-death cleanup clause
// (SPEC_FULL.md §4.6): every logical socket created by owner is torn down
// as if an explicit close(2) had been issued for each. ctrlchan calls this
// once it observes a write failure on a client's reply channel.
func (m *Module) CloseOwner(ctx context.Context, owner uint32) {
	for _, id := range m.table.idsOwnedBy(owner) {
		_ = m.Close(ctx, id)
	}
}

// roundTrip sends a control frame to moduleid.TCP carrying serial and waits
// for the matching OpExecReply, or for ctx to end.
func (m *Module) roundTrip(ctx context.Context, serial uint64, name string, data []byte) (fins.Frame, error) {
	ch := make(chan fins.Frame, 1)
	m.mu.Lock()
	m.pending[serial] = ch
	m.mu.Unlock()

	out := fins.NewControlFrame(moduleid.Socket, fins.OpExec, serial, name, data, moduleid.TCP)
	if err := m.pair.Egress.Enqueue(ctx, out); err != nil {
		m.mu.Lock()
		delete(m.pending, serial)
		m.mu.Unlock()
		return fins.Frame{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, serial)
		m.mu.Unlock()
		return fins.Frame{}, ctx.Err()
	}
}

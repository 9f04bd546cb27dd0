package main

import (
	"context"
	"encoding/binary"
	"net/netip"

	"github.com/finswire/fins/ctrlchan"
	"github.com/finswire/fins/internal/obslog"
	"github.com/finswire/fins/socket"
)

// callOpcode enumerates the interception shim's system-call requests, in the
// same order original_source/socketdaemon/core.c's interceptor_to_jinni()
// switches on them. finstypes.h does not carry a transcribable per-opcode
// argument struct layout, so the body encodings below are this
// implementation's own fixed-width design rather than a port of an existing
// wire format; each is documented at its case.
type callOpcode uint32

const (
	opSocket callOpcode = iota
	opSocketPair
	opBind
	opGetSockName
	opConnect
	opGetPeerName
	opSend
	opRecv
	opSendTo
	opRecvFrom
	opSendMsg
	opRecvMsg
	opGetSockOpt
	opSetSockOpt
	opListen
	opAccept
	opAccept4
	opShutdown
	opClose
)

// Status codes carried in ctrlchan.Reply.Status. 0 is success; nonzero
// values are this package's own small error space, not errno — the shim is
// expected to translate a nonzero status to whatever errno it finds fitting
// for the call that failed.
const (
	statusOK uint32 = iota
	statusError
	statusUnsupported
)

// serveControlChannel is the handler-side loop of SPEC_FULL.md §6's control
// channel: it blocks on ctrl.ReadRequest, dispatches the opcode against
// sock, and writes back a reply. ReadRequest has no cancellation hook (it
// blocks on a System V semaphore, the same way the original daemon's
// handler thread blocked until the process was killed), so ctx is only
// observed between requests; a stuck shim leaves this goroutine blocked
// until the channel is closed or the process exits.
func serveControlChannel(ctx context.Context, ctrl *ctrlchan.Channel, sock *socket.Module, log *obslog.Logger) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := ctrl.ReadRequest()
		if err != nil {
			return err
		}
		reply := dispatch(ctx, sock, req)
		if err := ctrl.WriteReply(reply); err != nil {
			if log != nil {
				log.Warn("ctrlchan: writing reply failed", "err", err)
			}
		}
	}
}

func dispatch(ctx context.Context, sock *socket.Module, req ctrlchan.Record) ctrlchan.Reply {
	owner := uint32(req.SenderPID)
	switch callOpcode(req.Opcode) {

	case opSocket:
		// body: proto(1: 0=udp,1=tcp,2=icmp)
		if len(req.Body) < 1 {
			return errReply()
		}
		id := sock.Socket(socket.Proto(req.Body[0]), owner)
		return okReply(encodeU32(uint32(id)))

	case opSocketPair:
		// AF_UNIX socketpair(2) has no meaning on this IP-only fabric: no
		// module carries local Unix-domain traffic, so this call is refused
		// rather than faked.
		return ctrlchan.Reply{Status: statusUnsupported}

	case opBind:
		// body: id(4) + addr(4) + port(2)
		id, addr, ok := decodeIDAddrPort(req.Body)
		if !ok {
			return errReply()
		}
		if err := sock.Bind(socket.ID(id), addr); err != nil {
			return errReply()
		}
		return okReply(nil)

	case opGetSockName:
		id, ok := decodeID(req.Body)
		if !ok {
			return errReply()
		}
		addr, err := sock.GetSockName(socket.ID(id))
		if err != nil {
			return errReply()
		}
		return okReply(encodeAddrPort(addr))

	case opGetPeerName:
		id, ok := decodeID(req.Body)
		if !ok {
			return errReply()
		}
		addr, err := sock.GetPeerName(socket.ID(id))
		if err != nil {
			return errReply()
		}
		return okReply(encodeAddrPort(addr))

	case opConnect:
		id, addr, ok := decodeIDAddrPort(req.Body)
		if !ok {
			return errReply()
		}
		if err := sock.Connect(ctx, socket.ID(id), addr); err != nil {
			return errReply()
		}
		return okReply(nil)

	case opSend:
		// body: id(4) + payload
		if len(req.Body) < 4 {
			return errReply()
		}
		id := binary.BigEndian.Uint32(req.Body[0:4])
		n, err := sock.Send(ctx, socket.ID(id), req.Body[4:])
		if err != nil {
			return errReply()
		}
		return okReply(encodeU32(uint32(n)))

	case opSendTo, opSendMsg:
		// body: id(4) + addr(4) + port(2) + payload
		id, addr, payload, ok := decodeIDAddrPortPayload(req.Body)
		if !ok {
			return errReply()
		}
		n, err := sock.SendTo(ctx, socket.ID(id), addr, payload)
		if err != nil {
			return errReply()
		}
		return okReply(encodeU32(uint32(n)))

	case opRecv:
		// body: id(4) + bufLen(4) + nonBlocking(1)
		id, bufLen, nonBlocking, ok := decodeRecvArgs(req.Body)
		if !ok {
			return errReply()
		}
		buf := make([]byte, bufLen)
		n, _, err := sock.Recv(ctx, socket.ID(id), buf, nonBlocking)
		if err != nil {
			return errReply()
		}
		return okReply(append(encodeU32(uint32(n)), buf[:n]...))

	case opRecvFrom, opRecvMsg:
		id, bufLen, nonBlocking, ok := decodeRecvArgs(req.Body)
		if !ok {
			return errReply()
		}
		buf := make([]byte, bufLen)
		n, from, err := sock.Recv(ctx, socket.ID(id), buf, nonBlocking)
		if err != nil {
			return errReply()
		}
		out := append(encodeU32(uint32(n)), buf[:n]...)
		out = append(out, encodeAddrPort(from)...)
		return okReply(out)

	case opGetSockOpt:
		// body: id(4) + optLen(1) + opt
		id, opt, ok := decodeIDOpt(req.Body)
		if !ok {
			return errReply()
		}
		v, err := sock.GetSockOpt(socket.ID(id), socket.Opt(opt))
		if err != nil {
			return errReply()
		}
		return okReply(encodeU32(uint32(v)))

	case opSetSockOpt:
		// body: id(4) + optLen(1) + opt + value(4)
		id, opt, rest, ok := decodeIDOptRest(req.Body)
		if !ok || len(rest) < 4 {
			return errReply()
		}
		value := int32(binary.BigEndian.Uint32(rest[0:4]))
		if err := sock.SetSockOpt(socket.ID(id), socket.Opt(opt), value); err != nil {
			return errReply()
		}
		return okReply(nil)

	case opListen:
		id, ok := decodeID(req.Body)
		if !ok {
			return errReply()
		}
		if err := sock.Listen(ctx, socket.ID(id)); err != nil {
			return errReply()
		}
		return okReply(nil)

	case opAccept, opAccept4:
		id, ok := decodeID(req.Body)
		if !ok {
			return errReply()
		}
		newID, addr, err := sock.Accept(ctx, socket.ID(id))
		if err != nil {
			return errReply()
		}
		out := encodeU32(uint32(newID))
		out = append(out, encodeAddrPort(addr)...)
		return okReply(out)

	case opShutdown:
		// body: id(4) + how(1)
		if len(req.Body) < 5 {
			return errReply()
		}
		id := binary.BigEndian.Uint32(req.Body[0:4])
		how := socket.ShutHow(req.Body[4])
		if err := sock.Shutdown(socket.ID(id), how); err != nil {
			return errReply()
		}
		return okReply(nil)

	case opClose:
		id, ok := decodeID(req.Body)
		if !ok {
			return errReply()
		}
		if err := sock.Close(ctx, socket.ID(id)); err != nil {
			return errReply()
		}
		return okReply(nil)

	default:
		return ctrlchan.Reply{Status: statusUnsupported}
	}
}

func okReply(payload []byte) ctrlchan.Reply {
	return ctrlchan.Reply{Status: statusOK, Payload: payload}
}

func errReply() ctrlchan.Reply {
	return ctrlchan.Reply{Status: statusError}
}

func encodeU32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func encodeAddrPort(ap netip.AddrPort) []byte {
	var out [6]byte
	a4 := ap.Addr().As4()
	copy(out[0:4], a4[:])
	binary.BigEndian.PutUint16(out[4:6], ap.Port())
	return out[:]
}

func decodeID(body []byte) (uint32, bool) {
	if len(body) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(body[0:4]), true
}

func decodeIDAddrPort(body []byte) (uint32, netip.AddrPort, bool) {
	if len(body) < 10 {
		return 0, netip.AddrPort{}, false
	}
	id := binary.BigEndian.Uint32(body[0:4])
	var a4 [4]byte
	copy(a4[:], body[4:8])
	port := binary.BigEndian.Uint16(body[8:10])
	return id, netip.AddrPortFrom(netip.AddrFrom4(a4), port), true
}

func decodeIDAddrPortPayload(body []byte) (uint32, netip.AddrPort, []byte, bool) {
	id, addr, ok := decodeIDAddrPort(body)
	if !ok {
		return 0, netip.AddrPort{}, nil, false
	}
	return id, addr, body[10:], true
}

func decodeRecvArgs(body []byte) (id uint32, bufLen uint32, nonBlocking bool, ok bool) {
	if len(body) < 9 {
		return 0, 0, false, false
	}
	id = binary.BigEndian.Uint32(body[0:4])
	bufLen = binary.BigEndian.Uint32(body[4:8])
	nonBlocking = body[8] != 0
	return id, bufLen, nonBlocking, true
}

func decodeIDOpt(body []byte) (id uint32, opt string, ok bool) {
	id, opt, rest, ok := decodeIDOptRest(body)
	_ = rest
	return id, opt, ok
}

func decodeIDOptRest(body []byte) (id uint32, opt string, rest []byte, ok bool) {
	if len(body) < 5 {
		return 0, "", nil, false
	}
	id = binary.BigEndian.Uint32(body[0:4])
	optLen := int(body[4])
	if len(body) < 5+optLen {
		return 0, "", nil, false
	}
	opt = string(body[5 : 5+optLen])
	return id, opt, body[5+optLen:], true
}

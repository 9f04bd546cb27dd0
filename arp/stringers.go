package arp

import "strconv"

func (op Operation) String() string {
	switch op {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	default:
		return "Operation(" + strconv.FormatUint(uint64(op), 10) + ")"
	}
}

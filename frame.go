package fins

import "github.com/finswire/fins/moduleid"

// Kind discriminates a Frame's payload shape.
type Kind uint8

const (
	KindData Kind = iota
	KindControl
)

func (k Kind) String() string {
	if k == KindControl {
		return "control"
	}
	return "data"
}

// Direction records which way a data Frame is travelling across a module
// boundary: UP toward the client, DOWN toward the link.
type Direction uint8

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Opcode is the discriminator of a control Frame's payload.
type Opcode uint8

const (
	OpAlert Opcode = iota
	OpReadParam
	OpReadParamReply
	OpSetParam
	OpExec
	OpExecReply
	OpError
)

func (op Opcode) String() string {
	switch op {
	case OpAlert:
		return "ALERT"
	case OpReadParam:
		return "READ_PARAM"
	case OpReadParamReply:
		return "READ_PARAM_REPLY"
	case OpSetParam:
		return "SET_PARAM"
	case OpExec:
		return "EXEC"
	case OpExecReply:
		return "EXEC_REPLY"
	case OpError:
		return "ERROR"
	default:
		return "Opcode(?)"
	}
}

// Frame is the sole currency passed between modules over the queue fabric.
// A Frame is owned by exactly one module at a time; the switch transfers
// ownership atomically as it moves a Frame from an egress queue to an
// ingress queue. A Frame is never mutated by the switch.
//
// A Frame is exactly one of a data Frame (Kind == KindData) or a control
// Frame (Kind == KindControl); the fields relevant to the other kind are
// left at their zero value.
type Frame struct {
	// Dest is the ordered, non-empty destination module list. The switch
	// pops its own id off the front and re-routes on what remains, which is
	// how a Frame can be staged to pass through more than one module.
	Dest []moduleid.ID
	Kind Kind

	// Data payload fields, valid when Kind == KindData.
	Dir      Direction
	PDU      []byte
	Metadata Metadata

	// Control payload fields, valid when Kind == KindControl.
	Sender moduleid.ID
	Op     Opcode
	Serial uint64
	Name   string
	Data   []byte
}

// NewDataFrame constructs a data Frame addressed to dst, carrying pdu as its
// PDU buffer (not copied: ownership of pdu transfers to the returned Frame).
func NewDataFrame(dir Direction, pdu []byte, meta Metadata, dst ...moduleid.ID) Frame {
	return Frame{
		Dest:     append([]moduleid.ID(nil), dst...),
		Kind:     KindData,
		Dir:      dir,
		PDU:      pdu,
		Metadata: meta,
	}
}

// NewControlFrame constructs a control Frame. serial should be a value unique
// per (sender, op) pair for the lifetime of the process; callers typically
// source it from a monotonic counter kept alongside the sending module.
func NewControlFrame(sender moduleid.ID, op Opcode, serial uint64, name string, data []byte, dst ...moduleid.ID) Frame {
	return Frame{
		Dest:   append([]moduleid.ID(nil), dst...),
		Kind:   KindControl,
		Sender: sender,
		Op:     op,
		Serial: serial,
		Name:   name,
		Data:   data,
	}
}

// NewErrorFrame builds the conventional control Frame the switch and every
// module use to report a packet-level error back to a frame's sender: opcode
// ERROR, name identifying the error class, data carrying whatever context the
// caller wants attached (may be nil).
func NewErrorFrame(sender moduleid.ID, serial uint64, name string, data []byte, dst moduleid.ID) Frame {
	return NewControlFrame(sender, OpError, serial, name, data, dst)
}

// CurrentDest returns the module id a Frame should next be routed to, and
// whether the destination list is non-empty.
func (f Frame) CurrentDest() (id moduleid.ID, ok bool) {
	if len(f.Dest) == 0 {
		return 0, false
	}
	return f.Dest[0], true
}

// Advance returns a copy of f with the first destination id popped, for use
// by the switch when a Frame is addressed to itself as an intermediate hop.
func (f Frame) Advance() Frame {
	if len(f.Dest) == 0 {
		return f
	}
	f.Dest = f.Dest[1:]
	return f
}

// Copy returns a deep copy of f: a fresh PDU buffer and a shallow copy of the
// metadata map (see Metadata.Clone). This is the Go equivalent of the
// source's copy_finsFrame, implemented as a value-returning method so the
// caller always observes the copy — see DESIGN.md's Open Question (a).
func (f Frame) Copy() Frame {
	cp := f
	if f.PDU != nil {
		cp.PDU = append([]byte(nil), f.PDU...)
	}
	if f.Data != nil {
		cp.Data = append([]byte(nil), f.Data...)
	}
	cp.Dest = append([]moduleid.ID(nil), f.Dest...)
	cp.Metadata = f.Metadata.Clone()
	return cp
}

// PDULen returns the byte length of the PDU buffer. Used by tests asserting
// the invariant that a data Frame's declared PDU length equals its buffer's
// byte length, which in this representation holds by construction since
// there is no separate declared-length field to drift from len(f.PDU).
func (f Frame) PDULen() int { return len(f.PDU) }

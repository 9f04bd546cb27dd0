// Package ctrlchan is the host-local control channel SPEC_FULL.md §6
// describes: a shared-memory byte stream carrying one {request, reply}
// exchange at a time between the interception shim and the socket handler,
// gated by two named counting semaphores that alternate producer/consumer
// rights. This expansion implements the two semaphores with
// golang.org/x/sys/unix's System V semaphore syscalls (Semget/Semop) rather
// than an in-process sync primitive, since the shim is a separate OS process
// and needs a kernel-visible, named rendezvous point.
package ctrlchan

import "errors"

// Record is one control-channel request, as the shim writes it onto the
// channel: a PID identifying the caller, an opcode, and an opcode-specific
// argument blob, per SPEC_FULL.md §6's "{pid_t sender; uint32 opcode;
// opcode-specific body}" wire layout.
type Record struct {
	SenderPID int32
	Opcode    uint32
	Body      []byte
}

// Reply is the handler's response record: "{uint32 status; uint32
// payload_length; uint8[payload_length] payload}".
type Reply struct {
	Status  uint32
	Payload []byte
}

// Config names the shared resources a Channel is built from. Name is hashed
// into the System V keys for both the semaphore set and the shared memory
// segment, playing the role of the conventional main_channel1/main_channel2
// semaphore names: two Channels opened with the same Name rendezvous on the
// same kernel objects, whether they are two threads of this process (as in
// this package's own tests) or this process and an external shim.
type Config struct {
	Name    string
	ShmSize int
}

// ErrUnsupported is returned by Open on a platform without System V IPC
// support in this build (see ctrlchan_nolinux.go).
var ErrUnsupported = errors.New("ctrlchan: System V IPC control channel not supported on this platform")

const defaultShmSize = 1 << 16

// Semaphore indices within the two-semaphore set Open creates. The shim
// posts semRequestReady once it has written a request into the shared
// segment and the handler is waiting on it; the handler posts semReplyReady
// once it has written the reply and the shim is waiting on that one instead
// — the two semaphores' alternation is what "releasing the shim" back and
// forth means in SPEC_FULL.md §6.
const (
	semRequestReady = 0 // conventionally named main_channel2
	semReplyReady   = 1 // conventionally named main_channel1
)

// recordHeaderLen is sender_pid(4) + opcode(4) + body length(4).
const recordHeaderLen = 12

// replyHeaderLen is status(4) + payload length(4).
const replyHeaderLen = 8

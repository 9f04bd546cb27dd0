//go:build linux

package ctrlchan

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"golang.org/x/sys/unix"
)

// Channel is a System V-backed control channel: a semaphore set of two
// counting semaphores plus a shared memory segment large enough to hold one
// request or reply at a time.
type Channel struct {
	name  string
	semID int
	shmID int
	shm   []byte
}

// ftokKey derives a stable small int key from name, playing ftok(3)'s role:
// golang.org/x/sys/unix exposes the raw Semget/SysvShmGet syscalls but not
// ftok itself, and this channel's two endpoints only ever need to agree on
// one key per logical channel name, not on a (path, project-id) pair tied to
// a real filesystem entry.
func ftokKey(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() & 0x3fffffff)
}

// Open creates, or attaches to if already present, the named semaphore set
// and shared memory segment. Failure here is one of SPEC_FULL.md §6's named
// fatal initialization failures ("semaphore creation"); the caller is
// expected to treat a non-nil error as cause for process exit with a
// nonzero code, not a retry.
func Open(cfg Config) (*Channel, error) {
	if cfg.ShmSize <= 0 {
		cfg.ShmSize = defaultShmSize
	}
	key := ftokKey(cfg.Name)

	semID, err := unix.Semget(key, 2, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("ctrlchan: semget: %w", err)
	}
	// Both semaphores start at 0 (nothing ready); a fresh Semget with
	// IPC_CREAT already zero-initializes them, so no explicit SETVAL is
	// required unless a stale segment is being reattached mid-exchange,
	// which this package does not attempt to recover from.

	shmID, err := unix.SysvShmGet(key+1, cfg.ShmSize, unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, fmt.Errorf("ctrlchan: shmget: %w", err)
	}
	shm, err := unix.SysvShmAttach(shmID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrlchan: shmat: %w", err)
	}
	return &Channel{name: cfg.Name, semID: semID, shmID: shmID, shm: shm}, nil
}

// Close detaches the shared memory segment. The semaphore set and shared
// memory segment themselves are kernel-persistent until explicitly removed
// with ipcrm or process exit cleanup performed by the owning finsd instance;
// Close does not remove them, since another attached endpoint (the shim)
// may still be using them.
func (c *Channel) Close() error {
	return unix.SysvShmDetach(c.shm)
}

// Destroy detaches the shared memory segment. It intentionally does not
// also mark the semaphore set or shared memory segment for kernel removal
// (IPC_RMID): doing so races any shim process still attached to the same
// channel name, and a restarted finsd reattaches to the same key cleanly
// either way. An operator decommissioning a host runs `ipcrm` to reclaim
// the objects, the same manual step a System V-backed daemon typically
// documents rather than automates.
func (c *Channel) Destroy() error {
	return c.Close()
}

func (c *Channel) wait(semNum uint16) error {
	return unix.Semop(c.semID, []unix.Sembuf{{SemNum: semNum, SemOp: -1, SemFlg: 0}})
}

func (c *Channel) post(semNum uint16) error {
	return unix.Semop(c.semID, []unix.Sembuf{{SemNum: semNum, SemOp: 1, SemFlg: 0}})
}

// WriteRequest is the shim-side half of one exchange: it serializes rec
// into the shared segment and signals the handler that a request is ready.
// Production finsd never calls this; it is exercised by this package's own
// tests standing in for the shim.
func (c *Channel) WriteRequest(rec Record) error {
	n := recordHeaderLen + len(rec.Body)
	if n > len(c.shm) {
		return fmt.Errorf("ctrlchan: request of %d bytes exceeds channel capacity %d", n, len(c.shm))
	}
	binary.BigEndian.PutUint32(c.shm[0:4], uint32(rec.SenderPID))
	binary.BigEndian.PutUint32(c.shm[4:8], rec.Opcode)
	binary.BigEndian.PutUint32(c.shm[8:12], uint32(len(rec.Body)))
	copy(c.shm[recordHeaderLen:n], rec.Body)
	return c.post(semRequestReady)
}

// ReadRequest is the handler-side half: it blocks until the shim posts a
// request, then decodes it out of the shared segment.
func (c *Channel) ReadRequest() (Record, error) {
	if err := c.wait(semRequestReady); err != nil {
		return Record{}, err
	}
	pid := int32(binary.BigEndian.Uint32(c.shm[0:4]))
	opcode := binary.BigEndian.Uint32(c.shm[4:8])
	bodyLen := binary.BigEndian.Uint32(c.shm[8:12])
	body := append([]byte(nil), c.shm[recordHeaderLen:recordHeaderLen+int(bodyLen)]...)
	return Record{SenderPID: pid, Opcode: opcode, Body: body}, nil
}

// WriteReply is the handler-side half: it serializes reply into the shared
// segment and signals the shim that a reply is ready.
func (c *Channel) WriteReply(reply Reply) error {
	n := replyHeaderLen + len(reply.Payload)
	if n > len(c.shm) {
		return fmt.Errorf("ctrlchan: reply of %d bytes exceeds channel capacity %d", n, len(c.shm))
	}
	binary.BigEndian.PutUint32(c.shm[0:4], reply.Status)
	binary.BigEndian.PutUint32(c.shm[4:8], uint32(len(reply.Payload)))
	copy(c.shm[replyHeaderLen:n], reply.Payload)
	return c.post(semReplyReady)
}

// ReadReply is the shim-side half: it blocks until the handler posts a
// reply, then decodes it.
func (c *Channel) ReadReply() (Reply, error) {
	if err := c.wait(semReplyReady); err != nil {
		return Reply{}, err
	}
	status := binary.BigEndian.Uint32(c.shm[0:4])
	payloadLen := binary.BigEndian.Uint32(c.shm[4:8])
	payload := append([]byte(nil), c.shm[replyHeaderLen:replyHeaderLen+int(payloadLen)]...)
	return Reply{Status: status, Payload: payload}, nil
}

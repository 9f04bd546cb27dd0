//go:build linux

package ctrlchan_test

import (
	"fmt"
	"testing"

	"github.com/finswire/fins/ctrlchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTrip opens two Channel handles bound to the same name — standing
// in for the shim process and the socket handler attaching to the same
// System V objects — and drives one full request/reply exchange.
func TestRoundTrip(t *testing.T) {
	name := fmt.Sprintf("finsd-test-%s", t.Name())
	shimSide, err := ctrlchan.Open(ctrlchan.Config{Name: name})
	if err != nil {
		t.Skipf("System V IPC unavailable in this environment: %v", err)
	}
	defer shimSide.Destroy()

	handlerSide, err := ctrlchan.Open(ctrlchan.Config{Name: name})
	require.NoError(t, err)
	defer handlerSide.Close()

	done := make(chan error, 1)
	go func() {
		req, err := handlerSide.ReadRequest()
		if err != nil {
			done <- err
			return
		}
		if req.Opcode != 7 {
			done <- fmt.Errorf("unexpected opcode %d", req.Opcode)
			return
		}
		done <- handlerSide.WriteReply(ctrlchan.Reply{Status: 0, Payload: []byte("ok")})
	}()

	require.NoError(t, shimSide.WriteRequest(ctrlchan.Record{SenderPID: 1234, Opcode: 7, Body: []byte("bind")}))
	reply, err := shimSide.ReadReply()
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, uint32(0), reply.Status)
	assert.Equal(t, "ok", string(reply.Payload))
}

package fins_test

import (
	"testing"

	"github.com/finswire/fins"
	"github.com/finswire/fins/moduleid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramePDULenInvariant(t *testing.T) {
	f := fins.NewDataFrame(fins.Up, []byte("hello"), fins.Metadata{}, moduleid.IPv4)
	assert.Equal(t, len(f.PDU), f.PDULen())
}

func TestFrameCopyIsIndependent(t *testing.T) {
	orig := fins.NewDataFrame(fins.Down, []byte{1, 2, 3}, fins.Metadata{}, moduleid.Ethernet)
	orig.Metadata.SetU32(fins.KeyIPDst, 0x0a000001)

	cp := orig.Copy()
	cp.PDU[0] = 0xff
	cp.Metadata.SetU32(fins.KeyIPDst, 0x0a000002)

	assert.Equal(t, byte(1), orig.PDU[0], "mutating the copy's PDU must not affect the original")
	v, ok := orig.Metadata.U32(fins.KeyIPDst)
	require.True(t, ok)
	assert.Equal(t, uint32(0x0a000001), v, "mutating the copy's metadata must not affect the original")
}

func TestFrameAdvancePopsDestination(t *testing.T) {
	f := fins.NewControlFrame(moduleid.IPv4, fins.OpError, 1, "netunreach", nil, moduleid.Switch, moduleid.Socket)
	next, ok := f.CurrentDest()
	require.True(t, ok)
	assert.Equal(t, moduleid.Switch, next)

	f = f.Advance()
	next, ok = f.CurrentDest()
	require.True(t, ok)
	assert.Equal(t, moduleid.Socket, next)

	f = f.Advance()
	_, ok = f.CurrentDest()
	assert.False(t, ok)
}

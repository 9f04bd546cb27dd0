package arp_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/finswire/fins"
	"github.com/finswire/fins/arp"
	"github.com/finswire/fins/ethernet"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleRequestResolveRoundTrip(t *testing.T) {
	requester := queue.NewPair("arp1", 4)
	responder := queue.NewPair("arp2", 4)

	m1, err := arp.NewModule(arp.HandlerConfig{
		HardwareAddr: []byte{0, 1, 2, 3, 4, 5}, ProtocolAddr: []byte{10, 0, 0, 1},
		MaxQueries: 2, MaxPending: 2, HardwareType: 1, ProtocolType: ethernet.TypeIPv4,
	}, requester, nil)
	require.NoError(t, err)
	m2, err := arp.NewModule(arp.HandlerConfig{
		HardwareAddr: []byte{9, 9, 9, 9, 9, 9}, ProtocolAddr: []byte{10, 0, 0, 2},
		MaxQueries: 2, MaxPending: 2, HardwareType: 1, ProtocolType: ethernet.TypeIPv4,
	}, responder, nil)
	require.NoError(t, err)

	target := binary.BigEndian.Uint32([]byte{10, 0, 0, 2})
	require.NoError(t, m1.RequestResolution(target))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go m1.Run(ctx)
	go m2.Run(ctx)

	// requester's outbound request frame -> responder's inbound queue
	reqFrame, err := requester.Egress.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, responder.Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, reqFrame.PDU, fins.Metadata{}, moduleid.ARP)))

	// responder's outbound reply frame -> requester's inbound queue
	replyFrame, err := responder.Egress.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, requester.Ingress.Enqueue(ctx, fins.NewDataFrame(fins.Up, replyFrame.PDU, fins.Metadata{}, moduleid.ARP)))

	require.Eventually(t, func() bool {
		hw, ok := m1.Resolve(target)
		return ok && hw == [6]byte{9, 9, 9, 9, 9, 9}
	}, time.Second, time.Millisecond)

	hw, ok := m1.Resolve(target)
	assert.True(t, ok)
	assert.Equal(t, [6]byte{9, 9, 9, 9, 9, 9}, hw)
}

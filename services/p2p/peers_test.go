package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func activeBox() *outbox {
	return &outbox{
		gossip:    make(chan *Message, 4),
		important: make(chan *Message, 4),
	}
}

func TestSlotDiscipline(t *testing.T) {
	pm := NewPeerManager()

	// Cap 4 with 2 reserved outbound: at most 2 inbound.
	assert.True(t, pm.AllowInbound(4, 2))

	pm.register("in1:1", activeBox(), DirectionInbound)
	assert.True(t, pm.AllowInbound(4, 2))

	pm.register("in2:1", activeBox(), DirectionInbound)
	assert.False(t, pm.AllowInbound(4, 2), "inbound slots exhausted")

	// Outbound connections still fit.
	pm.register("out1:1", activeBox(), DirectionOutbound)
	pm.register("out2:1", activeBox(), DirectionOutbound)
	assert.False(t, pm.AllowInbound(4, 2), "total cap reached")

	assert.Equal(t, 2, pm.InboundCount())
	assert.Equal(t, 4, pm.ActiveCount())
}

func TestSlotDisciplineFreesOnRemove(t *testing.T) {
	pm := NewPeerManager()
	pm.register("in1:1", activeBox(), DirectionInbound)
	pm.register("in2:1", activeBox(), DirectionInbound)
	assert.False(t, pm.AllowInbound(4, 2))

	pm.RemovePeer("in1:1")
	assert.True(t, pm.AllowInbound(4, 2))
}

func TestReconnectBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), ReconnectBackoff(0), "zero failures reconnect immediately")
	assert.Equal(t, 60*time.Second, ReconnectBackoff(1))
	assert.Equal(t, 120*time.Second, ReconnectBackoff(2))
	assert.Equal(t, 240*time.Second, ReconnectBackoff(3))
	assert.Equal(t, 300*time.Second, ReconnectBackoff(4), "capped at 300s")
	assert.Equal(t, 300*time.Second, ReconnectBackoff(30))
}

func TestFailureTracking(t *testing.T) {
	pm := NewPeerManager()

	pm.IncrementFailures("peer:1")
	pm.IncrementFailures("peer:1")
	assert.Equal(t, uint32(2), pm.Failures("peer:1"))

	pm.ResetFailures("peer:1")
	assert.Equal(t, uint32(0), pm.Failures("peer:1"))

	peers := pm.GetPeers()
	assert.Len(t, peers, 1)
	assert.Equal(t, uint32(1), peers[0].SuccessCount)
}

func TestGossipDropsWhenFull(t *testing.T) {
	pm := NewPeerManager()
	box := &outbox{
		gossip:    make(chan *Message, 1),
		important: make(chan *Message, 1),
	}
	pm.register("peer:1", box, DirectionOutbound)

	msg := mustMessage(MsgGetTip, nil)
	assert.True(t, pm.SendGossip("peer:1", msg))
	assert.False(t, pm.SendGossip("peer:1", msg), "full gossip queue drops")

	assert.False(t, pm.SendGossip("unknown:1", msg))
}

func TestPeerHeightUpdates(t *testing.T) {
	pm := NewPeerManager()
	pm.AddPeer("peer:1", &PeerInfo{Addr: "peer:1"})

	pm.UpdatePeerHeight("peer:1", 500)
	peers := pm.GetPeers()
	assert.Equal(t, uint64(500), peers[0].Height)
	assert.NotZero(t, peers[0].LastSeen)
}

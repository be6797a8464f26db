package p2p

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(MsgHandshake, Handshake{
		Version: 1,
		Agent:   "ziond/2.9",
		Height:  42,
		Network: "ZION-TESTNET-V1",
		Nonce:   7,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	decoded, err := ReadMessage(bufio.NewReader(&buf), MaxMessageSize)
	require.NoError(t, err)
	assert.Equal(t, MsgHandshake, decoded.Type)

	var hs Handshake
	require.NoError(t, decoded.Decode(&hs))
	assert.Equal(t, uint64(42), hs.Height)
	assert.Equal(t, "ZION-TESTNET-V1", hs.Network)
	assert.Equal(t, uint64(7), hs.Nonce)
}

func TestReadMessageEnforcesSizeLimit(t *testing.T) {
	msg := mustMessage(MsgNewBlock, NewBlock{Height: 1, Hash: "abc"})

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	_, err := ReadMessage(bufio.NewReader(&buf), 4)
	assert.Error(t, err)
}

func TestReadMessageTruncatedFrame(t *testing.T) {
	_, err := ReadMessage(bufio.NewReader(bytes.NewReader([]byte{0, 0})), MaxMessageSize)
	assert.Error(t, err)
}

func TestEmptyPayloadMessage(t *testing.T) {
	msg := mustMessage(MsgGetTip, nil)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	decoded, err := ReadMessage(bufio.NewReader(&buf), MaxMessageSize)
	require.NoError(t, err)
	assert.Equal(t, MsgGetTip, decoded.Type)
	assert.Empty(t, decoded.Payload)
}

func TestBestPeersOrdering(t *testing.T) {
	peers := []PersistedPeer{
		{Addr: "bad:1", LastSeen: 1000, FailCount: 10},
		{Addr: "good:1", LastSeen: 2000, FailCount: 0},
		{Addr: "stale:1", LastSeen: 500, FailCount: 0},
	}

	best := BestPeers(peers, 2)
	require.Len(t, best, 2)
	assert.Equal(t, "good:1", best[0])
	assert.Equal(t, "stale:1", best[1])
}

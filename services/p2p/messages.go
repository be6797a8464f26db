package p2p

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
)

// Wire format: a 4-byte big-endian length prefix followed by a JSON
// envelope. The size ceiling is 4 MiB in steady state and 50 MB while in
// IBD, where batches of 500 blocks are expected.
const (
	MaxMessageSize    = 1 << 22
	MaxMessageSizeIBD = 50_000_000
)

// Message type tags.
const (
	MsgHandshake    = "handshake"
	MsgHandshakeAck = "handshake_ack"
	MsgNewBlock     = "new_block"
	MsgNewTx        = "new_tx"
	MsgGetBlocks    = "get_blocks"
	MsgBlocks       = "blocks"
	MsgGetBlocksIBD = "get_blocks_ibd"
	MsgBlocksIBD    = "blocks_ibd"
	MsgGetTx        = "get_tx"
	MsgTx           = "tx"
	MsgGetTip       = "get_tip"
	MsgTip          = "tip"
)

// Message is the tagged wire envelope.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Handshake struct {
	Version uint32 `json:"version"`
	Agent   string `json:"agent"`
	Height  uint64 `json:"height"`
	Network string `json:"network"`
	Nonce   uint64 `json:"nonce"`
}

type HandshakeAck struct {
	Version uint32 `json:"version"`
	Height  uint64 `json:"height"`
	Nonce   uint64 `json:"nonce"`
}

type NewBlock struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

type NewTx struct {
	ID string `json:"id"`
}

type GetBlocks struct {
	FromHeight uint64 `json:"from_height"`
	Limit      uint32 `json:"limit"`
}

type Blocks struct {
	Blocks []*model.Block `json:"blocks"`
}

type GetBlocksIBD struct {
	FromHeight uint64 `json:"from_height"`
	Limit      uint32 `json:"limit"`
}

type BlocksIBD struct {
	Blocks    []*model.Block `json:"blocks"`
	Remaining uint64         `json:"remaining"`
}

type GetTx struct {
	ID string `json:"id"`
}

type Tx struct {
	Transaction *model.Transaction `json:"transaction"`
}

type Tip struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// NewMessage wraps a payload in the envelope.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("encoding %s payload: %v", msgType, err)
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// mustMessage is for payloads that cannot fail to marshal.
func mustMessage(msgType string, payload interface{}) *Message {
	m, err := NewMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode unmarshals the payload into out.
func (m *Message) Decode(out interface{}) error {
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return errors.NewNetworkPeerError("decoding %s payload: %v", m.Type, err)
	}
	return nil
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, m *Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errors.NewNetworkPeerError("encoding message: %v", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(raw)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// ReadMessage reads one framed message, enforcing maxSize.
func ReadMessage(r *bufio.Reader, maxSize int) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if int(size) > maxSize {
		return nil, errors.NewNetworkPeerError("message size %d exceeds limit %d", size, maxSize)
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.NewNetworkPeerError("decoding message: %v", err)
	}
	return &m, nil
}

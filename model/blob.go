package model

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zion-terranova/ziond/errors"
)

// Template blob layout, fixed so the miner can mutate only the nonce region
// and the pool can reconstruct the exact header the node will recompute:
//
//	[0:4]     version    u32 LE
//	[4:12]    height     u64 LE
//	[12:76]   prev_hash  ASCII hex, NUL padded
//	[76:140]  merkle     ASCII hex, NUL padded
//	[140:148] timestamp  u64 LE
//	[148:156] difficulty u64 LE
//	[156:164] nonce      u64 LE (placeholder, zero in templates)
const (
	templateBlobMinSize = 156
	TemplateBlobSize    = 164
)

// TemplateBlob is the parsed form of a work blob.
type TemplateBlob struct {
	Version    uint32
	Height     uint64
	PrevHash   string
	MerkleRoot string
	Timestamp  uint64
	Difficulty uint64
}

// BuildTemplateBlob serializes header fields into the fixed wire layout.
func BuildTemplateBlob(version uint32, height uint64, prevHash, merkleRoot string, timestamp, difficulty uint64) string {
	blob := make([]byte, TemplateBlobSize)
	binary.LittleEndian.PutUint32(blob[0:4], version)
	binary.LittleEndian.PutUint64(blob[4:12], height)
	copy(blob[12:76], prevHash)
	copy(blob[76:140], merkleRoot)
	binary.LittleEndian.PutUint64(blob[140:148], timestamp)
	binary.LittleEndian.PutUint64(blob[148:156], difficulty)
	return hex.EncodeToString(blob)
}

// ParseTemplateBlob decodes a work blob. Blobs shorter than the fixed
// layout are rejected; the trailing nonce region is ignored because the
// nonce is carried separately on submit.
func ParseTemplateBlob(blobHex string) (*TemplateBlob, error) {
	clean := strings.TrimPrefix(blobHex, "0x")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("template blob is not hex: %v", err)
	}
	if len(raw) < templateBlobMinSize {
		return nil, errors.NewInvalidArgumentError("template blob too short: %d bytes", len(raw))
	}

	return &TemplateBlob{
		Version:    binary.LittleEndian.Uint32(raw[0:4]),
		Height:     binary.LittleEndian.Uint64(raw[4:12]),
		PrevHash:   strings.TrimRight(string(raw[12:76]), "\x00"),
		MerkleRoot: strings.TrimRight(string(raw[76:140]), "\x00"),
		Timestamp:  binary.LittleEndian.Uint64(raw[140:148]),
		Difficulty: binary.LittleEndian.Uint64(raw[148:156]),
	}, nil
}

// HeaderWithNonce reconstructs the block header the blob commits to,
// substituting the submitted nonce.
func (t *TemplateBlob) HeaderWithNonce(nonce uint64) *BlockHeader {
	return &BlockHeader{
		Version:    t.Version,
		Height:     t.Height,
		PrevHash:   t.PrevHash,
		MerkleRoot: t.MerkleRoot,
		Timestamp:  t.Timestamp,
		Difficulty: t.Difficulty,
		Nonce:      nonce,
	}
}

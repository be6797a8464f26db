package model

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/pkg/crypto"
)

type BlockHeader struct {
	Version    uint32 `json:"version"`
	Height     uint64 `json:"height"`
	PrevHash   string `json:"prev_hash"`
	MerkleRoot string `json:"merkle_root"`
	Timestamp  uint64 `json:"timestamp"`
	Difficulty uint64 `json:"difficulty"`
	Nonce      uint64 `json:"nonce"`
}

type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// NewBlock assembles a block and fills in the merkle root.
func NewBlock(version uint32, height uint64, prevHash string, timestamp, difficulty, nonce uint64, txs []*Transaction) *Block {
	return &Block{
		Header: BlockHeader{
			Version:    version,
			Height:     height,
			PrevHash:   prevHash,
			MerkleRoot: CalculateMerkleRoot(txs),
			Timestamp:  timestamp,
			Difficulty: difficulty,
			Nonce:      nonce,
		},
		Transactions: txs,
	}
}

// Bytes is the one canonical header serialization. The block id is the PoW
// hash of exactly these bytes; PoW verification hashes exactly these bytes.
// There is deliberately no second serialization.
func (h *BlockHeader) Bytes() []byte {
	data := make([]byte, 0, 4+8+len(h.PrevHash)+len(h.MerkleRoot)+8+8+8)
	data = binary.LittleEndian.AppendUint32(data, h.Version)
	data = binary.LittleEndian.AppendUint64(data, h.Height)
	data = append(data, h.PrevHash...)
	data = append(data, h.MerkleRoot...)
	data = binary.LittleEndian.AppendUint64(data, h.Timestamp)
	data = binary.LittleEndian.AppendUint64(data, h.Difficulty)
	data = binary.LittleEndian.AppendUint64(data, h.Nonce)
	return data
}

// PoWHash computes the header digest with the height's algorithm.
func (h *BlockHeader) PoWHash() [32]byte {
	return crypto.HashPoW(h.Bytes(), crypto.AlgorithmForHeight(h.Height))
}

// Hash is the block's identity: the hex form of the PoW digest.
func (b *Block) Hash() string {
	digest := b.Header.PoWHash()
	return hex.EncodeToString(digest[:])
}

func (b *Block) Height() uint64 {
	return b.Header.Height
}

func (b *Block) Difficulty() uint64 {
	return b.Header.Difficulty
}

// Coinbase returns the reward transaction, nil for an empty block.
func (b *Block) Coinbase() *Transaction {
	if len(b.Transactions) == 0 {
		return nil
	}
	return b.Transactions[0]
}

// CalculateMerkleRoot builds the standard pairwise tree over transaction
// ids, duplicating the last node on odd levels. An empty transaction list
// hashes to all zeros.
func CalculateMerkleRoot(txs []*Transaction) string {
	if len(txs) == 0 {
		return ZeroHash
	}

	hashes := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		id, err := hex.DecodeString(tx.ID)
		if err != nil || len(id) != 32 {
			id = make([]byte, 32)
		}
		hashes = append(hashes, id)
	}

	for len(hashes) > 1 {
		next := make([][]byte, 0, (len(hashes)+1)/2)
		for i := 0; i < len(hashes); i += 2 {
			combined := make([]byte, 0, 64)
			combined = append(combined, hashes[i]...)
			if i+1 < len(hashes) {
				combined = append(combined, hashes[i+1]...)
			} else {
				combined = append(combined, hashes[i]...)
			}
			sum := crypto.HashSmall(combined)
			next = append(next, sum[:])
		}
		hashes = next
	}

	return hex.EncodeToString(hashes[0])
}

// GenesisBlock builds the deterministic genesis for a network: height 0,
// zero prev hash, the network's fixed timestamp, and a single allocation
// transaction carrying the premine. Every node derives the same hash.
func GenesisBlock(params *chaincfg.Params) *Block {
	alloc := &Transaction{
		Version:   1,
		Inputs:    []*TxInput{},
		Outputs:   premineOutputs(),
		Fee:       0,
		Timestamp: params.GenesisTimestamp,
	}
	alloc.ID = alloc.CalculateHash()

	return NewBlock(
		chaincfg.ProtocolVersion,
		0,
		ZeroHash,
		params.GenesisTimestamp,
		chaincfg.MinDifficulty,
		0,
		[]*Transaction{alloc},
	)
}

func premineOutputs() []*TxOutput {
	allocations := chaincfg.PremineAllocations()
	outputs := make([]*TxOutput, 0, len(allocations))
	for _, a := range allocations {
		outputs = append(outputs, &TxOutput{Amount: a.Amount, Address: a.Address})
	}
	return outputs
}

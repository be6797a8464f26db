package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zion-terranova/ziond/pkg/crypto"
)

// ZeroHash is the hex form of 32 zero bytes, used as the prev hash of
// genesis and the prev tx hash of coinbase-style inputs.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

type TxInput struct {
	PrevTxHash  string `json:"prev_tx_hash"`
	OutputIndex uint32 `json:"output_index"`
	Signature   string `json:"signature"`
	PublicKey   string `json:"public_key"`
}

type TxOutput struct {
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
}

type Transaction struct {
	ID        string      `json:"id"`
	Version   uint32      `json:"version"`
	Inputs    []*TxInput  `json:"inputs"`
	Outputs   []*TxOutput `json:"outputs"`
	Fee       uint64      `json:"fee"`
	Timestamp uint64      `json:"timestamp"`
}

// OutpointKey is the UTXO set key for an output.
func OutpointKey(txHash string, index uint32) string {
	return fmt.Sprintf("%s:%d", txHash, index)
}

// Outpoint returns the key of the output this input spends.
func (in *TxInput) Outpoint() string {
	return OutpointKey(in.PrevTxHash, in.OutputIndex)
}

// CalculateHash derives the transaction id. Signatures are deliberately
// excluded so the id commits to all economically relevant fields and signing
// cannot change it.
func (tx *Transaction) CalculateHash() string {
	var data []byte

	data = binary.LittleEndian.AppendUint32(data, tx.Version)
	for _, in := range tx.Inputs {
		data = append(data, in.PrevTxHash...)
		data = binary.LittleEndian.AppendUint32(data, in.OutputIndex)
		data = append(data, in.PublicKey...)
	}
	for _, out := range tx.Outputs {
		data = binary.LittleEndian.AppendUint64(data, out.Amount)
		data = append(data, out.Address...)
	}
	data = binary.LittleEndian.AppendUint64(data, tx.Fee)
	data = binary.LittleEndian.AppendUint64(data, tx.Timestamp)

	return crypto.HashSmallHex(data)
}

// VerifySignatures recomputes the id and checks every input's Ed25519
// signature over it.
func (tx *Transaction) VerifySignatures() bool {
	idHex := tx.CalculateHash()
	if tx.ID != idHex {
		return false
	}

	msg, err := hex.DecodeString(idHex)
	if err != nil {
		return false
	}

	for _, in := range tx.Inputs {
		pk, err := hex.DecodeString(in.PublicKey)
		if err != nil {
			return false
		}
		sig, err := hex.DecodeString(in.Signature)
		if err != nil {
			return false
		}
		if !crypto.VerifySignature(pk, msg, sig) {
			return false
		}
	}

	return true
}

// IsCoinbase reports whether this is a reward-creating transaction: no
// inputs, exactly one output, zero fee.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0 && len(tx.Outputs) == 1 && tx.Fee == 0
}

// EstimateSize approximates the serialized size in bytes:
// base 28 + 196 per input + 72 per output.
func (tx *Transaction) EstimateSize() int {
	return 28 + len(tx.Inputs)*196 + len(tx.Outputs)*72
}

// FeeRate returns fee per estimated byte, the mempool ordering key.
func (tx *Transaction) FeeRate() uint64 {
	size := tx.EstimateSize()
	if size == 0 {
		return 0
	}
	return tx.Fee / uint64(size)
}

// NewCoinbaseTransaction builds the block's first transaction paying the
// miner. Fees are burned, so the amount never exceeds the block reward.
func NewCoinbaseTransaction(address string, amount, timestamp uint64) *Transaction {
	tx := &Transaction{
		Version: 1,
		Inputs:  []*TxInput{},
		Outputs: []*TxOutput{
			{Amount: amount, Address: address},
		},
		Fee:       0,
		Timestamp: timestamp,
	}
	tx.ID = tx.CalculateHash()
	return tx
}

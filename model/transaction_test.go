package model

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zion-terranova/ziond/pkg/crypto"
)

// signedTransfer builds a fully signed transaction spending one outpoint
// owned by seed.
func signedTransfer(t *testing.T, seed byte, prevTxHash string, amount, fee uint64) *Transaction {
	t.Helper()

	s := make([]byte, 32)
	for i := range s {
		s[i] = seed
	}
	publicKey := crypto.PublicKeyFromSeed(s)

	tx := &Transaction{
		Version: 1,
		Inputs: []*TxInput{{
			PrevTxHash:  prevTxHash,
			OutputIndex: 0,
			PublicKey:   hex.EncodeToString(publicKey),
		}},
		Outputs: []*TxOutput{{
			Amount:  amount,
			Address: testAddress(seed + 1),
		}},
		Fee:       fee,
		Timestamp: 1_700_000_000,
	}
	tx.ID = tx.CalculateHash()

	msg, err := hex.DecodeString(tx.ID)
	require.NoError(t, err)
	tx.Inputs[0].Signature = hex.EncodeToString(crypto.Sign(s, msg))

	return tx
}

func TestTransactionIDExcludesSignature(t *testing.T) {
	tx := signedTransfer(t, 1, ZeroHash, 1000, 1000)
	before := tx.ID

	tx.Inputs[0].Signature = "00"
	assert.Equal(t, before, tx.CalculateHash(), "signature must not affect the id")
}

func TestTransactionIDCommitsToFields(t *testing.T) {
	tx := signedTransfer(t, 1, ZeroHash, 1000, 1000)
	base := tx.CalculateHash()

	tx.Fee++
	assert.NotEqual(t, base, tx.CalculateHash())
	tx.Fee--

	tx.Outputs[0].Amount++
	assert.NotEqual(t, base, tx.CalculateHash())
	tx.Outputs[0].Amount--

	tx.Timestamp++
	assert.NotEqual(t, base, tx.CalculateHash())
}

func TestVerifySignatures(t *testing.T) {
	tx := signedTransfer(t, 7, ZeroHash, 5000, 1000)
	assert.True(t, tx.VerifySignatures())
}

func TestVerifySignaturesRejectsTamperedID(t *testing.T) {
	tx := signedTransfer(t, 7, ZeroHash, 5000, 1000)
	tx.ID = ZeroHash
	assert.False(t, tx.VerifySignatures())
}

func TestVerifySignaturesRejectsTamperedAmount(t *testing.T) {
	tx := signedTransfer(t, 7, ZeroHash, 5000, 1000)
	tx.Outputs[0].Amount = 50_000
	assert.False(t, tx.VerifySignatures())
}

func TestVerifySignaturesRejectsWrongKey(t *testing.T) {
	tx := signedTransfer(t, 7, ZeroHash, 5000, 1000)
	other := make([]byte, 32)
	other[0] = 0xAA
	tx.Inputs[0].PublicKey = hex.EncodeToString(crypto.PublicKeyFromSeed(other))
	assert.False(t, tx.VerifySignatures())
}

func TestCoinbaseShape(t *testing.T) {
	cb := NewCoinbaseTransaction(testAddress(1), 5_400_067_000, 1_700_000_000)
	assert.True(t, cb.IsCoinbase())
	assert.Empty(t, cb.Inputs)
	assert.Equal(t, cb.ID, cb.CalculateHash())

	transfer := signedTransfer(t, 1, ZeroHash, 1000, 1000)
	assert.False(t, transfer.IsCoinbase())
}

func TestEstimateSizeAndFeeRate(t *testing.T) {
	tx := signedTransfer(t, 1, ZeroHash, 1000, 448)
	assert.Equal(t, 28+196+72, tx.EstimateSize())
	assert.Equal(t, uint64(448/(28+196+72)), tx.FeeRate())
}

func TestOutpointKey(t *testing.T) {
	assert.Equal(t, "abc:3", OutpointKey("abc", 3))
	in := &TxInput{PrevTxHash: "abc", OutputIndex: 3}
	assert.Equal(t, "abc:3", in.Outpoint())
}

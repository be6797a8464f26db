package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zion-terranova/ziond/pkg/crypto"
)

func seedBytes(seed byte) []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = seed
	}
	return s
}

func addressFor(seed byte) string {
	return crypto.AddressFromPublicKey(crypto.PublicKeyFromSeed(seedBytes(seed)))
}

func ownUTXO(seed byte, n byte, amount uint64) SpendableUTXO {
	txHash := make([]byte, 32)
	txHash[0] = n
	hash := ""
	const hexDigits = "0123456789abcdef"
	for _, b := range txHash {
		hash += string(hexDigits[b>>4]) + string(hexDigits[b&0xf])
	}
	return SpendableUTXO{
		Key:         hash + ":0",
		TxHash:      hash,
		OutputIndex: 0,
		Amount:      amount,
		Address:     addressFor(seed),
	}
}

func TestParseUTXOKey(t *testing.T) {
	hash, idx, ok := ParseUTXOKey("abc:7")
	require.True(t, ok)
	assert.Equal(t, "abc", hash)
	assert.Equal(t, uint32(7), idx)

	_, _, ok = ParseUTXOKey("no-colon")
	assert.False(t, ok)
	_, _, ok = ParseUTXOKey("abc:")
	assert.False(t, ok)
	_, _, ok = ParseUTXOKey(":7")
	assert.False(t, ok)
	_, _, ok = ParseUTXOKey("abc:notanumber")
	assert.False(t, ok)
}

func TestBuildAndSignBatch(t *testing.T) {
	seed := seedBytes(9)
	utxos := []SpendableUTXO{
		ownUTXO(9, 1, 50_000_000),
		ownUTXO(9, 2, 10_000_000),
	}
	recipients := []Recipient{
		{Address: addressFor(1), Amount: 10_000_000},
		{Address: addressFor(2), Amount: 5_000_000},
	}

	result, err := BuildAndSignBatch(recipients, utxos, seed, "")
	require.NoError(t, err)

	tx := result.Transaction
	assert.True(t, tx.VerifySignatures(), "all inputs must carry valid signatures")

	// Largest-first selection: one input suffices.
	assert.Equal(t, 1, result.InputsUsed)
	assert.Equal(t, 2, result.RecipientsPaid)
	assert.Equal(t, uint64(15_000_000), result.TotalSent)

	// Conservation: inputs = outputs + fee.
	var outputTotal uint64
	for _, out := range tx.Outputs {
		outputTotal += out.Amount
	}
	assert.Equal(t, uint64(50_000_000), outputTotal+tx.Fee)

	// Recipients then change back to the signer.
	require.Len(t, tx.Outputs, 3)
	assert.Equal(t, addressFor(1), tx.Outputs[0].Address)
	assert.Equal(t, addressFor(2), tx.Outputs[1].Address)
	assert.Equal(t, addressFor(9), tx.Outputs[2].Address)
	assert.Equal(t, uint64(50_000_000-15_000_000)-tx.Fee, tx.Outputs[2].Amount)
}

func TestBatchSelectsMultipleInputs(t *testing.T) {
	seed := seedBytes(9)
	utxos := []SpendableUTXO{
		ownUTXO(9, 1, 6_000_000),
		ownUTXO(9, 2, 5_000_000),
		ownUTXO(9, 3, 4_000_000),
	}
	recipients := []Recipient{{Address: addressFor(1), Amount: 10_000_000}}

	result, err := BuildAndSignBatch(recipients, utxos, seed, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.InputsUsed, "6M + 5M covers 10M plus fee")
	assert.True(t, result.Transaction.VerifySignatures())
}

func TestBatchInsufficientFunds(t *testing.T) {
	seed := seedBytes(9)
	utxos := []SpendableUTXO{ownUTXO(9, 1, 1_000_000)}
	recipients := []Recipient{{Address: addressFor(1), Amount: 10_000_000}}

	_, err := BuildAndSignBatch(recipients, utxos, seed, "")
	assert.Error(t, err)
}

func TestBatchIgnoresForeignUTXOs(t *testing.T) {
	seed := seedBytes(9)
	utxos := []SpendableUTXO{
		ownUTXO(7, 1, 100_000_000), // someone else's output
		ownUTXO(9, 2, 20_000_000),
	}
	recipients := []Recipient{{Address: addressFor(1), Amount: 10_000_000}}

	result, err := BuildAndSignBatch(recipients, utxos, seed, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.InputsUsed)
	assert.Equal(t, utxos[1].TxHash, result.Transaction.Inputs[0].PrevTxHash)
}

func TestBatchRejectsBadInputs(t *testing.T) {
	seed := seedBytes(9)
	utxos := []SpendableUTXO{ownUTXO(9, 1, 100_000_000)}

	_, err := BuildAndSignBatch(nil, utxos, seed, "")
	assert.Error(t, err, "no recipients")

	_, err = BuildAndSignBatch([]Recipient{{Address: "bogus", Amount: 1}}, utxos, seed, "")
	assert.Error(t, err, "invalid recipient address")

	_, err = BuildAndSignBatch([]Recipient{{Address: addressFor(1), Amount: 0}}, utxos, seed, "")
	assert.Error(t, err, "zero amount")

	_, err = BuildAndSignBatch([]Recipient{{Address: addressFor(1), Amount: 1}}, utxos, seed[:16], "")
	assert.Error(t, err, "short seed")
}

package wallet

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/pkg/crypto"
)

// SpendableUTXO is an unspent output the wallet can sign for.
type SpendableUTXO struct {
	Key         string
	TxHash      string
	OutputIndex uint32
	Amount      uint64
	Address     string
}

// Recipient is one payout destination.
type Recipient struct {
	Address string
	Amount  uint64
}

// BatchResult describes a built and signed batch transaction.
type BatchResult struct {
	Transaction    *model.Transaction
	Fee            uint64
	InputsUsed     int
	RecipientsPaid int
	TotalSent      uint64
	Change         uint64
}

// ParseUTXOKey splits "txhash:index".
func ParseUTXOKey(key string) (string, uint32, bool) {
	idx := strings.LastIndexByte(key, ':')
	if idx <= 0 || idx == len(key)-1 {
		return "", 0, false
	}
	outputIndex, err := strconv.ParseUint(key[idx+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return key[:idx], uint32(outputIndex), true
}

// BuildAndSignBatch selects UTXOs greedily (largest first) until they cover
// the recipient total plus the fee, constructs one output per recipient
// plus change, computes the id over the unsigned form and signs every input
// with the 32-byte Ed25519 seed. The fee is recomputed as inputs are added
// because each input grows the transaction.
func BuildAndSignBatch(recipients []Recipient, utxos []SpendableUTXO, seed []byte, changeAddress string) (*BatchResult, error) {
	if len(recipients) == 0 {
		return nil, errors.NewInvalidArgumentError("no recipients")
	}
	if len(seed) != 32 {
		return nil, errors.NewInvalidArgumentError("signing seed must be 32 bytes, got %d", len(seed))
	}

	publicKey := crypto.PublicKeyFromSeed(seed)
	ownAddress := crypto.AddressFromPublicKey(publicKey)
	if changeAddress == "" {
		changeAddress = ownAddress
	}
	if !crypto.ValidateAddress(changeAddress) {
		return nil, errors.NewInvalidArgumentError("invalid change address %s", changeAddress)
	}

	var sendTotal uint64
	for _, r := range recipients {
		if r.Amount == 0 {
			return nil, errors.NewInvalidArgumentError("recipient %s amount is zero", r.Address)
		}
		if !crypto.ValidateAddress(r.Address) {
			return nil, errors.NewInvalidArgumentError("invalid recipient address %s", r.Address)
		}
		sendTotal += r.Amount
	}

	// Largest first: fewest inputs, smallest transaction.
	sorted := make([]SpendableUTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Address == ownAddress {
			sorted = append(sorted, u)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var selected []SpendableUTXO
	var inputTotal, fee uint64
	covered := false
	for _, u := range sorted {
		selected = append(selected, u)
		inputTotal += u.Amount

		// Outputs: recipients + change.
		size := 28 + len(selected)*196 + (len(recipients)+1)*72
		fee = chaincfg.RequiredFee(size)

		if inputTotal >= sendTotal+fee {
			covered = true
			break
		}
	}
	if !covered {
		return nil, errors.NewInvalidArgumentError("insufficient funds: have %d, need %d + fee %d", inputTotal, sendTotal, fee)
	}

	change := inputTotal - sendTotal - fee

	outputs := make([]*model.TxOutput, 0, len(recipients)+1)
	for _, r := range recipients {
		outputs = append(outputs, &model.TxOutput{Amount: r.Amount, Address: r.Address})
	}
	// A zero change output would violate the positive-amount rule, so an
	// exact-cover selection simply has no change output.
	if change > 0 {
		outputs = append(outputs, &model.TxOutput{Amount: change, Address: changeAddress})
	}

	inputs := make([]*model.TxInput, 0, len(selected))
	publicKeyHex := hex.EncodeToString(publicKey)
	for _, u := range selected {
		inputs = append(inputs, &model.TxInput{
			PrevTxHash:  u.TxHash,
			OutputIndex: u.OutputIndex,
			PublicKey:   publicKeyHex,
		})
	}

	tx := &model.Transaction{
		Version:   1,
		Inputs:    inputs,
		Outputs:   outputs,
		Fee:       fee,
		Timestamp: uint64(time.Now().Unix()),
	}
	tx.ID = tx.CalculateHash()

	// Sign every input over the id bytes.
	msg, err := hex.DecodeString(tx.ID)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("tx id not hex: %v", err)
	}
	signature := hex.EncodeToString(crypto.Sign(seed, msg))
	for _, in := range tx.Inputs {
		in.Signature = signature
	}

	return &BatchResult{
		Transaction:    tx,
		Fee:            fee,
		InputsUsed:     len(inputs),
		RecipientsPaid: len(recipients),
		TotalSent:      sendTotal,
		Change:         change,
	}, nil
}

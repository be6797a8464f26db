package pool

import (
	"encoding/hex"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/pkg/wallet"
	"github.com/zion-terranova/ziond/ulogger"
)

// PoolWallet holds the pool's Ed25519 signing key and builds signed payout
// transactions locally. The secret never leaves the process: the node only
// ever sees fully signed transactions via submitTransaction.
type PoolWallet struct {
	logger ulogger.Logger
	node   NodeClient

	seed      []byte
	Address   string
	PublicKey string
}

// NewPoolWallet derives the wallet from a 64-char hex Ed25519 seed.
func NewPoolWallet(logger ulogger.Logger, node NodeClient, secretKeyHex string) (*PoolWallet, error) {
	seed, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return nil, errors.NewConfigurationError("pool wallet key is not hex: %v", err)
	}
	if len(seed) != 32 {
		return nil, errors.NewConfigurationError("pool wallet key must be 32 bytes, got %d", len(seed))
	}

	publicKey := crypto.PublicKeyFromSeed(seed)
	address := crypto.AddressFromPublicKey(publicKey)

	logger.Infof("pool wallet initialised: address=%s", address)

	return &PoolWallet{
		logger:    logger,
		node:      node,
		seed:      seed,
		Address:   address,
		PublicKey: hex.EncodeToString(publicKey),
	}, nil
}

// FetchUTXOs pages through the wallet's unspent outputs on the node.
func (pw *PoolWallet) FetchUTXOs() ([]wallet.SpendableUTXO, error) {
	var all []wallet.SpendableUTXO
	const pageSize = 500

	for offset := 0; ; offset += pageSize {
		page, err := pw.node.GetUtxos(pw.Address, pageSize, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, u := range page {
			txHash, outputIndex, ok := wallet.ParseUTXOKey(u.Key)
			if !ok {
				continue
			}
			all = append(all, wallet.SpendableUTXO{
				Key:         u.Key,
				TxHash:      txHash,
				OutputIndex: outputIndex,
				Amount:      u.AmountAtomic,
				Address:     u.Address,
			})
		}

		if len(page) < pageSize {
			break
		}
	}

	return all, nil
}

// Balance asks the node for the wallet's confirmed balance.
func (pw *PoolWallet) Balance() (uint64, error) {
	return pw.node.GetBalance(pw.Address)
}

// SendBatch builds, signs and submits one transaction paying all
// recipients, returning the batch result (transaction, fee and totals).
func (pw *PoolWallet) SendBatch(recipients []wallet.Recipient) (*wallet.BatchResult, error) {
	utxos, err := pw.FetchUTXOs()
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		return nil, errors.NewServiceError("pool wallet has no spendable outputs")
	}

	result, err := wallet.BuildAndSignBatch(recipients, utxos, pw.seed, pw.Address)
	if err != nil {
		return nil, err
	}

	pw.logger.Infof("batch payout built: %d recipients, %d inputs, fee %d, tx %s",
		result.RecipientsPaid, result.InputsUsed, result.Fee, result.Transaction.ID)

	if _, err := pw.node.SubmitTransaction(result.Transaction); err != nil {
		return nil, err
	}

	return result, nil
}

// SendSingle pays one recipient.
func (pw *PoolWallet) SendSingle(address string, amountAtomic uint64) (string, error) {
	result, err := pw.SendBatch([]wallet.Recipient{{Address: address, Amount: amountAtomic}})
	if err != nil {
		return "", err
	}
	return result.Transaction.ID, nil
}

package blockchain

import (
	"time"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/pkg/crypto"
	store "github.com/zion-terranova/ziond/stores/blockchain"
)

// utxoView overlays in-block state transitions on top of the committed UTXO
// set, so a transaction can spend an output created earlier in the same
// block and a double spend inside the block is caught.
type utxoView struct {
	store   store.Store
	created map[string]*model.TxOutput
	spent   map[string]bool
}

func newUTXOView(s store.Store) *utxoView {
	return &utxoView{
		store:   s,
		created: make(map[string]*model.TxOutput),
		spent:   make(map[string]bool),
	}
}

func (v *utxoView) get(key string) (*model.TxOutput, error) {
	if v.spent[key] {
		return nil, store.ErrNotFound
	}
	if out, ok := v.created[key]; ok {
		return out, nil
	}
	return v.store.GetUTXO(key)
}

func (v *utxoView) spend(key string) {
	v.spent[key] = true
	delete(v.created, key)
}

func (v *utxoView) create(key string, out *model.TxOutput) {
	v.created[key] = out
	delete(v.spent, key)
}

// validateBlock checks a candidate against its ancestor and the current
// UTXO state. It is a pure function over an in-memory snapshot plus
// synchronous store reads; it never mutates anything. A nil error means the
// block may be applied.
func (b *Blockchain) validateBlock(candidate, parent *model.Block) error {
	h := &candidate.Header

	// 1. Protocol version.
	if h.Version != chaincfg.ProtocolVersion {
		return errors.NewBlockInvalidError("bad version %d, want %d", h.Version, chaincfg.ProtocolVersion)
	}

	// 2+3. Height continuity and parent link.
	if h.Height != parent.Height()+1 {
		return errors.NewBlockInvalidError("height %d does not extend parent height %d", h.Height, parent.Height())
	}
	if h.PrevHash != parent.Hash() {
		return errors.NewBlockInvalidError("prev_hash %s does not match parent %s", h.PrevHash, parent.Hash())
	}

	// 4. Timestamp window.
	if h.Timestamp <= parent.Header.Timestamp {
		return errors.NewBlockInvalidError("timestamp %d not after parent %d", h.Timestamp, parent.Header.Timestamp)
	}
	maxTime := uint64(time.Now().Add(chaincfg.MaxTimeDrift).Unix())
	if h.Timestamp > maxTime {
		return errors.NewBlockInvalidError("timestamp %d too far in the future", h.Timestamp)
	}

	// 5. Difficulty floor and per-block step.
	if h.Difficulty < chaincfg.MinDifficulty {
		return errors.NewBlockInvalidError("difficulty %d below minimum %d", h.Difficulty, chaincfg.MinDifficulty)
	}
	if !difficultyWithinStep(h.Difficulty, parent.Header.Difficulty) {
		return errors.NewBlockInvalidError("difficulty %d outside adjustment bounds of parent %d", h.Difficulty, parent.Header.Difficulty)
	}

	// 6. Proof of work.
	if !crypto.HashMeetsTarget(h.PoWHash(), h.Difficulty) {
		return errors.NewBlockInvalidError("proof of work does not meet difficulty %d", h.Difficulty)
	}

	// 7. Merkle commitment.
	if h.MerkleRoot != model.CalculateMerkleRoot(candidate.Transactions) {
		return errors.NewBlockInvalidError("merkle root mismatch")
	}

	// 8. Coinbase shape and amount. Fees are burned: the output is capped
	// at the bare block reward with no fee term.
	coinbase := candidate.Coinbase()
	if coinbase == nil {
		return errors.NewBlockInvalidError("block has no transactions")
	}
	if len(coinbase.Inputs) != 0 {
		return errors.NewBlockInvalidError("coinbase must have no inputs")
	}
	if len(coinbase.Outputs) != 1 {
		return errors.NewBlockInvalidError("coinbase must have exactly one output")
	}
	if coinbase.Fee != 0 {
		return errors.NewBlockInvalidError("coinbase fee must be zero")
	}
	if coinbase.Outputs[0].Amount > chaincfg.BlockReward(h.Height) {
		return errors.NewBlockInvalidError("coinbase amount %d exceeds reward %d", coinbase.Outputs[0].Amount, chaincfg.BlockReward(h.Height))
	}
	if !crypto.ValidateAddress(coinbase.Outputs[0].Address) {
		return errors.NewBlockInvalidError("coinbase address invalid")
	}

	// 9. Non-coinbase transactions, applied against an overlay view so
	// intra-block spends resolve and intra-block double spends fail. The
	// new coinbase output is deliberately absent from the view: it only
	// matures CoinbaseMaturity confirmations later.
	view := newUTXOView(b.store)
	for i, tx := range candidate.Transactions[1:] {
		if err := b.validateTxInBlock(tx, h.Height, view); err != nil {
			return errors.NewBlockInvalidError("tx %d (%s): %v", i+1, tx.ID, err)
		}
	}

	return nil
}

// validateTxInBlock checks one non-coinbase transaction against the view
// and advances the view with its effects.
func (b *Blockchain) validateTxInBlock(tx *model.Transaction, height uint64, view *utxoView) error {
	if err := ValidateTransaction(tx); err != nil {
		return err
	}

	var inputTotal uint64
	for _, in := range tx.Inputs {
		key := in.Outpoint()

		out, err := view.get(key)
		if err != nil {
			return errors.NewTxInvalidError("input %s not found or already spent", key)
		}

		if crypto.AddressFromPublicKeyHex(in.PublicKey) != out.Address {
			return errors.NewTxInvalidError("input %s public key does not own the output", key)
		}

		if err := b.checkCoinbaseMaturity(in.PrevTxHash, height); err != nil {
			return err
		}

		inputTotal += out.Amount
		view.spend(key)
	}

	var outputTotal uint64
	for _, out := range tx.Outputs {
		outputTotal += out.Amount
	}
	if inputTotal != outputTotal+tx.Fee {
		return errors.NewTxInvalidError("value not conserved: inputs %d, outputs %d, fee %d", inputTotal, outputTotal, tx.Fee)
	}

	for idx, out := range tx.Outputs {
		view.create(model.OutpointKey(tx.ID, uint32(idx)), out)
	}

	return nil
}

// checkCoinbaseMaturity rejects spends of a coinbase output until the
// spending height is at least CoinbaseMaturity blocks past it.
func (b *Blockchain) checkCoinbaseMaturity(prevTxHash string, spendHeight uint64) error {
	blockHash, err := b.store.GetBlockHashForTx(prevTxHash)
	if err != nil {
		// Output exists in the view but the source tx is unconfirmed
		// (same-block spend); those are never coinbase outputs.
		return nil
	}
	src, err := b.store.GetBlock(blockHash)
	if err != nil {
		return errors.NewStorageError("loading source block %s: %v", blockHash, err)
	}
	coinbase := src.Coinbase()
	if coinbase == nil || coinbase.ID != prevTxHash || !coinbase.IsCoinbase() {
		return nil
	}
	if src.Height() == 0 {
		// Genesis allocation outputs are not mined coinbase rewards.
		return nil
	}
	if spendHeight < src.Height()+chaincfg.CoinbaseMaturity {
		return errors.NewTxInvalidError("coinbase from height %d immature until %d", src.Height(), src.Height()+chaincfg.CoinbaseMaturity)
	}
	return nil
}

// ValidateTransaction performs the stateless checks shared by the mempool
// and block validation: id integrity, signatures, output bounds, size and
// fee policy.
func ValidateTransaction(tx *model.Transaction) error {
	if len(tx.Inputs) == 0 {
		return errors.NewTxInvalidError("transaction has no inputs")
	}
	if len(tx.Outputs) == 0 {
		return errors.NewTxInvalidError("transaction has no outputs")
	}

	size := tx.EstimateSize()
	if size > chaincfg.MaxTxSizeBytes {
		return errors.NewTxInvalidError("size %d exceeds maximum %d", size, chaincfg.MaxTxSizeBytes)
	}

	if !tx.VerifySignatures() {
		return errors.NewTxInvalidError("invalid id or signatures")
	}

	seen := make(map[string]bool, len(tx.Inputs))
	for _, in := range tx.Inputs {
		key := in.Outpoint()
		if seen[key] {
			return errors.NewTxInvalidError("input %s referenced twice", key)
		}
		seen[key] = true
	}

	var total uint64
	for i, out := range tx.Outputs {
		if out.Amount == 0 {
			return errors.NewTxInvalidError("output %d has zero amount", i)
		}
		if out.Amount > chaincfg.MaxOutputAmount {
			return errors.NewTxInvalidError("output %d exceeds maximum amount", i)
		}
		if !crypto.ValidateAddress(out.Address) {
			return errors.NewTxInvalidError("output %d address invalid", i)
		}
		total += out.Amount
	}
	if total > chaincfg.MaxOutputAmount {
		return errors.NewTxInvalidError("total output exceeds maximum amount")
	}

	if required := chaincfg.RequiredFee(size); tx.Fee < required {
		return errors.NewTxInvalidError("fee %d below required %d for %d bytes", tx.Fee, required, size)
	}

	return nil
}
